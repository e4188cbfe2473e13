// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package storage

import (
	"bytes"

	"golang.org/x/crypto/ssh"
)

// ParseAuthorizedKeys returns the SHA256 fingerprints of every public key in
// an OpenSSH authorized_keys document. Blank lines, comments and lines that
// fail to parse are skipped.
func ParseAuthorizedKeys(data []byte) []string {
	fingerprints := []string{}
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			continue
		}
		fingerprints = append(fingerprints, ssh.FingerprintSHA256(key))
	}
	return fingerprints
}
