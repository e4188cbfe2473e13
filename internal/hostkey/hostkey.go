// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package hostkey provides the private key the SSH server identifies itself
// with.
package hostkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"
)

// Generate returns a new ed25519 host key signer and its OpenSSH PEM
// encoding.
func Generate() (ssh.Signer, []byte, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Annotate(err, "generating host key")
	}
	block, err := ssh.MarshalPrivateKey(private, "")
	if err != nil {
		return nil, nil, errors.Annotate(err, "marshalling host key")
	}
	signer, err := ssh.NewSignerFromKey(private)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return signer, pem.EncodeToMemory(block), nil
}

// LoadOrGenerate returns the host key stored at path. When the file does
// not exist a new key is generated and written there, readable only by
// the owner. An empty path yields an ephemeral key that is never stored.
func LoadOrGenerate(path string) (ssh.Signer, error) {
	if path == "" {
		signer, _, err := Generate()
		return signer, errors.Trace(err)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, errors.Annotatef(err, "parsing host key %q", path)
		}
		return signer, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Annotatef(err, "reading host key %q", path)
	}

	signer, data, err := Generate()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Annotatef(err, "creating directory for host key %q", path)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, errors.Annotatef(err, "writing host key %q", path)
	}
	return signer, nil
}
