// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshserver

import (
	"context"
	"regexp"

	"github.com/juju/errors"
	"golang.org/x/crypto/ssh"
)

// fingerprintExtension records the fingerprint of the key a connection
// authenticated with in its ssh.Permissions.
const fingerprintExtension = "dray-key-fingerprint"

// validUsername matches the portable POSIX-style user names accepted for
// login. Names also select the storage prefix, so nothing that could
// escape it is allowed.
var validUsername = regexp.MustCompile(`^[a-z_][a-z0-9_.-]{0,31}$`)

// ValidUsername reports whether name may be used to log in.
func ValidUsername(name string) bool {
	return validUsername.MatchString(name)
}

// publicKeyCallback accepts key when its SHA256 fingerprint is one of the
// authorized keys stored for the user.
func (s *Server) publicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	user := conn.User()
	if !ValidUsername(user) {
		s.config.Metrics.authenticationFailed(authFailureInvalidUser)
		return nil, errors.Errorf("invalid user name %q", user)
	}

	ctx, cancel := context.WithTimeout(s.catacomb.Context(context.Background()), storageTimeout)
	defer cancel()
	authorized, err := s.config.Storage.AuthorizedKeys(ctx, user)
	if err != nil {
		s.config.Logger.Warningf("fetching authorized keys of %q: %v", user, err)
		s.config.Metrics.authenticationFailed(authFailureStorageError)
		return nil, errors.Annotatef(err, "fetching authorized keys of %q", user)
	}

	fingerprint := ssh.FingerprintSHA256(key)
	for _, candidate := range authorized {
		if candidate == fingerprint {
			s.config.Logger.Debugf("%q authenticated with key %s", user, fingerprint)
			return &ssh.Permissions{
				Extensions: map[string]string{fingerprintExtension: fingerprint},
			}, nil
		}
	}
	s.config.Metrics.authenticationFailed(authFailureUnknownKey)
	return nil, errors.Errorf("key %s is not authorized for %q", fingerprint, user)
}
