// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package storage defines the object storage backend that SFTP sessions
// operate on. Keys are slash separated and never start with a slash;
// directories are key prefixes, optionally materialised by a zero length
// marker object whose key ends in a slash.
package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	// ErrDirectoryNotEmpty is returned when removing a directory that still
	// has children.
	ErrDirectoryNotEmpty = errors.ConstError("directory not empty")

	// ErrUploadClosed is returned when writing to an upload that has
	// already been completed or aborted.
	ErrUploadClosed = errors.ConstError("upload closed")
)

// FileInfo describes a file or directory in the store.
type FileInfo struct {
	// Name is the last element of the key.
	Name string

	// Key is the full key, without a trailing slash for directories.
	Key string

	Size     int64
	Modified time.Time
	IsDir    bool
}

// Storage is an object storage backend.
type Storage interface {
	// HealthCheck returns an error if storage operations cannot be
	// performed.
	HealthCheck(ctx context.Context) error

	// AuthorizedKeys returns the SHA256 fingerprints of the public keys
	// that may log in as user. Missing users yield an empty list rather
	// than an error, so that clients cannot probe for user names.
	AuthorizedKeys(ctx context.Context, user string) ([]string, error)

	// Stat returns the file or directory at key. A NotFound error is
	// returned if neither exists.
	Stat(ctx context.Context, key string) (FileInfo, error)

	// List returns up to limit direct children of the directory at key,
	// starting after token. The returned token is empty on the last page.
	List(ctx context.Context, key, token string, limit int) ([]FileInfo, string, error)

	// CreateDir creates the marker for the directory at key.
	CreateDir(ctx context.Context, key string) error

	// RemoveDir removes the empty directory at key.
	RemoveDir(ctx context.Context, key string) error

	// RenameDir moves every object below from to the same relative key
	// below to.
	RenameDir(ctx context.Context, from, to string) error

	// Remove removes the file at key.
	Remove(ctx context.Context, key string) error

	// Rename moves the file at from to to.
	Rename(ctx context.Context, from, to string) error

	// ReadAt reads up to length bytes of the file at key starting at
	// offset. io.EOF is returned once offset reaches the end of the file.
	ReadAt(ctx context.Context, key string, offset int64, length int) ([]byte, error)

	// NewUpload starts writing the file at key. Nothing is visible until
	// the upload is completed.
	NewUpload(ctx context.Context, key string) (Upload, error)
}

// Upload is an object being written sequentially.
type Upload interface {
	// Write appends data to the object.
	Write(ctx context.Context, data []byte) error

	// Complete makes the object visible.
	Complete(ctx context.Context) error

	// Abort discards everything written so far.
	Abort(ctx context.Context) error
}

// HomeKey returns the key of the home directory of user.
func HomeKey(user string) string {
	return path.Join("home", user)
}

// AuthorizedKeysKey returns the key of the authorized_keys file of user.
func AuthorizedKeysKey(user string) string {
	return path.Join(HomeKey(user), ".ssh", "authorized_keys")
}

// DirPrefix returns the prefix under which the children of the directory
// at key live.
func DirPrefix(key string) string {
	if key == "" {
		return ""
	}
	return strings.TrimSuffix(key, "/") + "/"
}

// BaseName returns the last element of key.
func BaseName(key string) string {
	if key == "" {
		return "/"
	}
	return path.Base(key)
}
