// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package memstorage provides a process local storage backend. Its contents
// are lost when the process exits.
package memstorage

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/dray/internal/storage"
)

type object struct {
	data     []byte
	modified time.Time
}

// Storage is an in-memory implementation of storage.Storage.
type Storage struct {
	clock clock.Clock

	mu      sync.Mutex
	objects map[string]object
}

var _ storage.Storage = (*Storage)(nil)

// New returns an empty store that timestamps objects using clk.
func New(clk clock.Clock) *Storage {
	return &Storage{
		clock:   clk,
		objects: make(map[string]object),
	}
}

// PutObject stores data at key, replacing any existing object. Keys ending
// in a slash are directory markers.
func (s *Storage) PutObject(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: append([]byte(nil), data...), modified: s.clock.Now()}
}

// Keys returns every stored key in lexical order.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HealthCheck is part of the storage.Storage interface.
func (s *Storage) HealthCheck(context.Context) error {
	return nil
}

// AuthorizedKeys is part of the storage.Storage interface.
func (s *Storage) AuthorizedKeys(_ context.Context, user string) ([]string, error) {
	s.mu.Lock()
	obj, ok := s.objects[storage.AuthorizedKeysKey(user)]
	s.mu.Unlock()
	if !ok {
		return []string{}, nil
	}
	return storage.ParseAuthorizedKeys(obj.data), nil
}

// Stat is part of the storage.Storage interface.
func (s *Storage) Stat(_ context.Context, key string) (storage.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stat(key)
}

func (s *Storage) stat(key string) (storage.FileInfo, error) {
	if key == "" {
		return storage.FileInfo{Name: "/", IsDir: true}, nil
	}
	if obj, ok := s.objects[key]; ok {
		return storage.FileInfo{
			Name:     storage.BaseName(key),
			Key:      key,
			Size:     int64(len(obj.data)),
			Modified: obj.modified,
		}, nil
	}
	prefix := storage.DirPrefix(key)
	if marker, ok := s.objects[prefix]; ok {
		return storage.FileInfo{Name: storage.BaseName(key), Key: key, Modified: marker.modified, IsDir: true}, nil
	}
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			return storage.FileInfo{Name: storage.BaseName(key), Key: key, IsDir: true}, nil
		}
	}
	return storage.FileInfo{}, errors.NotFoundf("%q", key)
}

// List is part of the storage.Storage interface.
func (s *Storage) List(_ context.Context, key, token string, limit int) ([]storage.FileInfo, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := storage.DirPrefix(key)
	children := make(map[string]storage.FileInfo)
	for k, obj := range s.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := k[len(prefix):]
		if rest == "" {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name := rest[:i]
			info := children[name]
			info.Name = name
			info.Key = prefix + name
			info.IsDir = true
			if i == len(rest)-1 {
				info.Modified = obj.modified
			}
			children[name] = info
			continue
		}
		children[rest] = storage.FileInfo{
			Name:     rest,
			Key:      k,
			Size:     int64(len(obj.data)),
			Modified: obj.modified,
		}
	}

	names := make([]string, 0, len(children))
	for name := range children {
		if name > token {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var next string
	if limit > 0 && len(names) > limit {
		names = names[:limit]
		next = names[limit-1]
	}
	infos := make([]storage.FileInfo, len(names))
	for i, name := range names {
		infos[i] = children[name]
	}
	return infos, next, nil
}

// CreateDir is part of the storage.Storage interface.
func (s *Storage) CreateDir(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stat(key); err == nil {
		return errors.AlreadyExistsf("%q", key)
	}
	s.objects[storage.DirPrefix(key)] = object{modified: s.clock.Now()}
	return nil
}

// RemoveDir is part of the storage.Storage interface.
func (s *Storage) RemoveDir(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.stat(key)
	if err != nil {
		return errors.Trace(err)
	}
	if !info.IsDir {
		return errors.NotValidf("%q is not a directory", key)
	}
	prefix := storage.DirPrefix(key)
	for k := range s.objects {
		if k != prefix && strings.HasPrefix(k, prefix) {
			return errors.Annotatef(storage.ErrDirectoryNotEmpty, "%q", key)
		}
	}
	delete(s.objects, prefix)
	return nil
}

// RenameDir is part of the storage.Storage interface.
func (s *Storage) RenameDir(_ context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fromPrefix, toPrefix := storage.DirPrefix(from), storage.DirPrefix(to)
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, fromPrefix) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return errors.NotFoundf("%q", from)
	}
	moved := make(map[string]object, len(keys))
	for _, k := range keys {
		moved[toPrefix+k[len(fromPrefix):]] = s.objects[k]
		delete(s.objects, k)
	}
	for k, obj := range moved {
		s.objects[k] = obj
	}
	return nil
}

// Remove is part of the storage.Storage interface.
func (s *Storage) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return errors.NotFoundf("%q", key)
	}
	delete(s.objects, key)
	return nil
}

// Rename is part of the storage.Storage interface.
func (s *Storage) Rename(_ context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[from]
	if !ok {
		return errors.NotFoundf("%q", from)
	}
	delete(s.objects, from)
	s.objects[to] = obj
	return nil
}

// ReadAt is part of the storage.Storage interface.
func (s *Storage) ReadAt(_ context.Context, key string, offset int64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, errors.NotFoundf("%q", key)
	}
	if offset >= int64(len(obj.data)) {
		return nil, io.EOF
	}
	end := offset + int64(length)
	if end > int64(len(obj.data)) {
		end = int64(len(obj.data))
	}
	return append([]byte(nil), obj.data[offset:end]...), nil
}

// NewUpload is part of the storage.Storage interface.
func (s *Storage) NewUpload(_ context.Context, key string) (storage.Upload, error) {
	return &upload{store: s, key: key}, nil
}

type upload struct {
	store  *Storage
	key    string
	buf    []byte
	closed bool
}

// Write is part of the storage.Upload interface.
func (u *upload) Write(_ context.Context, data []byte) error {
	if u.closed {
		return storage.ErrUploadClosed
	}
	u.buf = append(u.buf, data...)
	return nil
}

// Complete is part of the storage.Upload interface.
func (u *upload) Complete(context.Context) error {
	if u.closed {
		return storage.ErrUploadClosed
	}
	u.closed = true
	u.store.PutObject(u.key, u.buf)
	return nil
}

// Abort is part of the storage.Upload interface.
func (u *upload) Abort(context.Context) error {
	u.closed = true
	u.buf = nil
	return nil
}
