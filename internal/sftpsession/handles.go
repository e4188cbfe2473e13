// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sftpsession

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/juju/dray/internal/storage"
)

// handle is an open file or directory.
type handle interface {
	// close releases the handle at the client's request.
	close(ctx context.Context) error

	// abandon releases the handle when the session ends.
	abandon(ctx context.Context) error
}

// fileHandle is a file opened for reading.
type fileHandle struct {
	info storage.FileInfo
}

func (*fileHandle) close(context.Context) error   { return nil }
func (*fileHandle) abandon(context.Context) error { return nil }

// uploadHandle is a file opened for writing.
type uploadHandle struct {
	key     string
	upload  storage.Upload
	written uint64
	opened  time.Time

	// failed is set once a write has failed; the object must then never be
	// completed.
	failed bool
}

func (h *uploadHandle) close(ctx context.Context) error {
	return errors.Trace(h.upload.Complete(ctx))
}

func (h *uploadHandle) abandon(ctx context.Context) error {
	return errors.Trace(h.upload.Abort(ctx))
}

// dirHandle is a directory opened for listing.
type dirHandle struct {
	key   string
	token string
	done  bool
}

func (*dirHandle) close(context.Context) error   { return nil }
func (*dirHandle) abandon(context.Context) error { return nil }

func (s *Session) addHandle(h handle) string {
	id := uuid.NewString()
	s.handles[id] = h
	return id
}

func (s *Session) checkHandleLimit() error {
	if len(s.handles) >= maxHandles {
		return errors.Errorf("too many open handles (%d)", len(s.handles))
	}
	return nil
}

func (s *Session) handle(id string) (handle, error) {
	h, ok := s.handles[id]
	if !ok {
		return nil, errors.Annotatef(ErrInvalidHandle, "%q", id)
	}
	return h, nil
}

func (s *Session) fileHandle(id string) (*fileHandle, error) {
	h, err := s.handle(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fh, ok := h.(*fileHandle)
	if !ok {
		return nil, errors.Annotatef(ErrInvalidHandle, "%q is not open for reading", id)
	}
	return fh, nil
}

func (s *Session) uploadHandle(id string) (*uploadHandle, error) {
	h, err := s.handle(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	uh, ok := h.(*uploadHandle)
	if !ok {
		return nil, errors.Annotatef(ErrInvalidHandle, "%q is not open for writing", id)
	}
	return uh, nil
}

func (s *Session) dirHandle(id string) (*dirHandle, error) {
	h, err := s.handle(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dh, ok := h.(*dirHandle)
	if !ok {
		return nil, errors.Annotatef(ErrInvalidHandle, "%q is not a directory", id)
	}
	return dh, nil
}

func (s *Session) closeHandle(ctx context.Context, id string) error {
	h, err := s.handle(id)
	if err != nil {
		return errors.Trace(err)
	}
	delete(s.handles, id)
	if uh, ok := h.(*uploadHandle); ok && uh.failed {
		if err := uh.upload.Abort(ctx); err != nil {
			s.logger.Warningf("%s: aborting upload of %q: %v", s.user, uh.key, err)
		}
		return errors.Errorf("upload of %q abandoned after a failed write", uh.key)
	}
	return errors.Trace(h.close(ctx))
}

// closeHandles abandons every open handle. The context may already be
// cancelled, so the work runs on a detached one with its own deadline.
func (s *Session) closeHandles(ctx context.Context) {
	if len(s.handles) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	for id, h := range s.handles {
		if err := h.abandon(ctx); err != nil {
			s.logger.Warningf("%s: releasing handle %q: %v", s.user, id, err)
		}
		delete(s.handles, id)
	}
}
