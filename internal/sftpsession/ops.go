// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sftpsession

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/juju/dray/internal/sftpwire"
	"github.com/juju/dray/internal/storage"
)

const (
	filePerm os.FileMode = 0644
	dirPerm  os.FileMode = 0755
)

func (s *Session) open(ctx context.Context, req *sftpwire.Open) (sftpwire.Response, error) {
	key, err := s.keyFor(req.Path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if req.PFlags&sftpwire.OpenAppend != 0 {
		return nil, errors.NotSupportedf("appending to %q", key)
	}
	if err := s.checkHandleLimit(); err != nil {
		return nil, errors.Trace(err)
	}

	var h handle
	if req.PFlags&sftpwire.OpenWrite == 0 {
		h, err = s.openRead(ctx, key)
	} else {
		h, err = s.openWrite(ctx, key, req.PFlags)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.logger.Debugf("%s: opened %q (flags %#x)", s.user, key, req.PFlags)
	return &sftpwire.Handle{ID: req.ID, Handle: s.addHandle(h)}, nil
}

func (s *Session) openRead(ctx context.Context, key string) (handle, error) {
	info, err := s.storage.Stat(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if info.IsDir {
		return nil, errors.Errorf("%q is a directory", key)
	}
	return &fileHandle{info: info}, nil
}

func (s *Session) openWrite(ctx context.Context, key string, pflags uint32) (handle, error) {
	info, err := s.storage.Stat(ctx, key)
	switch {
	case err == nil && info.IsDir:
		return nil, errors.Errorf("%q is a directory", key)
	case err == nil && pflags&sftpwire.OpenExcl != 0:
		return nil, errors.AlreadyExistsf("%q", key)
	case errors.Is(err, errors.NotFound):
		if pflags&sftpwire.OpenCreate == 0 {
			return nil, errors.Trace(err)
		}
		if err := s.checkParent(ctx, key); err != nil {
			return nil, errors.Trace(err)
		}
	case err != nil:
		return nil, errors.Trace(err)
	}

	upload, err := s.storage.NewUpload(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &uploadHandle{
		key:    key,
		upload: upload,
		opened: s.clock.Now(),
	}, nil
}

// checkParent returns an error unless the directory holding key exists.
func (s *Session) checkParent(ctx context.Context, key string) error {
	parent := path.Dir(key)
	info, err := s.storage.Stat(ctx, parent)
	if err != nil {
		return errors.Annotatef(err, "parent of %q", key)
	}
	if !info.IsDir {
		return errors.Errorf("%q is not a directory", parent)
	}
	return nil
}

func (s *Session) read(ctx context.Context, req *sftpwire.Read) (sftpwire.Response, error) {
	h, err := s.fileHandle(req.Handle)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if req.Offset > math.MaxInt64 {
		return nil, io.EOF
	}
	length := int(min(req.Length, maxDataLength))
	if length == 0 {
		return &sftpwire.Data{ID: req.ID}, nil
	}

	data, err := s.storage.ReadAt(ctx, h.info.Key, int64(req.Offset), length)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.metrics.BytesRead(len(data))
	return &sftpwire.Data{ID: req.ID, Data: data}, nil
}

func (s *Session) write(ctx context.Context, req *sftpwire.Write) error {
	h, err := s.uploadHandle(req.Handle)
	if err != nil {
		return errors.Trace(err)
	}
	if req.Offset != h.written {
		h.failed = true
		return errors.Annotatef(ErrNonSequentialWrite, "offset %d of %q, expected %d", req.Offset, h.key, h.written)
	}
	if err := h.upload.Write(ctx, req.Data); err != nil {
		h.failed = true
		return errors.Trace(err)
	}
	h.written += uint64(len(req.Data))
	s.metrics.BytesWritten(len(req.Data))
	return nil
}

func (s *Session) stat(ctx context.Context, id uint32, p string) (sftpwire.Response, error) {
	key, err := s.keyFor(p)
	if err != nil {
		return nil, errors.Trace(err)
	}
	info, err := s.storage.Stat(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &sftpwire.AttrsResponse{ID: id, Attrs: attrsFor(info)}, nil
}

func (s *Session) fstat(ctx context.Context, req *sftpwire.Fstat) (sftpwire.Response, error) {
	h, err := s.handle(req.Handle)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var attrs sftpwire.Attrs
	switch h := h.(type) {
	case *fileHandle:
		attrs = attrsFor(h.info)
	case *uploadHandle:
		attrs = sftpwire.FileAttrs(h.written, filePerm, h.opened)
	case *dirHandle:
		info, err := s.storage.Stat(ctx, h.key)
		if err != nil {
			return nil, errors.Trace(err)
		}
		attrs = attrsFor(info)
	}
	return &sftpwire.AttrsResponse{ID: req.ID, Attrs: attrs}, nil
}

// setstat accepts any attribute change for an existing path. Objects have
// no owner, mode or settable times.
func (s *Session) setstat(ctx context.Context, req *sftpwire.Setstat) error {
	key, err := s.keyFor(req.Path)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = s.storage.Stat(ctx, key)
	return errors.Trace(err)
}

func (s *Session) opendir(ctx context.Context, req *sftpwire.Opendir) (sftpwire.Response, error) {
	key, err := s.keyFor(req.Path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.checkHandleLimit(); err != nil {
		return nil, errors.Trace(err)
	}
	info, err := s.storage.Stat(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !info.IsDir {
		return nil, errors.Errorf("%q is not a directory", key)
	}
	return &sftpwire.Handle{ID: req.ID, Handle: s.addHandle(&dirHandle{key: key})}, nil
}

func (s *Session) readdir(ctx context.Context, req *sftpwire.Readdir) (sftpwire.Response, error) {
	h, err := s.dirHandle(req.Handle)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// A page may hold nothing but the directory marker, so keep going
	// until there is something to return.
	var infos []storage.FileInfo
	for len(infos) == 0 && !h.done {
		page, next, err := s.storage.List(ctx, h.key, h.token, readdirPageSize)
		if err != nil {
			return nil, errors.Trace(err)
		}
		infos, h.token, h.done = page, next, next == ""
	}
	if len(infos) == 0 {
		return nil, io.EOF
	}

	now := s.clock.Now()
	resp := &sftpwire.Name{ID: req.ID, Entries: make([]sftpwire.NameEntry, len(infos))}
	for i, info := range infos {
		resp.Entries[i] = sftpwire.NameEntry{
			Filename: info.Name,
			Longname: longname(info, s.user, now),
			Attrs:    attrsFor(info),
		}
	}
	return resp, nil
}

func (s *Session) remove(ctx context.Context, req *sftpwire.Remove) error {
	key, err := s.keyFor(req.Path)
	if err != nil {
		return errors.Trace(err)
	}
	info, err := s.storage.Stat(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}
	if info.IsDir {
		return errors.Errorf("%q is a directory", key)
	}
	return errors.Trace(s.storage.Remove(ctx, key))
}

func (s *Session) mkdir(ctx context.Context, req *sftpwire.Mkdir) error {
	key, err := s.keyFor(req.Path)
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.checkParent(ctx, key); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.storage.CreateDir(ctx, key))
}

func (s *Session) rmdir(ctx context.Context, req *sftpwire.Rmdir) error {
	key, err := s.keyFor(req.Path)
	if err != nil {
		return errors.Trace(err)
	}
	if key == s.homeKey {
		return errors.Forbiddenf("removing home directory")
	}
	return errors.Trace(s.storage.RemoveDir(ctx, key))
}

func (s *Session) realpath(req *sftpwire.Realpath) sftpwire.Response {
	abs := s.resolve(req.Path)
	return &sftpwire.Name{
		ID:      req.ID,
		Entries: []sftpwire.NameEntry{{Filename: abs, Longname: abs}},
	}
}

func (s *Session) rename(ctx context.Context, req *sftpwire.Rename) error {
	from, err := s.keyFor(req.OldPath)
	if err != nil {
		return errors.Trace(err)
	}
	to, err := s.keyFor(req.NewPath)
	if err != nil {
		return errors.Trace(err)
	}
	if from == s.homeKey {
		return errors.Forbiddenf("renaming home directory")
	}

	info, err := s.storage.Stat(ctx, from)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := s.storage.Stat(ctx, to); err == nil {
		return errors.AlreadyExistsf("%q", to)
	} else if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	if err := s.checkParent(ctx, to); err != nil {
		return errors.Trace(err)
	}

	if !info.IsDir {
		return errors.Trace(s.storage.Rename(ctx, from, to))
	}
	if strings.HasPrefix(to, from+"/") {
		return errors.Errorf("cannot move %q into itself", from)
	}
	return errors.Trace(s.storage.RenameDir(ctx, from, to))
}

func attrsFor(info storage.FileInfo) sftpwire.Attrs {
	if info.IsDir {
		return sftpwire.DirAttrs(dirPerm, info.Modified)
	}
	return sftpwire.FileAttrs(uint64(info.Size), filePerm, info.Modified)
}

// longname formats info the way ls -l does, which is what clients expect
// to display.
func longname(info storage.FileInfo, owner string, now time.Time) string {
	mode := filePerm
	if info.IsDir {
		mode = os.ModeDir | dirPerm
	}
	layout := "Jan _2 15:04"
	if t := info.Modified; t.Before(now.AddDate(0, -6, 0)) || t.After(now.Add(time.Hour)) {
		layout = "Jan _2  2006"
	}
	return fmt.Sprintf("%s %4d %-8s %-8s %8d %s %s",
		mode, 1, owner, owner, info.Size, info.Modified.Format(layout), info.Name)
}
