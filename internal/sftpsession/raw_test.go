// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sftpsession_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/dray/internal/sftpsession"
	"github.com/juju/dray/internal/sftpwire"
	"github.com/juju/dray/internal/storage"
)

type rawSuite struct {
	baseSuite
}

var _ = gc.Suite(&rawSuite{})

func (s *rawSuite) TestFirstPacketMustBeInit(c *gc.C) {
	h := s.newRaw(c)
	h.send(c, sftpwire.TypeStat, payload{}.u32(1).str("a"))
	err := waitDone(c, h.done)
	c.Check(err, gc.ErrorMatches, "expected init, got stat")
}

func (s *rawSuite) TestInitVersion(c *gc.C) {
	h := s.newRaw(c)
	h.send(c, sftpwire.TypeInit, payload{}.u32(6))
	p := h.recv(c)
	c.Assert(p.Type, gc.Equals, sftpwire.TypeVersion)
	c.Check(p.Payload, jc.DeepEquals, []byte{0, 0, 0, 3})
	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestRepeatedInit(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)
	h.send(c, sftpwire.TypeInit, payload{}.u32(3))
	id, code := h.status(c)
	c.Check(id, gc.Equals, uint32(0))
	c.Check(code, gc.Equals, sftpwire.StatusFailure)
	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestBadMessage(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	// A stat request without its path.
	h.send(c, sftpwire.TypeStat, payload{}.u32(42))
	id, code := h.status(c)
	c.Check(id, gc.Equals, uint32(42))
	c.Check(code, gc.Equals, sftpwire.StatusBadMessage)

	// Too short to carry an id.
	h.send(c, sftpwire.TypeStat, payload{0, 1})
	id, code = h.status(c)
	c.Check(id, gc.Equals, uint32(0))
	c.Check(code, gc.Equals, sftpwire.StatusBadMessage)

	c.Check(h.close(c), jc.ErrorIsNil)
	c.Check(s.metrics.count("stat", sftpwire.StatusBadMessage), gc.Equals, 2)
}

func (s *rawSuite) TestUnknownRequest(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.PacketType(99), payload{}.u32(7))
	id, code := h.status(c)
	c.Check(id, gc.Equals, uint32(7))
	c.Check(code, gc.Equals, sftpwire.StatusOpUnsupported)

	h.send(c, sftpwire.TypeExtended, payload{}.u32(8).str("posix-rename@openssh.com").str("a").str("b"))
	id, code = h.status(c)
	c.Check(id, gc.Equals, uint32(8))
	c.Check(code, gc.Equals, sftpwire.StatusOpUnsupported)

	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestInvalidHandle(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeClose, payload{}.u32(1).str("nope"))
	_, code := h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	h.send(c, sftpwire.TypeRead, payload{}.u32(2).str("nope").u64(0).u32(10))
	_, code = h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestNonSequentialWrite(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeOpen, payload{}.u32(1).str("a.txt").u32(sftpwire.OpenWrite|sftpwire.OpenCreate).u32(0))
	handle := h.handle(c, 1)

	h.send(c, sftpwire.TypeWrite, payload{}.u32(2).str(handle).u64(0).str("abc"))
	_, code := h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusOK)

	h.send(c, sftpwire.TypeWrite, payload{}.u32(3).str(handle).u64(10).str("def"))
	_, code = h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	// Reading from a write handle is refused too.
	h.send(c, sftpwire.TypeRead, payload{}.u32(4).str(handle).u64(0).u32(3))
	_, code = h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	h.send(c, sftpwire.TypeClose, payload{}.u32(5).str(handle))
	_, code = h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	c.Check(h.close(c), jc.ErrorIsNil)
	c.Check(s.store.Keys(), jc.DeepEquals, []string{"home/alice/"})
}

func (s *rawSuite) TestExclusiveOpenOfExistingFile(c *gc.C) {
	s.store.PutObject("home/alice/a.txt", []byte("keep"))
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeOpen, payload{}.u32(1).str("a.txt").u32(sftpwire.OpenWrite|sftpwire.OpenExcl).u32(0))
	id, code := h.status(c)
	c.Check(id, gc.Equals, uint32(1))
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	h.send(c, sftpwire.TypeOpen, payload{}.u32(2).str("a.txt").u32(sftpwire.OpenWrite|sftpwire.OpenCreate|sftpwire.OpenExcl).u32(0))
	id, code = h.status(c)
	c.Check(id, gc.Equals, uint32(2))
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	c.Check(h.close(c), jc.ErrorIsNil)
	data, err := s.store.ReadAt(context.Background(), "home/alice/a.txt", 0, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, "keep")
}

func (s *rawSuite) TestFailedUploadAbortErrorLogged(c *gc.C) {
	s.backend = abortFailingStorage{Storage: s.store}
	var tw loggo.TestWriter
	c.Assert(loggo.RegisterWriter("abort-test", &tw), jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _, _ = loggo.RemoveWriter("abort-test") })

	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeOpen, payload{}.u32(1).str("a.txt").u32(sftpwire.OpenWrite|sftpwire.OpenCreate).u32(0))
	handle := h.handle(c, 1)
	h.send(c, sftpwire.TypeWrite, payload{}.u32(2).str(handle).u64(5).str("abc"))
	_, code := h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	h.send(c, sftpwire.TypeClose, payload{}.u32(3).str(handle))
	_, code = h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusFailure)
	c.Check(h.close(c), jc.ErrorIsNil)

	var warnings []string
	for _, entry := range tw.Log() {
		if entry.Level == loggo.WARNING {
			warnings = append(warnings, entry.Message)
		}
	}
	c.Check(strings.Join(warnings, "\n"), jc.Contains,
		`alice: aborting upload of "home/alice/a.txt": abort refused`)
}

func (s *rawSuite) TestHandleLimit(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	for i := 1; i <= 256; i++ {
		h.send(c, sftpwire.TypeOpendir, payload{}.u32(uint32(i)).str("."))
		h.handle(c, uint32(i))
	}
	h.send(c, sftpwire.TypeOpendir, payload{}.u32(257).str("."))
	id, code := h.status(c)
	c.Check(id, gc.Equals, uint32(257))
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	s.store.PutObject("home/alice/a.txt", []byte("a"))
	h.send(c, sftpwire.TypeOpen, payload{}.u32(258).str("a.txt").u32(sftpwire.OpenRead).u32(0))
	id, code = h.status(c)
	c.Check(id, gc.Equals, uint32(258))
	c.Check(code, gc.Equals, sftpwire.StatusFailure)

	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestFstatUploadReportsWrittenSize(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeOpen, payload{}.u32(1).str("a.txt").u32(sftpwire.OpenWrite|sftpwire.OpenCreate).u32(0))
	handle := h.handle(c, 1)
	h.send(c, sftpwire.TypeWrite, payload{}.u32(2).str(handle).u64(0).str("abcde"))
	_, code := h.status(c)
	c.Assert(code, gc.Equals, sftpwire.StatusOK)

	h.send(c, sftpwire.TypeFstat, payload{}.u32(3).str(handle))
	p := h.recv(c)
	c.Assert(p.Type, gc.Equals, sftpwire.TypeAttrs)
	b := sftpwire.NewBuffer(p.Payload)
	id, err := b.Uint32()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(id, gc.Equals, uint32(3))
	attrs, err := sftpwire.ReadAttrs(b)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attrs.IsDir(), jc.IsFalse)
	c.Check(attrs.Size, gc.Equals, uint64(5))

	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestRealpathOutsideHome(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeRealpath, payload{}.u32(1).str("/etc/../var/./log"))
	p := h.recv(c)
	c.Assert(p.Type, gc.Equals, sftpwire.TypeName)
	b := sftpwire.NewBuffer(p.Payload)
	id, err := b.Uint32()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(id, gc.Equals, uint32(1))
	count, err := b.Uint32()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(count, gc.Equals, uint32(1))
	name, err := b.String()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(name, gc.Equals, "/var/log")

	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestZeroLengthRead(c *gc.C) {
	s.store.PutObject("home/alice/a.txt", []byte("abc"))
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeOpen, payload{}.u32(1).str("a.txt").u32(sftpwire.OpenRead).u32(0))
	handle := h.handle(c, 1)

	h.send(c, sftpwire.TypeRead, payload{}.u32(2).str(handle).u64(1).u32(0))
	p := h.recv(c)
	c.Assert(p.Type, gc.Equals, sftpwire.TypeData)
	b := sftpwire.NewBuffer(p.Payload)
	id, err := b.Uint32()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(id, gc.Equals, uint32(2))
	data, err := b.Bytes()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data, gc.HasLen, 0)

	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestCancelEndsBlockedServe(c *gc.C) {
	serverR, clientW := io.Pipe()
	clientR, serverW := io.Pipe()
	defer clientW.Close()
	defer clientR.Close()
	rw := struct {
		io.Reader
		io.Writer
		io.Closer
	}{serverR, serverW, closerFunc(func() error {
		_ = serverR.Close()
		return serverW.Close()
	})}

	session := s.newSession(c)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- session.Serve(ctx, rw)
	}()

	h := &rawHarness{r: clientR, w: clientW, done: done}
	h.init(c)
	cancel()
	c.Check(waitDone(c, done), jc.ErrorIsNil)
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

type abortFailingStorage struct {
	storage.Storage
}

func (s abortFailingStorage) NewUpload(ctx context.Context, key string) (storage.Upload, error) {
	upload, err := s.Storage.NewUpload(ctx, key)
	if err != nil {
		return nil, err
	}
	return abortFailingUpload{Upload: upload}, nil
}

type abortFailingUpload struct {
	storage.Upload
}

func (abortFailingUpload) Abort(context.Context) error {
	return errors.New("abort refused")
}

func (s *rawSuite) TestReadLengthCapped(c *gc.C) {
	s.store.PutObject("home/alice/big", bytes.Repeat([]byte("x"), 300*1024))
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeOpen, payload{}.u32(1).str("big").u32(sftpwire.OpenRead).u32(0))
	handle := h.handle(c, 1)

	h.send(c, sftpwire.TypeRead, payload{}.u32(2).str(handle).u64(0).u32(1<<20))
	p := h.recv(c)
	c.Assert(p.Type, gc.Equals, sftpwire.TypeData)
	b := sftpwire.NewBuffer(p.Payload)
	_, err := b.Uint32()
	c.Assert(err, jc.ErrorIsNil)
	data, err := b.Bytes()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(len(data), gc.Equals, sftpsession.MaxDataLength)
	c.Check(len(p.Payload) < sftpwire.MaxPacketLength, jc.IsTrue)

	h.send(c, sftpwire.TypeRead, payload{}.u32(3).str(handle).u64(300*1024).u32(10))
	id, code := h.status(c)
	c.Check(id, gc.Equals, uint32(3))
	c.Check(code, gc.Equals, sftpwire.StatusEOF)

	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestFstatDirectoryHandle(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeOpendir, payload{}.u32(1).str("/home/alice"))
	handle := h.handle(c, 1)

	h.send(c, sftpwire.TypeFstat, payload{}.u32(2).str(handle))
	p := h.recv(c)
	c.Assert(p.Type, gc.Equals, sftpwire.TypeAttrs)
	b := sftpwire.NewBuffer(p.Payload)
	_, err := b.Uint32()
	c.Assert(err, jc.ErrorIsNil)
	attrs, err := sftpwire.ReadAttrs(b)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(attrs.IsDir(), jc.IsTrue)

	h.send(c, sftpwire.TypeFsetstat, payload{}.u32(3).str(handle).u32(0))
	_, code := h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusOK)

	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestEmptyReaddir(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeOpendir, payload{}.u32(1).str("."))
	handle := h.handle(c, 1)

	h.send(c, sftpwire.TypeReaddir, payload{}.u32(2).str(handle))
	_, code := h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusEOF)

	c.Check(h.close(c), jc.ErrorIsNil)
}

func (s *rawSuite) TestTruncatedStreamAbortsUpload(c *gc.C) {
	h := s.newRaw(c)
	h.init(c)

	h.send(c, sftpwire.TypeOpen, payload{}.u32(1).str("a.txt").u32(sftpwire.OpenWrite|sftpwire.OpenCreate).u32(0))
	handle := h.handle(c, 1)
	h.send(c, sftpwire.TypeWrite, payload{}.u32(2).str(handle).u64(0).str("abc"))
	_, code := h.status(c)
	c.Check(code, gc.Equals, sftpwire.StatusOK)

	// Half a packet, then the stream ends.
	_, err := h.w.Write([]byte{0, 0, 0, 9, byte(sftpwire.TypeClose)})
	c.Assert(err, jc.ErrorIsNil)
	err = h.close(c)
	c.Check(errors.Is(err, io.ErrUnexpectedEOF), jc.IsTrue)
	c.Check(s.store.Keys(), jc.DeepEquals, []string{"home/alice/"})
}

type statusSuite struct{}

var _ = gc.Suite(&statusSuite{})

func (*statusSuite) TestStatusCode(c *gc.C) {
	tests := []struct {
		err  error
		code sftpwire.StatusCode
	}{
		{nil, sftpwire.StatusOK},
		{io.EOF, sftpwire.StatusEOF},
		{errors.Annotate(sftpwire.ErrBadMessage, "decoding"), sftpwire.StatusBadMessage},
		{errors.NotFoundf("x"), sftpwire.StatusNoSuchFile},
		{errors.Forbiddenf("x"), sftpwire.StatusPermissionDenied},
		{errors.NotSupportedf("x"), sftpwire.StatusOpUnsupported},
		{storage.ErrDirectoryNotEmpty, sftpwire.StatusFailure},
		{errors.New("boom"), sftpwire.StatusFailure},
	}
	for i, test := range tests {
		c.Logf("test %d: %v", i, test.err)
		c.Check(sftpsession.StatusCode(test.err), gc.Equals, test.code)
	}
}

func (*statusSuite) TestLongname(c *gc.C) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	file := storage.FileInfo{Name: "a.txt", Size: 1234, Modified: time.Date(2025, 5, 2, 3, 4, 0, 0, time.UTC)}
	c.Check(sftpsession.Longname(file, "alice", now), gc.Equals,
		"-rw-r--r--    1 alice    alice        1234 May  2 03:04 a.txt")

	dir := storage.FileInfo{Name: "docs", IsDir: true, Modified: time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC)}
	c.Check(sftpsession.Longname(dir, "alice", now), gc.Equals,
		"drwxr-xr-x    1 alice    alice           0 Jan 15  2023 docs")
}

func (*statusSuite) TestConfigValidate(c *gc.C) {
	_, err := sftpsession.New(sftpsession.Config{})
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, "empty User not valid")
}
