// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sftpsession serves the SFTP subsystem of a single SSH channel,
// mapping file-system requests onto a storage.Storage.
package sftpsession

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/dray/internal/sftpwire"
	"github.com/juju/dray/internal/storage"
)

const (
	// maxDataLength bounds the payload of a data response so that the
	// whole packet fits in the largest packet a peer will accept.
	maxDataLength = sftpwire.MaxPacketLength - 1024

	readdirPageSize = 100

	maxHandles = 256

	// closeTimeout bounds the time spent aborting unfinished uploads once
	// the session has ended.
	closeTimeout = 30 * time.Second
)

const (
	// ErrInvalidHandle is returned for requests naming a handle that is
	// not open, or is of the wrong kind.
	ErrInvalidHandle = errors.ConstError("invalid handle")

	// ErrNonSequentialWrite is returned when a write does not start where
	// the previous one ended.
	ErrNonSequentialWrite = errors.ConstError("non-sequential write")
)

// Logger represents the logging methods called.
type Logger interface {
	Debugf(message string, args ...any)
	Infof(message string, args ...any)
	Warningf(message string, args ...any)
}

// Metrics records the outcome of SFTP requests.
type Metrics interface {
	// RequestServed is called once per request with its packet type name
	// and the resulting status.
	RequestServed(op string, status sftpwire.StatusCode)

	// BytesRead and BytesWritten count file payload transferred.
	BytesRead(n int)
	BytesWritten(n int)
}

// Config holds the dependencies of a Session.
type Config struct {
	// User is the authenticated user. Access is limited to its home
	// directory.
	User string

	Storage storage.Storage
	Clock   clock.Clock
	Metrics Metrics
	Logger  Logger
}

// Validate returns an error if the config cannot drive a Session.
func (c Config) Validate() error {
	if c.User == "" {
		return errors.NotValidf("empty User")
	}
	if c.Storage == nil {
		return errors.NotValidf("nil Storage")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Session serves SFTP requests for one user. A Session is not safe for
// concurrent use; requests are handled in the order they arrive.
type Session struct {
	user    string
	homeKey string
	home    string

	storage storage.Storage
	clock   clock.Clock
	metrics Metrics
	logger  Logger

	handles map[string]handle
}

// New returns a Session for the user in config.
func New(config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	homeKey := storage.HomeKey(config.User)
	return &Session{
		user:    config.User,
		homeKey: homeKey,
		home:    "/" + homeKey,
		storage: config.Storage,
		clock:   config.Clock,
		metrics: config.Metrics,
		logger:  config.Logger,
		handles: make(map[string]handle),
	}, nil
}

// Serve reads requests from rw and writes a response to each, until the
// peer closes the stream or ctx is cancelled. If rw is an io.Closer it is
// closed on cancellation, which unblocks a pending read. Every handle still
// open when Serve returns is released and unfinished uploads are aborted.
func (s *Session) Serve(ctx context.Context, rw io.ReadWriter) error {
	defer s.closeHandles(ctx)
	if closer, ok := rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = closer.Close()
		})
		defer stop()
	}

	if err := s.init(rw); err != nil {
		return errors.Trace(err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		p, err := sftpwire.ReadPacket(rw, sftpwire.MaxPacketLength)
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		} else if err != nil {
			return errors.Annotate(err, "reading request")
		}
		resp := s.serveRequest(ctx, p)
		if err := sftpwire.WritePacket(rw, resp); err != nil {
			return errors.Annotatef(err, "writing %s response", resp.Type())
		}
	}
}

func (s *Session) init(rw io.ReadWriter) error {
	p, err := sftpwire.ReadPacket(rw, sftpwire.MaxPacketLength)
	if err != nil {
		return errors.Annotate(err, "reading init")
	}
	if p.Type != sftpwire.TypeInit {
		return errors.Errorf("expected init, got %s", p.Type)
	}
	req, err := sftpwire.DecodeRequest(p)
	if err != nil {
		return errors.Trace(err)
	}
	s.logger.Debugf("%s: client requested SFTP version %d", s.user, req.(*sftpwire.Init).Version)
	return errors.Trace(sftpwire.WritePacket(rw, &sftpwire.Version{
		Version: sftpwire.ProtocolVersion,
	}))
}

func (s *Session) serveRequest(ctx context.Context, p sftpwire.Packet) sftpwire.Response {
	req, err := sftpwire.DecodeRequest(p)
	if err != nil {
		id, _ := sftpwire.PeekRequestID(p)
		return s.status(p.Type, id, err)
	}
	resp, err := s.dispatch(ctx, req)
	if err != nil || resp == nil {
		return s.status(p.Type, req.RequestID(), err)
	}
	s.metrics.RequestServed(p.Type.String(), sftpwire.StatusOK)
	return resp
}

// dispatch performs req. A nil response with a nil error is answered with
// an OK status.
func (s *Session) dispatch(ctx context.Context, req sftpwire.Request) (sftpwire.Response, error) {
	switch req := req.(type) {
	case *sftpwire.Init:
		return nil, errors.Errorf("session already initialised")
	case *sftpwire.Open:
		return s.open(ctx, req)
	case *sftpwire.Close:
		return nil, s.closeHandle(ctx, req.Handle)
	case *sftpwire.Read:
		return s.read(ctx, req)
	case *sftpwire.Write:
		return nil, s.write(ctx, req)
	case *sftpwire.Lstat:
		return s.stat(ctx, req.ID, req.Path)
	case *sftpwire.Stat:
		return s.stat(ctx, req.ID, req.Path)
	case *sftpwire.Fstat:
		return s.fstat(ctx, req)
	case *sftpwire.Setstat:
		return nil, s.setstat(ctx, req)
	case *sftpwire.Fsetstat:
		_, err := s.handle(req.Handle)
		return nil, err
	case *sftpwire.Opendir:
		return s.opendir(ctx, req)
	case *sftpwire.Readdir:
		return s.readdir(ctx, req)
	case *sftpwire.Remove:
		return nil, s.remove(ctx, req)
	case *sftpwire.Mkdir:
		return nil, s.mkdir(ctx, req)
	case *sftpwire.Rmdir:
		return nil, s.rmdir(ctx, req)
	case *sftpwire.Realpath:
		return s.realpath(req), nil
	case *sftpwire.Rename:
		return nil, s.rename(ctx, req)
	case *sftpwire.Readlink:
		return nil, errors.NotSupportedf("readlink")
	case *sftpwire.Symlink:
		return nil, errors.NotSupportedf("symlink")
	case *sftpwire.Extended:
		return nil, errors.NotSupportedf("extension %q", req.Name)
	case *sftpwire.Unknown:
		return nil, errors.NotSupportedf("request type %d", req.Type)
	}
	return nil, errors.NotSupportedf("request %T", req)
}

// status answers a request with the status matching err.
func (s *Session) status(op sftpwire.PacketType, id uint32, err error) *sftpwire.Status {
	code := statusCode(err)
	switch code {
	case sftpwire.StatusOK, sftpwire.StatusEOF:
	case sftpwire.StatusFailure:
		s.logger.Warningf("%s: %s request failed: %v", s.user, op, err)
	default:
		s.logger.Debugf("%s: %s request: %v", s.user, op, err)
	}
	s.metrics.RequestServed(op.String(), code)
	return sftpwire.NewStatus(id, code)
}

// statusCode maps an error onto the status reported to the client.
func statusCode(err error) sftpwire.StatusCode {
	switch {
	case err == nil:
		return sftpwire.StatusOK
	case errors.Is(err, io.EOF):
		return sftpwire.StatusEOF
	case errors.Is(err, sftpwire.ErrBadMessage):
		return sftpwire.StatusBadMessage
	case errors.Is(err, errors.NotFound):
		return sftpwire.StatusNoSuchFile
	case errors.Is(err, errors.Forbidden):
		return sftpwire.StatusPermissionDenied
	case errors.Is(err, errors.NotSupported):
		return sftpwire.StatusOpUnsupported
	}
	return sftpwire.StatusFailure
}

// resolve returns the clean absolute form of p. Relative paths are taken
// from the home directory.
func (s *Session) resolve(p string) string {
	if !path.IsAbs(p) {
		p = path.Join(s.home, p)
	}
	return path.Clean(p)
}

// keyFor returns the storage key of p, which must lie within the home
// directory.
func (s *Session) keyFor(p string) (string, error) {
	abs := s.resolve(p)
	if abs != s.home && !strings.HasPrefix(abs, s.home+"/") {
		return "", errors.Forbiddenf("%q is outside %q", abs, s.home)
	}
	return abs[1:], nil
}
