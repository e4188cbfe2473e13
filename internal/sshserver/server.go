// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sshserver runs the SSH server that exposes storage through the
// SFTP subsystem.
package sshserver

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"golang.org/x/crypto/ssh"
	"gopkg.in/tomb.v2"

	"github.com/juju/dray/internal/sftpsession"
	"github.com/juju/dray/internal/storage"
)

const (
	serverVersion = "SSH-2.0-dray"

	defaultHandshakeTimeout = 30 * time.Second

	// storageTimeout bounds each storage call made outside an SFTP
	// session, such as looking up authorized keys.
	storageTimeout = 30 * time.Second
)

// Logger represents the logging methods called.
type Logger interface {
	Debugf(message string, args ...any)
	Infof(message string, args ...any)
	Warningf(message string, args ...any)
	Errorf(message string, args ...any)
}

// Config holds the dependencies of the SSH server worker.
type Config struct {
	// Listener is the listener the server accepts connections on. The
	// server owns it and closes it when stopped.
	Listener net.Listener

	HostKey ssh.Signer
	Storage storage.Storage
	Clock   clock.Clock
	Metrics *Collector
	Logger  Logger

	// HandshakeTimeout bounds the SSH handshake and authentication of a
	// new connection. Zero selects a default.
	HandshakeTimeout time.Duration
}

// Validate returns an error if the config cannot drive the server.
func (c Config) Validate() error {
	if c.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if c.HostKey == nil {
		return errors.NotValidf("nil HostKey")
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
	if c.HandshakeTimeout < 0 {
		return errors.NotValidf("negative HandshakeTimeout")
	}
	return nil
}

// Server is a worker that serves SFTP over SSH.
type Server struct {
	catacomb catacomb.Catacomb
	config   Config

	sshConfig    *ssh.ServerConfig
	listener     sshServerListener
	closeAllowed <-chan struct{}

	// connections tracks the accept loop and every goroutine serving a
	// connection.
	connections tomb.Tomb

	active   atomic.Int64
	accepted atomic.Int64
}

// NewServer starts a Server for config.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}

	s := &Server{config: config}
	s.sshConfig = &ssh.ServerConfig{
		PublicKeyCallback: s.publicKeyCallback,
		ServerVersion:     serverVersion,
	}
	s.sshConfig.AddHostKey(config.HostKey)
	s.listener, s.closeAllowed = newSSHServerListener(config.Listener)

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.catacomb.Wait()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Report returns a description of the server, following the dependency
// engine's reporter convention.
func (s *Server) Report() map[string]any {
	return map[string]any{
		"address":              s.listener.Addr().String(),
		"active-connections":   s.active.Load(),
		"accepted-connections": s.accepted.Load(),
	}
}

func (s *Server) loop() error {
	s.connections.Go(s.acceptLoop)
	s.config.Logger.Infof("SSH server listening on %s", s.listener.Addr())

	select {
	case <-s.catacomb.Dying():
	case <-s.connections.Dying():
	}

	// Stop the accept loop before closing the listener, so that the
	// resulting accept error is not mistaken for a failure.
	<-s.closeAllowed
	s.connections.Kill(nil)
	if err := s.listener.Close(); err != nil {
		s.config.Logger.Debugf("closing listener: %v", err)
	}
	if err := s.connections.Wait(); err != nil {
		return errors.Trace(err)
	}
	return s.catacomb.ErrDying()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.connections.Dying():
				return nil
			default:
				return errors.Annotate(err, "accepting connection")
			}
		}
		s.accepted.Add(1)
		s.connections.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) serveConn(netConn net.Conn) {
	start := s.config.Clock.Now()
	s.active.Add(1)
	s.config.Metrics.connectionOpened()
	defer func() {
		s.active.Add(-1)
		s.config.Metrics.connectionClosed(s.config.Clock.Now().Sub(start))
	}()

	_ = netConn.SetDeadline(start.Add(s.config.HandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.sshConfig)
	if err != nil {
		s.config.Logger.Debugf("handshake with %s failed: %v", netConn.RemoteAddr(), err)
		_ = netConn.Close()
		return
	}
	_ = netConn.SetDeadline(time.Time{})
	defer sshConn.Close()

	user := sshConn.User()
	s.config.Logger.Infof("%s connected from %s", user, sshConn.RemoteAddr())
	defer s.config.Logger.Infof("%s disconnected from %s", user, sshConn.RemoteAddr())

	// Closing the connection ends every channel, which in turn ends the
	// SFTP sessions reading from them.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.connections.Dying():
			_ = sshConn.Close()
		case <-done:
		}
	}()
	go ssh.DiscardRequests(reqs)

	ctx := s.connections.Context(context.Background())
	if err := s.ensureHome(ctx, user); err != nil {
		s.config.Logger.Errorf("preparing home directory of %q: %v", user, err)
		return
	}

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.config.Logger.Debugf("accepting channel from %q: %v", user, err)
			continue
		}
		s.connections.Go(func() error {
			s.serveChannel(ctx, user, start, channel, requests)
			return nil
		})
	}
}

// ensureHome creates the home directory marker of user if the home
// directory does not exist yet.
func (s *Server) ensureHome(ctx context.Context, user string) error {
	ctx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()

	key := storage.HomeKey(user)
	if _, err := s.config.Storage.Stat(ctx, key); err == nil {
		return nil
	} else if !errors.Is(err, errors.NotFound) {
		return errors.Trace(err)
	}
	err := s.config.Storage.CreateDir(ctx, key)
	if err != nil && !errors.Is(err, errors.AlreadyExists) {
		return errors.Trace(err)
	}
	s.config.Logger.Infof("created home directory for %q", user)
	return nil
}

type subsystemRequest struct {
	Name string
}

type exitStatus struct {
	Status uint32
}

// serveChannel waits for the sftp subsystem request on a session channel
// and then serves SFTP on it. Shells, commands and terminals are refused.
func (s *Server) serveChannel(
	ctx context.Context, user string, connected time.Time,
	channel ssh.Channel, requests <-chan *ssh.Request,
) {
	defer channel.Close()

	for req := range requests {
		var subsystem subsystemRequest
		ok := req.Type == "subsystem" &&
			ssh.Unmarshal(req.Payload, &subsystem) == nil &&
			subsystem.Name == "sftp"
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
		if !ok {
			s.config.Logger.Debugf("%s: refused %q request", user, req.Type)
			continue
		}

		s.config.Metrics.sessionStarted(s.config.Clock.Now().Sub(connected))
		go ssh.DiscardRequests(requests)

		status := exitStatus{}
		if err := s.serveSFTP(ctx, user, channel); err != nil {
			s.config.Logger.Warningf("%s: SFTP session ended: %v", user, err)
			status.Status = 1
		}
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
		return
	}
}

func (s *Server) serveSFTP(ctx context.Context, user string, channel ssh.Channel) error {
	session, err := sftpsession.New(sftpsession.Config{
		User:    user,
		Storage: s.config.Storage,
		Clock:   s.config.Clock,
		Metrics: s.config.Metrics,
		Logger:  s.config.Logger,
	})
	if err != nil {
		return errors.Trace(err)
	}
	s.config.Logger.Debugf("%s: starting SFTP session", user)
	return errors.Trace(session.Serve(ctx, channel))
}
