// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshserver_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc/test/bufconn"
	gc "gopkg.in/check.v1"

	"github.com/juju/dray/internal/hostkey"
	"github.com/juju/dray/internal/sshserver"
	"github.com/juju/dray/internal/storage"
	"github.com/juju/dray/internal/storage/memstorage"
)

type sshServerSuite struct {
	testing.IsolationSuite

	userSigner  ssh.Signer
	otherSigner ssh.Signer
	hostKey     ssh.Signer

	store     *memstorage.Storage
	collector *sshserver.Collector
	listener  *bufconn.Listener
}

var _ = gc.Suite(&sshServerSuite{})

func newSigner(c *gc.C) ssh.Signer {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, jc.ErrorIsNil)
	signer, err := ssh.NewSignerFromKey(key)
	c.Assert(err, jc.ErrorIsNil)
	return signer
}

func (s *sshServerSuite) SetUpSuite(c *gc.C) {
	s.IsolationSuite.SetUpSuite(c)
	s.userSigner = newSigner(c)
	s.otherSigner = newSigner(c)

	hostKey, _, err := hostkey.Generate()
	c.Assert(err, jc.ErrorIsNil)
	s.hostKey = hostKey
}

func (s *sshServerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = memstorage.New(clock.WallClock)
	s.store.PutObject(storage.AuthorizedKeysKey("alice"), ssh.MarshalAuthorizedKey(s.userSigner.PublicKey()))
	s.collector = sshserver.NewMetricsCollector()
	s.listener = bufconn.Listen(256 * 1024)
}

func (s *sshServerSuite) newServer(c *gc.C, store storage.Storage) *sshserver.Server {
	return s.newServerWithClock(c, store, clock.WallClock)
}

func (s *sshServerSuite) newServerWithClock(c *gc.C, store storage.Storage, clk clock.Clock) *sshserver.Server {
	server, err := sshserver.NewServer(sshserver.Config{
		Listener: s.listener,
		HostKey:  s.hostKey,
		Storage:  store,
		Clock:    clk,
		Metrics:  s.collector,
		Logger:   loggo.GetLogger("dray.sshserver.test"),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		server.Kill()
		c.Check(server.Wait(), jc.ErrorIsNil)
	})
	return server
}

func (s *sshServerSuite) dial(c *gc.C, user string, signer ssh.Signer) (*ssh.Client, error) {
	conn, err := s.listener.Dial()
	c.Assert(err, jc.ErrorIsNil)

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, "bufconn", &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.FixedHostKey(s.hostKey.PublicKey()),
		Timeout:         testing.LongWait,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (s *sshServerSuite) TestHandshakeDeadlineFollowsClock(c *gc.C) {
	// The handshake deadline is taken from the server's clock, which is
	// already an hour behind, so every handshake times out at once.
	clk := testclock.NewClock(time.Now().Add(-time.Hour))
	s.newServerWithClock(c, s.store, clk)

	_, err := s.dial(c, "alice", s.userSigner)
	c.Check(err, gc.NotNil)
	c.Check(s.store.Keys(), jc.DeepEquals, []string{storage.AuthorizedKeysKey("alice")})
}

func (s *sshServerSuite) TestSFTPRoundTrip(c *gc.C) {
	s.newServer(c, s.store)

	client, err := s.dial(c, "alice", s.userSigner)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	c.Assert(err, jc.ErrorIsNil)
	defer sftpClient.Close()

	wd, err := sftpClient.Getwd()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(wd, gc.Equals, "/home/alice")

	f, err := sftpClient.Create("hello.txt")
	c.Assert(err, jc.ErrorIsNil)
	_, err = f.Write([]byte("hello over ssh"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(f.Close(), jc.ErrorIsNil)

	f, err = sftpClient.Open("/home/alice/hello.txt")
	c.Assert(err, jc.ErrorIsNil)
	data, err := io.ReadAll(f)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, "hello over ssh")
	c.Assert(f.Close(), jc.ErrorIsNil)

	infos, err := sftpClient.ReadDir(".")
	c.Assert(err, jc.ErrorIsNil)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}
	c.Check(names, jc.DeepEquals, []string{".ssh", "hello.txt"})

	c.Check(sshserver.RequestCount(s.collector, "open", "ok"), gc.Equals, float64(2))
	c.Check(sshserver.WrittenBytes(s.collector), gc.Equals, float64(len("hello over ssh")))
	c.Check(sshserver.ActiveConnections(s.collector), gc.Equals, float64(1))
}

func (s *sshServerSuite) TestUnknownKey(c *gc.C) {
	s.newServer(c, s.store)

	_, err := s.dial(c, "alice", s.otherSigner)
	c.Check(err, gc.ErrorMatches, "ssh: handshake failed: .*unable to authenticate.*")
	c.Check(sshserver.AuthFailures(s.collector, "unknown_key") >= 1, jc.IsTrue)
}

func (s *sshServerSuite) TestUnknownUser(c *gc.C) {
	s.newServer(c, s.store)

	_, err := s.dial(c, "bob", s.userSigner)
	c.Check(err, gc.ErrorMatches, "ssh: handshake failed: .*unable to authenticate.*")
}

func (s *sshServerSuite) TestInvalidUsername(c *gc.C) {
	s.newServer(c, s.store)

	_, err := s.dial(c, "../alice", s.userSigner)
	c.Check(err, gc.ErrorMatches, "ssh: handshake failed: .*unable to authenticate.*")
	c.Check(sshserver.AuthFailures(s.collector, "invalid_user") >= 1, jc.IsTrue)
}

func (s *sshServerSuite) TestStorageErrorRejects(c *gc.C) {
	s.newServer(c, &failingStorage{Storage: s.store})

	_, err := s.dial(c, "alice", s.userSigner)
	c.Check(err, gc.ErrorMatches, "ssh: handshake failed: .*unable to authenticate.*")
	c.Check(sshserver.AuthFailures(s.collector, "storage_error") >= 1, jc.IsTrue)
}

func (s *sshServerSuite) TestExecRefused(c *gc.C) {
	s.newServer(c, s.store)

	client, err := s.dial(c, "alice", s.userSigner)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	session, err := client.NewSession()
	c.Assert(err, jc.ErrorIsNil)
	err = session.Run("ls")
	c.Check(err, gc.NotNil)
	_ = session.Close()

	session, err = client.NewSession()
	c.Assert(err, jc.ErrorIsNil)
	err = session.RequestSubsystem("netconf")
	c.Check(err, gc.NotNil)
	_ = session.Close()
}

func (s *sshServerSuite) TestHomeCreatedOnFirstLogin(c *gc.C) {
	store := &anyKeyStorage{
		Storage: memstorage.New(clock.WallClock),
		keys:    []string{ssh.FingerprintSHA256(s.userSigner.PublicKey())},
	}
	s.newServer(c, store)

	client, err := s.dial(c, "bob", s.userSigner)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	// Channels are only served once the home directory is in place.
	session, err := client.NewSession()
	c.Assert(err, jc.ErrorIsNil)
	_ = session.Close()

	c.Check(store.Keys(), jc.DeepEquals, []string{"home/bob/"})
}

func (s *sshServerSuite) TestKillClosesConnections(c *gc.C) {
	server := s.newServer(c, s.store)

	client, err := s.dial(c, "alice", s.userSigner)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	c.Assert(err, jc.ErrorIsNil)
	defer sftpClient.Close()

	c.Check(server.Report()["accepted-connections"], gc.Equals, int64(1))

	server.Kill()
	c.Assert(server.Wait(), jc.ErrorIsNil)

	waitErr := make(chan error, 1)
	go func() { waitErr <- client.Wait() }()
	select {
	case <-waitErr:
	case <-time.After(testing.LongWait):
		c.Fatalf("connection not closed")
	}
	_, err = sftpClient.Getwd()
	c.Check(err, gc.NotNil)
}

func (s *sshServerSuite) TestValidUsername(c *gc.C) {
	for name, valid := range map[string]bool{
		"alice":                             true,
		"_svc":                              true,
		"a.b-c_1":                           true,
		"":                                  false,
		"Alice":                             false,
		"1alice":                            false,
		"../alice":                          false,
		"al/ice":                            false,
		"a23456789012345678901234567890123": false,
	} {
		c.Check(sshserver.ValidUsername(name), gc.Equals, valid, gc.Commentf("%q", name))
	}
}

func (s *sshServerSuite) TestConfigValidate(c *gc.C) {
	_, err := sshserver.NewServer(sshserver.Config{})
	c.Check(errors.Is(err, errors.NotValid), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, "nil Listener not valid")
}

// failingStorage cannot look up authorized keys.
type failingStorage struct {
	storage.Storage
}

func (*failingStorage) AuthorizedKeys(context.Context, string) ([]string, error) {
	return nil, errors.New("storage unavailable")
}

// anyKeyStorage authorizes the same keys for every user.
type anyKeyStorage struct {
	*memstorage.Storage
	keys []string
}

func (s *anyKeyStorage) AuthorizedKeys(context.Context, string) ([]string, error) {
	return s.keys, nil
}
