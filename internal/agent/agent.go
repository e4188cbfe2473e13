// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agent runs the dray daemon: the SSH server, the HTTP endpoint
// and the storage backend they share.
package agent

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/ssh"

	"github.com/juju/dray/internal/config"
	"github.com/juju/dray/internal/hostkey"
	"github.com/juju/dray/internal/httpserver"
	"github.com/juju/dray/internal/sshserver"
	"github.com/juju/dray/internal/storage"
)

const (
	startupRetryDelay    = time.Second
	startupRetryMaxDelay = 10 * time.Second
	healthCheckTimeout   = 10 * time.Second
)

// Report keys.
const (
	KeyState       = "state"
	KeyError       = "error"
	KeyStorage     = "storage"
	KeySSHServer   = "ssh-server"
	KeyHTTPAddress = "http-address"
)

// Agent states, as reported under KeyState.
const (
	stateWaitingForStorage = "waiting-for-storage"
	stateStarted           = "started"
	stateStopped           = "stopped"
)

// Logger represents the logging methods called.
type Logger interface {
	Debugf(message string, args ...any)
	Infof(message string, args ...any)
	Warningf(message string, args ...any)
	Errorf(message string, args ...any)
}

// NewStorageFunc returns the storage backend described by cfg.
type NewStorageFunc func(ctx context.Context, cfg config.Config) (storage.Storage, error)

// ListenFunc opens a listener, as net.Listen does.
type ListenFunc func(network, address string) (net.Listener, error)

// Config holds the dependencies of the agent.
type Config struct {
	Config     config.Config
	Clock      clock.Clock
	Logger     Logger
	NewStorage NewStorageFunc
	Listen     ListenFunc
}

// Validate returns an error if the config cannot drive the agent.
func (c Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.NewStorage == nil {
		return errors.NotValidf("nil NewStorage")
	}
	if c.Listen == nil {
		return errors.NotValidf("nil Listen")
	}
	return nil
}

// DefaultConfig returns an agent config for cfg using the wall clock, the
// network and the configured storage backend.
func DefaultConfig(cfg config.Config) Config {
	return Config{
		Config:     cfg,
		Clock:      clock.WallClock,
		Logger:     loggo.GetLogger("dray.agent"),
		NewStorage: NewStorage,
		Listen:     net.Listen,
	}
}

// Agent is a worker that runs every part of the daemon.
type Agent struct {
	catacomb catacomb.Catacomb
	config   Config

	mu         sync.Mutex
	state      string
	sshServer  *sshserver.Server
	httpServer *httpserver.Server
}

// New starts an Agent for config.
func New(config Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	a := &Agent{
		config: config,
		state:  stateWaitingForStorage,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &a.catacomb,
		Work: a.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

// Kill is part of the worker.Worker interface.
func (a *Agent) Kill() {
	a.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (a *Agent) Wait() error {
	return a.catacomb.Wait()
}

// Report returns a description of the agent and its workers. It is safe
// to call concurrently.
func (a *Agent) Report() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := map[string]any{
		KeyState:   a.state,
		KeyStorage: a.config.Config.Storage,
	}
	if a.sshServer != nil {
		report[KeySSHServer] = a.sshServer.Report()
	}
	if a.httpServer != nil {
		report[KeyHTTPAddress] = a.httpServer.Addr().String()
	}
	return report
}

func (a *Agent) setState(state string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

func (a *Agent) loop() error {
	defer a.setState(stateStopped)

	ctx, cancel := a.scopedContext()
	defer cancel()

	cfg := a.config.Config
	store, err := a.config.NewStorage(ctx, cfg)
	if err != nil {
		return errors.Annotate(err, "creating storage")
	}
	if err := a.waitForStorage(ctx, store); err != nil {
		return errors.Trace(err)
	}

	hostKey, err := hostkey.LoadOrGenerate(cfg.HostKeyFile)
	if err != nil {
		return errors.Trace(err)
	}
	a.config.Logger.Infof("host key fingerprint %s", ssh.FingerprintSHA256(hostKey.PublicKey()))

	collector := sshserver.NewMetricsCollector()
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return errors.Annotate(err, "registering metrics")
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sshListener, err := a.config.Listen("tcp", cfg.Host)
	if err != nil {
		return errors.Annotatef(err, "listening on %q", cfg.Host)
	}
	sshServer, err := sshserver.NewServer(sshserver.Config{
		Listener: sshListener,
		HostKey:  hostKey,
		Storage:  store,
		Clock:    a.config.Clock,
		Metrics:  collector,
		Logger:   loggo.GetLogger("dray.sshserver"),
	})
	if err != nil {
		_ = sshListener.Close()
		return errors.Trace(err)
	}
	if err := a.catacomb.Add(sshServer); err != nil {
		return errors.Trace(err)
	}

	httpListener, err := a.config.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		return errors.Annotatef(err, "listening on %q", cfg.HTTPAddress)
	}
	httpServer, err := httpserver.NewServer(httpserver.Config{
		Listener: httpListener,
		Health:   store,
		Gatherer: registry,
		Reporter: a,
		Logger:   loggo.GetLogger("dray.httpserver"),
	})
	if err != nil {
		_ = httpListener.Close()
		return errors.Trace(err)
	}
	if err := a.catacomb.Add(httpServer); err != nil {
		return errors.Trace(err)
	}

	a.mu.Lock()
	a.state = stateStarted
	a.sshServer = sshServer
	a.httpServer = httpServer
	a.mu.Unlock()
	a.config.Logger.Infof("dray started with %s storage", cfg.Storage)

	<-a.catacomb.Dying()
	return a.catacomb.ErrDying()
}

// waitForStorage retries the storage health check until it passes or the
// startup timeout expires. Storage is often started alongside the agent.
func (a *Agent) waitForStorage(ctx context.Context, store storage.Storage) error {
	args := retry.CallArgs{
		Func: func() error {
			ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			return store.HealthCheck(ctx)
		},
		NotifyFunc: func(err error, attempt int) {
			a.config.Logger.Warningf("storage not ready (attempt %d): %v", attempt, err)
		},
		Delay:       startupRetryDelay,
		MaxDelay:    startupRetryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       a.config.Clock,
		Stop:        a.catacomb.Dying(),
	}
	if timeout := a.config.Config.StartupTimeout; timeout > 0 {
		args.Attempts = retry.UnlimitedAttempts
		args.MaxDuration = timeout
	} else {
		args.Attempts = 1
	}

	err := retry.Call(args)
	if retry.IsRetryStopped(err) {
		return a.catacomb.ErrDying()
	}
	if err != nil {
		return errors.Annotate(retry.LastError(err), "waiting for storage")
	}
	return nil
}

func (a *Agent) scopedContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	return a.catacomb.Context(ctx), cancel
}
