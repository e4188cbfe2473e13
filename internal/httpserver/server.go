// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package httpserver serves the health, metrics and introspection
// endpoints of the agent.
package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readinessTimeout = 5 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// HealthChecker reports whether the agent can serve requests.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Reporter describes the state of a worker, following the dependency
// engine's reporter convention.
type Reporter interface {
	Report() map[string]any
}

// Logger represents the logging methods called.
type Logger interface {
	Debugf(message string, args ...any)
	Infof(message string, args ...any)
	Warningf(message string, args ...any)
}

// Config holds the dependencies of the HTTP server worker.
type Config struct {
	// Listener is the listener the server accepts connections on. The
	// server closes it when stopped.
	Listener net.Listener

	Health   HealthChecker
	Gatherer prometheus.Gatherer
	Reporter Reporter
	Logger   Logger
}

// Validate returns an error if the config cannot drive the server.
func (c Config) Validate() error {
	if c.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if c.Health == nil {
		return errors.NotValidf("nil Health")
	}
	if c.Gatherer == nil {
		return errors.NotValidf("nil Gatherer")
	}
	if c.Reporter == nil {
		return errors.NotValidf("nil Reporter")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Server is a worker serving the agent's HTTP endpoints.
type Server struct {
	catacomb catacomb.Catacomb
	config   Config
	server   *http.Server
}

// NewServer starts a Server for config.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Server{config: config}
	s.server = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
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
	return s.config.Listener.Addr()
}

// Handler returns the router serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health/live", s.live).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/report", s.report).Methods(http.MethodGet)
	return r
}

func (s *Server) loop() error {
	served := make(chan error, 1)
	go func() {
		served <- s.server.Serve(s.config.Listener)
	}()
	s.config.Logger.Infof("HTTP server listening on %s", s.config.Listener.Addr())

	select {
	case <-s.catacomb.Dying():
	case err := <-served:
		return errors.Annotate(err, "serving HTTP")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.config.Logger.Warningf("shutting down HTTP server: %v", err)
		_ = s.server.Close()
	}
	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Annotate(err, "serving HTTP")
	}
	return s.catacomb.ErrDying()
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) ready(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), readinessTimeout)
	defer cancel()
	if err := s.config.Health.HealthCheck(ctx); err != nil {
		s.config.Logger.Debugf("readiness check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) report(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Reporter.Report())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
