// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sshserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/dray/internal/sftpwire"
)

const metricsNamespace = "dray_sshserver"

// Reasons an authentication attempt is rejected, used as metric labels.
const (
	authFailureInvalidUser  = "invalid_user"
	authFailureUnknownKey   = "unknown_key"
	authFailureStorageError = "storage_error"
)

var statusLabels = map[sftpwire.StatusCode]string{
	sftpwire.StatusOK:               "ok",
	sftpwire.StatusEOF:              "eof",
	sftpwire.StatusNoSuchFile:       "no_such_file",
	sftpwire.StatusPermissionDenied: "permission_denied",
	sftpwire.StatusFailure:          "failure",
	sftpwire.StatusBadMessage:       "bad_message",
	sftpwire.StatusNoConnection:     "no_connection",
	sftpwire.StatusConnectionLost:   "connection_lost",
	sftpwire.StatusOpUnsupported:    "op_unsupported",
}

// Collector is a prometheus.Collector that collects metrics about the
// SSH server and the SFTP sessions it serves.
type Collector struct {
	connectionCount        prometheus.Gauge
	timeToSession          prometheus.Histogram
	connectionDuration     prometheus.Histogram
	authenticationFailures *prometheus.CounterVec
	sftpRequests           *prometheus.CounterVec
	bytesRead              prometheus.Counter
	bytesWritten           prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		connectionCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connection_count",
				Help:      "The number of active connections to the SSH server.",
			},
		),
		timeToSession: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "time_to_session",
				Help:      "The time taken from accepting a connection to starting the SFTP subsystem.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 60},
			},
		),
		connectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "session_time",
				Help:      "The duration a user keeps an SSH connection open.",
				Buckets:   []float64{1, 10, 60, 300, 600, 3600},
			},
		),
		authenticationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "authentication_failures_total",
				Help:      "The number of rejected public key authentication attempts.",
			}, []string{"reason"},
		),
		sftpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sftp_requests_total",
				Help:      "The number of SFTP requests served, by operation and status.",
			}, []string{"operation", "status"},
		),
		bytesRead: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sftp_read_bytes_total",
				Help:      "The number of file bytes sent to SFTP clients.",
			},
		),
		bytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sftp_written_bytes_total",
				Help:      "The number of file bytes received from SFTP clients.",
			},
		),
	}
}

// RequestServed is part of the sftpsession.Metrics interface.
func (c *Collector) RequestServed(op string, status sftpwire.StatusCode) {
	label, ok := statusLabels[status]
	if !ok {
		label = "unknown"
	}
	c.sftpRequests.WithLabelValues(op, label).Inc()
}

// BytesRead is part of the sftpsession.Metrics interface.
func (c *Collector) BytesRead(n int) {
	c.bytesRead.Add(float64(n))
}

// BytesWritten is part of the sftpsession.Metrics interface.
func (c *Collector) BytesWritten(n int) {
	c.bytesWritten.Add(float64(n))
}

func (c *Collector) connectionOpened() {
	c.connectionCount.Inc()
}

func (c *Collector) connectionClosed(open time.Duration) {
	c.connectionCount.Dec()
	c.connectionDuration.Observe(open.Seconds())
}

func (c *Collector) sessionStarted(elapsed time.Duration) {
	c.timeToSession.Observe(elapsed.Seconds())
}

func (c *Collector) authenticationFailed(reason string) {
	c.authenticationFailures.WithLabelValues(reason).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connectionCount.Describe(ch)
	c.authenticationFailures.Describe(ch)
	c.timeToSession.Describe(ch)
	c.connectionDuration.Describe(ch)
	c.sftpRequests.Describe(ch)
	c.bytesRead.Describe(ch)
	c.bytesWritten.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.connectionCount.Collect(ch)
	c.authenticationFailures.Collect(ch)
	c.timeToSession.Collect(ch)
	c.connectionDuration.Collect(ch)
	c.sftpRequests.Collect(ch)
	c.bytesRead.Collect(ch)
	c.bytesWritten.Collect(ch)
}
