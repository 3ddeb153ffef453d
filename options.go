package raft

import (
	"net/http"
	"time"

	"go.uber.org/zap/zapcore"
)

// MetricsExporter receives a ServerMetrics snapshot whenever report_metrics
// fires (§6.5); a Prometheus/statsd-backed exporter can be plugged in here
// without the core depending on a specific metrics backend.
type MetricsExporter interface {
	Export(ServerMetrics)
}

// APIServer is the handle an APIExtension gets to register extra routes on
// the embedded inspection HTTP server (§6.5); *apiServer is the only
// implementation.
type APIServer interface {
	Handle(pattern string, handler http.Handler)
	HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request))
	Server() *Server
}

// APIExtension lets an embedding application register extra handlers on the
// Server's API listener (teacher's apiExtensions hook on ServerCoreOptions).
type APIExtension func(APIServer)

type serverOptions struct {
	logLevel zapcore.Level

	// followerTimeout is the minimum of the randomized election timeout
	// range; heartbeatInterval MUST be strictly smaller (§5).
	followerTimeout           time.Duration
	electionTimeout           time.Duration
	maxTimerRandomOffsetRatio float64
	heartbeatInterval         time.Duration

	// replicationBatchSize bounds how many log entries a single
	// AppendEntries RPC carries (§4.3 step 1, "bounded batch").
	replicationBatchSize int

	// snapshotThreshold is the "logs since last" compaction policy
	// threshold (§4.2, §9 SnapshotPolicy::LogsSinceLast).
	snapshotThreshold uint64
	// installSnapshotChunkSize bounds one InstallSnapshot chunk.
	installSnapshotChunkSize int

	apiServerListenAddress string
	apiExtensions          []APIExtension

	metricsExporter MetricsExporter
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logLevel:                  zapcore.InfoLevel,
		followerTimeout:           300 * time.Millisecond,
		electionTimeout:           300 * time.Millisecond,
		maxTimerRandomOffsetRatio: 1.0,
		heartbeatInterval:         50 * time.Millisecond,
		replicationBatchSize:      256,
		snapshotThreshold:         5000,
		installSnapshotChunkSize:  4096,
	}
}

// ServerOption configures optional behavior of a Server. Functional options
// mirror the teacher's ServerOption/applyServerOpts pattern.
type ServerOption func(*serverOptions)

func applyServerOpts(opts ...ServerOption) *serverOptions {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogLevel sets the minimum level the server's zap logger emits.
func WithLogLevel(level zapcore.Level) ServerOption {
	return func(o *serverOptions) { o.logLevel = level }
}

// WithElectionTimeout sets the base (minimum) randomized election/follower
// timeout. heartbeatInterval should stay well below this value.
func WithElectionTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.electionTimeout = d
		o.followerTimeout = d
	}
}

// WithHeartbeatInterval sets the leader's per-peer heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.heartbeatInterval = d }
}

// WithReplicationBatchSize bounds the number of entries sent per AppendEntries RPC.
func WithReplicationBatchSize(n int) ServerOption {
	return func(o *serverOptions) { o.replicationBatchSize = n }
}

// WithSnapshotThreshold sets the "logs since last" compaction trigger threshold.
func WithSnapshotThreshold(n uint64) ServerOption {
	return func(o *serverOptions) { o.snapshotThreshold = n }
}

// WithAPIServerListenAddress binds the embedded client-facing API server to
// addr; with an empty address (the default) the API server is not started.
func WithAPIServerListenAddress(addr string) ServerOption {
	return func(o *serverOptions) { o.apiServerListenAddress = addr }
}

// WithAPIExtension registers an extra handler on the embedded API server.
func WithAPIExtension(ext APIExtension) ServerOption {
	return func(o *serverOptions) { o.apiExtensions = append(o.apiExtensions, ext) }
}

// WithMetricsExporter attaches a push-based metrics sink in addition to the
// pull-based Metrics()/watch channel surface.
func WithMetricsExporter(exporter MetricsExporter) ServerOption {
	return func(o *serverOptions) { o.metricsExporter = exporter }
}
