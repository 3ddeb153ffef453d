package raft

import "github.com/raftkit/raft/raftpb"

// ServerMetrics is the payload published on every significant state change
// (§6.5): id, role, term, log/apply progress, leader hint, and membership.
type ServerMetrics struct {
	Id               string
	State            Role
	CurrentTerm      uint64
	LastLogIndex     uint64
	LastApplied      uint64
	CurrentLeader    *raftpb.Peer
	MembershipConfig *raftpb.Configuration
}

// Metrics returns the most recently published ServerMetrics snapshot.
func (s *Server) Metrics() ServerMetrics {
	if v := s.metricsVal.Load(); v != nil {
		return v.(ServerMetrics)
	}
	return ServerMetrics{Id: s.id, State: s.role()}
}

// MetricsCh returns the watch channel metrics are published to. Publishing
// is best-effort: a slow subscriber only ever sees the latest value, never
// blocks the core (a full channel is drained of its stale entry first).
func (s *Server) MetricsCh() <-chan ServerMetrics {
	return s.metricsCh
}

// reportMetrics snapshots current state and publishes it, mirroring the
// teacher's commitAndApply/alterXxx call sites and async-raft's
// report_metrics, which is invoked after every role transition, term
// change, leader change, commit advance, and config update.
func (s *Server) reportMetrics() {
	m := ServerMetrics{
		Id:               s.id,
		State:            s.role(),
		CurrentTerm:      s.currentTerm(),
		LastLogIndex:     s.lastLogIndex(),
		LastApplied:      s.lastApplied().Index,
		CurrentLeader:    s.leader(),
		MembershipConfig: s.confStore.Latest(),
	}
	s.metricsVal.Store(m)
	select {
	case s.metricsCh <- m:
	default:
		select {
		case <-s.metricsCh:
		default:
		}
		select {
		case s.metricsCh <- m:
		default:
		}
	}
	if s.opts.metricsExporter != nil {
		s.opts.metricsExporter.Export(m)
	}
}
