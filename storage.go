package raft

import (
	"io"

	"github.com/raftkit/raft/raftpb"
)

// HardState is the durable (current_term, voted_for) pair (§3).
type HardState struct {
	CurrentTerm uint64
	VotedFor    string
}

// InitialState is returned once, at startup, by LogProvider.GetInitialState (§6.1).
type InitialState struct {
	HardState      HardState
	LastLogIndex   uint64
	LastLogTerm    uint64
	LastAppliedLog uint64
	Membership     *raftpb.Configuration
}

// LogProvider is the durable log + hard-state half of the storage
// capability (§6.1). It is an external collaborator: the core never
// retries or papers over its errors, any error is fatal (§7).
type LogProvider interface {
	// GetInitialState loads hard state, log boundaries, last-applied index,
	// and the last known membership, once, at startup.
	GetInitialState() (InitialState, error)
	// SaveHardState MUST be durable before returning.
	SaveHardState(hs HardState) error
	// Entries returns log entries in [fromInclusive, toExclusive).
	Entries(fromInclusive, toExclusive uint64) ([]*raftpb.Log, error)
	// Entry returns a single entry, or nil if index is out of range.
	Entry(index uint64) (*raftpb.Log, error)
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	// AppendEntries MUST be durable on return.
	AppendEntries(entries []*raftpb.Log) error
	// DeleteFrom deletes entries [indexInclusive, +inf).
	DeleteFrom(indexInclusive uint64) error
	// SaveMembership durably records membership outside of the log itself.
	// Used only by bootstrapMembership, for Initialize (§6.4) and Serve's
	// single-node auto-bootstrap, to persist a brand-new cluster's
	// bootstrap membership: the single-node bootstrap's log carries nothing
	// but the leader's obligatory blank entry (§8 Scenario 1), so the
	// membership it starts from has to be recorded some other durable way.
	SaveMembership(cfg *raftpb.Configuration) error
	// DoLogCompaction asks storage to build a snapshot covering
	// [..throughIndex] and returns its metadata. The call takes no context;
	// the snapshot coordinator's abortCompaction does not interrupt it.
	DoLogCompaction(throughIndex uint64) (SnapshotMeta, error)
	// Restore installs a full snapshot, replacing the log's boundaries.
	Restore(meta SnapshotMeta) error
}

// StateMachine is the deterministic application state machine (§6.1 apply
// semantics). Apply is the batched apply hook from §4.4: entries are always
// delivered in ascending index order, already filtered to normal payloads.
type StateMachine interface {
	Apply(entries []*raftpb.Log)
	Snapshot() (StateMachineSnapshot, error)
	Restore(snapshot Snapshot) error
}

// StateMachineSnapshot is a point-in-time snapshot the state machine can
// stream out to a SnapshotSink.
type StateMachineSnapshot interface {
	Index() uint64
	Term() uint64
	Write(sink SnapshotSink) error
}

// SnapshotMeta describes a snapshot's compaction boundary.
type SnapshotMeta struct {
	ID         string
	Index      uint64
	Term       uint64
	Membership *raftpb.Configuration
}

// SnapshotSink is a write destination for a snapshot under construction;
// Close finalizes it (making it the current snapshot), Cancel discards it.
type SnapshotSink interface {
	io.Writer
	ID() string
	Close(meta SnapshotMeta) error
	Cancel() error
}

// Snapshot is a completed, readable snapshot.
type Snapshot interface {
	Meta() SnapshotMeta
	Reader() (io.ReadCloser, error)
}

// SnapshotProvider is the install/read half of the storage capability: it
// lets the snapshot coordinator open a writer for a streamed-in snapshot and
// look up the current snapshot on startup.
type SnapshotProvider interface {
	Create() (SnapshotSink, error)
	Open(meta SnapshotMeta) (Snapshot, error)
	Current() (*SnapshotMeta, error)
}
