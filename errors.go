package raft

import (
	"errors"
	"fmt"

	"github.com/raftkit/raft/raftpb"
)

// Sentinel errors returned by the public API surface (§7).
var (
	// ErrNotLeader is returned by a client write/read/config-change request
	// served by a non-leader node.
	ErrNotLeader = errors.New("raft: node is not the leader")
	// ErrNotAllowed is returned by Initialize on a node whose log is
	// non-empty or whose state is not NonVoter, or by ChangeMembership
	// while a previous membership change is still in flight.
	ErrNotAllowed = errors.New("raft: request not allowed in current state")
	// ErrQuorumLost is returned by ClientRead when the confirmation
	// heartbeat round failed to reach quorum in every active membership set.
	ErrQuorumLost = errors.New("raft: lost quorum while confirming leadership")
	// ErrShutdown is returned by any API call made after (or racing) a
	// Shutdown.
	ErrShutdown = errors.New("raft: server is shut down")
	// ErrDeadlineExceeded is returned by ClientRead when the caller's
	// context is done before the local state machine has applied up to
	// the read index.
	ErrDeadlineExceeded = errors.New("raft: deadline exceeded waiting for read index")
	// ErrAlreadyServing guards Server.Serve against being invoked twice.
	ErrAlreadyServing = errors.New("raft: Serve can only be called once")
)

// NotLeaderError carries a hint about who the current leader is believed to
// be, mirroring async-raft's RaftError::NotLeader(hint) / ForwardToLeader.
type NotLeaderError struct {
	Leader *raftpb.Peer
}

func (e *NotLeaderError) Error() string {
	if e.Leader == nil || e.Leader.Id == "" {
		return fmt.Sprintf("%s (no known leader)", ErrNotLeader)
	}
	return fmt.Sprintf("%s (leader hint: %s)", ErrNotLeader, e.Leader.Id)
}

func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }

// FatalStorageError wraps any error returned by a Storage method. Per §7,
// observing one of these is always fatal: the core transitions to Shutdown.
type FatalStorageError struct {
	Op  string
	Err error
}

func (e *FatalStorageError) Error() string {
	return fmt.Sprintf("raft: fatal storage error during %s: %v", e.Op, e.Err)
}

func (e *FatalStorageError) Unwrap() error { return e.Err }

func fatalStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalStorageError{Op: op, Err: err}
}
