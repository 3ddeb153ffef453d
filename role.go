package raft

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/raftkit/raft/raftpb"
)

// Role is target_state from §3: the node's current (and, once a role
// driver decides to move, its *next*) position in the Raft state machine.
type Role uint32

const (
	RoleNonVoter Role = iota
	RoleFollower
	RoleCandidate
	RoleLeader
	RoleShutdown
)

func (r Role) String() string {
	switch r {
	case RoleNonVoter:
		return "NonVoter"
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	case RoleShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// voteSummary is the (term, candidate) pair this node most recently voted
// for; per invariant 3, candidate is always reset when term increases.
type voteSummary struct {
	term      uint64
	candidate string
}

// serverState is C1: the node's volatile role/term/vote/leader-hint state,
// plus a cache of the durable log's index/term boundaries. Mutation methods
// are not internally synchronized against each other (only the core
// goroutine calls the setters, per §5); they use atomics/mutexes only so
// that concurrent *readers* (API callers, the gRPC service, metrics) never
// observe a torn value.
type serverState struct {
	roleVal atomic.Uint32

	stateMu     sync.Mutex
	currentTerm uint64
	votedFor    voteSummary

	leaderVal atomic.Value // *raftpb.Peer

	lastLogIndexVal  atomic.Uint64
	lastLogTermVal   atomic.Uint64
	firstLogIndexVal atomic.Uint64

	electionMu       sync.Mutex
	electionDeadline time.Time

	shutdownFlag atomic.Bool
}

func (s *serverState) role() Role { return Role(s.roleVal.Load()) }

func (s *serverState) setRole(r Role) { s.roleVal.Store(uint32(r)) }

// currentTermValue returns the current term under the state lock.
func (s *serverState) currentTermValue() uint64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.currentTerm
}

func (s *serverState) lastVoteSummary() voteSummary {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.votedFor
}

// updateCurrentTerm is C1's update_current_term(new_term, voted_for): the
// only way current_term/voted_for may change together. Precondition (per
// §4.1): newTerm > current_term. The caller is responsible for persisting
// hard state afterward and before any message depending on it is sent.
func (s *serverState) updateCurrentTerm(newTerm uint64, votedFor string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if newTerm <= s.currentTerm {
		return
	}
	s.currentTerm = newTerm
	s.votedFor = voteSummary{term: newTerm, candidate: votedFor}
}

// setVotedFor records a vote granted within the *current* term (term does
// not change, so invariant 3's "at most one grant per term" is the caller's
// responsibility to check before calling this).
func (s *serverState) setVotedFor(candidate string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.votedFor = voteSummary{term: s.currentTerm, candidate: candidate}
}

func (s *serverState) setLeader(leader *raftpb.Peer) {
	if leader == nil {
		leader = raftpb.NilPeer
	}
	s.leaderVal.Store(leader)
}

func (s *serverState) leader() *raftpb.Peer {
	if v := s.leaderVal.Load(); v != nil {
		return v.(*raftpb.Peer)
	}
	return raftpb.NilPeer
}

func (s *serverState) lastLogIndex() uint64     { return s.lastLogIndexVal.Load() }
func (s *serverState) setLastLogIndex(i uint64) { s.lastLogIndexVal.Store(i) }
func (s *serverState) lastLogTerm() uint64       { return s.lastLogTermVal.Load() }
func (s *serverState) setLastLogTerm(t uint64)   { s.lastLogTermVal.Store(t) }
func (s *serverState) firstLogIndex() uint64     { return s.firstLogIndexVal.Load() }
func (s *serverState) setFirstLogIndex(i uint64) { s.firstLogIndexVal.Store(i) }

// getOrInitElectionDeadline is get_or_init_election_deadline (§4.1):
// returns the cached deadline, drawing and caching a new one if unset.
func (s *serverState) getOrInitElectionDeadline(randomTimeout func() time.Duration) time.Time {
	s.electionMu.Lock()
	defer s.electionMu.Unlock()
	if s.electionDeadline.IsZero() {
		s.electionDeadline = time.Now().Add(randomTimeout())
	}
	return s.electionDeadline
}

// refreshElectionDeadline unconditionally redraws the election deadline.
func (s *serverState) refreshElectionDeadline(randomTimeout func() time.Duration) time.Time {
	s.electionMu.Lock()
	defer s.electionMu.Unlock()
	s.electionDeadline = time.Now().Add(randomTimeout())
	return s.electionDeadline
}

func (s *serverState) clearElectionDeadline() {
	s.electionMu.Lock()
	defer s.electionMu.Unlock()
	s.electionDeadline = time.Time{}
}

func (s *serverState) setShutdownState() bool {
	return s.shutdownFlag.CompareAndSwap(false, true)
}

func (s *serverState) shutdownState() bool {
	return s.shutdownFlag.Load()
}
