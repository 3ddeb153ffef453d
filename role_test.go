package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raft/raftpb"
)

func TestServerStateUpdateCurrentTermResetsVote(t *testing.T) {
	s := &serverState{}
	s.updateCurrentTerm(1, "n1")
	require.Equal(t, uint64(1), s.currentTermValue())
	require.Equal(t, voteSummary{term: 1, candidate: "n1"}, s.lastVoteSummary())

	// A stale term update is ignored (invariant: current_term never
	// decreases).
	s.updateCurrentTerm(1, "n2")
	require.Equal(t, "n1", s.lastVoteSummary().candidate)

	s.updateCurrentTerm(2, "")
	require.Equal(t, uint64(2), s.currentTermValue())
	require.Empty(t, s.lastVoteSummary().candidate)
}

func TestServerStateSetVotedForKeepsTerm(t *testing.T) {
	s := &serverState{}
	s.updateCurrentTerm(5, "")
	s.setVotedFor("n3")
	vote := s.lastVoteSummary()
	require.Equal(t, uint64(5), vote.term)
	require.Equal(t, "n3", vote.candidate)
}

func TestServerStateLeaderDefaultsToNilPeer(t *testing.T) {
	s := &serverState{}
	require.Equal(t, raftpb.NilPeer, s.leader())

	s.setLeader(&raftpb.Peer{Id: "n1", Endpoint: "1.2.3.4:1"})
	require.Equal(t, "n1", s.leader().Id)

	s.setLeader(nil)
	require.Equal(t, raftpb.NilPeer, s.leader())
}

func TestServerStateElectionDeadlineCachesUntilRefreshed(t *testing.T) {
	s := &serverState{}
	fixed := func() time.Duration { return 10 * time.Millisecond }

	first := s.getOrInitElectionDeadline(fixed)
	second := s.getOrInitElectionDeadline(fixed)
	require.Equal(t, first, second, "getOrInit should not redraw an already-set deadline")

	refreshed := s.refreshElectionDeadline(fixed)
	require.True(t, refreshed.After(first) || refreshed.Equal(first))

	s.clearElectionDeadline()
	require.True(t, s.electionDeadline.IsZero())
}

func TestServerStateShutdownFlagIsOneShot(t *testing.T) {
	s := &serverState{}
	require.False(t, s.shutdownState())
	require.True(t, s.setShutdownState())
	require.True(t, s.shutdownState())
	require.False(t, s.setShutdownState(), "a second setShutdownState should report it was already set")
}
