package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raft/raftest"
	"github.com/raftkit/raft/raftpb"
)

func newRPCTestServer(t *testing.T) (*Server, *raftest.MemoryStore) {
	t.Helper()
	store := raftest.NewMemoryStore()
	s, err := NewServer(ServerCoreOptions{
		Id:               "n1",
		Endpoint:         "n1",
		LogProvider:      store,
		StateMachine:     raftest.NewRecordingStateMachine(),
		SnapshotProvider: store,
		Transport:        raftest.NewTransport(raftest.NewHub(), "n1"),
	})
	require.NoError(t, err)
	return s, store
}

func TestAppendEntriesRejectsStaleTerm(t *testing.T) {
	s, _ := newRPCTestServer(t)
	s.updateCurrentTerm(5, "")

	resp, err := s.rpcHandler.AppendEntries("req-1", &raftpb.AppendEntriesRequest{Term: 3, LeaderId: "leader"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, uint64(5), resp.Term)
}

func TestAppendEntriesReturnsConflictIndexOnMismatch(t *testing.T) {
	s, store := newRPCTestServer(t)
	require.NoError(t, store.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND}},
	}))
	s.setLastLogIndex(1)
	s.setLastLogTerm(1)

	resp, err := s.rpcHandler.AppendEntries("req-2", &raftpb.AppendEntriesRequest{
		Term: 1, LeaderId: "leader", PrevLogIndex: 2, PrevLogTerm: 1,
	})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, uint64(2), resp.ConflictIndex, "no entry at PrevLogIndex must hint at one past our own log")
}

func TestAppendEntriesAppliesConfigurationEntryImmediately(t *testing.T) {
	s, _ := newRPCTestServer(t)
	cfg := &raftpb.Configuration{Current: &raftpb.Config{Peers: peers("n1", "n2")}}
	data, err := encodeConfiguration(cfg)
	require.NoError(t, err)

	resp, err := s.rpcHandler.AppendEntries("req-3", &raftpb.AppendEntriesRequest{
		Term: 1, LeaderId: "leader",
		Entries: []*raftpb.Log{
			{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_CONFIGURATION, Data: data}},
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.ElementsMatch(t, []string{"n1", "n2"}, s.confStore.Latest().Current.Ids())
}

func TestRequestVoteGrantedForUpToDateCandidate(t *testing.T) {
	s, _ := newRPCTestServer(t)
	resp, err := s.rpcHandler.RequestVote("req-4", &raftpb.RequestVoteRequest{
		Term: 1, CandidateId: "n2", LastLogIndex: 0, LastLogTerm: 0,
	})
	require.NoError(t, err)
	require.True(t, resp.Granted)
	require.Equal(t, "n2", s.lastVoteSummary().candidate)
}

func TestRequestVoteDeniedForStaleCandidateLog(t *testing.T) {
	s, _ := newRPCTestServer(t)
	s.setLastLogTerm(5)

	resp, err := s.rpcHandler.RequestVote("req-5", &raftpb.RequestVoteRequest{
		Term: 6, CandidateId: "n2", LastLogIndex: 0, LastLogTerm: 2,
	})
	require.NoError(t, err)
	require.False(t, resp.Granted)
}

func TestRequestVoteDeniedWhenAlreadyVotedForSomeoneElse(t *testing.T) {
	s, _ := newRPCTestServer(t)
	s.updateCurrentTerm(3, "")
	s.setVotedFor("n2")

	resp, err := s.rpcHandler.RequestVote("req-6", &raftpb.RequestVoteRequest{
		Term: 3, CandidateId: "n3", LastLogIndex: 0, LastLogTerm: 0,
	})
	require.NoError(t, err)
	require.False(t, resp.Granted)
}
