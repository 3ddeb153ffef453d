package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raft"
	"github.com/raftkit/raft/raftpb"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreAppendAndReadEntries(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("a")}},
		{Meta: &raftpb.LogMeta{Index: 2, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("b")}},
	}))

	first, err := store.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last, err := store.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	entries, err := store.Entries(1, 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("b"), entries[1].Body.Data)
}

func TestStoreDeleteFromTruncatesSuffix(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND}},
		{Meta: &raftpb.LogMeta{Index: 2, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND}},
		{Meta: &raftpb.LogMeta{Index: 3, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND}},
	}))
	require.NoError(t, store.DeleteFrom(2))

	last, err := store.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)
}

func TestStoreGetInitialStateReflectsHardStateAndLog(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SaveHardState(raft.HardState{CurrentTerm: 4, VotedFor: "n2"}))
	require.NoError(t, store.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 3}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND}},
	}))

	state, err := store.GetInitialState()
	require.NoError(t, err)
	require.Equal(t, uint64(4), state.HardState.CurrentTerm)
	require.Equal(t, "n2", state.HardState.VotedFor)
	require.Equal(t, uint64(1), state.LastLogIndex)
	require.Equal(t, uint64(3), state.LastLogTerm)
}

func TestStoreDoLogCompactionTruncatesLogPrefix(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND}},
		{Meta: &raftpb.LogMeta{Index: 2, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND}},
		{Meta: &raftpb.LogMeta{Index: 3, Term: 2}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND}},
	}))

	meta, err := store.DoLogCompaction(2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), meta.Index)
	require.Equal(t, uint64(1), meta.Term)

	first, err := store.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), first, "compaction must drop every entry through the snapshot index")
}

func TestStoreRestoreDropsLogAndSetsMembership(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND}},
	}))

	cfg := &raftpb.Configuration{Current: &raftpb.Config{Peers: []*raftpb.Peer{{Id: "n1", Endpoint: "n1:0"}}}}
	require.NoError(t, store.Restore(raft.SnapshotMeta{Index: 10, Term: 2, Membership: cfg}))

	last, err := store.LastIndex()
	require.NoError(t, err)
	require.Zero(t, last, "restore must discard the prior log entirely")

	state, err := store.GetInitialState()
	require.NoError(t, err)
	require.Equal(t, uint64(10), state.LastAppliedLog)
	require.ElementsMatch(t, []string{"n1"}, state.Membership.Current.Ids())
}
