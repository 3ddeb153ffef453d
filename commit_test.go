package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raft/raftest"
	"github.com/raftkit/raft/raftpb"
)

func TestCommitStateMonotonic(t *testing.T) {
	c := &commitState{}
	c.setCommitIndexValue(5)
	require.Equal(t, uint64(5), c.getCommitIndex())
	c.setCommitIndexValue(3)
	require.Equal(t, uint64(5), c.getCommitIndex(), "commit index must never regress")

	c.setLastAppliedValue(2, 1)
	c.setLastAppliedValue(1, 1)
	require.Equal(t, appliedState{Index: 2, Term: 1}, c.getLastApplied())
}

func TestApplyNormalEntriesBatchesCommandsAndReportsConfigEntry(t *testing.T) {
	storage := raftest.NewMemoryStore()
	require.NoError(t, storage.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("a")}},
		{Meta: &raftpb.LogMeta{Index: 2, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_CONFIGURATION, Data: []byte("cfg")}},
		{Meta: &raftpb.LogMeta{Index: 3, Term: 2}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("b")}},
	}))

	sm := raftest.NewRecordingStateMachine()
	lastTerm, lastConfigLog, err := applyNormalEntries(storage, sm, 1, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), lastTerm)
	require.NotNil(t, lastConfigLog)
	require.Equal(t, uint64(2), lastConfigLog.Meta.Index)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, sm.Applied())
}

func TestApplyNormalEntriesEmptyRangeIsNoop(t *testing.T) {
	storage := raftest.NewMemoryStore()
	sm := raftest.NewRecordingStateMachine()
	lastTerm, lastConfigLog, err := applyNormalEntries(storage, sm, 5, 4)
	require.NoError(t, err)
	require.Zero(t, lastTerm)
	require.Nil(t, lastConfigLog)
	require.Empty(t, sm.Applied())
}

func TestApplyWorkerDrainsUpToCommitIndex(t *testing.T) {
	storage := raftest.NewMemoryStore()
	require.NoError(t, storage.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("x")}},
		{Meta: &raftpb.LogMeta{Index: 2, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("y")}},
	}))
	sm := raftest.NewRecordingStateMachine()
	w := newApplyWorker(storage, sm)
	go w.run()

	w.eventCh <- committedSnapshot{CommitIndex: 1, LastLogIndex: 2, LastApplied: 0}
	notif := <-w.notifyCh
	require.Equal(t, applyNotifyMetrics, notif.Kind)
	notif = <-w.notifyCh
	require.Equal(t, applyNotifyApplied, notif.Kind)
	require.Equal(t, uint64(1), notif.Index)

	w.eventCh <- committedSnapshot{CommitIndex: 2, LastLogIndex: 2, LastApplied: 1}
	<-w.notifyCh
	notif = <-w.notifyCh
	require.Equal(t, uint64(2), notif.Index)

	w.terminate()
	require.Equal(t, [][]byte{[]byte("x"), []byte("y")}, sm.Applied())
}
