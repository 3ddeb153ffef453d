package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raft/raftest"
	"github.com/raftkit/raft/raftpb"
)

func newTestSnapshotService(threshold uint64) (*snapshotService, *raftest.MemoryStore) {
	s := &Server{}
	store := raftest.NewMemoryStore()
	sm := raftest.NewRecordingStateMachine()
	return newSnapshotService(s, store, store, sm, threshold, 1024), store
}

func TestSnapshotTriggerIfNeededRespectsThreshold(t *testing.T) {
	svc, store := newTestSnapshotService(10)
	require.NoError(t, store.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 10, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("x")}},
	}))

	svc.s.setLastApplied(5, 1)
	svc.triggerIfNeeded()
	svc.mu.Lock()
	inFlight := svc.snapshotting != nil
	svc.mu.Unlock()
	require.False(t, inFlight, "below threshold must not start a compaction")

	svc.s.setLastApplied(10, 1)
	svc.triggerIfNeeded()
	result := <-svc.resultCh
	require.NoError(t, result.Err)
}

func TestSnapshotBeginInstallReusesStreamForSameID(t *testing.T) {
	svc, _ := newTestSnapshotService(1000)
	req := &raftpb.InstallSnapshotRequest{Offset: 0}
	sink1, err := svc.beginInstall(req, "snap-1")
	require.NoError(t, err)

	svc.advanceInstall("snap-1", 4)
	req2 := &raftpb.InstallSnapshotRequest{Offset: 4}
	sink2, err := svc.beginInstall(req2, "snap-1")
	require.NoError(t, err)
	require.Same(t, sink1, sink2, "a resumed chunk for the same stream id must reuse the same sink")
}

func TestSnapshotBeginInstallRejectsMismatchedOffset(t *testing.T) {
	svc, _ := newTestSnapshotService(1000)
	_, err := svc.beginInstall(&raftpb.InstallSnapshotRequest{Offset: 0}, "snap-1")
	require.NoError(t, err)

	_, err = svc.beginInstall(&raftpb.InstallSnapshotRequest{Offset: 99}, "snap-1")
	require.ErrorIs(t, err, ErrNotAllowed)
}

func TestSnapshotFinishInstallClosesSinkAndClearsStreaming(t *testing.T) {
	svc, _ := newTestSnapshotService(1000)
	_, err := svc.beginInstall(&raftpb.InstallSnapshotRequest{Offset: 0}, "snap-1")
	require.NoError(t, err)

	err = svc.finishInstall("snap-1", SnapshotMeta{ID: "snap-1", Index: 5, Term: 1}, nil)
	require.NoError(t, err)

	svc.mu.Lock()
	streaming := svc.streaming
	svc.mu.Unlock()
	require.Nil(t, streaming)
}

func TestSnapshotBeginInstallAbortsConcurrentCompaction(t *testing.T) {
	svc, _ := newTestSnapshotService(1)
	svc.s.setLastApplied(5, 1)
	svc.triggerIfNeeded()
	svc.mu.Lock()
	require.NotNil(t, svc.snapshotting)
	svc.mu.Unlock()

	_, err := svc.beginInstall(&raftpb.InstallSnapshotRequest{Offset: 0}, "snap-remote")
	require.NoError(t, err)

	svc.mu.Lock()
	aborted := svc.snapshotting == nil
	svc.mu.Unlock()
	require.True(t, aborted, "an inbound install must abort a moot local compaction")

	<-svc.resultCh
}
