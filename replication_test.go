package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raft/raftest"
	"github.com/raftkit/raft/raftpb"
)

// newDriverTestServer builds a minimal, never-Serve'd Server wired to a
// real raftest transport/storage pair so peerReplicationDriver.replicateOnce
// can be exercised directly, without running the full role-loop machinery.
func newDriverTestServer(t *testing.T, hub *raftest.Hub, id string) (*Server, *raftest.MemoryStore) {
	t.Helper()
	store := raftest.NewMemoryStore()
	trans := raftest.NewTransport(hub, id)
	s, err := NewServer(ServerCoreOptions{
		Id:               id,
		Endpoint:         id,
		LogProvider:      store,
		StateMachine:     raftest.NewRecordingStateMachine(),
		SnapshotProvider: store,
		Transport:        trans,
	})
	require.NoError(t, err)
	s.updateCurrentTerm(1, "")
	return s, store
}

func TestPeerReplicationDriverAdvancesMatchIndexOnSuccess(t *testing.T) {
	hub := raftest.NewHub()
	leader, leaderStore := newDriverTestServer(t, hub, "leader")
	follower, followerStore := newDriverTestServer(t, hub, "follower")
	follower.updateCurrentTerm(1, "")

	require.NoError(t, leaderStore.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("a")}},
	}))
	leader.setLastLogIndex(1)
	leader.setLastLogTerm(1)

	// Drive the follower's RPC channel manually, since the follower server
	// is not running its own core loop in this test.
	go func() {
		for rpc := range follower.transport.RPC() {
			follower.rpcHandler.dispatch(rpc)
		}
	}()
	_ = followerStore

	driver := newPeerReplicationDriver(leader, &raftpb.Peer{Id: "follower", Endpoint: "follower"}, 1)
	driver.replicateOnce()

	require.Eventually(t, func() bool {
		return driver.matchIndex == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(2), driver.nextIndex)
}

func TestPeerReplicationDriverBacksOffNextIndexOnConflict(t *testing.T) {
	hub := raftest.NewHub()
	leader, leaderStore := newDriverTestServer(t, hub, "leader")
	follower, followerStore := newDriverTestServer(t, hub, "follower")

	// Follower holds only a stale-term entry at index 1 and nothing at
	// index 2, so AppendEntries at nextIndex=3 (prev index 2) will fail
	// with a conflict hint of 2 the driver must back off to.
	require.NoError(t, followerStore.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 1}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("stale")}},
	}))
	follower.setLastLogIndex(1)
	follower.setLastLogTerm(1)
	follower.updateCurrentTerm(1, "")

	require.NoError(t, leaderStore.AppendEntries([]*raftpb.Log{
		{Meta: &raftpb.LogMeta{Index: 1, Term: 2}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("a")}},
		{Meta: &raftpb.LogMeta{Index: 2, Term: 2}, Body: &raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: []byte("b")}},
	}))
	leader.setLastLogIndex(2)
	leader.setLastLogTerm(2)
	leader.updateCurrentTerm(2, "")

	go func() {
		for rpc := range follower.transport.RPC() {
			follower.rpcHandler.dispatch(rpc)
		}
	}()

	driver := newPeerReplicationDriver(leader, &raftpb.Peer{Id: "follower", Endpoint: "follower"}, 3)
	driver.replicateOnce()

	require.Eventually(t, func() bool {
		return driver.nextIndex < 3
	}, time.Second, 5*time.Millisecond, "a rejected AppendEntries must move nextIndex backwards")
}

func TestReplicationSchedulerReconcileStartsAndStopsDrivers(t *testing.T) {
	hub := raftest.NewHub()
	leader, _ := newDriverTestServer(t, hub, "leader")

	cfg := raftpb.NewConfiguration(raftpb.NewConfig(
		&raftpb.Peer{Id: "leader", Endpoint: "leader"},
		&raftpb.Peer{Id: "p2", Endpoint: "p2"},
	))
	leader.confStore.SetLatest(cfg, 0)

	sched := newReplicationScheduler(leader)
	sched.reconcile()
	require.Len(t, sched.drivers, 1)
	require.Contains(t, sched.drivers, "p2")

	uniform := raftpb.NewConfiguration(raftpb.NewConfig(&raftpb.Peer{Id: "leader", Endpoint: "leader"}))
	leader.confStore.SetLatest(uniform, 0)
	sched.reconcile()
	require.Empty(t, sched.drivers)

	sched.stopAll()
}
