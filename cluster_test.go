package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raftkit/raft/raftest"
	"github.com/raftkit/raft/raftpb"
)

// clusterNode bundles one in-memory node's collaborators so the test can
// reach into its storage/state machine after the Server is running.
type clusterNode struct {
	id     string
	server *Server
	store  *raftest.MemoryStore
	sm     *raftest.RecordingStateMachine
	trans  *raftest.Transport
}

func newClusterNode(t *testing.T, hub *raftest.Hub, id string, cfg *raftpb.Configuration) *clusterNode {
	t.Helper()
	store := raftest.NewMemoryStore()
	store.Bootstrap(cfg)
	sm := raftest.NewRecordingStateMachine()
	trans := raftest.NewTransport(hub, id)

	server, err := NewServer(ServerCoreOptions{
		Id:               id,
		Endpoint:         id,
		LogProvider:      store,
		StateMachine:     sm,
		SnapshotProvider: store,
		Transport:        trans,
	})
	require.NoError(t, err)

	return &clusterNode{id: id, server: server, store: store, sm: sm, trans: trans}
}

func awaitLeader(t *testing.T, nodes []*clusterNode, timeout time.Duration) *clusterNode {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.server.role() == RoleLeader {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected before timeout")
	return nil
}

func TestClusterElectsLeaderAndReplicatesCommands(t *testing.T) {
	hub := raftest.NewHub()
	ids := []string{"n1", "n2", "n3"}
	cfg := raftpb.NewConfiguration(raftpb.NewConfig(
		&raftpb.Peer{Id: "n1", Endpoint: "n1"},
		&raftpb.Peer{Id: "n2", Endpoint: "n2"},
		&raftpb.Peer{Id: "n3", Endpoint: "n3"},
	))

	nodes := make([]*clusterNode, len(ids))
	for i, id := range ids {
		nodes[i] = newClusterNode(t, hub, id, cfg)
	}
	for _, n := range nodes {
		go n.server.Serve()
	}
	defer func() {
		for _, n := range nodes {
			n.server.Shutdown(nil)
		}
	}()

	leader := awaitLeader(t, nodes, 2*time.Second)

	meta, err := leader.server.ApplyCommand([]byte("hello")).Result()
	require.NoError(t, err)
	require.NotZero(t, meta.Index)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			applied := n.sm.Applied()
			if len(applied) == 0 || string(applied[len(applied)-1]) != "hello" {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "command must replicate to every node's state machine")

	require.NoError(t, leader.server.ClientRead(context.Background()))
}

func TestClusterHealsAfterMinorityPartition(t *testing.T) {
	hub := raftest.NewHub()
	ids := []string{"n1", "n2", "n3"}
	cfg := raftpb.NewConfiguration(raftpb.NewConfig(
		&raftpb.Peer{Id: "n1", Endpoint: "n1"},
		&raftpb.Peer{Id: "n2", Endpoint: "n2"},
		&raftpb.Peer{Id: "n3", Endpoint: "n3"},
	))

	nodes := make([]*clusterNode, len(ids))
	for i, id := range ids {
		nodes[i] = newClusterNode(t, hub, id, cfg)
	}
	for _, n := range nodes {
		go n.server.Serve()
	}
	defer func() {
		for _, n := range nodes {
			n.server.Shutdown(nil)
		}
	}()

	leader := awaitLeader(t, nodes, 2*time.Second)
	var minority *clusterNode
	for _, n := range nodes {
		if n.id != leader.id {
			minority = n
			break
		}
	}

	hub.Partition(minority.id, leader.id)
	for _, n := range nodes {
		if n.id != minority.id && n.id != leader.id {
			hub.Partition(minority.id, n.id)
		}
	}

	_, err := leader.server.ApplyCommand([]byte("during-partition")).Result()
	require.NoError(t, err)

	hub.Heal(minority.id, leader.id)
	for _, n := range nodes {
		if n.id != minority.id && n.id != leader.id {
			hub.Heal(minority.id, n.id)
		}
	}

	require.Eventually(t, func() bool {
		applied := minority.sm.Applied()
		return len(applied) > 0 && string(applied[len(applied)-1]) == "during-partition"
	}, 2*time.Second, 10*time.Millisecond, "partitioned node must catch up once healed")
}
