package raftest

import (
	"context"
	"fmt"
	"sync"

	"github.com/raftkit/raft"
	"github.com/raftkit/raft/raftpb"
)

// Hub is an in-memory switchboard connecting every node's Transport: a
// call on one node's Transport looks up the target by peer ID and
// delivers directly into that node's RPC channel, skipping any real
// network stack. Partition/Heal let tests simulate split-brain scenarios.
type Hub struct {
	mu        sync.RWMutex
	nodes     map[string]*Transport
	partition map[string]map[string]bool
}

func NewHub() *Hub {
	return &Hub{
		nodes:     make(map[string]*Transport),
		partition: make(map[string]map[string]bool),
	}
}

func (h *Hub) register(id string, t *Transport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[id] = t
}

// Partition makes every call between a and b fail until Heal(a, b).
func (h *Hub) Partition(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.partition[a] == nil {
		h.partition[a] = map[string]bool{}
	}
	if h.partition[b] == nil {
		h.partition[b] = map[string]bool{}
	}
	h.partition[a][b] = true
	h.partition[b][a] = true
}

func (h *Hub) Heal(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.partition[a], b)
	delete(h.partition[b], a)
}

func (h *Hub) blocked(a, b string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.partition[a][b]
}

func (h *Hub) transportFor(id string) (*Transport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[id]
	return t, ok
}

// Transport is an in-memory raft.Transport backed by a shared Hub.
type Transport struct {
	id  string
	hub *Hub

	rpcCh chan *raft.RPC
}

// NewTransport registers a new node identified by id on hub and returns
// its Transport.
func NewTransport(hub *Hub, id string) *Transport {
	t := &Transport{id: id, hub: hub, rpcCh: make(chan *raft.RPC, 64)}
	hub.register(id, t)
	return t
}

func (t *Transport) Endpoint() string { return t.id }

func (t *Transport) RPC() <-chan *raft.RPC { return t.rpcCh }

func (t *Transport) Serve() error {
	<-context.Background().Done()
	return nil
}

func (t *Transport) deliver(peer *raftpb.Peer, kind raft.RPCKind, request interface{}) (interface{}, error) {
	if t.hub.blocked(t.id, peer.Id) {
		return nil, fmt.Errorf("raftest: %s is partitioned from %s", t.id, peer.Id)
	}
	target, ok := t.hub.transportFor(peer.Id)
	if !ok {
		return nil, fmt.Errorf("raftest: unknown peer %q", peer.Id)
	}
	rpc := raft.NewRPC(kind, request)
	target.rpcCh <- rpc
	resp := <-rpc.Response()
	return resp.Response, resp.Error
}

func (t *Transport) AppendEntries(ctx context.Context, peer *raftpb.Peer, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	resp, err := t.deliver(peer, raft.RPCKindAppendEntries, req)
	if err != nil {
		return nil, err
	}
	return resp.(*raftpb.AppendEntriesResponse), nil
}

func (t *Transport) RequestVote(ctx context.Context, peer *raftpb.Peer, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	resp, err := t.deliver(peer, raft.RPCKindRequestVote, req)
	if err != nil {
		return nil, err
	}
	return resp.(*raftpb.RequestVoteResponse), nil
}

func (t *Transport) InstallSnapshot(ctx context.Context, peer *raftpb.Peer, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	resp, err := t.deliver(peer, raft.RPCKindInstallSnapshot, req)
	if err != nil {
		return nil, err
	}
	return resp.(*raftpb.InstallSnapshotResponse), nil
}

func (t *Transport) ApplyLog(ctx context.Context, peer *raftpb.Peer, req *raftpb.ApplyLogRequest) (*raftpb.ApplyLogResponse, error) {
	resp, err := t.deliver(peer, raft.RPCKindApplyLog, req)
	if err != nil {
		return nil, err
	}
	return resp.(*raftpb.ApplyLogResponse), nil
}
