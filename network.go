package raft

import (
	"context"

	"github.com/raftkit/raft/raftpb"
)

// Network is the out-of-scope peer RPC delivery capability (§6.2). Any
// error it returns is treated as transient and retried by the calling
// replication driver / election fan-out — never propagated to the core.
type Network interface {
	AppendEntries(ctx context.Context, peer *raftpb.Peer, req *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error)
	RequestVote(ctx context.Context, peer *raftpb.Peer, req *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error)
	InstallSnapshot(ctx context.Context, peer *raftpb.Peer, req *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error)
}

// Transport extends Network with the server-side surface the core needs to
// accept inbound RPCs and forwarded client writes: an inbound RPC channel,
// its own bind address, and a Serve loop. This is the `Transport` field of
// ServerCoreOptions (teacher's naming).
type Transport interface {
	Network
	// Endpoint is this node's own dial-able address.
	Endpoint() string
	// RPC delivers inbound peer RPCs and forwarded ApplyLog requests.
	RPC() <-chan *RPC
	// Serve blocks, accepting connections, until the transport is closed.
	Serve() error
	// ApplyLog forwards a client write to a (usually the leader) peer.
	ApplyLog(ctx context.Context, peer *raftpb.Peer, req *raftpb.ApplyLogRequest) (*raftpb.ApplyLogResponse, error)
}

// TransportCloser is implemented by transports that hold resources (listen
// sockets, client connections) needing an explicit Close on shutdown.
type TransportCloser interface {
	Close() error
}
