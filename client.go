package raft

import (
	"context"

	"github.com/raftkit/raft/raftpb"
)

// Command is the opaque application payload a caller submits via
// ApplyCommand; an alias of raftpb.Command so callers need not import the
// wire package for this one type.
type Command = raftpb.Command

// Apply submits a log entry for replication (§6.3's ClientWrite): on the
// leader it is appended to the local log and replication is nudged; on any
// other role it is forwarded to the current leader over the transport, so
// callers never need to track leadership themselves. The returned future
// resolves once the leader has appended the entry; it does not wait for
// the entry to commit or be applied.
func (s *Server) Apply(body *raftpb.LogBody) FutureTask[*raftpb.LogMeta, *raftpb.LogBody] {
	t := newFutureTask[*raftpb.LogMeta](body.Copy())

	if s.role() == RoleLeader {
		select {
		case s.applyCh <- t:
		case <-s.shutdownCh:
			t.setResult(nil, ErrShutdown)
		}
		return t
	}

	go func() {
		leader := s.leader()
		if leader == nil || leader.Id == "" {
			t.setResult(nil, ErrNotLeader)
			return
		}
		resp, err := s.transport.ApplyLog(context.Background(), leader, &raftpb.ApplyLogRequest{Body: body.Copy()})
		if err != nil {
			t.setResult(nil, err)
			return
		}
		if resp.Error != "" {
			t.setResult(nil, &NotLeaderError{Leader: s.leader()})
			return
		}
		t.setResult(resp.Meta, nil)
	}()

	return t
}

// ApplyCommand is Apply specialized to an ordinary application command.
func (s *Server) ApplyCommand(command Command) FutureTask[*raftpb.LogMeta, *raftpb.LogBody] {
	return s.Apply(&raftpb.LogBody{Type: raftpb.LogType_COMMAND, Data: command})
}

// ClientWrite is an alias kept for readers coming from the Raft paper's
// naming (§6.3); it behaves identically to ApplyCommand.
func (s *Server) ClientWrite(command Command) FutureTask[*raftpb.LogMeta, *raftpb.LogBody] {
	return s.ApplyCommand(command)
}

// ClientRead blocks until this node's state machine has applied at least
// commit_index as of the moment it is called, implementing a simple
// read-index style linearizability check (§6.3): a leader must first
// confirm it is still leader of a live quorum before its local apply
// state can be trusted for a linearizable read.
func (s *Server) ClientRead(ctx context.Context) error {
	if s.role() != RoleLeader {
		return ErrNotLeader
	}
	readIndex := s.commitIndex()
	if !s.confirmLeadership(ctx) {
		return ErrQuorumLost
	}
	for s.lastApplied().Index < readIndex {
		select {
		case <-ctx.Done():
			return ErrDeadlineExceeded
		default:
		}
	}
	return nil
}

// confirmLeadership is a best-effort guard against a stale leader that
// has been partitioned away from the cluster but has not yet heard a
// higher term (§6.3's "leader lease" check): it nudges every replication
// driver and checks whether match_index, as of the most recent round of
// responses, still reflects a live quorum.
func (s *Server) confirmLeadership(ctx context.Context) bool {
	cfg := s.confStore.Latest()
	s.replicationSched.nudgeAll()
	matchIndex := s.replicationSched.matchIndices()
	at := s.lastLogIndex()
	return quorumSatisfied(cfg, matchIndex, s.id, at, at)
}

// Initialize bootstraps the cluster's very first membership (§6.4's
// Initialize), used when starting a brand-new cluster rather than joining
// one that already has a committed configuration. A fresh node starts as
// NonVoter (§3), so this cannot route through the leader-only Apply path;
// it instead hands the request to the core goroutine over initCh, which
// only runLoopNonVoter reads.
func (s *Server) Initialize(peers []*raftpb.Peer) error {
	if len(s.confStore.Latest().Current.Peers) > 0 {
		return ErrNotAllowed
	}
	if s.lastLogIndex() > 0 || s.role() != RoleNonVoter {
		return ErrNotAllowed
	}
	t := newFutureTask[*raftpb.LogMeta](peers)
	select {
	case s.initCh <- t:
	case <-s.shutdownCh:
		return ErrShutdown
	}
	_, err := t.Result()
	return err
}

// AddNonVoter registers peer as a non-voting, catching-up member (§4.6):
// it starts receiving replication but is not yet counted toward any
// quorum until a subsequent ChangeMembership folds it in.
func (s *Server) AddNonVoter(peer *raftpb.Peer) {
	s.confStore.AddNonVoter(peer)
	select {
	case s.confCh <- struct{}{}:
	default:
	}
}

// ChangeMembership drives a joint-consensus membership change to the
// target peer ID set (§4.6): once every target is either an existing voter
// or a non-voter that has reached line rate, the leader's core loop
// appends a joint (Current, Next) config entry (handleChangeMembership),
// then the trailing uniform entry once the joint entry commits (see
// appendUniformConfigAfterJoint). A target that is a non-voter still
// catching up parks the request until it reaches line rate (§8 Scenario 4);
// callers that added non-voters via AddNonVoter just beforehand should
// expect this call to block until replication catches them up.
func (s *Server) ChangeMembership(targetIds []string) error {
	if s.role() != RoleLeader {
		return ErrNotLeader
	}
	t := newFutureTask[*raftpb.LogMeta](targetIds)
	select {
	case s.changeMembershipCh <- t:
	case <-s.shutdownCh:
		return ErrShutdown
	}
	_, err := t.Result()
	return err
}
