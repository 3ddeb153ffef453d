package raft

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/raftkit/raft/raftpb"
)

// encodeConfiguration/decodeConfiguration serialize a Configuration for
// storage in a CONFIGURATION entry's LogBody.Data.
func encodeConfiguration(cfg *raftpb.Configuration) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeConfiguration(data []byte) (*raftpb.Configuration, error) {
	var cfg raftpb.Configuration
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConsensusState is C6's state machine for the leader's view of an
// in-flight membership change (§4.6). Uniform is the steady state; a
// change moves NonVoterSync -> Joint{is_committed:false} ->
// Joint{is_committed:true} -> back to Uniform as soon as the trailing
// uniform config entry is appended (SetLatest); that entry's commit does
// not change the state again.
type ConsensusState int

const (
	// ConsensusUniform: no membership change in flight.
	ConsensusUniform ConsensusState = iota
	// ConsensusNonVoterSync: one or more non-voters are catching up on the
	// log before they can be folded into a joint config.
	ConsensusNonVoterSync
	// ConsensusJoint: a joint (Current, Next) config is live; IsCommitted
	// flips true once that joint entry itself reaches commit_index.
	ConsensusJoint
)

func (c ConsensusState) String() string {
	switch c {
	case ConsensusUniform:
		return "Uniform"
	case ConsensusNonVoterSync:
		return "NonVoterSync"
	case ConsensusJoint:
		return "Joint"
	default:
		return "Unknown"
	}
}

// configurationStore is the membership half of C6: the latest
// (possibly-joint) Configuration this node knows about, plus the leader's
// bookkeeping for driving a change through to completion. Config entries
// are applied to Latest the instant they are appended to the log (§4.7
// step 6), well before they commit; Current is read for quorum math
// throughout that window.
type configurationStore struct {
	mu sync.Mutex

	latest *raftpb.Configuration

	// nonVoters tracks ids added via AddNonVoter that have not yet been
	// folded into a joint config change.
	nonVoters map[string]*raftpb.Peer

	// nonVoterReady tracks which of those ids have caught up to line rate
	// (§4.6 NonVoterSync) and are therefore eligible for ChangeMembership
	// to fold into a joint config.
	nonVoterReady map[string]bool

	consensus   ConsensusState
	isCommitted bool

	// jointLogIndex is the log index of the CONFIGURATION entry that
	// introduced the current joint config, used to recognize, in
	// handleConfigCommitted, that it is this entry (not some earlier one)
	// that just crossed commit_index.
	jointLogIndex uint64
}

func newConfigurationStore(initial *raftpb.Configuration) *configurationStore {
	if initial == nil {
		initial = &raftpb.Configuration{Current: &raftpb.Config{}}
	}
	state := ConsensusUniform
	if initial.Joint() {
		state = ConsensusJoint
	}
	return &configurationStore{
		latest:        initial,
		nonVoters:     make(map[string]*raftpb.Peer),
		nonVoterReady: make(map[string]bool),
		consensus:     state,
	}
}

// Latest returns the current (possibly joint) membership configuration.
func (c *configurationStore) Latest() *raftpb.Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest.Copy()
}

// State reports where the leader is in a membership change, if any.
func (c *configurationStore) State() ConsensusState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consensus
}

// SetLatest installs a new membership view as soon as a CONFIGURATION
// entry is appended to the log, independent of whether it ever commits
// (§4.7 step 6: every node, leader included, applies membership changes
// immediately, then truncates them away again if the entry is later
// overwritten by a conflicting append).
func (c *configurationStore) SetLatest(cfg *raftpb.Configuration, logIndex uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = cfg
	if cfg.Joint() {
		c.consensus = ConsensusJoint
		c.isCommitted = false
		c.jointLogIndex = logIndex
	} else {
		c.consensus = ConsensusUniform
		c.isCommitted = false
		c.jointLogIndex = 0
	}
}

// AddNonVoter registers a peer that is catching up on replication before
// it can be folded into a joint config (§4.6 AddNonVoter). It does not by
// itself alter Latest; the replication scheduler (§4.3) is expected to
// start a driver for it once observed here.
func (c *configurationStore) AddNonVoter(peer *raftpb.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonVoters[peer.Id] = peer
	if c.consensus == ConsensusUniform {
		c.consensus = ConsensusNonVoterSync
	}
}

// NonVoters returns the peers added via AddNonVoter that have not yet been
// folded into the voting membership.
func (c *configurationStore) NonVoters() []*raftpb.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make([]*raftpb.Peer, 0, len(c.nonVoters))
	for _, p := range c.nonVoters {
		peers = append(peers, p)
	}
	return peers
}

// MarkNonVoterReady records that id has reached line rate (§4.6): its
// match_index, as of the most recent replicationMatchIndex event, equals
// the leader's last_log_index.
func (c *configurationStore) MarkNonVoterReady(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nonVoters[id]; ok {
		c.nonVoterReady[id] = true
	}
}

// readyToJoin reports whether every id in targetIds is either already a
// voting member or a non-voter that has reached line rate — the gate
// ChangeMembership waits on before appending a joint config (§4.6
// NonVoterSync).
func (c *configurationStore) readyToJoin(targetIds []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range targetIds {
		if c.latest.Current.Contains(id) {
			continue
		}
		if !c.nonVoterReady[id] {
			return false
		}
	}
	return true
}

// buildJointConfig computes the (Current, Next) pair a ChangeMembership
// call should append: Current stays the live membership, Next is the
// requested target. Peers named in both remain voters throughout.
func (c *configurationStore) buildJointConfig(targetIds []string, allPeers map[string]*raftpb.Peer) *raftpb.Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := &raftpb.Config{}
	for _, id := range targetIds {
		if peer, ok := allPeers[id]; ok {
			next.Peers = append(next.Peers, peer)
		}
	}
	return &raftpb.Configuration{
		Current: c.latest.Current.Copy(),
		Next:    next,
	}
}

// handleConfigCommitted is the leader-only half of joint consensus
// bookkeeping (§4.6), invoked from commitAndApply when a CONFIGURATION
// entry crosses commit_index. Two cases:
//
//   - The entry that just committed is the joint config itself: mark it
//     committed, so the leader knows it may now append the trailing
//     uniform entry and step down cleanly if it was removed.
//   - The entry that just committed is a uniform config: clear the
//     non-voter bookkeeping for its members and re-assert
//     ConsensusUniform (already set when the entry was appended).
func (c *configurationStore) handleConfigCommitted(entry *raftpb.Log) {
	cfg, err := decodeConfiguration(entry.Body.Data)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consensus == ConsensusJoint && entry.Meta.Index == c.jointLogIndex {
		c.isCommitted = true
		return
	}
	if !cfg.Joint() {
		c.consensus = ConsensusUniform
		c.isCommitted = false
		c.jointLogIndex = 0
		for _, p := range cfg.Current.Peers {
			delete(c.nonVoters, p.Id)
			delete(c.nonVoterReady, p.Id)
		}
	}
}

// readyForUniformTransition reports whether the leader may now append the
// trailing uniform config entry that finishes a joint consensus change.
func (c *configurationStore) readyForUniformTransition() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consensus == ConsensusJoint && c.isCommitted
}

// quorumSatisfied evaluates §4.3's joint quorum rule: an index is
// committed only once it is present on a quorum of members AND (if a
// change is in flight) a quorum of members_after_consensus.
func quorumSatisfied(cfg *raftpb.Configuration, matchIndex map[string]uint64, selfID string, selfIndex uint64, index uint64) bool {
	if !hasQuorumAt(cfg.Current, matchIndex, selfID, selfIndex, index) {
		return false
	}
	if cfg.Next != nil && len(cfg.Next.Peers) > 0 {
		return hasQuorumAt(cfg.Next, matchIndex, selfID, selfIndex, index)
	}
	return true
}

func hasQuorumAt(cfg *raftpb.Config, matchIndex map[string]uint64, selfID string, selfIndex uint64, index uint64) bool {
	if cfg == nil || len(cfg.Peers) == 0 {
		return true
	}
	count := 0
	for _, peer := range cfg.Peers {
		var at uint64
		if peer.Id == selfID {
			at = selfIndex
		} else {
			at = matchIndex[peer.Id]
		}
		if at >= index {
			count++
		}
	}
	return count >= cfg.Quorum()
}
