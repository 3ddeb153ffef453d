package raft

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raftkit/raft/raftpb"
)

// replicationEvent is what a per-peer driver reports back to the core
// (§4.3): either a fresh match_index observation (used for commit-index
// advance and, during NonVoterSync, to detect a caught-up non-voter), a
// higher term observed on a response (triggers an immediate step-down),
// or a request for a snapshot (replicationNeedsSnapshot; declared, but the
// drivers stream snapshots themselves and never send it).
type replicationEventKind int

const (
	replicationMatchIndex replicationEventKind = iota
	replicationHigherTerm
	replicationNeedsSnapshot
)

type replicationEvent struct {
	Kind       replicationEventKind
	PeerID     string
	MatchIndex uint64
	Term       uint64
}

// peerReplicationDriver owns one peer's replication stream (§4.3): a
// single goroutine, no locks, woken either by a tick or by an explicit
// nudge whenever new entries are appended.
type peerReplicationDriver struct {
	peer   *raftpb.Peer
	server *Server

	nextIndex  uint64
	matchIndex uint64

	nudgeCh  chan struct{}
	doneCh   chan struct{}
	exitedCh chan struct{}
}

func newPeerReplicationDriver(s *Server, peer *raftpb.Peer, nextIndex uint64) *peerReplicationDriver {
	return &peerReplicationDriver{
		peer:      peer,
		server:    s,
		nextIndex: nextIndex,
		nudgeCh:   make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
		exitedCh:  make(chan struct{}),
	}
}

// nudge wakes the driver without blocking; redundant nudges collapse.
func (d *peerReplicationDriver) nudge() {
	select {
	case d.nudgeCh <- struct{}{}:
	default:
	}
}

func (d *peerReplicationDriver) stop() {
	close(d.doneCh)
}

// run is the driver's select loop: heartbeat on a timer, replicate
// immediately on a nudge, fall back to InstallSnapshot when the follower
// has fallen behind the log's retained prefix.
func (d *peerReplicationDriver) run() {
	defer close(d.exitedCh)
	interval := d.server.opts.heartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.doneCh:
			return
		case <-ticker.C:
			d.replicateOnce()
		case <-d.nudgeCh:
			d.replicateOnce()
		}
	}
}

func (d *peerReplicationDriver) replicateOnce() {
	if d.nextIndex > 0 && d.nextIndex <= d.server.firstLogIndex() && d.server.firstLogIndex() > 1 {
		d.sendInstallSnapshot()
		return
	}

	prevIndex := d.nextIndex - 1
	var prevTerm uint64
	if prevIndex > 0 {
		entry, err := d.server.logProvider.Entry(prevIndex)
		if err != nil || entry == nil {
			d.sendInstallSnapshot()
			return
		}
		prevTerm = entry.Meta.Term
	}

	lastLogIndex := d.server.lastLogIndex()
	var entries []*raftpb.Log
	if lastLogIndex >= d.nextIndex {
		to := lastLogIndex + 1
		batchSize := uint64(d.server.opts.replicationBatchSize)
		if batchSize > 0 && to-d.nextIndex > batchSize {
			to = d.nextIndex + batchSize
		}
		fetched, err := d.server.logProvider.Entries(d.nextIndex, to)
		if err != nil {
			return
		}
		entries = fetched
	}

	req := &raftpb.AppendEntriesRequest{
		Term:         d.server.currentTerm(),
		LeaderId:     d.server.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: d.server.commitIndex(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.server.opts.electionTimeout)
	resp, err := d.server.transport.AppendEntries(ctx, d.peer, req)
	cancel()
	if err != nil {
		return
	}

	if resp.Term > req.Term {
		select {
		case d.server.replicationEvents <- replicationEvent{Kind: replicationHigherTerm, Term: resp.Term}:
		case <-d.doneCh:
		}
		return
	}

	if !resp.Success {
		if resp.ConflictIndex > 0 {
			d.nextIndex = resp.ConflictIndex
		} else if d.nextIndex > 1 {
			d.nextIndex--
		}
		d.nudge()
		return
	}

	if len(entries) > 0 {
		d.nextIndex = entries[len(entries)-1].Meta.Index + 1
		d.matchIndex = entries[len(entries)-1].Meta.Index
	} else if prevIndex > d.matchIndex {
		d.matchIndex = prevIndex
	}

	select {
	case d.server.replicationEvents <- replicationEvent{Kind: replicationMatchIndex, PeerID: d.peer.Id, MatchIndex: d.matchIndex}:
	case <-d.doneCh:
	}

	if d.server.lastLogIndex() > d.matchIndex {
		d.nudge()
	}
}

// sendInstallSnapshot streams the current local snapshot to the peer in
// chunkSize pieces, used when nextIndex has fallen behind the retained
// log prefix (§4.8).
func (d *peerReplicationDriver) sendInstallSnapshot() {
	meta, err := d.server.snapshotProvider.Current()
	if err != nil || meta == nil {
		return
	}
	snap, err := d.server.snapshotProvider.Open(*meta)
	if err != nil {
		return
	}
	reader, err := snap.Reader()
	if err != nil {
		return
	}
	defer reader.Close()

	buf := make([]byte, d.server.opts.installSnapshotChunkSize)
	var offset uint64
	for {
		n, readErr := reader.Read(buf)
		done := readErr != nil
		req := &raftpb.InstallSnapshotRequest{
			Term:              d.server.currentTerm(),
			LeaderId:          d.server.id,
			LastIncludedIndex: meta.Index,
			LastIncludedTerm:  meta.Term,
			Offset:            offset,
			Data:              append([]byte(nil), buf[:n]...),
			Done:              done,
			MembershipAt:      meta.Membership,
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.server.opts.electionTimeout)
		resp, err := d.server.transport.InstallSnapshot(ctx, d.peer, req)
		cancel()
		if err != nil {
			return
		}
		if resp.Term > req.Term {
			select {
			case d.server.replicationEvents <- replicationEvent{Kind: replicationHigherTerm, Term: resp.Term}:
			case <-d.doneCh:
			}
			return
		}
		offset += uint64(n)
		if done {
			d.nextIndex = meta.Index + 1
			d.matchIndex = meta.Index
			select {
			case d.server.replicationEvents <- replicationEvent{Kind: replicationMatchIndex, PeerID: d.peer.Id, MatchIndex: d.matchIndex}:
			case <-d.doneCh:
			}
			return
		}
	}
}

// replicationScheduler keeps one driver alive per peer in members ∪
// members_after_consensus ∪ non_voters (§4.3), starting/stopping drivers
// as the configurationStore's Latest() changes.
type replicationScheduler struct {
	server  *Server
	drivers map[string]*peerReplicationDriver
}

func newReplicationScheduler(s *Server) *replicationScheduler {
	return &replicationScheduler{server: s, drivers: make(map[string]*peerReplicationDriver)}
}

// reconcile starts drivers for newly-present peers and stops drivers for
// peers no longer in scope. Called by the leader's core loop whenever
// membership changes (and once on becoming leader).
func (r *replicationScheduler) reconcile() {
	cfg := r.server.confStore.Latest()
	want := make(map[string]*raftpb.Peer)
	for _, p := range cfg.Peers() {
		if p.Id != r.server.id {
			want[p.Id] = p
		}
	}
	for _, p := range r.server.confStore.NonVoters() {
		if p.Id != r.server.id {
			want[p.Id] = p
		}
	}

	for id, peer := range want {
		if _, ok := r.drivers[id]; ok {
			continue
		}
		driver := newPeerReplicationDriver(r.server, peer, r.server.lastLogIndex()+1)
		r.drivers[id] = driver
		go driver.run()
	}
	for id, driver := range r.drivers {
		if _, ok := want[id]; !ok {
			driver.stop()
			delete(r.drivers, id)
		}
	}
}

// nudgeAll wakes every active driver, used right after a new entry (or
// batch) is appended to the leader's own log.
func (r *replicationScheduler) nudgeAll() {
	for _, d := range r.drivers {
		d.nudge()
	}
}

// stopAll tears down every driver, used on stepping down from Leader. The
// drivers are signaled concurrently and this call blocks until all of
// them have actually returned, so a caller can safely reuse peer state
// (e.g. rebuild the scheduler on a later re-election) right after it
// returns.
func (r *replicationScheduler) stopAll() {
	var g errgroup.Group
	for id, d := range r.drivers {
		d := d
		d.stop()
		g.Go(func() error {
			<-d.exitedCh
			return nil
		})
		delete(r.drivers, id)
	}
	g.Wait()
}

// matchIndices snapshots current match_index observations, keyed by peer
// id, for the quorum math in quorumSatisfied.
func (r *replicationScheduler) matchIndices() map[string]uint64 {
	out := make(map[string]uint64, len(r.drivers))
	for id, d := range r.drivers {
		out[id] = d.matchIndex
	}
	return out
}
