package raft

import (
	"sync"

	"github.com/raftkit/raft/raftpb"
)

// appliedState is the (index, term) pair recorded for last_applied.
type appliedState struct {
	Index uint64
	Term  uint64
}

// commitState is the commit_index/last_applied half of the node's volatile
// state (§3). Like serverState, only the core goroutine (or, transiently,
// the dedicated apply worker replying to it) ever advances these; the
// mutex exists only to make concurrent reads (API callers, Metrics()) safe.
type commitState struct {
	commitMu    sync.Mutex
	commitIndex uint64

	appliedMu sync.Mutex
	applied   appliedState
}

func (c *commitState) getCommitIndex() uint64 {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	return c.commitIndex
}

func (c *commitState) setCommitIndexValue(index uint64) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if index > c.commitIndex {
		c.commitIndex = index
	}
}

func (c *commitState) getLastApplied() appliedState {
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	return c.applied
}

func (c *commitState) setLastAppliedValue(index, term uint64) {
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	if index > c.applied.Index {
		c.applied = appliedState{Index: index, Term: term}
	}
}

// Server-level accessors (kept as plain methods so call sites read like the
// teacher's s.commitIndex()/s.lastApplied()).
func (s *Server) commitIndex() uint64           { return s.getCommitIndex() }
func (s *Server) setCommitIndex(index uint64)   { s.setCommitIndexValue(index) }
func (s *Server) lastApplied() appliedState     { return s.getLastApplied() }
func (s *Server) setLastApplied(index, term uint64) { s.setLastAppliedValue(index, term) }

// applyNormalEntries is the shared body of §4.4's apply pipeline: fetch
// entries [fromInclusive, throughInclusive], filter to normal payloads,
// deliver them in index order to the state machine's batched apply hook.
// It returns the term of the last entry processed (for last_applied's
// cached term) and the last CONFIGURATION entry seen, if any, so that a
// leader-side caller can drive joint-consensus commit bookkeeping; a
// follower/non-voter caller is expected to ignore the latter (§4.7 step 6
// already applied membership changes at append time, not commit time).
func applyNormalEntries(
	storage LogProvider, sm StateMachine, fromInclusive, throughInclusive uint64,
) (lastTerm uint64, lastConfigLog *raftpb.Log, err error) {
	if fromInclusive > throughInclusive {
		return 0, nil, nil
	}
	entries, err := storage.Entries(fromInclusive, throughInclusive+1)
	if err != nil {
		return 0, nil, fatalStorageErr("Entries", err)
	}
	var batch []*raftpb.Log
	for _, entry := range entries {
		lastTerm = entry.Meta.Term
		switch entry.Body.Type {
		case raftpb.LogType_COMMAND:
			batch = append(batch, entry)
		case raftpb.LogType_CONFIGURATION:
			lastConfigLog = entry
		}
	}
	if len(batch) > 0 {
		sm.Apply(batch)
	}
	return lastTerm, lastConfigLog, nil
}

// committedSnapshot is what the core sends to the dedicated apply worker
// (follower/non-voter) whenever commit_index may have advanced.
type committedSnapshot struct {
	CommitIndex  uint64
	LastLogIndex uint64
	LastApplied  uint64
}

type applyNotificationKind int

const (
	applyNotifyApplied applyNotificationKind = iota
	applyNotifyMetrics
	applyNotifyError
)

type applyNotification struct {
	Kind  applyNotificationKind
	Index uint64
	Term  uint64
	Err   error
}

// applyWorker is C4's dedicated follower/non-voter apply task (grounded on
// async-raft's ReplicationEventListener/ReplicationTask): it mirrors
// commit_index/last_log_index/last_applied locally so that RPC handling on
// the core goroutine is never blocked behind a storage apply call.
type applyWorker struct {
	storage LogProvider
	sm      StateMachine

	commitIndex  uint64
	lastLogIndex uint64
	lastApplied  uint64

	eventCh  chan committedSnapshot
	notifyCh chan applyNotification
	doneCh   chan struct{}
}

func newApplyWorker(storage LogProvider, sm StateMachine) *applyWorker {
	return &applyWorker{
		storage:  storage,
		sm:       sm,
		eventCh:  make(chan committedSnapshot, 8),
		notifyCh: make(chan applyNotification, 8),
		doneCh:   make(chan struct{}),
	}
}

// run drains committed-index updates until the event channel is closed
// (Terminate), returning the last_applied value it reached.
func (w *applyWorker) run() uint64 {
	defer close(w.doneCh)
	for snapshot := range w.eventCh {
		if snapshot.CommitIndex > w.commitIndex {
			w.commitIndex = snapshot.CommitIndex
		}
		if snapshot.LastLogIndex > w.lastLogIndex {
			w.lastLogIndex = snapshot.LastLogIndex
		}
		if snapshot.LastApplied > w.lastApplied {
			w.lastApplied = snapshot.LastApplied
		}
		if w.commitIndex <= w.lastApplied {
			continue
		}
		through := w.commitIndex
		if w.lastLogIndex < through {
			through = w.lastLogIndex
		}
		term, _, err := applyNormalEntries(w.storage, w.sm, w.lastApplied+1, through)
		if err != nil {
			w.notifyCh <- applyNotification{Kind: applyNotifyError, Err: err}
			return w.lastApplied
		}
		w.lastApplied = through
		w.notifyCh <- applyNotification{Kind: applyNotifyMetrics}
		w.notifyCh <- applyNotification{Kind: applyNotifyApplied, Index: through, Term: term}
	}
	return w.lastApplied
}

// terminate closes the event channel so run() drains and returns.
func (w *applyWorker) terminate() {
	close(w.eventCh)
	<-w.doneCh
}

// commitAndApply is the leader's inline apply path (teacher's
// commitAndApply): the leader is already the sole writer of commit_index
// (it derives it from per-peer match_index), so there is no need to
// quarantine the apply call behind a worker the way followers do.
func (s *Server) commitAndApply(commitIndex uint64) {
	s.logger.Infow("ready to update commit index", logFields(s, "new_commit_index", commitIndex)...)
	if commitIndex > s.lastLogIndex() {
		commitIndex = s.lastLogIndex()
	}
	lastApplied := s.lastApplied()
	if lastApplied.Index >= commitIndex {
		return
	}
	s.setCommitIndex(commitIndex)
	firstIndex := lastApplied.Index + 1
	term, lastConfigLog, err := applyNormalEntries(s.logProvider, s.stateMachine, firstIndex, commitIndex)
	if err != nil {
		s.logger.Errorw("fatal storage error applying committed entries", logFields(s, "error", err)...)
		s.fatalShutdown(err)
		return
	}
	if lastConfigLog != nil {
		s.confStore.handleConfigCommitted(lastConfigLog)
	}
	s.setLastApplied(commitIndex, term)
	s.reportMetrics()
	s.snapshotService.triggerIfNeeded()
}
