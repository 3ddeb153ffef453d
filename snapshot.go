package raft

import (
	"context"
	"sync"

	"github.com/raftkit/raft/raftpb"
)

// snapshotCompaction is delivered on snapshotService.resultCh once a
// background DoLogCompaction call finishes (or fails); the core loop
// applies it by advancing first_log_index (DoLogCompaction itself has
// already truncated the log prefix).
type snapshotCompaction struct {
	Meta SnapshotMeta
	Err  error
}

// snapshottingState tracks a log-compaction build in progress, started
// by triggerIfNeeded once the log grew past the configured threshold.
type snapshottingState struct {
	through uint64
	cancel  context.CancelFunc
}

// streamingState tracks an inbound InstallSnapshot stream this node is
// receiving as a follower.
type streamingState struct {
	id     string
	offset uint64
	sink   SnapshotSink
}

// snapshotService is C2: the snapshot lifecycle coordinator. The core
// goroutine starts and cancels builds and drives streaming; the background
// compaction goroutine clears snapshotting and records lastSnapIdx when its
// build finishes. mu guards snapshotting/streaming/lastSnapIdx writes
// between the two.
type snapshotService struct {
	s *Server

	storage   LogProvider
	snapshots SnapshotProvider
	sm        StateMachine

	threshold   uint64
	chunkSize   int
	lastSnapIdx uint64

	mu           sync.Mutex
	snapshotting *snapshottingState
	streaming    *streamingState

	resultCh chan snapshotCompaction
}

func newSnapshotService(s *Server, storage LogProvider, snapshots SnapshotProvider, sm StateMachine, threshold uint64, chunkSize int) *snapshotService {
	return &snapshotService{
		s:         s,
		storage:   storage,
		snapshots: snapshots,
		sm:        sm,
		threshold: threshold,
		chunkSize: chunkSize,
		resultCh:  make(chan snapshotCompaction, 1),
	}
}

// triggerIfNeeded starts a background compaction if the log has grown
// past threshold entries since the last snapshot and none is already in
// flight (§4.8's "Leader and followers independently decide to compact").
func (svc *snapshotService) triggerIfNeeded() {
	applied := svc.s.lastApplied().Index
	if applied < svc.lastSnapIdx+svc.threshold {
		return
	}
	svc.mu.Lock()
	if svc.snapshotting != nil {
		svc.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc.snapshotting = &snapshottingState{through: applied, cancel: cancel}
	svc.mu.Unlock()

	go svc.runCompaction(ctx, applied)
}

func (svc *snapshotService) runCompaction(ctx context.Context, through uint64) {
	done := make(chan snapshotCompaction, 1)
	go func() {
		meta, err := svc.storage.DoLogCompaction(through)
		done <- snapshotCompaction{Meta: meta, Err: err}
	}()

	var result snapshotCompaction
	select {
	case result = <-done:
	case <-ctx.Done():
		// DoLogCompaction takes no context, so cancellation cannot stop
		// it: wait for it to return and report its result as usual.
		result = <-done
	}

	svc.mu.Lock()
	svc.snapshotting = nil
	if result.Err == nil {
		svc.lastSnapIdx = result.Meta.Index
	}
	svc.mu.Unlock()

	svc.resultCh <- result
}

// abortCompaction cancels any in-flight build; used when a newer snapshot
// arrives via InstallSnapshot and makes a local compaction moot.
func (svc *snapshotService) abortCompaction() {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.snapshotting != nil {
		svc.snapshotting.cancel()
		svc.snapshotting = nil
	}
}

// beginInstall starts (or resumes) receiving an inbound snapshot stream
// for the chunk described by req. Per the resolved open question on
// SnapshotUpdate: any update unconditionally drops a concurrent local
// Snapshotting build (it is now moot) and unconditionally preserves/creates
// Streaming (a second concurrent installer for the same snapshot id simply
// continues the same stream rather than starting over).
func (svc *snapshotService) beginInstall(req *raftpb.InstallSnapshotRequest, id string) (SnapshotSink, error) {
	svc.abortCompaction()

	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.streaming != nil && svc.streaming.id == id {
		if req.Offset != svc.streaming.offset {
			return nil, ErrNotAllowed
		}
		return svc.streaming.sink, nil
	}
	sink, err := svc.snapshots.Create()
	if err != nil {
		return nil, err
	}
	svc.streaming = &streamingState{id: id, offset: 0, sink: sink}
	return sink, nil
}

// advanceInstall records bytes written for the current stream.
func (svc *snapshotService) advanceInstall(id string, n int) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.streaming != nil && svc.streaming.id == id {
		svc.streaming.offset += uint64(n)
	}
}

// finishInstall closes out the stream (successfully or not). Called
// synchronously from the core goroutine's InstallSnapshot RPC handler, so
// the outcome is simply returned rather than posted to a channel.
func (svc *snapshotService) finishInstall(id string, meta SnapshotMeta, err error) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.streaming != nil && svc.streaming.id == id {
		if err == nil {
			err = svc.streaming.sink.Close(meta)
		} else {
			_ = svc.streaming.sink.Cancel()
		}
		svc.streaming = nil
	}
	return err
}

// applyInstalledSnapshot is called from the InstallSnapshot RPC handler
// once the final chunk of an inbound snapshot is written: it restores the state machine,
// rewrites the durable log boundary, and updates cached indices/term and
// membership, matching §4.8's follower-side InstallSnapshot completion.
func (s *Server) applyInstalledSnapshot(meta SnapshotMeta) error {
	snap, err := s.snapshotProvider.Open(meta)
	if err != nil {
		return err
	}
	if err := s.stateMachine.Restore(snap); err != nil {
		return err
	}
	if err := s.logProvider.Restore(meta); err != nil {
		return err
	}
	s.setFirstLogIndex(meta.Index + 1)
	s.setLastLogIndex(meta.Index)
	s.setLastLogTerm(meta.Term)
	s.setLastApplied(meta.Index, meta.Term)
	s.setCommitIndex(meta.Index)
	if meta.Membership != nil {
		s.confStore.SetLatest(meta.Membership, meta.Index)
	}
	s.snapshotService.lastSnapIdx = meta.Index
	return nil
}
