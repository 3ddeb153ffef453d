package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raftkit/raft/raftpb"
)

// ServerInfo is a node's static identity.
type ServerInfo struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// ServerStates is the public, point-in-time debug/inspection view of a
// node (§6.5), distinct from the lighter ServerMetrics watch stream.
type ServerStates struct {
	ID                string          `json:"id"`
	Endpoint          string          `json:"endpoint"`
	Leader            *raftpb.Peer    `json:"leader"`
	Role              string          `json:"role"`
	CurrentTerm       uint64          `json:"current_term"`
	LastLogIndex      uint64          `json:"last_log_index"`
	LastVoteTerm      uint64          `json:"last_vote_term"`
	LastVoteCandidate string          `json:"last_vote_candidate"`
	CommitIndex       uint64          `json:"commit_index"`
	ConsensusState    string          `json:"consensus_state"`
	Membership        *raftpb.Configuration `json:"membership"`
}

// ServerCoreOptions names the external collaborators a Server is built
// from: storage, the state machine, and the peer transport (§6).
type ServerCoreOptions struct {
	Id               string
	Endpoint         string
	LogProvider      LogProvider
	StateMachine     StateMachine
	SnapshotProvider SnapshotProvider
	Transport        Transport
}

// serverChannels groups the mailbox channels the core's select loops read
// from; grouped in its own noCopy-guarded type to keep Server's field list
// legible, mirroring how the teacher separates transient wiring from
// state.
type serverChannels struct {
	noCopy

	confCh chan struct{}

	applyCh            chan *futureTask[*raftpb.LogMeta, *raftpb.LogBody]
	initCh             chan *futureTask[*raftpb.LogMeta, []*raftpb.Peer]
	changeMembershipCh chan *futureTask[*raftpb.LogMeta, []string]

	serveErrCh chan error
	shutdownCh chan error
}

// pendingMembershipChange is a ChangeMembership call parked by
// handleChangeMembership until every targeted non-voter reaches line rate
// (§4.6 NonVoterSync); resolved by maybeAdvancePendingChange.
type pendingMembershipChange struct {
	targetIds []string
	task      *futureTask[*raftpb.LogMeta, []string]
}

// Server is the Raft core (§3-§7): a single goroutine (runMainLoop and the
// role-specific loops it dispatches to) owns every field below except
// where a type's own doc comment says otherwise. Everything else (the
// API surface in client.go, metrics readers, logging) only ever reads
// through the atomic/mutex-guarded accessors defined on serverState and
// commitState.
type Server struct {
	id       string
	endpoint string
	opts     *serverOptions
	serveFlag uint32
	logger    *zap.SugaredLogger

	serverState
	commitState

	serverChannels

	confStore         *configurationStore
	replicationSched  *replicationScheduler
	snapshotService   *snapshotService
	rpcHandler        *rpcHandler
	replicationEvents chan replicationEvent

	// matchIndex is the leader's core-goroutine-owned view of every peer's
	// match_index (§4.3/§4.4/§5): written only here, in runLoopLeader, from
	// the MatchIndex/PeerID payload of a replicationMatchIndex event, and
	// reset on every fresh leader stint. maybeAdvanceLeaderCommit reads it
	// instead of reaching into replicationSched's drivers, which are owned
	// by their own goroutines.
	matchIndex map[string]uint64

	// steppingDownIndex is non-zero while this leader is waiting for a
	// trailing uniform config entry that removed it from membership to
	// commit (§4.5); maybeStepDown transitions to NonVoter once it does.
	steppingDownIndex uint64

	// pendingChange holds a ChangeMembership call parked on non-voter
	// readiness (§4.6); nil when no change is in flight or the in-flight
	// one's non-voters are already at line rate.
	pendingChange *pendingMembershipChange

	applyWorker *applyWorker

	logProvider      LogProvider
	stateMachine     StateMachine
	snapshotProvider SnapshotProvider
	transport        Transport

	metricsVal atomic.Value // ServerMetrics
	metricsCh  chan ServerMetrics

	flagReselectLoop uint32
}

// NewServer wires a Server from its external collaborators and restores
// durable state, but does not yet start serving (§6: use Serve for that).
func NewServer(coreOpts ServerCoreOptions, opts ...ServerOption) (*Server, error) {
	o := applyServerOpts(opts...)
	s := &Server{
		id:       coreOpts.Id,
		endpoint: coreOpts.Endpoint,
		opts:     o,
		serverChannels: serverChannels{
			confCh:             make(chan struct{}, 8),
			applyCh:            make(chan *futureTask[*raftpb.LogMeta, *raftpb.LogBody], 64),
			initCh:             make(chan *futureTask[*raftpb.LogMeta, []*raftpb.Peer], 1),
			changeMembershipCh: make(chan *futureTask[*raftpb.LogMeta, []string], 1),
			serveErrCh:         make(chan error, 4),
			shutdownCh:         make(chan error, 4),
		},
		replicationEvents: make(chan replicationEvent, 64),
		logProvider:       coreOpts.LogProvider,
		stateMachine:      coreOpts.StateMachine,
		snapshotProvider:  coreOpts.SnapshotProvider,
		transport:         coreOpts.Transport,
		metricsCh:         make(chan ServerMetrics, 1),
	}
	s.logger = newServerLogger(o.logLevel)

	initial, err := s.logProvider.GetInitialState()
	if err != nil {
		return nil, fatalStorageErr("GetInitialState", err)
	}
	s.updateCurrentTerm(initial.HardState.CurrentTerm, initial.HardState.VotedFor)
	s.setLastLogIndex(initial.LastLogIndex)
	s.setLastLogTerm(initial.LastLogTerm)
	if firstIdx, err := s.logProvider.FirstIndex(); err == nil {
		s.setFirstLogIndex(firstIdx)
	}
	s.setLastApplied(initial.LastAppliedLog, initial.LastLogTerm)
	// commit_index is never restored from storage: a freshly started
	// leader or follower re-establishes it from scratch (§3 note), since
	// nothing durable records which prefix of the log was actually known
	// committed at the moment of the last shutdown.
	s.setCommitIndex(0)

	s.confStore = newConfigurationStore(initial.Membership)
	s.replicationSched = newReplicationScheduler(s)
	s.snapshotService = newSnapshotService(s, s.logProvider, s.snapshotProvider, s.stateMachine, o.snapshotThreshold, o.installSnapshotChunkSize)
	s.rpcHandler = newRPCHandler(s)
	s.seedRoleFromMembership()

	return s, nil
}

// seedRoleFromMembership applies §3's node-startup rule: a node whose
// restored configuration names only itself starts directly as Leader (a
// single-member cluster needs no election to reach quorum over its own
// log); a node named alongside others starts as Follower; a node absent
// from the configuration entirely — before its first Initialize call, or
// one only ever registered via AddNonVoter — starts as NonVoter.
func (s *Server) seedRoleFromMembership() {
	cfg := s.confStore.Latest()
	switch {
	case len(cfg.Current.Peers) == 1 && cfg.Current.Contains(s.id):
		s.setRole(RoleLeader)
		s.setLeader(cfg.Current.Peer(s.id))
	case cfg.Current.Contains(s.id):
		s.setRole(RoleFollower)
	default:
		s.setRole(RoleNonVoter)
	}
}

// currentTerm is the Server-level accessor used throughout the RPC and
// election code, thin sugar over serverState.currentTermValue.
func (s *Server) currentTerm() uint64 { return s.currentTermValue() }

func (s *Server) randomElectionTimeout() time.Duration {
	return s.randomDuration(s.opts.electionTimeout)
}

func (s *Server) randomFollowerTimeout() time.Duration {
	return s.randomDuration(s.opts.followerTimeout)
}

func (s *Server) randomDuration(base time.Duration) time.Duration {
	if s.opts.maxTimerRandomOffsetRatio <= 0 {
		return base
	}
	maxOffset := int64(s.opts.maxTimerRandomOffsetRatio * float64(base))
	if maxOffset <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(maxOffset+1))
}

func (s *Server) alterTerm(term uint64) {
	s.logger.Infow("alter term", logFields(s, "new_term", term)...)
	s.updateCurrentTerm(term, "")
	if err := s.logProvider.SaveHardState(HardState{CurrentTerm: term, VotedFor: ""}); err != nil {
		s.fatalShutdown(err)
	}
}

func (s *Server) alterLeader(leader *raftpb.Peer) {
	s.logger.Infow("alter leader", logFields(s, "new_leader", leader)...)
	s.setLeader(leader)
}

func (s *Server) alterRole(role Role) {
	s.logger.Infow("alter role", logFields(s, "new_role", role.String())...)
	s.setRole(role)
	s.reportMetrics()
}

// stepdownFollower converts the server into a Follower, used whenever a
// higher term or a legitimate leader's AppendEntries is observed.
func (s *Server) stepdownFollower(leader *raftpb.Peer) {
	s.setLeader(leader)
	s.setRole(RoleFollower)
}

// fatalShutdown is the §7 fatal-error path: any storage error is treated
// as unrecoverable and tears the node down rather than risking silent
// divergence.
func (s *Server) fatalShutdown(err error) {
	s.logger.Errorw("fatal error, shutting down", logFields(s, "error", err)...)
	select {
	case s.shutdownCh <- err:
	default:
	}
}

func (s *Server) reselectLoop()        { atomic.StoreUint32(&s.flagReselectLoop, 1) }
func (s *Server) resetReselectLoop()   { atomic.StoreUint32(&s.flagReselectLoop, 0) }
func (s *Server) shouldReselectLoop() bool {
	return atomic.LoadUint32(&s.flagReselectLoop) != 0
}

// proposeLocally is the leader-only append path shared by client.go's
// Apply and rpc.go's rpcHandler.ApplyLog (the forwarded-write case, once it
// reaches a real leader): append one entry, update cached boundaries,
// apply configuration changes immediately, and nudge replication.
func (s *Server) proposeLocally(body *raftpb.LogBody) (*raftpb.LogMeta, error) {
	index := s.lastLogIndex() + 1
	term := s.currentTerm()
	entry := &raftpb.Log{Meta: &raftpb.LogMeta{Index: index, Term: term}, Body: body.Copy()}

	if err := s.logProvider.AppendEntries([]*raftpb.Log{entry}); err != nil {
		return nil, fatalStorageErr("AppendEntries", err)
	}
	s.setLastLogIndex(index)
	s.setLastLogTerm(term)

	if body.Type == raftpb.LogType_CONFIGURATION {
		if cfg, err := decodeConfiguration(body.Data); err == nil {
			s.confStore.SetLatest(cfg, index)
			s.replicationSched.reconcile()
		}
	}

	s.replicationSched.nudgeAll()
	s.maybeAdvanceLeaderCommit()
	return entry.Meta.Copy(), nil
}

// maybeAdvanceLeaderCommit recomputes commit_index from the current
// match_index snapshot (§4.3/§4.4): the largest index satisfying
// quorumSatisfied in the current (possibly joint) configuration, provided
// it belongs to the leader's own term (the Raft "never commit from a
// previous term by counting replicas alone" rule).
func (s *Server) maybeAdvanceLeaderCommit() {
	cfg := s.confStore.Latest()
	selfIndex := s.lastLogIndex()

	candidate := s.commitIndex()
	for idx := selfIndex; idx > candidate; idx-- {
		entry, err := s.logProvider.Entry(idx)
		if err != nil || entry == nil || entry.Meta.Term != s.currentTerm() {
			continue
		}
		if quorumSatisfied(cfg, s.matchIndex, s.id, selfIndex, idx) {
			s.commitAndApply(idx)
			return
		}
	}
}

// bootstrapMembership installs peers as this node's very first membership
// and, if that makes it the configuration's sole member, seeds it straight
// into Leader (§6.4 Initialize / Serve's single-node auto-bootstrap; §8
// Scenario 1: no election, and the log carries nothing but the obligatory
// blank entry a new leader always appends). Membership itself is recorded
// through LogProvider.SaveMembership rather than a log entry, since there
// is, by definition, no earlier committed configuration to append against.
func (s *Server) bootstrapMembership(peers []*raftpb.Peer) (*raftpb.LogMeta, error) {
	if len(s.confStore.Latest().Current.Peers) > 0 {
		return nil, ErrNotAllowed
	}
	cfg := &raftpb.Configuration{Current: raftpb.NewConfig(peers...)}
	if err := s.logProvider.SaveMembership(cfg); err != nil {
		return nil, fatalStorageErr("SaveMembership", err)
	}
	s.confStore.SetLatest(cfg, 0)
	s.seedRoleFromMembership()
	if s.role() != RoleLeader {
		return &raftpb.LogMeta{Index: s.lastLogIndex(), Term: s.currentTerm()}, nil
	}

	s.alterTerm(s.currentTerm() + 1)
	s.setVotedFor(s.id)
	if err := s.logProvider.SaveHardState(HardState{CurrentTerm: s.currentTerm(), VotedFor: s.id}); err != nil {
		return nil, fatalStorageErr("SaveHardState", err)
	}
	s.becomeLeader()
	return &raftpb.LogMeta{Index: s.lastLogIndex(), Term: s.currentTerm()}, nil
}

// maybeStepDown completes §4.5's leader self-removal path: once the
// trailing uniform entry that dropped this node from membership has
// committed, stop serving as Leader of a configuration it is no longer
// part of (§8 Scenario 5).
func (s *Server) maybeStepDown() {
	if s.steppingDownIndex == 0 || s.commitIndex() < s.steppingDownIndex {
		return
	}
	s.logger.Infow("stepping down after self-removal from membership",
		logFields(s, "at_index", s.steppingDownIndex)...)
	s.steppingDownIndex = 0
	s.setLeader(raftpb.NilPeer)
	s.alterRole(RoleNonVoter)
	s.reselectLoop()
}

// appendJointConfig builds and appends the (Current, Next) joint config
// entry for a ChangeMembership request whose targets are all either
// current voters or non-voters already at line rate.
func (s *Server) appendJointConfig(targetIds []string) (*raftpb.LogMeta, error) {
	all := make(map[string]*raftpb.Peer)
	for _, p := range s.confStore.Latest().Peers() {
		all[p.Id] = p
	}
	for _, p := range s.confStore.NonVoters() {
		all[p.Id] = p
	}
	joint := s.confStore.buildJointConfig(targetIds, all)
	data, err := encodeConfiguration(joint)
	if err != nil {
		return nil, err
	}
	return s.proposeLocally(&raftpb.LogBody{Type: raftpb.LogType_CONFIGURATION, Data: data})
}

// handleChangeMembership is the leader's entry point for a ChangeMembership
// call (§4.6): if every targeted id is already a voter or a non-voter that
// has reached line rate, the joint config is appended immediately;
// otherwise the request is parked in s.pendingChange until
// maybeAdvancePendingChange sees the last straggler catch up.
func (s *Server) handleChangeMembership(task *futureTask[*raftpb.LogMeta, []string]) {
	if s.pendingChange != nil || s.confStore.State() == ConsensusJoint {
		task.setResult(nil, ErrNotAllowed)
		return
	}
	if !s.confStore.readyToJoin(task.Task()) {
		s.pendingChange = &pendingMembershipChange{targetIds: task.Task(), task: task}
		return
	}
	meta, err := s.appendJointConfig(task.Task())
	task.setResult(meta, err)
}

// maybeAdvancePendingChange resolves a parked ChangeMembership request once
// every targeted non-voter has reached line rate (§8 Scenario 4).
func (s *Server) maybeAdvancePendingChange() {
	if s.pendingChange == nil || !s.confStore.readyToJoin(s.pendingChange.targetIds) {
		return
	}
	pending := s.pendingChange
	s.pendingChange = nil
	meta, err := s.appendJointConfig(pending.targetIds)
	pending.task.setResult(meta, err)
}

// handleRPC dispatches rpc inline: it is always called on the core
// goroutine (§5's single-writer invariant over term/log/commit state), never
// spawned into its own goroutine.
func (s *Server) handleRPC(rpc *RPC) {
	s.rpcHandler.dispatch(rpc)
}

func (s *Server) handleTerminal() {
	sig := <-terminalSignalCh()
	s.logger.Infow("terminal signal captured", logFields(s, "signal", sig)...)
	select {
	case s.shutdownCh <- nil:
	default:
	}
}

func (s *Server) internalShutdown(err error) {
	if !s.setShutdownState() {
		return
	}
	s.logger.Infow("ready to shutdown", logFields(s, "error", err)...)
	s.replicationSched.stopAll()
	if s.applyWorker != nil {
		s.applyWorker.terminate()
	}
	if closer, ok := s.transport.(TransportCloser); ok {
		if cerr := closer.Close(); cerr != nil {
			s.logger.Warnw("error occurred closing transport", logFields(s, "error", cerr)...)
		}
	} else {
		s.logger.Infow(fmt.Sprintf("transport %T does not implement TransportCloser", s.transport), logFields(s)...)
	}
	s.serveErrCh <- err
}

// runMainLoop is the role dispatch table (§4): each role loop runs until
// it decides to hand off, at which point the outer loop re-reads role()
// and enters the matching loop.
func (s *Server) runMainLoop() {
	for !s.shutdownState() {
		s.resetReselectLoop()
		switch s.role() {
		case RoleLeader:
			s.runLoopLeader()
		case RoleCandidate:
			s.runLoopCandidate()
		case RoleFollower:
			s.runLoopFollower()
		case RoleNonVoter:
			s.runLoopNonVoter()
		case RoleShutdown:
			return
		}
	}
}

func (s *Server) startApplyWorker() {
	s.applyWorker = newApplyWorker(s.logProvider, s.stateMachine)
	go s.applyWorker.run()
}

func (s *Server) stopApplyWorker() {
	if s.applyWorker != nil {
		s.applyWorker.terminate()
		s.applyWorker = nil
	}
}

// drainApplyNotification folds one applyWorker notification into core
// state; only the core goroutine calls setLastApplied/reportMetrics, so
// this is the one place a worker's progress becomes visible (§4.4).
func (s *Server) drainApplyNotification(n applyNotification) {
	switch n.Kind {
	case applyNotifyApplied:
		s.setLastApplied(n.Index, n.Term)
	case applyNotifyMetrics:
		s.reportMetrics()
	case applyNotifyError:
		s.fatalShutdown(n.Err)
	}
}

func (s *Server) runLoopLeader() {
	s.logger.Infow("run leader loop", logFields(s)...)

	s.matchIndex = make(map[string]uint64)
	s.steppingDownIndex = 0

	s.replicationSched.reconcile()
	defer func() {
		s.replicationSched.stopAll()
		if s.pendingChange != nil {
			s.pendingChange.task.setResult(nil, ErrNotLeader)
			s.pendingChange = nil
		}
	}()

	for s.role() == RoleLeader {
		select {
		case <-s.confCh:
			s.replicationSched.reconcile()
			s.reselectLoop()
		case task := <-s.applyCh:
			meta, err := s.proposeLocally(task.Task())
			task.setResult(meta, err)
		case task := <-s.changeMembershipCh:
			s.handleChangeMembership(task)
		case rpc := <-s.transport.RPC():
			s.handleRPC(rpc)
		case event := <-s.replicationEvents:
			switch event.Kind {
			case replicationMatchIndex:
				if event.PeerID != "" {
					s.matchIndex[event.PeerID] = event.MatchIndex
				}
				if event.MatchIndex >= s.lastLogIndex() {
					s.confStore.MarkNonVoterReady(event.PeerID)
				}
				s.maybeAdvanceLeaderCommit()
				s.maybeStepDown()
				s.maybeAdvancePendingChange()
				if s.confStore.readyForUniformTransition() {
					s.appendUniformConfigAfterJoint()
				}
			case replicationHigherTerm:
				s.stepdownFollower(raftpb.NilPeer)
				s.alterTerm(event.Term)
				s.reselectLoop()
			}
		case err := <-s.shutdownCh:
			s.internalShutdown(err)
			return
		case result := <-s.snapshotService.resultCh:
			s.handleSnapshotCompaction(result)
		}
		if s.shouldReselectLoop() {
			return
		}
	}
}

// appendUniformConfigAfterJoint is the second half of §4.6's joint
// consensus change: once the joint entry itself has committed, append the
// trailing uniform entry naming only Next. If the leader itself is being
// removed, it keeps serving until this entry commits, then steps down.
func (s *Server) appendUniformConfigAfterJoint() {
	latest := s.confStore.Latest()
	if !latest.Joint() {
		return
	}
	uniform := &raftpb.Configuration{Current: latest.Next.Copy()}
	data, err := encodeConfiguration(uniform)
	if err != nil {
		s.logger.Warnw("failed to encode trailing uniform configuration", logFields(s, "error", err)...)
		return
	}
	meta, err := s.proposeLocally(&raftpb.LogBody{Type: raftpb.LogType_CONFIGURATION, Data: data})
	if err != nil {
		s.logger.Warnw("failed to append trailing uniform configuration", logFields(s, "error", err)...)
		return
	}
	if !uniform.Current.Contains(s.id) {
		s.logger.Infow("removed from membership, stepping down once this entry commits",
			logFields(s, "at_index", meta.Index)...)
		s.steppingDownIndex = meta.Index
	}
}

func (s *Server) handleSnapshotCompaction(result snapshotCompaction) {
	if result.Err != nil {
		s.logger.Warnw("snapshot compaction failed", logFields(s, "error", result.Err)...)
		return
	}
	s.setFirstLogIndex(result.Meta.Index + 1)
	s.logger.Infow("snapshot compaction finished", logFields(s, "through_index", result.Meta.Index)...)
}

func (s *Server) runLoopCandidate() {
	s.logger.Infow("run candidate loop", logFields(s)...)

	electionTimer := time.NewTimer(s.randomElectionTimeout())
	defer electionTimer.Stop()

	voteCh, cancelVote, err := s.startElection()
	if err != nil {
		s.logger.Errorw("error occurred starting the election", logFields(s, "error", err)...)
		return
	}
	defer cancelVote()

	cfg := s.confStore.Latest()
	currentVotes := map[string]bool{s.id: true}
	nextVotes := map[string]bool{}
	if cfg.Next != nil && cfg.Next.Contains(s.id) {
		nextVotes[s.id] = true
	}

	for s.role() == RoleCandidate {
		select {
		case resp := <-voteCh:
			if resp.Term > s.currentTerm() {
				cancelVote()
				s.stepdownFollower(raftpb.NilPeer)
				s.alterTerm(resp.Term)
				return
			}
			if !resp.Granted {
				continue
			}
			if cfg.Current.Contains(resp.ServerId) {
				currentVotes[resp.ServerId] = true
			}
			if cfg.Next != nil && cfg.Next.Contains(resp.ServerId) {
				nextVotes[resp.ServerId] = true
			}
			if len(currentVotes) >= cfg.Current.Quorum() && (cfg.Next == nil || len(nextVotes) >= cfg.Next.Quorum()) {
				cancelVote()
				s.logger.Infow("won the election", logFields(s)...)
				s.becomeLeader()
				return
			}
		case <-electionTimer.C:
			s.logger.Infow("election timed out", logFields(s)...)
			cancelVote()
			return
		case rpc := <-s.transport.RPC():
			s.handleRPC(rpc)
		case err := <-s.shutdownCh:
			cancelVote()
			s.internalShutdown(err)
			return
		}
		if s.shouldReselectLoop() {
			return
		}
	}
}

func (s *Server) becomeLeader() {
	s.alterRole(RoleLeader)
	leaderPeer := s.confStore.Latest().Peer(s.id)
	s.alterLeader(leaderPeer)
	// §4.2: a new leader commits a blank no-op entry in its own term
	// before it can safely advance commit_index past entries from a prior
	// term.
	if _, err := s.proposeLocally(&raftpb.LogBody{Type: raftpb.LogType_BLANK}); err != nil {
		s.logger.Warnw("failed to append initial blank entry", logFields(s, "error", err)...)
	}
}

func (s *Server) becomeFollower() {
	s.alterRole(RoleFollower)
}

func (s *Server) runLoopFollower() {
	s.logger.Infow("run follower loop", logFields(s)...)
	timer := time.NewTimer(s.randomFollowerTimeout())
	defer timer.Stop()

	s.startApplyWorker()
	defer s.stopApplyWorker()

	for s.role() == RoleFollower {
		select {
		case <-timer.C:
			s.logger.Infow("follower timed out", logFields(s)...)
			s.alterRole(RoleCandidate)
			s.reselectLoop()
		case <-s.confCh:
			s.reselectLoop()
		case rpc := <-s.transport.RPC():
			timer.Reset(s.randomFollowerTimeout())
			s.handleRPC(rpc)
		case n := <-s.applyWorker.notifyCh:
			s.drainApplyNotification(n)
		case err := <-s.shutdownCh:
			s.internalShutdown(err)
			return
		}
		if s.shouldReselectLoop() {
			return
		}
	}
}

// runLoopNonVoter is the non-voting catch-up state (§3/§4.6's
// NonVoterSync): behaves like a Follower for replication and apply
// purposes, but never starts an election on timeout, since it is not yet
// a counted member of any quorum.
func (s *Server) runLoopNonVoter() {
	s.logger.Infow("run non-voter loop", logFields(s)...)

	s.startApplyWorker()
	defer s.stopApplyWorker()

	for s.role() == RoleNonVoter {
		select {
		case <-s.confCh:
			if s.confStore.Latest().Contains(s.id) {
				s.alterRole(RoleFollower)
				s.reselectLoop()
			}
		case task := <-s.initCh:
			meta, err := s.bootstrapMembership(task.Task())
			task.setResult(meta, err)
			if s.role() != RoleNonVoter {
				s.reselectLoop()
			}
		case rpc := <-s.transport.RPC():
			s.handleRPC(rpc)
		case n := <-s.applyWorker.notifyCh:
			s.drainApplyNotification(n)
		case err := <-s.shutdownCh:
			s.internalShutdown(err)
			return
		}
		if s.shouldReselectLoop() {
			return
		}
	}
}

// serveAPIServer exposes a minimal read-only inspection surface
// (States()/Metrics()) over HTTP; APIExtension hooks (§6.5) get the chance
// to register their own routes on the same mux before it starts serving.
func (s *Server) serveAPIServer() {
	if s.opts.apiServerListenAddress == "" {
		return
	}
	listener, err := net.Listen("tcp", s.opts.apiServerListenAddress)
	if err != nil {
		s.logger.Warnw("failed to listen for the API server", logFields(s, "error", err)...)
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/states", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.States())
	})
	mux.HandleFunc("/metrics/raft", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Metrics())
	})
	apiServer := &apiServer{server: s, mux: mux}
	for _, ext := range s.opts.apiExtensions {
		ext(apiServer)
	}
	if err := http.Serve(listener, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Warnw("API server stopped", logFields(s, "error", err)...)
	}
}

// startElection is §4.1's RequestVote fan-out: the candidate votes for
// itself, then asks every other peer in scope (current ∪ next) in
// parallel.
func (s *Server) startElection() (<-chan *raftpb.RequestVoteResponse, func(), error) {
	s.logger.Infow("ready to start the election", logFields(s)...)
	s.alterTerm(s.currentTerm() + 1)
	s.setVotedFor(s.id)
	if err := s.logProvider.SaveHardState(HardState{CurrentTerm: s.currentTerm(), VotedFor: s.id}); err != nil {
		return nil, func() {}, err
	}
	s.refreshElectionDeadline(s.randomElectionTimeout)

	cfg := s.confStore.Latest()
	peers := cfg.Peers()
	resCh := make(chan *raftpb.RequestVoteResponse, len(peers)+1)
	voteCtx, cancel := context.WithCancel(context.Background())

	req := &raftpb.RequestVoteRequest{
		Term:         s.currentTerm(),
		CandidateId:  s.id,
		LastLogIndex: s.lastLogIndex(),
		LastLogTerm:  s.lastLogTerm(),
	}

	for _, peer := range peers {
		if peer.Id == s.id {
			continue
		}
		peer := peer
		go func() {
			resp, err := s.transport.RequestVote(voteCtx, peer, req)
			if err != nil {
				s.logger.Debugw("error requesting vote", logFields(s, "peer", peer.Id, "error", err)...)
				return
			}
			select {
			case resCh <- resp:
			case <-voteCtx.Done():
			}
		}()
	}

	resCh <- &raftpb.RequestVoteResponse{ServerId: s.id, Term: s.currentTerm(), Granted: true}
	return resCh, cancel, nil
}

func (s *Server) Id() string       { return s.id }
func (s *Server) Endpoint() string { return s.endpoint }

func (s *Server) Info() ServerInfo {
	return ServerInfo{ID: s.id, Endpoint: s.endpoint}
}

func (s *Server) States() ServerStates {
	vote := s.lastVoteSummary()
	cfg := s.confStore.Latest()
	return ServerStates{
		ID:                s.id,
		Endpoint:          s.endpoint,
		Leader:            s.leader(),
		Role:              s.role().String(),
		CurrentTerm:       s.currentTerm(),
		LastLogIndex:      s.lastLogIndex(),
		LastVoteTerm:      vote.term,
		LastVoteCandidate: vote.candidate,
		CommitIndex:       s.commitIndex(),
		ConsensusState:    s.confStore.State().String(),
		Membership:        cfg,
	}
}

// Serve bootstraps membership (if necessary), starts the transport and
// API server, and runs the main role loop until Shutdown.
func (s *Server) Serve() error {
	if !atomic.CompareAndSwapUint32(&s.serveFlag, 0, 1) {
		return ErrAlreadyServing
	}

	go s.handleTerminal()

	if len(s.confStore.Latest().Current.Peers) == 0 {
		if _, err := s.bootstrapMembership([]*raftpb.Peer{{Id: s.id, Endpoint: s.endpoint}}); err != nil {
			return err
		}
	}

	go func() {
		if err := s.transport.Serve(); err != nil {
			s.internalShutdown(err)
		}
	}()
	go s.serveAPIServer()
	go s.runMainLoop()

	return <-s.serveErrCh
}

func (s *Server) Shutdown(err error) {
	s.setRole(RoleShutdown)
	select {
	case s.shutdownCh <- err:
	default:
	}
}
