package raft

import (
	"github.com/raftkit/raft/raftpb"
)

// RPCKind discriminates the inbound RPC envelope delivered over a
// Transport's RPC() channel.
type RPCKind int

const (
	RPCKindAppendEntries RPCKind = iota
	RPCKindRequestVote
	RPCKindInstallSnapshot
	RPCKindApplyLog
)

// RPC is the envelope a Transport hands the core for every inbound
// request, regardless of wire protocol.
type RPC struct {
	requestID  string
	Kind       RPCKind
	Request    interface{}
	responseCh chan *RPCResponse
}

func NewRPC(kind RPCKind, request interface{}) *RPC {
	return &RPC{requestID: newRequestID(), Kind: kind, Request: request, responseCh: make(chan *RPCResponse, 1)}
}

func (rpc *RPC) respond(response interface{}, err error) {
	rpc.responseCh <- &RPCResponse{Response: response, Error: err}
}

func (rpc *RPC) Response() <-chan *RPCResponse {
	return rpc.responseCh
}

type RPCResponse struct {
	Response interface{}
	Error    error
}

// rpcHandler runs on the core goroutine: it is the sole place inbound
// RPCs are handled, preserving §5's single-writer invariant over all
// consensus state.
type rpcHandler struct {
	server *Server
}

func newRPCHandler(server *Server) *rpcHandler {
	return &rpcHandler{server: server}
}

// dispatch decodes rpc.Request by rpc.Kind and replies on rpc.responseCh.
func (h *rpcHandler) dispatch(rpc *RPC) {
	var response interface{}
	var err error
	switch rpc.Kind {
	case RPCKindAppendEntries:
		response, err = h.AppendEntries(rpc.requestID, rpc.Request.(*raftpb.AppendEntriesRequest))
	case RPCKindRequestVote:
		response, err = h.RequestVote(rpc.requestID, rpc.Request.(*raftpb.RequestVoteRequest))
	case RPCKindInstallSnapshot:
		response, err = h.InstallSnapshot(rpc.requestID, rpc.Request.(*raftpb.InstallSnapshotRequest))
	case RPCKindApplyLog:
		response, err = h.ApplyLog(rpc.requestID, rpc.Request.(*raftpb.ApplyLogRequest))
	}
	rpc.respond(response, err)
}

// observeTerm is the common term-check preamble every RPC handler runs
// first (§4.1/§4.2): any request carrying a higher term wins immediately,
// demoting this node to Follower.
func (h *rpcHandler) observeTerm(term uint64, leaderHint string) {
	s := h.server
	if term > s.currentTerm() {
		s.logger.Debugw("local term is stale", logFields(s, "incoming_term", term)...)
		if s.role() != RoleFollower && s.role() != RoleNonVoter {
			s.stepdownFollower(s.confStore.Latest().Peer(leaderHint))
		}
		s.alterTerm(term)
	}
}

func (h *rpcHandler) AppendEntries(requestID string, request *raftpb.AppendEntriesRequest) (*raftpb.AppendEntriesResponse, error) {
	s := h.server
	s.logger.Debugw("incoming RPC: AppendEntries", logFields(s, "request_id", requestID)...)

	response := &raftpb.AppendEntriesResponse{ServerId: s.id, Term: s.currentTerm(), Success: false}

	if request.Term < s.currentTerm() {
		s.logger.Debugw("incoming term is stale", logFields(s, "request_id", requestID)...)
		return response, nil
	}

	if s.leader().Id != request.LeaderId {
		s.alterLeader(s.confStore.Latest().Peer(request.LeaderId))
	}

	h.observeTerm(request.Term, request.LeaderId)
	response.Term = s.currentTerm()
	if s.role() == RoleCandidate {
		s.stepdownFollower(s.leader())
	}
	s.refreshElectionDeadline(s.randomElectionTimeout)

	if request.PrevLogIndex > 0 {
		prevEntry, err := s.logProvider.Entry(request.PrevLogIndex)
		if err != nil {
			return nil, fatalStorageErr("Entry", err)
		}
		if prevEntry == nil || prevEntry.Meta.Term != request.PrevLogTerm {
			s.logger.Infow("incoming previous log does not exist or has a different term",
				logFields(s, "request_id", requestID)...)
			response.ConflictIndex = s.conflictIndexHint(prevEntry, request.PrevLogIndex)
			if prevEntry != nil {
				response.ConflictTerm = prevEntry.Meta.Term
			}
			return response, nil
		}
	}

	if len(request.Entries) > 0 {
		if err := s.appendAndApplyEntries(request.Entries); err != nil {
			return nil, err
		}
	}

	if request.LeaderCommit > s.commitIndex() {
		s.logger.Infow("local commit index is stale",
			logFields(s, "request_id", requestID, "new_commit_index", request.LeaderCommit)...)
		newCommit := request.LeaderCommit
		if newCommit > s.lastLogIndex() {
			newCommit = s.lastLogIndex()
		}
		s.advanceFollowerCommit(newCommit)
	}

	response.Success = true
	return response, nil
}

// conflictIndexHint finds the first index of the conflicting term (the
// accelerated back-off hint from the original Raft paper's §5.3
// extension), or the position right past our own log if we have no entry
// there at all.
func (s *Server) conflictIndexHint(prevEntry *raftpb.Log, probeIndex uint64) uint64 {
	if prevEntry == nil {
		return s.lastLogIndex() + 1
	}
	index := probeIndex
	for index > 1 {
		entry, err := s.logProvider.Entry(index - 1)
		if err != nil || entry == nil || entry.Meta.Term != prevEntry.Meta.Term {
			break
		}
		index--
	}
	return index
}

// appendAndApplyEntries truncates any conflicting suffix, appends the new
// entries, and applies CONFIGURATION entries to membership immediately
// (§4.7 step 6: membership changes take effect at append time, not commit
// time, and are rolled back for free by a later conflicting truncation).
func (s *Server) appendAndApplyEntries(entries []*raftpb.Log) error {
	lastLogIndex := s.lastLogIndex()
	firstAppendIdx := 0
	if entries[0].Meta.Index <= lastLogIndex {
		cleanupFrom := uint64(0)
		for i, e := range entries {
			if e.Meta.Index > lastLogIndex {
				break
			}
			existing, err := s.logProvider.Entry(e.Meta.Index)
			if err != nil {
				return fatalStorageErr("Entry", err)
			}
			if existing == nil || existing.Meta.Term != e.Meta.Term {
				cleanupFrom = e.Meta.Index
				break
			}
			firstAppendIdx = i + 1
		}
		if cleanupFrom > 0 {
			if err := s.logProvider.DeleteFrom(cleanupFrom); err != nil {
				return fatalStorageErr("DeleteFrom", err)
			}
			s.setLastLogIndex(cleanupFrom - 1)
		}
	}

	toAppend := entries[firstAppendIdx:]
	if len(toAppend) == 0 {
		return nil
	}
	if err := s.logProvider.AppendEntries(toAppend); err != nil {
		return fatalStorageErr("AppendEntries", err)
	}
	last := toAppend[len(toAppend)-1]
	s.setLastLogIndex(last.Meta.Index)
	s.setLastLogTerm(last.Meta.Term)

	for _, entry := range toAppend {
		if entry.Body.Type == raftpb.LogType_CONFIGURATION {
			if cfg, err := decodeConfiguration(entry.Body.Data); err == nil {
				s.confStore.SetLatest(cfg, entry.Meta.Index)
			}
		}
	}
	return nil
}

// advanceFollowerCommit is the follower/non-voter half of §4.4: hand the
// new commit index to the dedicated apply worker rather than applying
// inline, so a slow state machine never stalls RPC handling.
func (s *Server) advanceFollowerCommit(commitIndex uint64) {
	s.setCommitIndex(commitIndex)
	if s.applyWorker == nil {
		return
	}
	snapshot := committedSnapshot{
		CommitIndex:  commitIndex,
		LastLogIndex: s.lastLogIndex(),
		LastApplied:  s.lastApplied().Index,
	}
	select {
	case s.applyWorker.eventCh <- snapshot:
	default:
	}
}

func (h *rpcHandler) RequestVote(requestID string, request *raftpb.RequestVoteRequest) (*raftpb.RequestVoteResponse, error) {
	s := h.server
	s.logger.Infow("incoming RPC: RequestVote", logFields(s, "request_id", requestID)...)

	response := &raftpb.RequestVoteResponse{ServerId: s.id, Term: s.currentTerm(), Granted: false}

	if request.Term < s.currentTerm() {
		s.logger.Debugw("incoming term is stale", logFields(s, "request_id", requestID)...)
		return response, nil
	}

	lastVote := s.lastVoteSummary()
	if s.currentTerm() >= request.Term && s.currentTerm() <= lastVote.term && lastVote.candidate != "" {
		s.logger.Debugw("server has voted in this term",
			logFields(s, "request_id", requestID, "candidate", lastVote.candidate)...)
		if lastVote.candidate == request.CandidateId {
			response.Granted = true
		}
		return response, nil
	}

	if request.Term > s.currentTerm() {
		if s.role() != RoleFollower {
			s.stepdownFollower(raftpb.NilPeer)
		}
		s.alterTerm(request.Term)
		response.Term = s.currentTerm()
	}

	if !s.candidateLogUpToDate(request.LastLogIndex, request.LastLogTerm) {
		return response, nil
	}

	s.setVotedFor(request.CandidateId)
	if err := s.logProvider.SaveHardState(HardState{CurrentTerm: s.currentTerm(), VotedFor: request.CandidateId}); err != nil {
		return nil, fatalStorageErr("SaveHardState", err)
	}
	s.refreshElectionDeadline(s.randomElectionTimeout)

	response.Granted = true
	return response, nil
}

// candidateLogUpToDate is Raft's election-restriction predicate (§4.1):
// the candidate's log must be at least as up to date as ours.
func (s *Server) candidateLogUpToDate(lastLogIndex, lastLogTerm uint64) bool {
	ourTerm := s.lastLogTerm()
	if lastLogTerm != ourTerm {
		return lastLogTerm > ourTerm
	}
	return lastLogIndex >= s.lastLogIndex()
}

func (h *rpcHandler) InstallSnapshot(requestID string, request *raftpb.InstallSnapshotRequest) (*raftpb.InstallSnapshotResponse, error) {
	s := h.server
	s.logger.Infow("incoming RPC: InstallSnapshot", logFields(s, "request_id", requestID)...)

	response := &raftpb.InstallSnapshotResponse{Term: s.currentTerm()}
	if request.Term < s.currentTerm() {
		return response, nil
	}

	h.observeTerm(request.Term, request.LeaderId)
	response.Term = s.currentTerm()
	if s.leader().Id != request.LeaderId {
		s.alterLeader(&raftpb.Peer{Id: request.LeaderId})
	}
	s.refreshElectionDeadline(s.randomElectionTimeout)

	id := request.LeaderId + ":" + itoa(request.LastIncludedIndex)
	sink, err := s.snapshotService.beginInstall(request, id)
	if err != nil {
		return nil, err
	}
	if _, err := sink.Write(request.Data); err != nil {
		_ = s.snapshotService.finishInstall(id, SnapshotMeta{}, err)
		return nil, err
	}
	s.snapshotService.advanceInstall(id, len(request.Data))

	if request.Done {
		meta := SnapshotMeta{
			ID:         id,
			Index:      request.LastIncludedIndex,
			Term:       request.LastIncludedTerm,
			Membership: request.MembershipAt,
		}
		if err := s.snapshotService.finishInstall(id, meta, nil); err != nil {
			return nil, err
		}
		if err := s.applyInstalledSnapshot(meta); err != nil {
			return nil, err
		}
	}
	return response, nil
}

// ApplyLog is the leader's side of a forwarded client write (§6.3's
// ClientWrite forwarding contract): a follower rejects with the current
// leader hint. Since rpcHandler.dispatch always runs inline on the core
// goroutine (§5), this proposes straight through proposeLocally rather
// than routing through Apply/applyCh, which would deadlock the core
// goroutine waiting on itself to drain that very channel.
func (h *rpcHandler) ApplyLog(requestID string, request *raftpb.ApplyLogRequest) (*raftpb.ApplyLogResponse, error) {
	s := h.server
	s.logger.Infow("incoming RPC: ApplyLog", logFields(s, "request_id", requestID)...)

	if s.role() != RoleLeader {
		return &raftpb.ApplyLogResponse{Error: (&NotLeaderError{Leader: s.leader()}).Error()}, nil
	}

	meta, err := s.proposeLocally(request.Body)
	if err != nil {
		return &raftpb.ApplyLogResponse{Error: err.Error()}, nil
	}
	return &raftpb.ApplyLogResponse{Meta: meta}, nil
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
