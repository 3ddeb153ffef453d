package raftest

import (
	"sync"

	"github.com/raftkit/raft"
	"github.com/raftkit/raft/raftpb"
)

// RecordingStateMachine applies every COMMAND entry by appending its raw
// payload to an ordered log, so tests can assert exactly what was applied
// and in what order without caring about a real application's semantics.
type RecordingStateMachine struct {
	mu      sync.Mutex
	applied [][]byte
	index   uint64
	term    uint64
}

func NewRecordingStateMachine() *RecordingStateMachine {
	return &RecordingStateMachine{}
}

func (sm *RecordingStateMachine) Apply(entries []*raftpb.Log) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, e := range entries {
		if e.Body.Type != raftpb.LogType_COMMAND {
			continue
		}
		sm.applied = append(sm.applied, append([]byte(nil), e.Body.Data...))
		sm.index = e.Meta.Index
		sm.term = e.Meta.Term
	}
}

func (sm *RecordingStateMachine) Applied() [][]byte {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([][]byte, len(sm.applied))
	copy(out, sm.applied)
	return out
}

func (sm *RecordingStateMachine) Snapshot() (raft.StateMachineSnapshot, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	applied := make([][]byte, len(sm.applied))
	copy(applied, sm.applied)
	return &recordingSnapshot{index: sm.index, term: sm.term, applied: applied}, nil
}

func (sm *RecordingStateMachine) Restore(snapshot raft.Snapshot) error {
	reader, err := snapshot.Reader()
	if err != nil {
		return err
	}
	defer reader.Close()
	buf := make([]byte, 0)
	chunk := make([]byte, 4096)
	for {
		n, err := reader.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.applied = [][]byte{buf}
	sm.index = snapshot.Meta().Index
	sm.term = snapshot.Meta().Term
	return nil
}

type recordingSnapshot struct {
	index   uint64
	term    uint64
	applied [][]byte
}

func (s *recordingSnapshot) Index() uint64 { return s.index }
func (s *recordingSnapshot) Term() uint64  { return s.term }

func (s *recordingSnapshot) Write(sink raft.SnapshotSink) error {
	for _, entry := range s.applied {
		if _, err := sink.Write(entry); err != nil {
			return err
		}
	}
	return nil
}
