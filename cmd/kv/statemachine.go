package main

import (
	"sync"

	"github.com/ugorji/go/codec"

	"github.com/raftkit/raft"
	"github.com/raftkit/raft/raftpb"
)

// StateMachine is a trivial in-memory key-value store driven by committed
// COMMAND entries (§4.4's batched Apply): every entry in a call is either
// a set or an unset, applied in order.
type StateMachine struct {
	mu     sync.RWMutex
	index  uint64
	term   uint64
	states map[string][]byte
}

func NewStateMachine() *StateMachine {
	return &StateMachine{states: map[string][]byte{}}
}

func (m *StateMachine) Apply(entries []*raftpb.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		if entry.Body.Type != raftpb.LogType_COMMAND {
			continue
		}
		cmd := DecodeCommand(entry.Body.Data)
		switch cmd.Type {
		case CommandSet:
			m.states[cmd.Key] = cmd.Value
		case CommandUnset:
			delete(m.states, cmd.Key)
		}
		m.index = entry.Meta.Index
		m.term = entry.Meta.Term
	}
}

func (m *StateMachine) Keys() (keys []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key := range m.states {
		keys = append(keys, key)
	}
	return
}

func (m *StateMachine) Value(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.states[key]
	return v, ok
}

func (m *StateMachine) KeyValues() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keyValues := map[string][]byte{}
	for key, value := range m.states {
		keyValues[key] = append([]byte(nil), value...)
	}
	return keyValues
}

func (m *StateMachine) Snapshot() (raft.StateMachineSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keyValues := map[string][]byte{}
	for key, value := range m.states {
		keyValues[key] = append([]byte(nil), value...)
	}
	return &kvSnapshot{index: m.index, term: m.term, keyValues: keyValues}, nil
}

func (m *StateMachine) Restore(snapshot raft.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reader, err := snapshot.Reader()
	if err != nil {
		return err
	}
	defer reader.Close()
	keyValues := map[string][]byte{}
	if err := codec.NewDecoder(reader, &codec.MsgpackHandle{}).Decode(&keyValues); err != nil {
		return err
	}
	m.states = keyValues
	m.index = snapshot.Meta().Index
	m.term = snapshot.Meta().Term
	return nil
}

type kvSnapshot struct {
	index     uint64
	term      uint64
	keyValues map[string][]byte
}

func (s *kvSnapshot) Index() uint64 { return s.index }
func (s *kvSnapshot) Term() uint64  { return s.term }

func (s *kvSnapshot) Write(sink raft.SnapshotSink) error {
	return codec.NewEncoder(sink, &codec.MsgpackHandle{}).Encode(s.keyValues)
}
