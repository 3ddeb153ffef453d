// Package raftest provides in-memory fakes for raft.LogProvider,
// raft.SnapshotProvider, raft.StateMachine, and raft.Transport, so the
// core package's behavior can be exercised deterministically without a
// real disk or network (the pack's sidecus-raft and srkaysh-Key-Value-store
// examples both favor exactly this kind of in-memory harness over mocks).
package raftest

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/raftkit/raft"
	"github.com/raftkit/raft/raftpb"
)

// MemoryStore is an in-memory raft.LogProvider and raft.SnapshotProvider.
type MemoryStore struct {
	mu sync.Mutex

	hardState  raft.HardState
	entries    map[uint64]*raftpb.Log
	membership *raftpb.Configuration

	snapshots map[string]*memorySnapshot
	currentID string
	seq       int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[uint64]*raftpb.Log),
		snapshots: make(map[string]*memorySnapshot),
	}
}

// Bootstrap pre-seeds the store's initial membership, letting a test build
// a multi-node cluster that starts up already knowing about every peer
// (as if restoring from a snapshot taken right after a real bootstrap)
// instead of exercising Server.Serve's single-node auto-bootstrap path.
func (m *MemoryStore) Bootstrap(cfg *raftpb.Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.membership = cfg
}

func (m *MemoryStore) GetInitialState() (raft.InitialState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := raft.InitialState{HardState: m.hardState, Membership: m.membership}
	if last := m.lastIndexLocked(); last > 0 {
		state.LastLogIndex = last
		state.LastLogTerm = m.entries[last].Meta.Term
	}
	return state, nil
}

func (m *MemoryStore) SaveHardState(hs raft.HardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hardState = hs
	return nil
}

func (m *MemoryStore) SaveMembership(cfg *raftpb.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.membership = cfg
	return nil
}

func (m *MemoryStore) Entries(fromInclusive, toExclusive uint64) ([]*raftpb.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*raftpb.Log
	for i := fromInclusive; i < toExclusive; i++ {
		if e, ok := m.entries[i]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) Entry(index uint64) (*raftpb.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[index], nil
}

func (m *MemoryStore) lastIndexLocked() uint64 {
	var max uint64
	for i := range m.entries {
		if i > max {
			max = i
		}
	}
	return max
}

func (m *MemoryStore) FirstIndex() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	min := ^uint64(0)
	for i := range m.entries {
		if i < min {
			min = i
		}
	}
	if min == ^uint64(0) {
		return 0, nil
	}
	return min, nil
}

func (m *MemoryStore) LastIndex() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIndexLocked(), nil
}

func (m *MemoryStore) AppendEntries(entries []*raftpb.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.Meta.Index] = e
	}
	return nil
}

func (m *MemoryStore) DeleteFrom(indexInclusive uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if i >= indexInclusive {
			delete(m.entries, i)
		}
	}
	return nil
}

func (m *MemoryStore) DoLogCompaction(throughIndex uint64) (raft.SnapshotMeta, error) {
	m.mu.Lock()
	entry, ok := m.entries[throughIndex]
	m.mu.Unlock()
	if !ok {
		return raft.SnapshotMeta{}, fmt.Errorf("raftest: no entry at index %d", throughIndex)
	}
	sink, err := m.Create()
	if err != nil {
		return raft.SnapshotMeta{}, err
	}
	meta := raft.SnapshotMeta{ID: sink.ID(), Index: throughIndex, Term: entry.Meta.Term}
	if err := sink.Close(meta); err != nil {
		return raft.SnapshotMeta{}, err
	}
	m.mu.Lock()
	for i := range m.entries {
		if i <= throughIndex {
			delete(m.entries, i)
		}
	}
	m.mu.Unlock()
	return meta, nil
}

func (m *MemoryStore) Restore(meta raft.SnapshotMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[uint64]*raftpb.Log)
	m.membership = meta.Membership
	return nil
}

func (m *MemoryStore) Create() (raft.SnapshotSink, error) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("snap-%d", m.seq)
	m.mu.Unlock()
	return &memorySink{store: m, id: id}, nil
}

func (m *MemoryStore) Open(meta raft.SnapshotMeta) (raft.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.snapshots[meta.ID]
	if !ok {
		return nil, fmt.Errorf("raftest: no snapshot %q", meta.ID)
	}
	return sn, nil
}

func (m *MemoryStore) Current() (*raft.SnapshotMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.snapshots[m.currentID]
	if !ok {
		return nil, nil
	}
	meta := sn.meta
	return &meta, nil
}

type memorySink struct {
	store *MemoryStore
	id    string
	buf   bytes.Buffer
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) ID() string                  { return s.id }

func (s *memorySink) Close(meta raft.SnapshotMeta) error {
	meta.ID = s.id
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.snapshots[s.id] = &memorySnapshot{meta: meta, data: append([]byte(nil), s.buf.Bytes()...)}
	s.store.currentID = s.id
	return nil
}

func (s *memorySink) Cancel() error {
	s.buf.Reset()
	return nil
}

type memorySnapshot struct {
	meta raft.SnapshotMeta
	data []byte
}

func (s *memorySnapshot) Meta() raft.SnapshotMeta { return s.meta }
func (s *memorySnapshot) Reader() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}
