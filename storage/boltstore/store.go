// Package boltstore is a go.etcd.io/bbolt-backed implementation of
// raft.LogProvider and raft.SnapshotProvider: one file, three buckets (log
// entries, hard state / boundaries, snapshot metadata), snapshot payloads
// held as additional keys in the snapshots bucket so the whole store stays
// in a single bbolt file.
package boltstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/raftkit/raft"
	"github.com/raftkit/raft/raftpb"
)

var (
	bucketLog       = []byte("log")
	bucketMeta      = []byte("meta")
	bucketSnapshots = []byte("snapshots")

	keyHardState  = []byte("hard_state")
	keyLastApplied = []byte("last_applied")
	keyMembership = []byte("membership")
	keyCurrentID  = []byte("current_snapshot_id")
)

// Store is a LogProvider and SnapshotProvider backed by a single bbolt
// database file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures its
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketLog, bucketMeta, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// GetInitialState implements raft.LogProvider.
func (s *Store) GetInitialState() (raft.InitialState, error) {
	var state raft.InitialState
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)

		if data := meta.Get(keyHardState); data != nil {
			if err := decodeGob(data, &state.HardState); err != nil {
				return err
			}
		}
		if data := meta.Get(keyLastApplied); data != nil {
			state.LastAppliedLog = btoi(data)
		}
		if data := meta.Get(keyMembership); data != nil {
			var cfg raftpb.Configuration
			if err := decodeGob(data, &cfg); err != nil {
				return err
			}
			state.Membership = &cfg
		}

		log := tx.Bucket(bucketLog)
		c := log.Cursor()
		if k, v := c.Last(); k != nil {
			state.LastLogIndex = btoi(k)
			var entry raftpb.Log
			if err := decodeGob(v, &entry); err != nil {
				return err
			}
			state.LastLogTerm = entry.Meta.Term
		}
		return nil
	})
	return state, err
}

// SaveHardState implements raft.LogProvider; bbolt.Update fsyncs on commit.
func (s *Store) SaveHardState(hs raft.HardState) error {
	data, err := encodeGob(hs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyHardState, data)
	})
}

func (s *Store) Entries(fromInclusive, toExclusive uint64) ([]*raftpb.Log, error) {
	var entries []*raftpb.Log
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(itob(fromInclusive)); k != nil && btoi(k) < toExclusive; k, v = c.Next() {
			var entry raftpb.Log
			if err := decodeGob(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

func (s *Store) Entry(index uint64) (*raftpb.Log, error) {
	var entry *raftpb.Log
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketLog).Get(itob(index))
		if data == nil {
			return nil
		}
		var e raftpb.Log
		if err := decodeGob(data, &e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	return entry, err
}

func (s *Store) FirstIndex() (uint64, error) {
	var index uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(bucketLog).Cursor().First()
		if k != nil {
			index = btoi(k)
		}
		return nil
	})
	return index, err
}

func (s *Store) LastIndex() (uint64, error) {
	var index uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(bucketLog).Cursor().Last()
		if k != nil {
			index = btoi(k)
		}
		return nil
	})
	return index, err
}

func (s *Store) AppendEntries(entries []*raftpb.Log) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLog)
		for _, entry := range entries {
			data, err := encodeGob(entry)
			if err != nil {
				return err
			}
			if err := bucket.Put(itob(entry.Meta.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteFrom(indexInclusive uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLog)
		c := bucket.Cursor()
		for k, _ := c.Seek(itob(indexInclusive)); k != nil; k, _ = c.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// setLastApplied persists the last-applied index. The Server's apply path
// does not call it; only Restore does, to keep InitialState consistent
// across a restart immediately following a snapshot install.
func (s *Store) setLastApplied(index uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastApplied, itob(index))
	})
}

func (s *Store) saveMembership(cfg *raftpb.Configuration) error {
	if cfg == nil {
		return nil
	}
	data, err := encodeGob(cfg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyMembership, data)
	})
}

// SaveMembership implements raft.LogProvider; it is the public entry point
// used by Initialize's single-node bootstrap, where membership is recorded
// without a corresponding log entry.
func (s *Store) SaveMembership(cfg *raftpb.Configuration) error {
	return s.saveMembership(cfg)
}

// DoLogCompaction builds a snapshot covering [..throughIndex], truncates
// the log prefix, and registers the result as the current snapshot. The
// snapshot's metadata carries no membership. The state machine's own
// byte payload is written separately via the SnapshotSink this store
// hands out through Create; DoLogCompaction only owns the log/metadata
// side of compaction (§6.1's storage split between log and state machine
// snapshot bytes).
func (s *Store) DoLogCompaction(throughIndex uint64) (raft.SnapshotMeta, error) {
	entry, err := s.Entry(throughIndex)
	if err != nil {
		return raft.SnapshotMeta{}, err
	}
	if entry == nil {
		return raft.SnapshotMeta{}, fmt.Errorf("boltstore: no log entry at index %d to compact through", throughIndex)
	}

	sink, err := s.Create()
	if err != nil {
		return raft.SnapshotMeta{}, err
	}
	meta := raft.SnapshotMeta{ID: sink.ID(), Index: throughIndex, Term: entry.Meta.Term}
	if err := sink.Close(meta); err != nil {
		sink.Cancel()
		return raft.SnapshotMeta{}, err
	}

	first, err := s.FirstIndex()
	if err != nil {
		return raft.SnapshotMeta{}, err
	}
	if first > 0 && first <= throughIndex {
		if err := s.deleteThrough(throughIndex); err != nil {
			return raft.SnapshotMeta{}, err
		}
	}
	return meta, nil
}

func (s *Store) deleteThrough(throughIndexInclusive uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLog)
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && btoi(k) <= throughIndexInclusive; k, _ = c.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Restore implements raft.LogProvider: it drops the entire log, since an
// installed snapshot always supersedes whatever prefix this node had.
func (s *Store) Restore(meta raft.SnapshotMeta) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketLog); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		if _, err := tx.CreateBucket(bucketLog); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.setLastApplied(meta.Index); err != nil {
		return err
	}
	return s.saveMembership(meta.Membership)
}
