package boltstore

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	"go.etcd.io/bbolt"

	"github.com/raftkit/raft"
)

func snapshotDataKey(id string) []byte { return []byte("data:" + id) }
func snapshotMetaKey(id string) []byte { return []byte("meta:" + id) }

// sink buffers a snapshot's bytes in memory until Close, then commits them
// to the snapshots bucket in one transaction; Cancel simply discards the
// buffer.
type sink struct {
	store *Store
	id    string
	buf   bytes.Buffer
}

func (sk *sink) Write(p []byte) (int, error) { return sk.buf.Write(p) }
func (sk *sink) ID() string                  { return sk.id }

func (sk *sink) Close(meta raft.SnapshotMeta) error {
	meta.ID = sk.id
	metaData, err := encodeGob(meta)
	if err != nil {
		return err
	}
	return sk.store.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		if err := bucket.Put(snapshotDataKey(sk.id), sk.buf.Bytes()); err != nil {
			return err
		}
		if err := bucket.Put(snapshotMetaKey(sk.id), metaData); err != nil {
			return err
		}
		return bucket.Put(keyCurrentID, []byte(sk.id))
	})
}

func (sk *sink) Cancel() error {
	sk.buf.Reset()
	return nil
}

// Create implements raft.SnapshotProvider.
func (s *Store) Create() (raft.SnapshotSink, error) {
	return &sink{store: s, id: newSnapshotID()}, nil
}

var snapshotSeq atomic.Uint64

func newSnapshotID() string {
	return fmt.Sprintf("snap-%d", snapshotSeq.Add(1))
}

// snapshot is a completed, readable snapshot whose bytes live in the
// snapshots bucket alongside its metadata.
type snapshot struct {
	meta raft.SnapshotMeta
	data []byte
}

func (sn *snapshot) Meta() raft.SnapshotMeta { return sn.meta }

func (sn *snapshot) Reader() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(sn.data)), nil
}

// Open implements raft.SnapshotProvider.
func (s *Store) Open(meta raft.SnapshotMeta) (raft.Snapshot, error) {
	var sn snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		data := bucket.Get(snapshotDataKey(meta.ID))
		metaData := bucket.Get(snapshotMetaKey(meta.ID))
		if metaData == nil {
			return nil
		}
		var m raft.SnapshotMeta
		if err := decodeGob(metaData, &m); err != nil {
			return err
		}
		sn.meta = m
		sn.data = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

// Current implements raft.SnapshotProvider.
func (s *Store) Current() (*raft.SnapshotMeta, error) {
	var meta *raft.SnapshotMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		id := bucket.Get(keyCurrentID)
		if id == nil {
			return nil
		}
		metaData := bucket.Get(snapshotMetaKey(string(id)))
		if metaData == nil {
			return nil
		}
		var m raft.SnapshotMeta
		if err := decodeGob(metaData, &m); err != nil {
			return err
		}
		meta = &m
		return nil
	})
	return meta, err
}
