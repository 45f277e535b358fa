package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrStoreUnavailable wraps a failure to open the underlying database. The
	// original open error is attached so callers can inspect the cause.
	ErrStoreUnavailable = errors.New("chunk store unavailable")

	// ErrNotFound is returned when an operation references a recording id that
	// has no metadata row.
	ErrNotFound = errors.New("recording not found")
)

var (
	bucketSchema     = []byte("schema")
	bucketRecordings = []byte("recordings")
	bucketChunks     = []byte("chunks")
	bucketChunkIndex = []byte("chunks_by_recording")

	keyVersion = []byte("version")
)

// Store is the embedded chunked persistence layer for recordings. Metadata rows
// live in one bucket keyed by id; binary fragments live in a chunks bucket keyed
// by (recordingId, index), with a secondary per-recording index bucket used for
// bulk retrieval and deletion.
type Store struct {
	db  *bolt.DB
	log *slog.Logger
	now func() time.Time
}

// Open opens (creating if necessary) the database at path and runs schema
// migration. Returns ErrStoreUnavailable wrapping the cause if the database
// cannot be opened.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	s := &Store{db: db, log: log, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chunk store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// chunkKey builds the composite (recordingId, index) key. The 8-byte big-endian
// suffix keeps keys self-describing; index order is still enforced by an
// explicit sort on read.
func chunkKey(recordingID string, index int) []byte {
	return rawChunkKey(recordingID, indexBytes(index))
}

func rawChunkKey(recordingID string, idx []byte) []byte {
	key := make([]byte, 0, len(recordingID)+1+len(idx))
	key = append(key, recordingID...)
	key = append(key, '/')
	return append(key, idx...)
}

func indexBytes(index int) []byte {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))
	return idx[:]
}

// WriteChunk persists one binary fragment under (recordingID, index). Chunks are
// append-only; the caller assigns indices in strict emission order.
func (s *Store) WriteChunk(recordingID string, payload []byte, index int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		if err := chunks.Put(chunkKey(recordingID, index), payload); err != nil {
			return fmt.Errorf("write chunk %d for %s: %w", index, recordingID, err)
		}
		byRec, err := tx.Bucket(bucketChunkIndex).CreateBucketIfNotExists([]byte(recordingID))
		if err != nil {
			return fmt.Errorf("index chunk %d for %s: %w", index, recordingID, err)
		}
		return byRec.Put(indexBytes(index), nil)
	})
}

// Finalize creates (or overwrites) the metadata row for id, making the recording
// visible to listing and playback. Name defaults to absent.
func (s *Store) Finalize(id, mimeType string, durationMillis, size int64) error {
	meta := Metadata{
		ID:        id,
		MimeType:  mimeType,
		Duration:  durationMillis,
		Size:      size,
		CreatedAt: s.now().UnixMilli(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecordings).Put([]byte(id), raw)
	})
}

// Rename sets or clears (name == nil) the display name of an existing recording.
// Returns ErrNotFound if no metadata row exists for id.
func (s *Store) Rename(id string, name *string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		recordings := tx.Bucket(bucketRecordings)
		raw := recordings.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("rename %s: %w", id, ErrNotFound)
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode metadata for %s: %w", id, err)
		}
		meta.Name = name
		updated, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", id, err)
		}
		return recordings.Put([]byte(id), updated)
	})
}

// Read returns the metadata and reassembled bytes for id, or (nil, nil) if no
// metadata row exists. Chunks are sorted by index ascending before
// concatenation; physical write order is not trusted.
func (s *Store) Read(id string) (*Recording, error) {
	var rec *Recording
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecordings).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode metadata for %s: %w", id, err)
		}

		type chunk struct {
			index   uint64
			payload []byte
		}
		var parts []chunk
		chunks := tx.Bucket(bucketChunks)
		if byRec := tx.Bucket(bucketChunkIndex).Bucket([]byte(id)); byRec != nil {
			cur := byRec.Cursor()
			for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
				payload := chunks.Get(rawChunkKey(id, k))
				if payload == nil {
					continue
				}
				parts = append(parts, chunk{
					index:   binary.BigEndian.Uint64(k),
					payload: append([]byte(nil), payload...),
				})
			}
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].index < parts[j].index })

		var buf bytes.Buffer
		for _, p := range parts {
			buf.Write(p.payload)
		}
		rec = &Recording{Metadata: meta, Data: buf.Bytes()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the metadata row and every chunk for id in a single
// transaction, so a crash mid-delete cannot leave orphaned chunks behind.
// Returns ErrNotFound if no metadata row exists.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRecordings).Get([]byte(id)) == nil {
			return fmt.Errorf("delete %s: %w", id, ErrNotFound)
		}
		return deleteRecordingTx(tx, id)
	})
}

// deleteRecordingTx removes metadata, chunks, and the secondary index entry for
// id within the caller's transaction.
func deleteRecordingTx(tx *bolt.Tx, id string) error {
	if err := tx.Bucket(bucketRecordings).Delete([]byte(id)); err != nil {
		return err
	}
	return deleteChunksTx(tx, id)
}

// deleteChunksTx removes all chunks for id via the secondary index.
func deleteChunksTx(tx *bolt.Tx, id string) error {
	chunkIndex := tx.Bucket(bucketChunkIndex)
	byRec := chunkIndex.Bucket([]byte(id))
	if byRec == nil {
		return nil
	}
	chunks := tx.Bucket(bucketChunks)
	cur := byRec.Cursor()
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		if err := chunks.Delete(rawChunkKey(id, k)); err != nil {
			return err
		}
	}
	return chunkIndex.DeleteBucket([]byte(id))
}

// ListAll returns every metadata row ordered by CreatedAt descending (most
// recent first).
func (s *Store) ListAll() ([]Metadata, error) {
	var out []Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecordings).ForEach(func(_, raw []byte) error {
			var meta Metadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
			out = append(out, meta)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Sweep deletes every recording whose CreatedAt is older than now-maxAge,
// metadata and chunks together per recording. One recording failing does not
// abort the sweep; it is logged and skipped. Returns the number deleted.
func (s *Store) Sweep(maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()

	var expired []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecordings).ForEach(func(k, raw []byte) error {
			var meta Metadata
			if err := json.Unmarshal(raw, &meta); err != nil {
				return nil // skip undecodable rows rather than failing the sweep
			}
			if meta.CreatedAt < cutoff {
				expired = append(expired, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range expired {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return deleteRecordingTx(tx, id)
		})
		if err != nil {
			s.log.Error("sweep: delete failed", "recording_id", id, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// SweepOrphans deletes chunk groups that have no metadata row and are not in
// the active set. Such groups are left behind when a save never completes and
// the coordinator is force-reset. Returns the number of groups removed.
func (s *Store) SweepOrphans(active ...string) (int, error) {
	activeSet := make(map[string]bool, len(active))
	for _, id := range active {
		activeSet[id] = true
	}

	var orphans []string
	err := s.db.View(func(tx *bolt.Tx) error {
		recordings := tx.Bucket(bucketRecordings)
		return tx.Bucket(bucketChunkIndex).ForEachBucket(func(k []byte) error {
			id := string(k)
			if recordings.Get(k) == nil && !activeSet[id] {
				orphans = append(orphans, id)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range orphans {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return deleteChunksTx(tx, id)
		})
		if err != nil {
			s.log.Error("orphan sweep: delete failed", "recording_id", id, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
