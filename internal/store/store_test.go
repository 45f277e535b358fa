package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "capture.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_WriteAndRead(t *testing.T) {
	s := openTestStore(t)

	if err := s.WriteChunk("rec1", []byte("hello"), 0); err != nil {
		t.Fatalf("WriteChunk 0: %v", err)
	}
	if err := s.WriteChunk("rec1", []byte("-world"), 1); err != nil {
		t.Fatalf("WriteChunk 1: %v", err)
	}
	if err := s.Finalize("rec1", "video/webm", 1234, 999); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	rec, err := s.Read("rec1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec == nil {
		t.Fatal("Read returned nil for finalized recording")
	}
	if rec.MimeType != "video/webm" || rec.Duration != 1234 || rec.Size != 999 {
		t.Errorf("metadata mismatch: %+v", rec.Metadata)
	}
	if rec.Name != nil {
		t.Errorf("name should default to absent, got %q", *rec.Name)
	}
	if rec.CreatedAt == 0 {
		t.Error("createdAt should be set at finalize time")
	}
	if !bytes.Equal(rec.Data, []byte("hello-world")) {
		t.Errorf("reassembled bytes = %q, want %q", rec.Data, "hello-world")
	}
}

func TestStore_Read_reassembles_in_index_order(t *testing.T) {
	s := openTestStore(t)

	// Write completion order deliberately scrambled; logical indices increase.
	writes := []struct {
		index   int
		payload string
	}{
		{3, "dd"}, {0, "aa"}, {2, "cc"}, {1, "bb"}, {4, "ee"},
	}
	for _, w := range writes {
		if err := s.WriteChunk("rec1", []byte(w.payload), w.index); err != nil {
			t.Fatalf("WriteChunk %d: %v", w.index, err)
		}
	}
	if err := s.Finalize("rec1", "video/webm", 5000, 10); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Read("rec1")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(rec.Data), "aabbccddee"; got != want {
		t.Errorf("reassembled bytes = %q, want %q", got, want)
	}
}

func TestStore_Read_missing_is_nil_not_error(t *testing.T) {
	s := openTestStore(t)

	// Chunks alone do not make a recording readable; metadata is the commit point.
	if err := s.WriteChunk("pending", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"missing", "pending"} {
		rec, err := s.Read(id)
		if err != nil {
			t.Errorf("Read(%q): unexpected error %v", id, err)
		}
		if rec != nil {
			t.Errorf("Read(%q): expected nil, got %+v", id, rec)
		}
	}
}

func TestStore_Rename(t *testing.T) {
	s := openTestStore(t)

	t.Run("missing_id_rejected", func(t *testing.T) {
		name := "x"
		err := s.Rename("missing-id", &name)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	if err := s.Finalize("rec1", "video/webm", 100, 5); err != nil {
		t.Fatal(err)
	}

	t.Run("set_and_clear", func(t *testing.T) {
		name := "standup demo"
		if err := s.Rename("rec1", &name); err != nil {
			t.Fatalf("Rename set: %v", err)
		}
		rec, _ := s.Read("rec1")
		if rec.Name == nil || *rec.Name != "standup demo" {
			t.Errorf("name not applied: %+v", rec.Name)
		}

		if err := s.Rename("rec1", nil); err != nil {
			t.Fatalf("Rename clear: %v", err)
		}
		rec, _ = s.Read("rec1")
		if rec.Name != nil {
			t.Errorf("name should be cleared, got %q", *rec.Name)
		}
	})
}

func TestStore_Delete_is_total(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.WriteChunk("rec1", []byte{byte(i)}, i); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Finalize("rec1", "video/webm", 3000, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize("rec2", "video/webm", 1000, 0); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("rec1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rec, err := s.Read("rec1")
	if err != nil || rec != nil {
		t.Errorf("Read after delete: rec=%v err=%v", rec, err)
	}
	all, err := s.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range all {
		if m.ID == "rec1" {
			t.Error("ListAll still includes deleted recording")
		}
	}

	// No chunk data may survive under the dead id.
	if n := countChunks(t, s, "rec1"); n != 0 {
		t.Errorf("expected 0 chunks after delete, found %d", n)
	}

	t.Run("missing_id_rejected", func(t *testing.T) {
		if err := s.Delete("rec1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_ListAll_most_recent_first(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		s.now = func() time.Time { return ts }
		if err := s.Finalize(id, "video/webm", 0, 0); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 recordings, got %d", len(all))
	}
	if all[0].ID != "new" || all[1].ID != "mid" || all[2].ID != "old" {
		t.Errorf("unexpected order: %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}
}

func TestStore_Sweep_age_boundary(t *testing.T) {
	s := openTestStore(t)
	maxAge := time.Hour
	now := time.Now()

	// One recording just past the threshold, one just inside it.
	s.now = func() time.Time { return now.Add(-maxAge - time.Millisecond) }
	if err := s.Finalize("expired", "video/webm", 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk("expired", []byte("stale"), 0); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return now.Add(-maxAge + time.Millisecond) }
	if err := s.Finalize("fresh", "video/webm", 0, 0); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return now }
	deleted, err := s.Sweep(maxAge)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deletion, got %d", deleted)
	}

	if rec, _ := s.Read("expired"); rec != nil {
		t.Error("expired recording survived the sweep")
	}
	if n := countChunks(t, s, "expired"); n != 0 {
		t.Errorf("expired chunks survived the sweep: %d", n)
	}
	if rec, _ := s.Read("fresh"); rec == nil {
		t.Error("fresh recording was deleted by the sweep")
	}
}

func TestStore_SweepOrphans(t *testing.T) {
	s := openTestStore(t)

	// Orphan: chunks with no metadata row. Active: same shape but in flight.
	if err := s.WriteChunk("orphan", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk("in-flight", []byte("y"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk("complete", []byte("z"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize("complete", "video/webm", 100, 1); err != nil {
		t.Fatal(err)
	}

	removed, err := s.SweepOrphans("in-flight")
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 orphan removed, got %d", removed)
	}
	if n := countChunks(t, s, "orphan"); n != 0 {
		t.Errorf("orphan chunks survived: %d", n)
	}
	if n := countChunks(t, s, "in-flight"); n != 1 {
		t.Errorf("in-flight chunks should be untouched, found %d", n)
	}
	if n := countChunks(t, s, "complete"); n != 1 {
		t.Errorf("complete recording's chunks should be untouched, found %d", n)
	}
}

func TestMigrate_drops_pre_chunked_layout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.db")

	// Seed a v1 database: recordings bucket holding whole blobs, no chunks.
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		schema, err := tx.CreateBucketIfNotExists(bucketSchema)
		if err != nil {
			return err
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], 1)
		if err := schema.Put(keyVersion, v[:]); err != nil {
			return err
		}
		recordings, err := tx.CreateBucketIfNotExists(bucketRecordings)
		if err != nil {
			return err
		}
		return recordings.Put([]byte("legacy"), []byte("entire blob inline"))
	})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open after v1: %v", err)
	}
	defer s.Close()

	all, err := s.ListAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("v1 data should have been dropped, found %d rows", len(all))
	}
}

func TestMigrate_v2_builds_secondary_index(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.db")

	// Seed a v2 database: chunks present, no chunks_by_recording bucket.
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		schema, err := tx.CreateBucketIfNotExists(bucketSchema)
		if err != nil {
			return err
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], 2)
		if err := schema.Put(keyVersion, v[:]); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRecordings); err != nil {
			return err
		}
		chunks, err := tx.CreateBucketIfNotExists(bucketChunks)
		if err != nil {
			return err
		}
		if err := chunks.Put(chunkKey("rec1", 1), []byte("-world")); err != nil {
			return err
		}
		return chunks.Put(chunkKey("rec1", 0), []byte("hello"))
	})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open after v2: %v", err)
	}
	defer s.Close()

	// Existing chunk data must be reachable through the rebuilt index.
	if err := s.Finalize("rec1", "video/webm", 2000, 11); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Read("rec1")
	if err != nil {
		t.Fatal(err)
	}
	if got := string(rec.Data); got != "hello-world" {
		t.Errorf("reassembled bytes after migration = %q, want %q", got, "hello-world")
	}
}

func TestOpen_unavailable(t *testing.T) {
	// A directory is not a valid database file.
	dir := t.TempDir()
	_, err := Open(dir, testLogger())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func countChunks(t *testing.T, s *Store, id string) int {
	t.Helper()
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketChunks).Cursor()
		prefix := []byte(id + "/")
		for k, _ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cur.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}
