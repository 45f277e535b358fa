package store

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// schemaVersion is the current on-disk layout version.
//
//	v1: single recordings bucket holding whole blobs (pre-chunking)
//	v2: chunked layout without the per-recording secondary index
//	v3: chunked layout with the chunks_by_recording index
const schemaVersion = 3

// migrate brings the database up to schemaVersion. Upgrading from the v1
// non-chunked layout drops the old recordings bucket entirely: no migration
// path exists for that jump and the data loss is accepted for that one
// transition only. Upgrading from v2 builds the secondary index from existing
// chunk keys without touching payloads.
func (s *Store) migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		schema, err := tx.CreateBucketIfNotExists(bucketSchema)
		if err != nil {
			return err
		}

		version := 0
		if raw := schema.Get(keyVersion); len(raw) == 8 {
			version = int(binary.BigEndian.Uint64(raw))
		}
		if version > schemaVersion {
			return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
		}

		if version > 0 && version < 2 {
			// Lossy jump from the non-chunked layout.
			s.log.Warn("dropping pre-chunked recordings; no migration path exists", "from_version", version)
			for _, name := range [][]byte{bucketRecordings, bucketChunks} {
				if tx.Bucket(name) != nil {
					if err := tx.DeleteBucket(name); err != nil {
						return err
					}
				}
			}
		}

		for _, name := range [][]byte{bucketRecordings, bucketChunks, bucketChunkIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		if version == 2 {
			if err := rebuildChunkIndexTx(tx); err != nil {
				return fmt.Errorf("rebuild chunk index: %w", err)
			}
		}

		if version != schemaVersion {
			s.log.Info("chunk store schema migrated", "from_version", version, "to_version", schemaVersion)
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], schemaVersion)
		return schema.Put(keyVersion, v[:])
	})
}

// rebuildChunkIndexTx scans the chunks bucket and repopulates the secondary
// index. Chunk keys are recordingId + '/' + 8-byte big-endian index.
func rebuildChunkIndexTx(tx *bolt.Tx) error {
	chunkIndex := tx.Bucket(bucketChunkIndex)
	return tx.Bucket(bucketChunks).ForEach(func(k, _ []byte) error {
		if len(k) < 10 || k[len(k)-9] != '/' {
			return nil // not a composite key; leave it alone
		}
		id := k[:len(k)-9]
		byRec, err := chunkIndex.CreateBucketIfNotExists(id)
		if err != nil {
			return err
		}
		return byRec.Put(k[len(k)-8:], nil)
	})
}
