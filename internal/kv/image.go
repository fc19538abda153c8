package kv

import (
	"encoding/json"
	"fmt"
	"os"

	bolt "go.etcd.io/bbolt"

	"quorumkv/internal/raft"
)

// The dataset image is a bbolt file with two buckets: the full key space and
// a single snapshot-metadata record. Writers always produce a fresh file; the
// snapshot engine renames it into place.
var (
	bucketData = []byte("data")
	bucketMeta = []byte("meta")
	keyMeta    = []byte("snapshot_meta")
)

func writeImage(path string, data map[string]string, meta *raft.SnapshotMeta) error {
	os.Remove(path)

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open image %s: %w", path, err)
	}
	defer db.Close()

	err = db.Update(func(tx *bolt.Tx) error {
		dataB, err := tx.CreateBucketIfNotExists(bucketData)
		if err != nil {
			return err
		}
		for k, v := range data {
			if err := dataB.Put([]byte(k), []byte(v)); err != nil {
				return err
			}
		}

		metaB, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return metaB.Put(keyMeta, metaJSON)
	})
	if err != nil {
		return fmt.Errorf("write image %s: %w", path, err)
	}

	if err := db.Sync(); err != nil {
		return fmt.Errorf("sync image %s: %w", path, err)
	}
	return nil
}

func readImage(path string) (map[string]string, *raft.SnapshotMeta, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("open image %s: %w", path, err)
	}
	defer db.Close()

	data := make(map[string]string)
	meta := &raft.SnapshotMeta{}

	err = db.View(func(tx *bolt.Tx) error {
		dataB := tx.Bucket(bucketData)
		if dataB != nil {
			if err := dataB.ForEach(func(k, v []byte) error {
				data[string(k)] = string(v)
				return nil
			}); err != nil {
				return err
			}
		}

		metaB := tx.Bucket(bucketMeta)
		if metaB == nil {
			return fmt.Errorf("image has no meta bucket")
		}
		metaJSON := metaB.Get(keyMeta)
		if metaJSON == nil {
			return fmt.Errorf("image has no snapshot metadata")
		}
		return json.Unmarshal(metaJSON, meta)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("read image %s: %w", path, err)
	}

	meta.Loaded = true
	return data, meta, nil
}
