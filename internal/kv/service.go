package kv

import (
	"fmt"

	"quorumkv/internal/metrics"
	"quorumkv/internal/raft"
)

// Service binds the store to the replication engine: Apply and Fork run on
// the engine's processing goroutine, Get is served locally to any caller.
type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

func (s *Service) Get(key string) (string, bool) {
	metrics.StorageOperationsTotal.WithLabelValues("get").Inc()
	return s.store.Get(key)
}

// Apply executes one replicated command against the dataset.
func (s *Service) Apply(cmd []byte) ([]byte, error) {
	c, err := DecodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	metrics.StorageOperationsTotal.WithLabelValues(c.Op).Inc()

	switch c.Op {
	case OpSet:
		s.store.Set(c.Key, c.Value)
		return []byte("OK"), nil
	case OpDelete:
		if s.store.Delete(c.Key) {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	default:
		return nil, fmt.Errorf("apply: unknown op %q", c.Op)
	}
}

// Fork captures the dataset point-in-time; serialization happens later, off
// the processing goroutine.
func (s *Service) Fork() raft.ImageWriter {
	return &imageWriter{data: s.store.Clone()}
}

// LoadImage replaces the dataset from an on-disk image and returns the
// metadata embedded in it.
func (s *Service) LoadImage(path string) (*raft.SnapshotMeta, error) {
	data, meta, err := readImage(path)
	if err != nil {
		return nil, err
	}
	s.store.Replace(data)
	return meta, nil
}

type imageWriter struct {
	data map[string]string
}

func (w *imageWriter) WriteTo(path string, meta *raft.SnapshotMeta) error {
	return writeImage(path, w.data, meta)
}
