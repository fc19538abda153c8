package raft

import (
	"errors"
	"fmt"
	"log/slog"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// engineStorage pairs the durable log store with the consensus core's
// in-memory storage. The log store is the source of truth; MemoryStorage is
// rebuilt from it on open and kept in lockstep on every Ready.
//
// Only the processing goroutine touches it, so there is no lock.
type engineStorage struct {
	ls *LogStore
	ms *etcdraft.MemoryStorage
}

// newEngineStorage replays the log store into a fresh MemoryStorage. The
// snapshot watermark becomes a metadata-only snapshot (the dataset image
// travels out of band), the hard state is restored, and surviving entries
// are re-appended.
func newEngineStorage(ls *LogStore) (*engineStorage, error) {
	s := &engineStorage{
		ls: ls,
		ms: etcdraft.NewMemoryStorage(),
	}

	var entries []raftpb.Entry
	err := ls.LoadEntries(func(action LogEntryAction, e *raftpb.Entry) error {
		switch action {
		case ActionAppend:
			entries = append(entries, *e)
		case ActionRemoveHead:
			if len(entries) == 0 {
				return fmt.Errorf("%w: remove-head replay on empty window", ErrLogCorrupt)
			}
			entries = entries[1:]
		case ActionRemoveTail:
			if len(entries) == 0 {
				return fmt.Errorf("%w: remove-tail replay on empty window", ErrLogCorrupt)
			}
			entries = entries[:len(entries)-1]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cs := ls.ConfState()
	if ls.SnapshotIndex() > 0 || len(cs.Voters) > 0 {
		bootstrap := raftpb.Snapshot{
			Metadata: raftpb.SnapshotMetadata{
				Index:     ls.SnapshotIndex(),
				Term:      ls.SnapshotTerm(),
				ConfState: cs,
			},
		}
		if err := s.ms.ApplySnapshot(bootstrap); err != nil &&
			!errors.Is(err, etcdraft.ErrSnapOutOfDate) {
			return nil, fmt.Errorf("apply watermark snapshot: %w", err)
		}
	}

	hs := ls.HardState()
	if !etcdraft.IsEmptyHardState(hs) {
		if err := s.ms.SetHardState(hs); err != nil {
			return nil, fmt.Errorf("set hardstate: %w", err)
		}
	}

	if len(entries) > 0 {
		if err := s.ms.Append(entries); err != nil {
			return nil, fmt.Errorf("append entries: %w", err)
		}
	}

	slog.Info("replayed log store",
		"dbid", ls.DBID(),
		"entries", len(entries),
		"snap_term", ls.SnapshotTerm(),
		"snap_index", ls.SnapshotIndex(),
		"hs_term", hs.Term,
		"hs_commit", hs.Commit,
		"voters", cs.Voters,
	)

	return s, nil
}

// SaveReady persists the Ready's entries and hard state. Entries that overlap
// the existing tail are a conflict rollback: the tail is removed entry by
// entry down to the divergence point, then the new entries are appended.
// Snapshot installation is handled by the engine before this runs.
func (s *engineStorage) SaveReady(rd etcdraft.Ready) error {
	if len(rd.Entries) > 0 {
		first := rd.Entries[0].Index
		for s.ls.EntryCount() > 0 && s.ls.LastIndex() >= first {
			if err := s.ls.RemoveTail(); err != nil {
				return err
			}
		}

		for i := range rd.Entries {
			if err := s.ls.Append(&rd.Entries[i]); err != nil {
				return err
			}
		}
		if err := s.ms.Append(rd.Entries); err != nil {
			return fmt.Errorf("MemoryStorage.Append: %w", err)
		}
	}

	if !etcdraft.IsEmptyHardState(rd.HardState) && !isHardStateEqual(s.ls.HardState(), rd.HardState) {
		if err := s.ls.SetHardState(rd.HardState); err != nil {
			return err
		}
		if err := s.ms.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("MemoryStorage.SetHardState: %w", err)
		}
	}

	if rd.MustSync {
		if err := s.ls.Sync(); err != nil {
			return err
		}
	}

	return nil
}

func (s *engineStorage) SaveConfState(cs raftpb.ConfState) error {
	if err := s.ls.SetConfState(cs); err != nil {
		return err
	}
	return s.ls.Sync()
}

// CompactTo snapshots the in-memory storage at index and rewrites the log
// store so entries at or below index are gone. Returns the replacement log
// store; the old one is closed.
func (s *engineStorage) CompactTo(term, index uint64, cs raftpb.ConfState, noSync bool) error {
	if _, err := s.ms.CreateSnapshot(index, &cs, nil); err != nil &&
		!errors.Is(err, etcdraft.ErrSnapOutOfDate) {
		return fmt.Errorf("MemoryStorage.CreateSnapshot: %w", err)
	}
	if err := s.ms.Compact(index); err != nil && !errors.Is(err, etcdraft.ErrCompacted) {
		return fmt.Errorf("MemoryStorage.Compact: %w", err)
	}

	tail, err := s.tailEntries(index)
	if err != nil {
		return err
	}

	ls, err := s.ls.Rewrite(term, index, tail, noSync)
	if err != nil {
		return err
	}
	s.ls = ls
	return nil
}

// InstallSnapshot resets both stores to a received snapshot's watermark,
// discarding the whole log. The dataset image itself is loaded by the engine.
func (s *engineStorage) InstallSnapshot(snap raftpb.Snapshot, noSync bool) error {
	if err := s.ms.ApplySnapshot(snap); err != nil &&
		!errors.Is(err, etcdraft.ErrSnapOutOfDate) {
		return fmt.Errorf("MemoryStorage.ApplySnapshot: %w", err)
	}

	ls, err := s.ls.Rewrite(snap.Metadata.Term, snap.Metadata.Index, nil, noSync)
	if err != nil {
		return err
	}
	s.ls = ls

	if err := s.ls.SetConfState(snap.Metadata.ConfState); err != nil {
		return err
	}
	return s.ls.Sync()
}

// tailEntries returns the retained entries strictly after the given index.
func (s *engineStorage) tailEntries(after uint64) ([]raftpb.Entry, error) {
	if s.ls.EntryCount() == 0 || s.ls.LastIndex() <= after {
		return nil, nil
	}
	lo := after + 1
	if first := s.ls.FirstIndex(); first > lo {
		lo = first
	}

	entries, err := s.ms.Entries(lo, s.ls.LastIndex()+1, noLimit)
	if err != nil {
		return nil, fmt.Errorf("MemoryStorage.Entries(%d, %d): %w", lo, s.ls.LastIndex()+1, err)
	}
	return entries, nil
}

// CommittedEntriesAfter returns committed entries above the given index, used
// on startup to re-apply the log to the dataset.
func (s *engineStorage) CommittedEntriesAfter(after uint64) ([]raftpb.Entry, error) {
	commit := s.ls.HardState().Commit
	if commit <= after || s.ls.EntryCount() == 0 {
		return nil, nil
	}
	lo := after + 1
	if first := s.ls.FirstIndex(); first > lo {
		lo = first
	}
	hi := commit
	if last := s.ls.LastIndex(); last < hi {
		hi = last
	}
	if hi < lo {
		return nil, nil
	}

	entries, err := s.ms.Entries(lo, hi+1, noLimit)
	if err != nil {
		return nil, fmt.Errorf("MemoryStorage.Entries(%d, %d): %w", lo, hi+1, err)
	}
	return entries, nil
}

func (s *engineStorage) RaftStorage() *etcdraft.MemoryStorage { return s.ms }
func (s *engineStorage) Log() *LogStore                       { return s.ls }

const noLimit = ^uint64(0)

func isHardStateEqual(a, b raftpb.HardState) bool {
	return a.Term == b.Term && a.Vote == b.Vote && a.Commit == b.Commit
}
