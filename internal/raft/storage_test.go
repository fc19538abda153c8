package raft

import (
	"errors"
	"os"
	"testing"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

func mustStorage(t *testing.T, dir string) *engineStorage {
	t.Helper()
	ls := mustCreateLog(t, dir)
	s, err := newEngineStorage(ls)
	if err != nil {
		t.Fatalf("new engine storage: %v", err)
	}
	return s
}

func TestEngineStorage_SaveReadyPersistsAndReplays(t *testing.T) {
	dir := t.TempDir() + "/log"
	s := mustStorage(t, dir)

	rd := etcdraft.Ready{
		Entries:   []raftpb.Entry{mkEntry(1, 1), mkEntry(2, 1)},
		HardState: raftpb.HardState{Term: 1, Vote: 1, Commit: 2},
		MustSync:  true,
	}
	if err := s.SaveReady(rd); err != nil {
		t.Fatalf("save ready: %v", err)
	}
	if err := s.Log().Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ls, err := OpenLogStore(dir, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ls.Close()

	replayed, err := newEngineStorage(ls)
	if err != nil {
		t.Fatalf("rebuild storage: %v", err)
	}

	hs, _, err := replayed.RaftStorage().InitialState()
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	if hs.Term != 1 || hs.Commit != 2 {
		t.Errorf("hardstate = %+v, want term 1 commit 2", hs)
	}

	entries, err := replayed.RaftStorage().Entries(1, 3, noLimit)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("replayed %d entries into memory storage, want 2", len(entries))
	}
}

func TestEngineStorage_ConflictRollback(t *testing.T) {
	dir := t.TempDir() + "/log"
	s := mustStorage(t, dir)

	rd := etcdraft.Ready{
		Entries:  []raftpb.Entry{mkEntry(1, 1), mkEntry(2, 1), mkEntry(3, 1)},
		MustSync: true,
	}
	if err := s.SaveReady(rd); err != nil {
		t.Fatalf("save ready: %v", err)
	}

	// A new leader overwrites entries 2..3 at a higher term.
	conflict := etcdraft.Ready{
		Entries:  []raftpb.Entry{mkEntry(2, 2), mkEntry(3, 2)},
		MustSync: true,
	}
	if err := s.SaveReady(conflict); err != nil {
		t.Fatalf("save conflicting ready: %v", err)
	}

	if s.Log().EntryCount() != 3 || s.Log().LastIndex() != 3 {
		t.Fatalf("log window = count %d last %d, want 3/3",
			s.Log().EntryCount(), s.Log().LastIndex())
	}

	term, err := s.RaftStorage().Term(3)
	if err != nil {
		t.Fatalf("term(3): %v", err)
	}
	if term != 2 {
		t.Errorf("term(3) = %d, want 2", term)
	}

	// The rollback must also be durable.
	if err := s.Log().Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ls, err := OpenLogStore(dir, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ls.Close()
	replayed, err := newEngineStorage(ls)
	if err != nil {
		t.Fatalf("rebuild storage: %v", err)
	}
	term, err = replayed.RaftStorage().Term(2)
	if err != nil {
		t.Fatalf("term(2) after reopen: %v", err)
	}
	if term != 2 {
		t.Errorf("term(2) after reopen = %d, want 2", term)
	}
}

func TestEngineStorage_CompactTo(t *testing.T) {
	dir := t.TempDir() + "/log"
	s := mustStorage(t, dir)

	var entries []raftpb.Entry
	for i := uint64(1); i <= 6; i++ {
		entries = append(entries, mkEntry(i, 1))
	}
	rd := etcdraft.Ready{
		Entries:   entries,
		HardState: raftpb.HardState{Term: 1, Commit: 6},
		MustSync:  true,
	}
	if err := s.SaveReady(rd); err != nil {
		t.Fatalf("save ready: %v", err)
	}

	cs := raftpb.ConfState{Voters: []uint64{1}}
	if err := s.CompactTo(1, 4, cs, true); err != nil {
		t.Fatalf("compact: %v", err)
	}

	ls := s.Log()
	if ls.SnapshotIndex() != 4 {
		t.Errorf("snapshot index = %d, want 4", ls.SnapshotIndex())
	}
	if ls.EntryCount() != 2 || ls.FirstIndex() != 5 || ls.LastIndex() != 6 {
		t.Errorf("log window = count %d [%d, %d], want 2 [5, 6]",
			ls.EntryCount(), ls.FirstIndex(), ls.LastIndex())
	}
	if ls.HardState().Commit != 6 {
		t.Errorf("hardstate lost in compaction: %+v", ls.HardState())
	}
	ls.Close()
}

func TestEngineStorage_CompactToFailureKeepsLogUsable(t *testing.T) {
	dir := t.TempDir() + "/log"
	s := mustStorage(t, dir)
	defer s.Log().Close()

	var entries []raftpb.Entry
	for i := uint64(1); i <= 4; i++ {
		entries = append(entries, mkEntry(i, 1))
	}
	rd := etcdraft.Ready{
		Entries:   entries,
		HardState: raftpb.HardState{Term: 1, Commit: 4},
		MustSync:  true,
	}
	if err := s.SaveReady(rd); err != nil {
		t.Fatalf("save ready: %v", err)
	}

	renameDir = func(oldpath, newpath string) error {
		return errors.New("rename blocked")
	}
	defer func() { renameDir = os.Rename }()

	cs := raftpb.ConfState{Voters: []uint64{1}}
	err := s.CompactTo(1, 2, cs, true)
	if err == nil {
		t.Fatal("compact with failing rename succeeded")
	}
	if errors.Is(err, ErrLogCorrupt) {
		t.Fatalf("compact failure escalated to corruption: %v", err)
	}

	// The storage must keep persisting Ready output through the same log.
	renameDir = os.Rename
	next := etcdraft.Ready{
		Entries:   []raftpb.Entry{mkEntry(5, 1)},
		HardState: raftpb.HardState{Term: 1, Commit: 5},
		MustSync:  true,
	}
	if err := s.SaveReady(next); err != nil {
		t.Fatalf("save ready after failed compact: %v", err)
	}
	if s.Log().EntryCount() != 5 || s.Log().LastIndex() != 5 {
		t.Errorf("log window = count %d last %d, want 5/5",
			s.Log().EntryCount(), s.Log().LastIndex())
	}
}

func TestEngineStorage_CommittedEntriesAfter(t *testing.T) {
	s := mustStorage(t, t.TempDir()+"/log")
	defer s.Log().Close()

	rd := etcdraft.Ready{
		Entries:   []raftpb.Entry{mkEntry(1, 1), mkEntry(2, 1), mkEntry(3, 1)},
		HardState: raftpb.HardState{Term: 1, Commit: 2},
		MustSync:  true,
	}
	if err := s.SaveReady(rd); err != nil {
		t.Fatalf("save ready: %v", err)
	}

	entries, err := s.CommittedEntriesAfter(0)
	if err != nil {
		t.Fatalf("committed entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d committed entries, want 2 (entry 3 is uncommitted)", len(entries))
	}
	if entries[1].Index != 2 {
		t.Errorf("last committed = %d, want 2", entries[1].Index)
	}

	entries, err = s.CommittedEntriesAfter(2)
	if err != nil {
		t.Fatalf("committed entries after 2: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries after commit point, want 0", len(entries))
	}
}
