package raft

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testEngineConfig(dir string) Config {
	return Config{
		NodeID:            1,
		DataDir:           dir,
		AdvertiseAddr:     NodeAddr{Host: "127.0.0.1", Port: 17001},
		Interval:          10 * time.Millisecond,
		RequestTimeout:    100 * time.Millisecond,
		ElectionTimeout:   300 * time.Millisecond,
		ReconnectInterval: 20 * time.Millisecond,
		LogNoSync:         true,
	}
}

func startEngine(t *testing.T, dir string, sm StateMachine) *Engine {
	t.Helper()
	eng, err := NewEngine(testEngineConfig(dir), sm)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	return eng
}

// commandEventually retries until the single-node cluster elects itself.
func commandEventually(t *testing.T, eng *Engine, cmd []byte) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		data, err := eng.Command(ctx, cmd)
		cancel()
		if err == nil {
			return data
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("command never succeeded: %v", lastErr)
	return nil
}

func TestEngine_StartsUninitialized(t *testing.T) {
	sm := newFakeStateMachine()
	eng := startEngine(t, t.TempDir(), sm)
	defer eng.Stop()

	info, err := eng.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.State != "uninitialized" {
		t.Errorf("state = %q, want uninitialized", info.State)
	}

	_, err = eng.Command(context.Background(), []byte("x"))
	if !errors.Is(err, ErrUninitialized) {
		t.Errorf("command before init: got %v, want ErrUninitialized", err)
	}
}

func TestEngine_ClusterInitThenCommand(t *testing.T) {
	sm := newFakeStateMachine()
	eng := startEngine(t, t.TempDir(), sm)
	defer eng.Stop()

	if err := eng.ClusterInit(context.Background()); err != nil {
		t.Fatalf("cluster init: %v", err)
	}
	if err := eng.ClusterInit(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second init: got %v, want ErrAlreadyInitialized", err)
	}

	result := commandEventually(t, eng, []byte("hello"))
	if string(result) != "OK" {
		t.Errorf("command result = %q, want OK", result)
	}
	if string(sm.lastApplied()) != "hello" {
		t.Errorf("state machine applied %q, want hello", sm.lastApplied())
	}

	info, err := eng.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.State != "up" {
		t.Errorf("state = %q, want up", info.State)
	}
	if len(info.DBID) != dbidLen {
		t.Errorf("dbid = %q, want %d chars", info.DBID, dbidLen)
	}
	if info.LeaderID != 1 {
		t.Errorf("leader = %d, want 1", info.LeaderID)
	}
	if len(info.Members) != 1 || info.Members[0].ID != 1 {
		t.Errorf("members = %+v, want self only", info.Members)
	}
}

func TestEngine_RestartRecoversLogAndState(t *testing.T) {
	dir := t.TempDir()

	sm := newFakeStateMachine()
	eng := startEngine(t, dir, sm)
	if err := eng.ClusterInit(context.Background()); err != nil {
		t.Fatalf("cluster init: %v", err)
	}
	commandEventually(t, eng, []byte("one"))
	commandEventually(t, eng, []byte("two"))
	commandEventually(t, eng, []byte("three"))
	dbid := eng.DBID()
	if err := eng.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	sm2 := newFakeStateMachine()
	eng2 := startEngine(t, dir, sm2)
	defer eng2.Stop()

	if eng2.DBID() != dbid {
		t.Errorf("dbid after restart = %q, want %q", eng2.DBID(), dbid)
	}
	if sm2.appliedCount() != 3 {
		t.Errorf("recovery replayed %d commands, want 3", sm2.appliedCount())
	}
	if string(sm2.lastApplied()) != "three" {
		t.Errorf("last recovered command = %q, want three", sm2.lastApplied())
	}

	info, err := eng2.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.State != "up" {
		t.Errorf("state after restart = %q, want up", info.State)
	}

	// The recovered node must still accept writes.
	commandEventually(t, eng2, []byte("four"))
	if string(sm2.lastApplied()) != "four" {
		t.Errorf("post-restart command not applied")
	}
}

func TestEngine_JoinRejectedWhenInitialized(t *testing.T) {
	sm := newFakeStateMachine()
	eng := startEngine(t, t.TempDir(), sm)
	defer eng.Stop()

	if err := eng.ClusterInit(context.Background()); err != nil {
		t.Fatalf("cluster init: %v", err)
	}

	addrs, _ := ParseAddrList([]string{"127.0.0.1:19999"})
	err := eng.ClusterJoin(context.Background(), addrs)
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("join after init: got %v, want ErrAlreadyInitialized", err)
	}
}

func TestEngine_CompactForcesSnapshot(t *testing.T) {
	sm := newFakeStateMachine()
	eng := startEngine(t, t.TempDir(), sm)
	defer eng.Stop()

	if err := eng.ClusterInit(context.Background()); err != nil {
		t.Fatalf("cluster init: %v", err)
	}
	commandEventually(t, eng, []byte("payload"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Compact(ctx); err != nil {
		t.Fatalf("compact: %v", err)
	}

	info, err := eng.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.SnapshotIndex == 0 {
		t.Error("compaction left the snapshot watermark at zero")
	}
	if info.SnapshotIndex != info.AppliedIndex {
		t.Errorf("snapshot index %d != applied index %d", info.SnapshotIndex, info.AppliedIndex)
	}
}
