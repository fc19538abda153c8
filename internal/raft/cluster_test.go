package raft

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func startClusterNode(t *testing.T, id uint64, port uint16) (*Engine, *fakeStateMachine) {
	t.Helper()
	sm := newFakeStateMachine()
	cfg := testEngineConfig(t.TempDir())
	cfg.NodeID = id
	cfg.ListenAddr = fmt.Sprintf("127.0.0.1:%d", port)
	cfg.AdvertiseAddr = NodeAddr{Host: "127.0.0.1", Port: port}

	eng, err := NewEngine(cfg, sm)
	if err != nil {
		t.Fatalf("new engine %d: %v", id, err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("start engine %d: %v", id, err)
	}
	t.Cleanup(func() { eng.Stop() })
	return eng, sm
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCluster_JoinAndReplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("two-node cluster test")
	}

	e1, sm1 := startClusterNode(t, 1, 21731)
	e2, sm2 := startClusterNode(t, 2, 21732)

	if err := e1.ClusterInit(context.Background()); err != nil {
		t.Fatalf("cluster init: %v", err)
	}
	commandEventually(t, e1, []byte("seed"))

	addrs, err := ParseAddrList([]string{"127.0.0.1:21731"})
	if err != nil {
		t.Fatalf("parse addrs: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e2.ClusterJoin(ctx, addrs); err != nil {
		t.Fatalf("cluster join: %v", err)
	}

	if e2.DBID() != e1.DBID() {
		t.Errorf("joiner dbid = %q, want cluster dbid %q", e2.DBID(), e1.DBID())
	}

	// The joiner catches up from the leader's log, including the command
	// replicated before it joined, and leaves the joining state once its own
	// membership entry applies.
	waitFor(t, 10*time.Second, "joiner to come up", func() bool {
		info, err := e2.Info(context.Background())
		return err == nil && info.State == "up"
	})
	waitFor(t, 10*time.Second, "pre-join command to replicate", func() bool {
		return string(sm2.lastApplied()) == "seed"
	})

	// A write on the leader reaches both state machines.
	commandEventually(t, e1, []byte("after-join"))
	waitFor(t, 10*time.Second, "post-join command to replicate", func() bool {
		return string(sm2.lastApplied()) == "after-join"
	})
	if string(sm1.lastApplied()) != "after-join" {
		t.Errorf("leader applied %q, want after-join", sm1.lastApplied())
	}

	// Both nodes agree on the two-member view.
	info, err := e1.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info.Members) != 2 {
		t.Fatalf("leader sees %d members, want 2", len(info.Members))
	}
	waitFor(t, 5*time.Second, "joiner membership view", func() bool {
		info, err := e2.Info(context.Background())
		return err == nil && len(info.Members) == 2
	})
}

// A joiner whose position the leader has already compacted away cannot be
// caught up entry by entry; it must receive the full dataset image stream.
func TestCluster_LaggingJoinerCatchesUpViaImage(t *testing.T) {
	if testing.Short() {
		t.Skip("two-node cluster test")
	}

	e1, sm1 := startClusterNode(t, 1, 21751)

	if err := e1.ClusterInit(context.Background()); err != nil {
		t.Fatalf("cluster init: %v", err)
	}
	for i := 0; i < 5; i++ {
		commandEventually(t, e1, []byte(fmt.Sprintf("cmd-%d", i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := e1.Compact(ctx)
	cancel()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	info, err := e1.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.SnapshotIndex == 0 {
		t.Fatal("compaction left the snapshot watermark at zero")
	}

	e2, sm2 := startClusterNode(t, 2, 21752)
	addrs, err := ParseAddrList([]string{"127.0.0.1:21751"})
	if err != nil {
		t.Fatalf("parse addrs: %v", err)
	}
	jctx, jcancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer jcancel()
	if err := e2.ClusterJoin(jctx, addrs); err != nil {
		t.Fatalf("cluster join: %v", err)
	}

	waitFor(t, 15*time.Second, "joiner to come up", func() bool {
		info, err := e2.Info(context.Background())
		return err == nil && info.State == "up"
	})

	// The pre-compaction commands are gone from the log, so they can only
	// have arrived through the image.
	waitFor(t, 15*time.Second, "image contents to land on the joiner", func() bool {
		return sm2.hasApplied([]byte("cmd-0")) && sm2.hasApplied([]byte("cmd-4"))
	})
	waitFor(t, 10*time.Second, "joiner snapshot watermark", func() bool {
		info, err := e2.Info(context.Background())
		return err == nil && info.SnapshotIndex > 0
	})

	// Normal replication resumes after the install.
	commandEventually(t, e1, []byte("after-image"))
	waitFor(t, 10*time.Second, "post-install replication", func() bool {
		return string(sm2.lastApplied()) == "after-image"
	})
	if !sm1.hasApplied([]byte("after-image")) {
		t.Error("leader did not apply the post-install command")
	}
}

func TestCluster_WriteOnFollowerRedirects(t *testing.T) {
	if testing.Short() {
		t.Skip("two-node cluster test")
	}

	e1, _ := startClusterNode(t, 1, 21741)
	e2, _ := startClusterNode(t, 2, 21742)

	if err := e1.ClusterInit(context.Background()); err != nil {
		t.Fatalf("cluster init: %v", err)
	}
	commandEventually(t, e1, []byte("seed"))

	addrs, _ := ParseAddrList([]string{"127.0.0.1:21741"})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e2.ClusterJoin(ctx, addrs); err != nil {
		t.Fatalf("cluster join: %v", err)
	}
	waitFor(t, 10*time.Second, "joiner to come up", func() bool {
		info, err := e2.Info(context.Background())
		return err == nil && info.State == "up"
	})

	// The follower rejects writes with a leader hint.
	waitFor(t, 10*time.Second, "follower to learn the leader", func() bool {
		_, err := e2.Command(context.Background(), []byte("nope"))
		var nle *NotLeaderError
		if !errors.As(err, &nle) {
			return false
		}
		return nle.LeaderID == 1 && nle.LeaderAddr == "127.0.0.1:21741"
	})
}
