package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"quorumkv/internal/kv"
	"quorumkv/internal/raft"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	store := kv.NewStore()
	svc := kv.NewService(store)

	eng, err := raft.NewEngine(raft.Config{
		NodeID:          1,
		DataDir:         t.TempDir(),
		AdvertiseAddr:   raft.NodeAddr{Host: "127.0.0.1", Port: 17101},
		Interval:        10 * time.Millisecond,
		RequestTimeout:  100 * time.Millisecond,
		ElectionTimeout: 300 * time.Millisecond,
		LogNoSync:       true,
	}, svc)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })

	return New(eng, svc)
}

func initCluster(t *testing.T, s *Server) {
	t.Helper()
	if _, err := s.clusterInit(context.Background(), nil); err != nil {
		t.Fatalf("cluster init: %v", err)
	}
}

// setEventually retries until the single node elects itself leader.
func setEventually(t *testing.T, s *Server, key, value string) {
	t.Helper()
	req, _ := json.Marshal(kvRequest{Key: key, Value: value})
	deadline := time.Now().Add(5 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, lastErr = s.set(ctx, req)
		cancel()
		if lastErr == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("set never succeeded: %v", lastErr)
}

func TestServer_SetGetDelete(t *testing.T) {
	s := startTestServer(t)
	initCluster(t, s)
	setEventually(t, s, "name", "quorum")

	req, _ := json.Marshal(kvRequest{Key: "name"})
	out, err := s.get(context.Background(), req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp := out.(*kvResponse)
	if !resp.Found || resp.Value != "quorum" {
		t.Errorf("get = %+v, want found quorum", resp)
	}

	out, err = s.del(context.Background(), req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if out.(*kvResponse).Result != "1" {
		t.Errorf("delete result = %q, want 1", out.(*kvResponse).Result)
	}

	out, err = s.get(context.Background(), req)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if out.(*kvResponse).Found {
		t.Error("key survived delete")
	}
}

func TestServer_GetValidatesKey(t *testing.T) {
	s := startTestServer(t)

	_, err := s.get(context.Background(), []byte(`{}`))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("get without key: code %v, want InvalidArgument", status.Code(err))
	}
	_, err = s.get(context.Background(), []byte(`not json`))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("bad json: code %v, want InvalidArgument", status.Code(err))
	}
}

func TestServer_WriteBeforeInitFails(t *testing.T) {
	s := startTestServer(t)

	req, _ := json.Marshal(kvRequest{Key: "k", Value: "v"})
	_, err := s.set(context.Background(), req)
	if err == nil {
		t.Fatal("set on uninitialized node should fail")
	}
	if status.Code(toStatusErr(err)) != codes.FailedPrecondition {
		t.Errorf("code = %v, want FailedPrecondition", status.Code(toStatusErr(err)))
	}
}

func TestServer_Info(t *testing.T) {
	s := startTestServer(t)
	initCluster(t, s)
	setEventually(t, s, "k", "v")

	out, err := s.info(context.Background(), nil)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	info := out.(*raft.InfoReply)
	if info.State != "up" || info.NodeID != 1 {
		t.Errorf("info = %+v", info)
	}
}

func TestToStatusErr(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{raft.ErrNotLeader, codes.FailedPrecondition},
		{raft.ErrUninitialized, codes.FailedPrecondition},
		{raft.ErrShuttingDown, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, c := range cases {
		if got := status.Code(toStatusErr(c.err)); got != c.code {
			t.Errorf("toStatusErr(%v) = %v, want %v", c.err, got, c.code)
		}
	}
	if toStatusErr(nil) != nil {
		t.Error("nil error must stay nil")
	}
}
