package raft

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
)

// ModuleState is the engine lifecycle: a node starts Uninitialized, becomes
// Up through cluster-init or by reopening an existing log, passes through
// Joining while a cluster-join is in flight, and Loading while installing a
// received snapshot.
type ModuleState int

const (
	StateUninitialized ModuleState = iota
	StateUp
	StateLoading
	StateJoining
)

func (s ModuleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateUp:
		return "up"
	case StateLoading:
		return "loading"
	case StateJoining:
		return "joining"
	default:
		return "unknown"
	}
}

// Config carries every knob the engine needs. Zero durations and counts fall
// back to defaults in withDefaults.
type Config struct {
	NodeID        uint64
	DataDir       string
	ListenAddr    string
	AdvertiseAddr NodeAddr

	Interval          time.Duration
	RequestTimeout    time.Duration
	ElectionTimeout   time.Duration
	ReconnectInterval time.Duration

	MaxLogEntries   uint64
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	LogNoSync       bool

	// test hooks
	resolver resolverFunc
	dialer   dialerFunc
}

func (c *Config) withDefaults() {
	if c.Interval == 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 250 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 100 * time.Millisecond
	}
	if c.MaxLogEntries == 0 {
		c.MaxLogEntries = 10000
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = 1 << 20
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = 256
	}
}

func (c *Config) validate() error {
	if c.NodeID == 0 {
		return fmt.Errorf("node id must be non-zero")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir must be set")
	}
	if c.AdvertiseAddr.IsZero() {
		return fmt.Errorf("advertise address must be set")
	}
	if c.ElectionTimeout <= c.RequestTimeout {
		return fmt.Errorf("election timeout %s must exceed request timeout %s",
			c.ElectionTimeout, c.RequestTimeout)
	}
	return nil
}

type confKey struct {
	typ    raftpb.ConfChangeType
	nodeID uint64
}

type joinState struct {
	addrs   []NodeAddr
	done    chan error
	pending bool
}

// Engine is the integration layer between the consensus core and the host
// dataset: one processing goroutine owns all mutable state below; host
// goroutines only ever touch the queue.
type Engine struct {
	cfg Config
	sm  StateMachine

	queue *requestQueue
	peers *peerManager
	snap  *snapshotEngine

	// Owned by the processing goroutine.
	state    ModuleState
	storage  *engineStorage
	node     etcdraft.Node
	readyCh  <-chan etcdraft.Ready
	meta     *SnapshotMeta
	leaderID uint64

	// Also read by transport handlers.
	dbid atomic.Pointer[string]

	appliedIndex uint64
	appliedTerm  uint64

	pending     map[string]*CommandRequest
	confWaiters map[confKey]chan error
	compactDone []chan error
	join        *joinState

	transport *grpc.Server
	listener  net.Listener

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewEngine(cfg Config, sm StateMachine) (*Engine, error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		sm:          sm,
		queue:       newRequestQueue(),
		snap:        newSnapshotEngine(),
		meta:        &SnapshotMeta{},
		pending:     make(map[string]*CommandRequest),
		confWaiters: make(map[confKey]chan error),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	e.peers = newPeerManager(cfg.NodeID, cfg.resolver, cfg.dialer)
	e.peers.onSendFailure = func(id uint64) {
		if n := e.node; n != nil {
			n.ReportUnreachable(id)
		}
	}
	return e, nil
}

// Start recovers any existing durable state, binds the peer transport, and
// launches the processing goroutine. A node with no prior log comes up
// Uninitialized and waits for cluster-init or cluster-join.
func (e *Engine) Start() error {
	if err := os.MkdirAll(e.cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	if _, err := os.Stat(e.logDir()); err == nil {
		if err := e.recover(); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat log dir: %w", err)
	}

	if e.cfg.ListenAddr != "" {
		srv, lis, err := serveTransport(e, e.cfg.ListenAddr)
		if err != nil {
			return err
		}
		e.transport = srv
		e.listener = lis
	}

	go e.run()
	return nil
}

// recover reopens the log store, reloads the newest dataset image, and
// replays committed entries above the image watermark before restarting the
// consensus node.
func (e *Engine) recover() error {
	ls, err := OpenLogStore(e.logDir(), e.cfg.LogNoSync)
	if err != nil {
		return fmt.Errorf("open log store: %w", err)
	}

	storage, err := newEngineStorage(ls)
	if err != nil {
		ls.Close()
		return err
	}
	e.storage = storage
	e.setDBID(ls.DBID())
	e.meta.DBID = ls.DBID()

	if _, err := os.Stat(e.imagePath()); err == nil {
		meta, err := e.sm.LoadImage(e.imagePath())
		if err != nil {
			return fmt.Errorf("load dataset image: %w", err)
		}
		if meta.DBID != e.DBID() {
			return fmt.Errorf("%w: image dbid %s does not match log dbid %s",
				ErrLogCorrupt, meta.DBID, e.DBID())
		}
		e.meta = meta
		e.appliedIndex = meta.LastAppliedIndex
		e.appliedTerm = meta.LastAppliedTerm
		slog.Info("loaded dataset image",
			"index", meta.LastAppliedIndex,
			"term", meta.LastAppliedTerm,
			"members", len(meta.Members),
		)
	}

	if e.appliedIndex < ls.SnapshotIndex() {
		return fmt.Errorf("%w: image watermark %d behind log snapshot %d",
			ErrLogCorrupt, e.appliedIndex, ls.SnapshotIndex())
	}

	entries, err := storage.CommittedEntriesAfter(e.appliedIndex)
	if err != nil {
		return err
	}
	for i := range entries {
		if err := e.applyRecovered(&entries[i]); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		slog.Info("replayed committed entries", "count", len(entries), "applied", e.appliedIndex)
	}

	e.seedPeers()

	node := etcdraft.RestartNode(e.raftConfig())
	e.node = node
	e.readyCh = node.Ready()
	e.state = StateUp
	return nil
}

// seedPeers registers every known member from snapshot metadata and conf
// state so the transport can reach them before the first conf change applies.
func (e *Engine) seedPeers() {
	for _, m := range e.meta.Members {
		if m.ID == e.cfg.NodeID {
			continue
		}
		if addr, err := ParseNodeAddr(m.Addr); err == nil {
			e.peers.Upsert(m.ID, addr)
		}
	}
}

func (e *Engine) raftConfig() *etcdraft.Config {
	heartbeat := int(e.cfg.RequestTimeout / e.cfg.Interval)
	if heartbeat < 1 {
		heartbeat = 1
	}
	election := int(e.cfg.ElectionTimeout / e.cfg.Interval)
	if election <= heartbeat {
		election = heartbeat + 1
	}
	return &etcdraft.Config{
		ID:              e.cfg.NodeID,
		ElectionTick:    election,
		HeartbeatTick:   heartbeat,
		Storage:         e.storage.RaftStorage(),
		Applied:         e.appliedIndex,
		MaxSizePerMsg:   e.cfg.MaxSizePerMsg,
		MaxInflightMsgs: e.cfg.MaxInflightMsgs,
		Logger:          newRaftLogger(),
	}
}

// Submit hands a request to the processing goroutine. Never blocks and never
// fails; the reply arrives on the request's own channel.
func (e *Engine) Submit(req Request) {
	e.queue.Push(req)
}

// Stop shuts the transport, drains the processing goroutine, and closes the
// log store.
func (e *Engine) Stop() error {
	close(e.stopCh)
	<-e.doneCh

	var err error
	if e.transport != nil {
		e.transport.GracefulStop()
	}
	e.peers.Close()
	if e.node != nil {
		e.node.Stop()
	}
	if e.storage != nil {
		err = multierr.Append(err, e.storage.Log().Close())
	}
	return err
}

func (e *Engine) DBID() string {
	if p := e.dbid.Load(); p != nil {
		return *p
	}
	return ""
}

func (e *Engine) setDBID(dbid string) {
	e.dbid.Store(&dbid)
}

func (e *Engine) logDir() string {
	return filepath.Join(e.cfg.DataDir, "log")
}

func (e *Engine) imagePath() string {
	return filepath.Join(e.cfg.DataDir, "image.db")
}

func (e *Engine) replyCompactWaiters(err error) {
	for _, ch := range e.compactDone {
		reply(ch, err)
	}
	e.compactDone = nil
}

// notLeaderErr builds the redirect error with the best-known leader.
func (e *Engine) notLeaderErr() error {
	if e.leaderID == 0 {
		return ErrNoLeader
	}
	return &NotLeaderError{
		LeaderID:   e.leaderID,
		LeaderAddr: e.meta.memberAddr(e.leaderID),
	}
}

// --- synchronous wrappers for host surfaces ---

func (e *Engine) awaitErr(ctx context.Context, done chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return ErrShuttingDown
	}
}

func (e *Engine) ClusterInit(ctx context.Context) error {
	done := make(chan error, 1)
	e.Submit(&ClusterInitRequest{Done: done})
	return e.awaitErr(ctx, done, e.cfg.RequestTimeout)
}

func (e *Engine) ClusterJoin(ctx context.Context, addrs *AddrList) error {
	done := make(chan error, 1)
	e.Submit(&ClusterJoinRequest{Addrs: addrs, Done: done})
	return e.awaitErr(ctx, done, 30*time.Second)
}

func (e *Engine) AddNode(ctx context.Context, id uint64, addr NodeAddr) error {
	done := make(chan error, 1)
	e.Submit(&AddNodeRequest{ID: id, Addr: addr, Done: done})
	return e.awaitErr(ctx, done, e.cfg.RequestTimeout)
}

func (e *Engine) RemoveNode(ctx context.Context, id uint64) error {
	done := make(chan error, 1)
	e.Submit(&RemoveNodeRequest{ID: id, Done: done})
	return e.awaitErr(ctx, done, e.cfg.RequestTimeout)
}

// Command replicates one serialized host command and returns its apply
// result. The wait spans replication, so the bound is looser than the
// request timeout.
func (e *Engine) Command(ctx context.Context, cmd []byte) ([]byte, error) {
	done := make(chan CommandReply, 1)
	e.Submit(&CommandRequest{Cmd: cmd, Done: done})

	timer := time.NewTimer(4 * e.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.Data, r.Err
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopCh:
		return nil, ErrShuttingDown
	}
}

func (e *Engine) Info(ctx context.Context) (InfoReply, error) {
	done := make(chan InfoReply, 1)
	e.Submit(&InfoRequest{Done: done})

	timer := time.NewTimer(e.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r, nil
	case <-timer.C:
		return InfoReply{}, context.DeadlineExceeded
	case <-ctx.Done():
		return InfoReply{}, ctx.Err()
	case <-e.stopCh:
		return InfoReply{}, ErrShuttingDown
	}
}

func (e *Engine) Compact(ctx context.Context) error {
	done := make(chan error, 1)
	e.Submit(&CompactRequest{Done: done})
	return e.awaitErr(ctx, done, 60*time.Second)
}
