package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"quorumkv/internal/metrics"
)

// handle dispatches one request. Deferred requests (commands, membership
// changes) register a waiter and reply later from the apply path; everything
// else replies before returning.
func (e *Engine) handle(req Request) {
	start := time.Now()
	metrics.RequestsTotal.WithLabelValues(req.name(), "received").Inc()

	switch r := req.(type) {
	case *ClusterInitRequest:
		reply(r.Done, e.handleClusterInit())
	case *ClusterJoinRequest:
		e.handleClusterJoin(r)
	case *AddNodeRequest:
		e.handleAddNode(r)
	case *RemoveNodeRequest:
		e.handleRemoveNode(r)
	case *AppendEntriesRequest:
		reply(r.Done, e.stepMessage(r.Msg))
	case *RequestVoteRequest:
		reply(r.Done, e.stepMessage(r.Msg))
	case *CommandRequest:
		e.handleCommand(r)
	case *InfoRequest:
		reply(r.Done, e.buildInfo())
	case *LoadSnapshotRequest:
		reply(r.Done, e.handleLoadSnapshot(r))
	case *CompactRequest:
		e.handleCompact(r)
	case *joinOutcome:
		e.handleJoinOutcome(r)
	default:
		slog.Error("unknown request type", "type", fmt.Sprintf("%T", req))
	}

	metrics.RequestDuration.WithLabelValues(req.name()).Observe(time.Since(start).Seconds())
}

// failRequest answers a request with an error without handling it.
func (e *Engine) failRequest(req Request, err error) {
	switch r := req.(type) {
	case *ClusterInitRequest:
		reply(r.Done, err)
	case *ClusterJoinRequest:
		reply(r.Done, err)
	case *AddNodeRequest:
		reply(r.Done, err)
	case *RemoveNodeRequest:
		reply(r.Done, err)
	case *AppendEntriesRequest:
		reply(r.Done, err)
	case *RequestVoteRequest:
		reply(r.Done, err)
	case *CommandRequest:
		reply(r.Done, CommandReply{Err: err})
	case *InfoRequest:
		reply(r.Done, InfoReply{State: e.state.String()})
	case *LoadSnapshotRequest:
		reply(r.Done, err)
	case *CompactRequest:
		reply(r.Done, err)
	}
}

// handleClusterInit bootstraps a brand-new single-node cluster: fresh dbid,
// fresh log store, consensus node started with this node as the only voter.
func (e *Engine) handleClusterInit() error {
	if e.state != StateUninitialized || e.storage != nil {
		return ErrAlreadyInitialized
	}

	dbid := strings.ReplaceAll(uuid.NewString(), "-", "")

	ls, err := CreateLogStore(e.logDir(), dbid, 0, 0, e.cfg.LogNoSync)
	if err != nil {
		return fmt.Errorf("create log store: %w", err)
	}
	storage, err := newEngineStorage(ls)
	if err != nil {
		ls.Close()
		return err
	}

	e.storage = storage
	e.setDBID(dbid)
	e.meta.DBID = dbid

	cctx, err := json.Marshal(confChangeContext{
		Host: e.cfg.AdvertiseAddr.Host,
		Port: e.cfg.AdvertiseAddr.Port,
	})
	if err != nil {
		return fmt.Errorf("marshal self context: %w", err)
	}

	node := etcdraft.StartNode(e.raftConfig(), []etcdraft.Peer{
		{ID: e.cfg.NodeID, Context: cctx},
	})
	e.node = node
	e.readyCh = node.Ready()
	e.state = StateUp

	slog.Info("cluster initialized", "dbid", dbid, "node", e.cfg.NodeID)
	return nil
}

// handleClusterJoin kicks off the background join loop: attempts rotate
// through the candidate addresses (following leader redirects) until a member
// admits this node, then the outcome comes back through the queue.
func (e *Engine) handleClusterJoin(r *ClusterJoinRequest) {
	if e.state != StateUninitialized || e.storage != nil {
		reply(r.Done, ErrAlreadyInitialized)
		return
	}
	if e.join != nil && e.join.pending {
		reply(r.Done, fmt.Errorf("join already in progress"))
		return
	}
	if r.Addrs == nil || r.Addrs.Len() == 0 {
		reply(r.Done, fmt.Errorf("join requires at least one address"))
		return
	}

	e.join = &joinState{addrs: r.Addrs.All(), done: r.Done, pending: true}
	e.state = StateJoining

	go e.joinLoop(r.Addrs.All())
}

// joinLoop runs off the processing goroutine. It only ever reports back by
// submitting a joinOutcome.
func (e *Engine) joinLoop(addrs []NodeAddr) {
	req := &joinRequest{
		NodeID: e.cfg.NodeID,
		Host:   e.cfg.AdvertiseAddr.Host,
		Port:   e.cfg.AdvertiseAddr.Port,
	}
	candidates := &AddrList{}
	for _, a := range addrs {
		candidates.Add(a)
	}

	for i := 0; ; i++ {
		select {
		case <-e.stopCh:
			return
		default:
		}

		all := candidates.All()
		addr := all[i%len(all)]

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := requestJoin(ctx, addr, req)
		cancel()

		if err != nil {
			slog.Warn("join attempt failed", "addr", addr.String(), "error", err)
		} else if resp.DBID != "" {
			e.Submit(&joinOutcome{resp: resp})
			return
		} else if !resp.leaderAddr().IsZero() {
			// Redirected; put the leader into the rotation.
			candidates.Add(resp.leaderAddr())
			slog.Info("join redirected to leader", "addr", resp.leaderAddr().String())
		}

		timer := time.NewTimer(joinRetryDelay)
		select {
		case <-e.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// handleJoinOutcome finishes a successful join: a log store is created under
// the cluster's dbid and the consensus node restarts empty, to be caught up
// by the leader. The node stays Joining until its own membership entry
// applies.
func (e *Engine) handleJoinOutcome(r *joinOutcome) {
	if e.join == nil || !e.join.pending {
		return
	}
	join := e.join
	join.pending = false

	if r.err != nil {
		e.state = StateUninitialized
		reply(join.done, r.err)
		return
	}
	if len(r.resp.DBID) != dbidLen {
		e.state = StateUninitialized
		reply(join.done, fmt.Errorf("join response carried invalid dbid %q", r.resp.DBID))
		return
	}

	ls, err := CreateLogStore(e.logDir(), r.resp.DBID, 0, 0, e.cfg.LogNoSync)
	if err != nil {
		e.state = StateUninitialized
		reply(join.done, fmt.Errorf("create log store: %w", err))
		return
	}
	storage, err := newEngineStorage(ls)
	if err != nil {
		ls.Close()
		e.state = StateUninitialized
		reply(join.done, err)
		return
	}

	e.storage = storage
	e.setDBID(r.resp.DBID)
	e.meta.DBID = r.resp.DBID

	node := etcdraft.RestartNode(e.raftConfig())
	e.node = node
	e.readyCh = node.Ready()

	slog.Info("joined cluster", "dbid", e.DBID(), "node", e.cfg.NodeID)
	reply(join.done, nil)
}

func (e *Engine) handleAddNode(r *AddNodeRequest) {
	if err := e.requireLeader(); err != nil {
		reply(r.Done, err)
		return
	}
	if r.ID == 0 || r.Addr.IsZero() {
		reply(r.Done, fmt.Errorf("add node requires id and address"))
		return
	}

	cctx, err := json.Marshal(confChangeContext{Host: r.Addr.Host, Port: r.Addr.Port})
	if err != nil {
		reply(r.Done, fmt.Errorf("marshal node context: %w", err))
		return
	}

	e.proposeConfChange(raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  r.ID,
		Context: cctx,
	}, r.Done)
}

func (e *Engine) handleRemoveNode(r *RemoveNodeRequest) {
	if err := e.requireLeader(); err != nil {
		reply(r.Done, err)
		return
	}
	if e.meta.memberAddr(r.ID) == "" && r.ID != e.cfg.NodeID {
		reply(r.Done, fmt.Errorf("unknown node %d", r.ID))
		return
	}

	e.proposeConfChange(raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: r.ID,
	}, r.Done)
}

// proposeConfChange submits the change and parks the reply channel until the
// change applies. One change per (type, node) at a time.
func (e *Engine) proposeConfChange(cc raftpb.ConfChange, done chan error) {
	key := confKey{typ: cc.Type, nodeID: cc.NodeID}
	if _, busy := e.confWaiters[key]; busy {
		reply(done, fmt.Errorf("membership change for node %d already in flight", cc.NodeID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if err := e.node.ProposeConfChange(ctx, cc); err != nil {
		reply(done, fmt.Errorf("propose conf change: %w", err))
		return
	}
	e.confWaiters[key] = done
}

// stepMessage feeds one peer message into the consensus core.
func (e *Engine) stepMessage(msg raftpb.Message) error {
	if e.node == nil {
		return ErrUninitialized
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if err := e.node.Step(ctx, msg); err != nil {
		return fmt.Errorf("step %s from %d: %w", msg.Type.String(), msg.From, err)
	}
	return nil
}

// handleCommand proposes a host command for replication. The reply is parked
// in the pending registry and delivered when the entry applies; leadership
// loss fails it with a redirect.
func (e *Engine) handleCommand(r *CommandRequest) {
	if err := e.requireLeader(); err != nil {
		reply(r.Done, CommandReply{Err: err})
		return
	}

	env := commandEnvelope{ID: uuid.NewString(), Cmd: r.Cmd}
	data, err := json.Marshal(&env)
	if err != nil {
		reply(r.Done, CommandReply{Err: fmt.Errorf("marshal command envelope: %w", err)})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if err := e.node.Propose(ctx, data); err != nil {
		reply(r.Done, CommandReply{Err: fmt.Errorf("propose: %w", err)})
		return
	}

	e.pending[env.ID] = r
}

func (e *Engine) requireLeader() error {
	if e.node == nil || e.state != StateUp {
		return ErrUninitialized
	}
	if e.node.Status().RaftState != etcdraft.StateLeader {
		return e.notLeaderErr()
	}
	return nil
}

func (e *Engine) buildInfo() InfoReply {
	info := InfoReply{
		NodeID: e.cfg.NodeID,
		State:  e.state.String(),
		DBID:   e.DBID(),
	}

	if e.node != nil {
		st := e.node.Status()
		info.Term = st.Term
		info.LeaderID = st.Lead
		info.LeaderAddr = e.meta.memberAddr(st.Lead)
	}
	if e.storage != nil {
		ls := e.storage.Log()
		info.LogEntries = ls.EntryCount()
		info.FirstIndex = ls.FirstIndex()
		info.LastIndex = ls.LastIndex()
		info.SnapshotTerm = ls.SnapshotTerm()
		info.SnapshotIndex = ls.SnapshotIndex()
	}
	info.AppliedIndex = e.appliedIndex
	info.Members = e.meta.Clone().Members
	return info
}

// handleLoadSnapshot installs a leader-pushed snapshot: load the image into
// the dataset first, then step the MsgSnap so the consensus core accepts the
// new watermark through its Ready.
func (e *Engine) handleLoadSnapshot(r *LoadSnapshotRequest) error {
	if e.node == nil || e.storage == nil {
		return ErrUninitialized
	}

	snapIdx := r.Msg.Snapshot.Metadata.Index
	if snapIdx <= e.appliedIndex {
		// Stale push; still step the message so the sender is answered.
		slog.Info("ignoring stale snapshot", "index", snapIdx, "applied", e.appliedIndex)
		return e.stepMessage(r.Msg)
	}

	e.state = StateLoading
	meta, err := e.sm.LoadImage(r.ImagePath)
	if err != nil {
		e.state = StateUp
		return fmt.Errorf("load snapshot image: %w", err)
	}
	if meta.DBID != e.DBID() {
		e.state = StateUp
		return fmt.Errorf("snapshot dbid %s does not match local %s", meta.DBID, e.DBID())
	}

	e.meta = meta

	if err := e.stepMessage(r.Msg); err != nil {
		e.state = StateUp
		return err
	}
	return nil
}

// handleCompact forces a snapshot. Waiters pile onto the running snapshot if
// one is already in flight.
func (e *Engine) handleCompact(r *CompactRequest) {
	if e.storage == nil || e.state != StateUp {
		reply(r.Done, ErrUninitialized)
		return
	}

	if e.snap.InProgress() {
		e.compactDone = append(e.compactDone, r.Done)
		return
	}

	if err := e.startSnapshot(); err != nil {
		reply(r.Done, err)
		return
	}
	e.compactDone = append(e.compactDone, r.Done)
}
