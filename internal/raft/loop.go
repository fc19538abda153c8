package raft

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"quorumkv/internal/metrics"
)

// commandEnvelope is the replicated form of a host command: the id lets the
// proposing node match the applied entry back to the waiting caller.
type commandEnvelope struct {
	ID  string `json:"id"`
	Cmd []byte `json:"cmd"`
}

// confChangeContext rides inside AddNode conf changes so every member learns
// the new node's address from the log itself.
type confChangeContext struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// run is the processing goroutine: the only place engine state mutates.
// Requests are drained in whole batches and each is handled to completion
// before the next; the consensus Ready loop shares the same goroutine.
func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	reconnectEvery := int(e.cfg.ReconnectInterval / e.cfg.Interval)
	if reconnectEvery < 1 {
		reconnectEvery = 1
	}
	tickCount := 0

	for {
		select {
		case <-e.stopCh:
			e.shutdown()
			return

		case <-e.queue.signal:
			for _, req := range e.queue.Drain() {
				e.handle(req)
			}

		case <-ticker.C:
			tickCount++
			e.tick(tickCount%reconnectEvery == 0)

		case rd := <-e.readyCh:
			e.processReady(rd)
		}
	}
}

// shutdown fails everything still in flight so no caller blocks forever.
func (e *Engine) shutdown() {
	for _, req := range e.queue.Drain() {
		e.failRequest(req, ErrShuttingDown)
	}
	e.failPending(ErrShuttingDown)
	e.replyCompactWaiters(ErrShuttingDown)
	if e.join != nil && e.join.pending {
		reply(e.join.done, ErrShuttingDown)
		e.join = nil
	}
}

func (e *Engine) tick(reconnect bool) {
	if e.node != nil {
		e.node.Tick()
	}
	if reconnect {
		e.peers.ConnectIdle()
	}

	now := time.Now()
	e.checkSnapshotTransfers(now)

	if res := e.snap.Poll(); res != nil {
		e.finalizeSnapshot(res)
	}
	e.maybeTriggerSnapshot()
}

// processReady persists, transmits, and applies one Ready, in the order the
// consensus core requires: stable storage first, then messages, then applies,
// then Advance.
func (e *Engine) processReady(rd etcdraft.Ready) {
	if rd.SoftState != nil {
		e.observeSoftState(rd.SoftState)
	}

	if !etcdraft.IsEmptySnap(rd.Snapshot) {
		e.installReceivedSnapshot(rd.Snapshot)
	}

	if err := e.storage.SaveReady(rd); err != nil {
		// Losing the durable log mid-flight is not survivable.
		slog.Error("persist ready failed", "error", err)
		panic(err)
	}

	if !etcdraft.IsEmptyHardState(rd.HardState) {
		metrics.RaftTerm.Set(float64(rd.HardState.Term))
		metrics.RaftCommitIndex.Set(float64(rd.HardState.Commit))
	}

	e.sendMessages(rd.Messages)

	for i := range rd.CommittedEntries {
		e.applyEntry(&rd.CommittedEntries[i])
	}

	e.node.Advance()
}

func (e *Engine) observeSoftState(ss *etcdraft.SoftState) {
	wasLeader := e.leaderID == e.cfg.NodeID
	e.leaderID = ss.Lead

	isLeader := ss.RaftState == etcdraft.StateLeader
	if isLeader {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}

	if wasLeader && !isLeader {
		// Pending proposals can no longer be resolved here; callers must
		// retry against the new leader.
		e.failPending(e.notLeaderErr())
	}
}

// installReceivedSnapshot lands a leader-pushed snapshot: the dataset image
// was already loaded by the load-snapshot handler; here the log store resets
// to the snapshot watermark and membership is re-seeded.
func (e *Engine) installReceivedSnapshot(snap raftpb.Snapshot) {
	if err := e.storage.InstallSnapshot(snap, e.cfg.LogNoSync); err != nil {
		slog.Error("install snapshot failed", "index", snap.Metadata.Index, "error", err)
		panic(err)
	}

	e.appliedIndex = snap.Metadata.Index
	e.appliedTerm = snap.Metadata.Term
	if e.meta.LastAppliedIndex != snap.Metadata.Index {
		slog.Warn("image watermark differs from snapshot message",
			"image_index", e.meta.LastAppliedIndex,
			"snapshot_index", snap.Metadata.Index,
		)
		e.meta.LastAppliedIndex = snap.Metadata.Index
		e.meta.LastAppliedTerm = snap.Metadata.Term
	}
	e.seedPeers()
	e.state = StateUp

	metrics.RaftSnapshotIndex.Set(float64(snap.Metadata.Index))
	slog.Info("installed snapshot", "index", snap.Metadata.Index, "term", snap.Metadata.Term)
}

// sendMessages routes outbound consensus traffic. Snapshot messages divert to
// the out-of-band image stream; everything else goes over the Step RPC from a
// short-lived goroutine so a slow peer never stalls the loop.
func (e *Engine) sendMessages(msgs []raftpb.Message) {
	for i := range msgs {
		m := msgs[i]
		if m.To == 0 || m.To == e.cfg.NodeID {
			continue
		}

		if m.Type == raftpb.MsgSnap {
			e.sendSnapshot(m)
			continue
		}

		conn, err := e.peers.Conn(m.To)
		if err != nil {
			e.node.ReportUnreachable(m.To)
			continue
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := sendRaftMessage(ctx, conn, &m); err != nil {
				slog.Debug("send raft message failed", "to", m.To, "type", m.Type.String(), "error", err)
				e.peers.SendFailed(m.To)
			}
		}()
	}
}

// applyEntry feeds one committed entry to the dataset (or membership) and
// answers the waiting proposer when this node originated it.
func (e *Engine) applyEntry(ent *raftpb.Entry) {
	switch ent.Type {
	case raftpb.EntryNormal:
		if len(ent.Data) > 0 {
			var env commandEnvelope
			if err := json.Unmarshal(ent.Data, &env); err != nil {
				slog.Error("undecodable command entry", "index", ent.Index, "error", err)
			} else {
				data, err := e.sm.Apply(env.Cmd)
				if req, ok := e.pending[env.ID]; ok {
					delete(e.pending, env.ID)
					reply(req.Done, CommandReply{Data: data, Err: err})
					status := "ok"
					if err != nil {
						status = "error"
					}
					metrics.RequestsTotal.WithLabelValues(req.name(), status).Inc()
				}
			}
		}

	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(ent.Data); err != nil {
			slog.Error("undecodable conf change", "index", ent.Index, "error", err)
			break
		}
		e.applyConfChange(cc)
	}

	e.appliedIndex = ent.Index
	e.appliedTerm = ent.Term
	e.meta.LastAppliedIndex = ent.Index
	e.meta.LastAppliedTerm = ent.Term
	metrics.RaftAppliedIndex.Set(float64(ent.Index))
}

func (e *Engine) applyConfChange(cc raftpb.ConfChange) {
	cs := e.node.ApplyConfChange(cc)
	if err := e.storage.SaveConfState(*cs); err != nil {
		slog.Error("persist conf state failed", "error", err)
		panic(err)
	}

	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		var cctx confChangeContext
		addr := ""
		if len(cc.Context) > 0 {
			if err := json.Unmarshal(cc.Context, &cctx); err == nil {
				na := NodeAddr{Host: cctx.Host, Port: cctx.Port}
				addr = na.String()
				e.peers.Upsert(cc.NodeID, na)
			}
		}
		e.meta.upsertMember(SnapshotMember{
			ID:     cc.NodeID,
			Addr:   addr,
			Voting: cc.Type == raftpb.ConfChangeAddNode,
			Active: true,
		})
		slog.Info("member added", "node", cc.NodeID, "addr", addr)

		if cc.NodeID == e.cfg.NodeID && e.state == StateJoining {
			e.state = StateUp
			slog.Info("join complete, node is up")
		}

	case raftpb.ConfChangeRemoveNode:
		e.meta.removeMember(cc.NodeID)
		e.peers.Remove(cc.NodeID)
		slog.Info("member removed", "node", cc.NodeID)
	}

	key := confKey{typ: cc.Type, nodeID: cc.NodeID}
	if ch, ok := e.confWaiters[key]; ok {
		delete(e.confWaiters, key)
		reply(ch, nil)
	}
}

// applyRecovered replays one committed entry during startup, before the
// consensus node exists.
func (e *Engine) applyRecovered(ent *raftpb.Entry) error {
	switch ent.Type {
	case raftpb.EntryNormal:
		if len(ent.Data) > 0 {
			var env commandEnvelope
			if err := json.Unmarshal(ent.Data, &env); err != nil {
				slog.Error("undecodable command entry in recovery", "index", ent.Index, "error", err)
			} else if _, err := e.sm.Apply(env.Cmd); err != nil {
				slog.Warn("command failed during recovery replay", "index", ent.Index, "error", err)
			}
		}

	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(ent.Data); err != nil {
			slog.Error("undecodable conf change in recovery", "index", ent.Index, "error", err)
			break
		}
		switch cc.Type {
		case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
			var cctx confChangeContext
			addr := ""
			if len(cc.Context) > 0 && json.Unmarshal(cc.Context, &cctx) == nil {
				addr = NodeAddr{Host: cctx.Host, Port: cctx.Port}.String()
			}
			e.meta.upsertMember(SnapshotMember{
				ID:     cc.NodeID,
				Addr:   addr,
				Voting: cc.Type == raftpb.ConfChangeAddNode,
				Active: true,
			})
		case raftpb.ConfChangeRemoveNode:
			e.meta.removeMember(cc.NodeID)
		}
	}

	e.appliedIndex = ent.Index
	e.appliedTerm = ent.Term
	e.meta.LastAppliedIndex = ent.Index
	e.meta.LastAppliedTerm = ent.Term
	return nil
}

// failPending answers every outstanding proposal and conf-change waiter with
// the given error.
func (e *Engine) failPending(err error) {
	for id, req := range e.pending {
		delete(e.pending, id)
		reply(req.Done, CommandReply{Err: err})
		metrics.RequestsTotal.WithLabelValues(req.name(), "error").Inc()
	}
	for key, ch := range e.confWaiters {
		delete(e.confWaiters, key)
		reply(ch, err)
	}
}
