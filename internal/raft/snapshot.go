package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	etcdraft "go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"quorumkv/internal/metrics"
)

type snapshotState int

const (
	snapIdle snapshotState = iota
	snapInProgress
)

// snapshotResult travels from the background serializer to the processing
// goroutine over the engine's buffered result channel.
type snapshotResult struct {
	tmpPath string
	meta    *SnapshotMeta
	err     error
}

// snapshotEngine coordinates at most one background dataset serialization.
// Initiate forks the dataset synchronously (so the image matches the claimed
// watermark exactly) and writes it off-thread; the processing goroutine picks
// the outcome up with a non-blocking Poll on its tick.
type snapshotEngine struct {
	state   snapshotState
	results chan *snapshotResult
	started time.Time
}

func newSnapshotEngine() *snapshotEngine {
	return &snapshotEngine{
		results: make(chan *snapshotResult, 1),
	}
}

func (se *snapshotEngine) InProgress() bool {
	return se.state == snapInProgress
}

// Initiate starts a snapshot of the given fork at the given metadata
// watermark. Rejected while another snapshot is running.
func (se *snapshotEngine) Initiate(writer ImageWriter, meta *SnapshotMeta, tmpPath string) error {
	if se.state == snapInProgress {
		return ErrSnapshotInProgress
	}

	se.state = snapInProgress
	se.started = time.Now()

	slog.Info("snapshot started",
		"index", meta.LastAppliedIndex,
		"term", meta.LastAppliedTerm,
	)

	go func() {
		err := writer.WriteTo(tmpPath, meta)
		se.results <- &snapshotResult{tmpPath: tmpPath, meta: meta, err: err}
	}()

	return nil
}

// Poll returns the finished result, or nil while the snapshot is still
// running. Never blocks.
func (se *snapshotEngine) Poll() *snapshotResult {
	if se.state != snapInProgress {
		return nil
	}
	select {
	case res := <-se.results:
		return res
	default:
		return nil
	}
}

func (se *snapshotEngine) reset() {
	se.state = snapIdle
}

// finalizeSnapshot lands a completed snapshot: the image moves into place
// atomically, then the log store is rewritten at the new watermark with only
// the un-snapshotted tail retained.
func (e *Engine) finalizeSnapshot(res *snapshotResult) {
	defer e.snap.reset()

	if res.err != nil {
		e.cancelSnapshot(res, res.err)
		return
	}

	if err := os.Rename(res.tmpPath, e.imagePath()); err != nil {
		e.cancelSnapshot(res, fmt.Errorf("rename image: %w", err))
		return
	}

	cs := e.storage.Log().ConfState()
	if err := e.storage.CompactTo(res.meta.LastAppliedTerm, res.meta.LastAppliedIndex, cs, e.cfg.LogNoSync); err != nil {
		if errors.Is(err, ErrLogCorrupt) {
			// The log store could not be restored after the failed swap.
			slog.Error("log store unrecoverable after snapshot", "error", err)
			panic(err)
		}
		// The image already landed and the log store kept its pre-compaction
		// contents; the oversized log is re-compacted on the next snapshot.
		slog.Error("log compaction after snapshot failed", "error", err)
		metrics.SnapshotsTotal.WithLabelValues("compact_failed").Inc()
		e.replyCompactWaiters(err)
		return
	}

	metrics.SnapshotsTotal.WithLabelValues("success").Inc()
	metrics.SnapshotDuration.Observe(time.Since(e.snap.started).Seconds())
	metrics.RaftSnapshotIndex.Set(float64(res.meta.LastAppliedIndex))

	slog.Info("snapshot finalized",
		"index", res.meta.LastAppliedIndex,
		"term", res.meta.LastAppliedTerm,
		"log_entries", e.storage.Log().EntryCount(),
		"took", time.Since(e.snap.started),
	)

	e.replyCompactWaiters(nil)
}

// cancelSnapshot discards partial output and leaves the previous snapshot
// state untouched.
func (e *Engine) cancelSnapshot(res *snapshotResult, err error) {
	os.Remove(res.tmpPath)
	metrics.SnapshotsTotal.WithLabelValues("failed").Inc()
	slog.Error("snapshot failed", "index", res.meta.LastAppliedIndex, "error", err)
	e.replyCompactWaiters(err)
}

// maybeTriggerSnapshot starts a snapshot when the log grew past the
// configured entry threshold.
func (e *Engine) maybeTriggerSnapshot() {
	if e.storage == nil || e.snap.InProgress() {
		return
	}
	if e.storage.Log().EntryCount() < e.cfg.MaxLogEntries {
		return
	}
	if err := e.startSnapshot(); err != nil {
		slog.Warn("snapshot trigger skipped", "error", err)
	}
}

// startSnapshot forks the dataset at the current applied watermark and kicks
// off background serialization.
func (e *Engine) startSnapshot() error {
	if e.appliedIndex == 0 {
		return errors.New("nothing applied yet")
	}

	meta := e.meta.Clone()
	meta.LastAppliedTerm = e.appliedTerm
	meta.LastAppliedIndex = e.appliedIndex

	writer := e.sm.Fork()
	tmpPath := fmt.Sprintf("%s.tmp-%d", e.imagePath(), meta.LastAppliedIndex)
	return e.snap.Initiate(writer, meta, tmpPath)
}

// sendSnapshot intercepts an outbound MsgSnap: instead of pushing dataset
// bytes through the consensus core, the on-disk image is streamed to the
// peer out of band. Progress is tracked on the peer; the tick restarts
// transfers that stall past the request timeout.
func (e *Engine) sendSnapshot(msg raftpb.Message) {
	p := e.peers.Get(msg.To)
	if p == nil {
		e.node.ReportSnapshot(msg.To, etcdraft.SnapshotFailure)
		return
	}

	conn, err := e.peers.Conn(msg.To)
	if err != nil {
		slog.Warn("snapshot push deferred, peer not connected", "peer", msg.To, "error", err)
		e.node.ReportSnapshot(msg.To, etcdraft.SnapshotFailure)
		return
	}

	e.peers.mu.Lock()
	if p.snapInProgress {
		e.peers.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.snapInProgress = true
	p.snapIndex = msg.Snapshot.Metadata.Index
	p.snapLastPush = time.Now()
	p.snapCancel = cancel
	e.peers.mu.Unlock()

	slog.Info("snapshot push started", "peer", msg.To, "index", msg.Snapshot.Metadata.Index)

	go func() {
		progress := func() {
			e.peers.mu.Lock()
			p.snapLastPush = time.Now()
			e.peers.mu.Unlock()
		}

		err := streamSnapshot(ctx, conn, &msg, e.imagePath(), progress)

		e.peers.mu.Lock()
		p.snapInProgress = false
		p.snapCancel = nil
		terminated := p.terminating
		e.peers.mu.Unlock()

		if terminated {
			return
		}
		if err != nil {
			metrics.SnapshotPushesTotal.WithLabelValues("failed").Inc()
			slog.Warn("snapshot push failed", "peer", msg.To, "error", err)
			e.node.ReportSnapshot(msg.To, etcdraft.SnapshotFailure)
			return
		}

		metrics.SnapshotPushesTotal.WithLabelValues("success").Inc()
		slog.Info("snapshot push finished", "peer", msg.To, "index", msg.Snapshot.Metadata.Index)
		e.node.ReportSnapshot(msg.To, etcdraft.SnapshotFinish)
	}()
}

// checkSnapshotTransfers aborts pushes that made no progress within the
// request timeout. There is no partial resume: the consensus core re-issues
// the MsgSnap and the transfer restarts from the first byte.
func (e *Engine) checkSnapshotTransfers(now time.Time) {
	e.peers.mu.Lock()
	var stalled []uint64
	for id, p := range e.peers.peers {
		if p.snapInProgress && now.Sub(p.snapLastPush) > e.cfg.RequestTimeout {
			if p.snapCancel != nil {
				p.snapCancel()
				p.snapCancel = nil
			}
			p.snapInProgress = false
			stalled = append(stalled, id)
		}
	}
	e.peers.mu.Unlock()

	for _, id := range stalled {
		metrics.SnapshotPushesTotal.WithLabelValues("stalled").Inc()
		slog.Warn("snapshot push stalled, will retransmit", "peer", id)
	}
}
