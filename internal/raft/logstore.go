package raft

import (
	"fmt"
	"os"
	"time"

	"github.com/tidwall/wal"
	"go.etcd.io/etcd/pkg/v3/pbutil"
	"go.etcd.io/raft/v3/raftpb"
	"google.golang.org/protobuf/encoding/protowire"

	"quorumkv/internal/metrics"
)

// The log store is an append-only operation log, not a final-state image:
// every mutation (entry append, head/tail removal, term/vote change) is a new
// record, and readers reconstruct state by replaying records in order. The
// first record is always the header.
const (
	recHeader     byte = 1
	recEntry      byte = 2
	recRemoveHead byte = 3
	recRemoveTail byte = 4
	recState      byte = 5
	recConf       byte = 6
)

const (
	logStoreVersion = 1
	dbidLen         = 32
)

// LogEntryAction tags each replayed record so LoadEntries callers can
// reconstruct exactly the in-memory state incremental operations produced.
type LogEntryAction int

const (
	ActionAppend LogEntryAction = iota
	ActionRemoveHead
	ActionRemoveTail
)

// LogStore is the durable record of consensus log entries plus header
// metadata: dataset id, snapshot watermark, and the current term/vote the
// consensus algorithm must not lose across a crash. Entries keep strictly
// increasing indices with no gaps; the first entry index is always
// snapshot index + 1.
type LogStore struct {
	dir string
	log *wal.Log

	nextWALIdx uint64

	dbid     string
	snapTerm uint64
	snapIdx  uint64

	hardState raftpb.HardState
	confState raftpb.ConfState

	count    uint64
	firstIdx uint64
	lastIdx  uint64
}

// CreateLogStore initializes a fresh log positioned at the given snapshot
// watermark with zero entries. Used when bootstrapping a node and after
// installing a snapshot.
func CreateLogStore(dir, dbid string, term, index uint64, noSync bool) (*LogStore, error) {
	if len(dbid) != dbidLen {
		return nil, fmt.Errorf("create log store: dbid must be %d chars, got %d", dbidLen, len(dbid))
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log store dir %s: %w", dir, err)
	}

	log, err := openWAL(dir, noSync)
	if err != nil {
		return nil, err
	}

	l := &LogStore{
		dir:        dir,
		log:        log,
		nextWALIdx: 1,
		dbid:       dbid,
		snapTerm:   term,
		snapIdx:    index,
		firstIdx:   index + 1,
		lastIdx:    index,
	}

	if err := l.appendRecord(recHeader, l.marshalHeader()); err != nil {
		log.Close()
		return nil, err
	}
	if err := l.Sync(); err != nil {
		log.Close()
		return nil, err
	}

	return l, nil
}

// OpenLogStore replays an existing log and positions it for appending. An
// unrecognized version or malformed header is a corruption error; per the
// error taxonomy the caller must treat it as fatal to the node.
func OpenLogStore(dir string, noSync bool) (*LogStore, error) {
	log, err := openWAL(dir, noSync)
	if err != nil {
		return nil, err
	}

	l := &LogStore{
		dir:        dir,
		log:        log,
		nextWALIdx: 1,
	}

	if err := l.replay(); err != nil {
		log.Close()
		return nil, err
	}

	return l, nil
}

func openWAL(dir string, noSync bool) (*wal.Log, error) {
	opts := *wal.DefaultOptions
	opts.NoSync = noSync
	log, err := wal.Open(dir, &opts)
	if err != nil {
		return nil, fmt.Errorf("wal.Open %s: %w", dir, err)
	}
	return log, nil
}

func (l *LogStore) replay() error {
	first, err := l.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := l.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}
	if last == 0 {
		return fmt.Errorf("%w: missing header record", ErrLogCorrupt)
	}

	sawHeader := false
	for idx := first; idx <= last; idx++ {
		data, err := l.log.Read(idx)
		if err != nil {
			return fmt.Errorf("wal.Read(%d): %w", idx, err)
		}

		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrLogCorrupt, idx, err)
		}

		if !sawHeader {
			if recType != recHeader {
				return fmt.Errorf("%w: first record is not a header", ErrLogCorrupt)
			}
			if err := l.unmarshalHeader(payload); err != nil {
				return err
			}
			l.firstIdx = l.snapIdx + 1
			l.lastIdx = l.snapIdx
			sawHeader = true
			l.nextWALIdx = idx + 1
			continue
		}

		switch recType {
		case recEntry:
			var e raftpb.Entry
			pbutil.MustUnmarshal(&e, payload)
			if e.Index != l.lastIdx+1 {
				return fmt.Errorf("%w: entry %d follows %d", ErrLogCorrupt, e.Index, l.lastIdx)
			}
			l.lastIdx = e.Index
			l.count++

		case recRemoveHead:
			if l.count == 0 {
				return fmt.Errorf("%w: remove-head on empty log", ErrLogCorrupt)
			}
			l.firstIdx++
			l.count--

		case recRemoveTail:
			if l.count == 0 {
				return fmt.Errorf("%w: remove-tail on empty log", ErrLogCorrupt)
			}
			l.lastIdx--
			l.count--

		case recState:
			l.hardState = raftpb.HardState{}
			pbutil.MustUnmarshal(&l.hardState, payload)

		case recConf:
			l.confState = raftpb.ConfState{}
			pbutil.MustUnmarshal(&l.confState, payload)

		case recHeader:
			return fmt.Errorf("%w: duplicate header record", ErrLogCorrupt)

		default:
			return fmt.Errorf("%w: unknown record type %d", ErrLogCorrupt, recType)
		}

		l.nextWALIdx = idx + 1
	}

	metrics.LogEntries.Set(float64(l.count))
	return nil
}

// Append writes one entry after the current tail. An index that is not
// exactly tail+1 is rejected without mutating the file.
func (l *LogStore) Append(e *raftpb.Entry) error {
	if e.Index != l.lastIdx+1 {
		return fmt.Errorf("%w: append index %d, tail %d", ErrLogGap, e.Index, l.lastIdx)
	}

	start := time.Now()
	if err := l.appendRecord(recEntry, pbutil.MustMarshal(e)); err != nil {
		return err
	}
	metrics.LogWriteDuration.Observe(time.Since(start).Seconds())
	metrics.LogAppendsTotal.Inc()

	l.lastIdx = e.Index
	l.count++
	metrics.LogEntries.Set(float64(l.count))
	return nil
}

// RemoveHead trims one entry from the head, used after compaction.
func (l *LogStore) RemoveHead() error {
	if l.count == 0 {
		return ErrLogEmpty
	}
	if err := l.appendRecord(recRemoveHead, nil); err != nil {
		return err
	}
	l.firstIdx++
	l.count--
	metrics.LogEntries.Set(float64(l.count))
	return nil
}

// RemoveTail trims one entry from the tail, used when a follower's log
// conflicts with the leader's and must be rolled back before re-appending.
func (l *LogStore) RemoveTail() error {
	if l.count == 0 {
		return ErrLogEmpty
	}
	if err := l.appendRecord(recRemoveTail, nil); err != nil {
		return err
	}
	l.lastIdx--
	l.count--
	metrics.LogEntries.Set(float64(l.count))
	return nil
}

func (l *LogStore) SetTerm(term uint64, vote uint64) error {
	hs := l.hardState
	hs.Term = term
	hs.Vote = vote
	return l.SetHardState(hs)
}

func (l *LogStore) SetVote(vote uint64) error {
	hs := l.hardState
	hs.Vote = vote
	return l.SetHardState(hs)
}

func (l *LogStore) SetHardState(hs raftpb.HardState) error {
	if err := l.appendRecord(recState, pbutil.MustMarshal(&hs)); err != nil {
		return err
	}
	l.hardState = hs
	return nil
}

func (l *LogStore) SetConfState(cs raftpb.ConfState) error {
	if err := l.appendRecord(recConf, pbutil.MustMarshal(&cs)); err != nil {
		return err
	}
	l.confState = cs
	return nil
}

// Sync forces all appended records to durable storage. Must run before any
// entry is treated as committed, and before a success reply for the command
// that produced it.
func (l *LogStore) Sync() error {
	start := time.Now()
	if err := l.log.Sync(); err != nil {
		return fmt.Errorf("wal.Sync: %w", err)
	}
	metrics.LogSyncDuration.Observe(time.Since(start).Seconds())
	return nil
}

// LoadEntries replays the file from the start, invoking fn once per entry
// record with its action tag. Entry pointers are only valid during the call.
func (l *LogStore) LoadEntries(fn func(action LogEntryAction, e *raftpb.Entry) error) error {
	first, err := l.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("wal.FirstIndex: %w", err)
	}
	last, err := l.log.LastIndex()
	if err != nil {
		return fmt.Errorf("wal.LastIndex: %w", err)
	}

	for idx := first; idx <= last; idx++ {
		data, err := l.log.Read(idx)
		if err != nil {
			return fmt.Errorf("wal.Read(%d): %w", idx, err)
		}
		recType, payload, err := unmarshalRecord(data)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrLogCorrupt, idx, err)
		}

		switch recType {
		case recEntry:
			var e raftpb.Entry
			pbutil.MustUnmarshal(&e, payload)
			if err := fn(ActionAppend, &e); err != nil {
				return err
			}
		case recRemoveHead:
			if err := fn(ActionRemoveHead, nil); err != nil {
				return err
			}
		case recRemoveTail:
			if err := fn(ActionRemoveTail, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

// renameDir is swappable so tests can exercise failed directory swaps.
var renameDir = os.Rename

// Rewrite produces a fresh log at the given watermark containing only the
// supplied tail entries, atomically replacing this one on disk. On success the
// receiver is closed and callers continue with the returned store; on failure
// the receiver is restored to its pre-rewrite contents and stays usable. An
// ErrLogCorrupt return means restoration itself failed and the node must halt.
func (l *LogStore) Rewrite(snapTerm, snapIdx uint64, tail []raftpb.Entry, noSync bool) (*LogStore, error) {
	rewriteDir := l.dir + ".rewrite"
	oldDir := l.dir + ".old"

	os.RemoveAll(rewriteDir)
	os.RemoveAll(oldDir)

	fresh, err := CreateLogStore(rewriteDir, l.dbid, snapTerm, snapIdx, noSync)
	if err != nil {
		return nil, fmt.Errorf("rewrite log store: %w", err)
	}

	for i := range tail {
		if err := fresh.Append(&tail[i]); err != nil {
			fresh.Close()
			os.RemoveAll(rewriteDir)
			return nil, fmt.Errorf("rewrite log store: %w", err)
		}
	}
	if err := fresh.SetHardState(l.hardState); err != nil {
		fresh.Close()
		os.RemoveAll(rewriteDir)
		return nil, err
	}
	if err := fresh.SetConfState(l.confState); err != nil {
		fresh.Close()
		os.RemoveAll(rewriteDir)
		return nil, err
	}
	if err := fresh.Sync(); err != nil {
		fresh.Close()
		os.RemoveAll(rewriteDir)
		return nil, err
	}
	if err := fresh.Close(); err != nil {
		os.RemoveAll(rewriteDir)
		return nil, err
	}

	if err := l.Close(); err != nil {
		if oerr := l.reopen(noSync); oerr != nil {
			return nil, oerr
		}
		return nil, err
	}

	if err := renameDir(l.dir, oldDir); err != nil {
		if oerr := l.reopen(noSync); oerr != nil {
			return nil, oerr
		}
		return nil, fmt.Errorf("rewrite log store: %w", err)
	}
	if err := renameDir(rewriteDir, l.dir); err != nil {
		// Old log is still intact under oldDir; put it back.
		os.Rename(oldDir, l.dir)
		if oerr := l.reopen(noSync); oerr != nil {
			return nil, oerr
		}
		return nil, fmt.Errorf("rewrite log store: %w", err)
	}

	swapped, err := OpenLogStore(l.dir, noSync)
	if err != nil {
		// The swapped-in log will not open; fall back to the old one.
		if rerr := os.Rename(l.dir, rewriteDir); rerr == nil {
			os.Rename(oldDir, l.dir)
		}
		if oerr := l.reopen(noSync); oerr != nil {
			return nil, oerr
		}
		return nil, fmt.Errorf("rewrite log store: %w", err)
	}
	os.RemoveAll(oldDir)

	return swapped, nil
}

// reopen restores the receiver from its directory after a failed swap. A log
// that cannot be reopened leaves the node with nothing to serve from.
func (l *LogStore) reopen(noSync bool) error {
	restored, err := OpenLogStore(l.dir, noSync)
	if err != nil {
		return fmt.Errorf("%w: reopen after failed rewrite: %v", ErrLogCorrupt, err)
	}
	*l = *restored
	return nil
}

func (l *LogStore) Close() error {
	if l.log == nil {
		return nil
	}
	err := l.log.Close()
	l.log = nil
	return err
}

func (l *LogStore) DBID() string                { return l.dbid }
func (l *LogStore) SnapshotTerm() uint64        { return l.snapTerm }
func (l *LogStore) SnapshotIndex() uint64       { return l.snapIdx }
func (l *LogStore) HardState() raftpb.HardState { return l.hardState }
func (l *LogStore) ConfState() raftpb.ConfState { return l.confState }
func (l *LogStore) EntryCount() uint64          { return l.count }

// FirstIndex is the index of the oldest retained entry; meaningful only when
// EntryCount is non-zero.
func (l *LogStore) FirstIndex() uint64 { return l.firstIdx }
func (l *LogStore) LastIndex() uint64  { return l.lastIdx }

func (l *LogStore) appendRecord(recType byte, payload []byte) error {
	data := marshalRecord(recType, payload)
	if err := l.log.Write(l.nextWALIdx, data); err != nil {
		return fmt.Errorf("wal.Write(%d): %w", l.nextWALIdx, err)
	}
	l.nextWALIdx++
	return nil
}

func (l *LogStore) marshalHeader() []byte {
	buf := protowire.AppendVarint(nil, logStoreVersion)
	buf = protowire.AppendBytes(buf, []byte(l.dbid))
	buf = protowire.AppendVarint(buf, l.snapTerm)
	buf = protowire.AppendVarint(buf, l.snapIdx)
	return buf
}

func (l *LogStore) unmarshalHeader(payload []byte) error {
	version, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return fmt.Errorf("%w: truncated header", ErrLogCorrupt)
	}
	if version != logStoreVersion {
		return fmt.Errorf("%w: unsupported log version %d", ErrLogCorrupt, version)
	}
	payload = payload[n:]

	dbid, n := protowire.ConsumeBytes(payload)
	if n < 0 || len(dbid) != dbidLen {
		return fmt.Errorf("%w: malformed dbid", ErrLogCorrupt)
	}
	payload = payload[n:]

	snapTerm, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return fmt.Errorf("%w: truncated header", ErrLogCorrupt)
	}
	payload = payload[n:]

	snapIdx, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return fmt.Errorf("%w: truncated header", ErrLogCorrupt)
	}

	l.dbid = string(dbid)
	l.snapTerm = snapTerm
	l.snapIdx = snapIdx
	return nil
}

func marshalRecord(recType byte, payload []byte) []byte {
	buf := make([]byte, 0, 1+protowire.SizeVarint(uint64(len(payload)))+len(payload))
	buf = append(buf, recType)
	buf = protowire.AppendBytes(buf, payload)
	return buf
}

func unmarshalRecord(data []byte) (byte, []byte, error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("short record")
	}
	recType := data[0]
	payload, n := protowire.ConsumeBytes(data[1:])
	if n < 0 {
		return 0, nil, fmt.Errorf("bad record length")
	}
	return recType, payload, nil
}
