package raft

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader rejects a write handled (or completed) on a non-leader node.
	// Wrapped by NotLeaderError when a leader hint is known.
	ErrNotLeader = errors.New("not leader")

	ErrNoLeader = errors.New("no known leader")

	// ErrUninitialized rejects operations before cluster-init or cluster-join.
	ErrUninitialized = errors.New("cluster not initialized")

	ErrAlreadyInitialized = errors.New("cluster already initialized")

	ErrShuttingDown = errors.New("shutting down")

	// ErrLogGap means an append would break log index contiguity. Fatal to the
	// node: continuing would violate the log matching invariant.
	ErrLogGap = errors.New("log index gap")

	// ErrLogCorrupt means the log store header or a record could not be parsed.
	ErrLogCorrupt = errors.New("log store corrupt")

	ErrLogEmpty = errors.New("log store has no entries")

	ErrSnapshotInProgress = errors.New("snapshot already in progress")
)

// NotLeaderError carries the best-known leader so callers can redirect.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "not leader"
	}
	return fmt.Sprintf("not leader, try node %d at %s", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }
