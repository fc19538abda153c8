package raft

import (
	"go.etcd.io/raft/v3/raftpb"
)

// Request is the closed set of messages accepted by the processing goroutine.
// Each variant carries its own payload and a buffered reply channel standing
// in for the blocked caller; the handler delivers exactly one reply.
type Request interface {
	isRequest()
	name() string
}

type ClusterInitRequest struct {
	Done chan error
}

type ClusterJoinRequest struct {
	Addrs *AddrList
	Done  chan error
}

type AddNodeRequest struct {
	ID   uint64
	Addr NodeAddr
	Done chan error
}

type RemoveNodeRequest struct {
	ID   uint64
	Done chan error
}

// AppendEntriesRequest delivers a replication message from a peer into the
// consensus core.
type AppendEntriesRequest struct {
	From uint64
	Msg  raftpb.Message
	Done chan error
}

// RequestVoteRequest delivers an election message from a peer into the
// consensus core.
type RequestVoteRequest struct {
	From uint64
	Msg  raftpb.Message
	Done chan error
}

// CommandRequest replicates a serialized host command through the log. The
// reply is deferred until the entry is applied (or leadership is lost).
type CommandRequest struct {
	Cmd  []byte
	Done chan CommandReply
}

type CommandReply struct {
	Data []byte
	Err  error
}

type InfoRequest struct {
	Done chan InfoReply
}

type InfoReply struct {
	NodeID        uint64           `json:"node_id"`
	State         string           `json:"state"`
	Term          uint64           `json:"term"`
	LeaderID      uint64           `json:"leader_id"`
	LeaderAddr    string           `json:"leader_addr,omitempty"`
	DBID          string           `json:"dbid,omitempty"`
	LogEntries    uint64           `json:"log_entries"`
	FirstIndex    uint64           `json:"first_index"`
	LastIndex     uint64           `json:"last_index"`
	SnapshotTerm  uint64           `json:"snapshot_term"`
	SnapshotIndex uint64           `json:"snapshot_index"`
	AppliedIndex  uint64           `json:"applied_index"`
	Members       []SnapshotMember `json:"members,omitempty"`
}

// LoadSnapshotRequest installs a full snapshot received from the leader. The
// image has already been spooled to ImagePath by the transport.
type LoadSnapshotRequest struct {
	Msg       raftpb.Message
	ImagePath string
	Done      chan error
}

// CompactRequest forces a snapshot and log compaction; the reply is held until
// the background snapshot finishes or fails.
type CompactRequest struct {
	Done chan error
}

// joinOutcome is posted by the join goroutine when a join attempt resolves.
type joinOutcome struct {
	resp *joinResponse
	err  error
}

func (*ClusterInitRequest) isRequest()   {}
func (*ClusterJoinRequest) isRequest()   {}
func (*AddNodeRequest) isRequest()       {}
func (*RemoveNodeRequest) isRequest()    {}
func (*AppendEntriesRequest) isRequest() {}
func (*RequestVoteRequest) isRequest()   {}
func (*CommandRequest) isRequest()       {}
func (*InfoRequest) isRequest()          {}
func (*LoadSnapshotRequest) isRequest()  {}
func (*CompactRequest) isRequest()       {}
func (*joinOutcome) isRequest()          {}

func (*ClusterInitRequest) name() string   { return "cluster_init" }
func (*ClusterJoinRequest) name() string   { return "cluster_join" }
func (*AddNodeRequest) name() string       { return "add_node" }
func (*RemoveNodeRequest) name() string    { return "remove_node" }
func (*AppendEntriesRequest) name() string { return "append_entries" }
func (*RequestVoteRequest) name() string   { return "request_vote" }
func (*CommandRequest) name() string       { return "command" }
func (*InfoRequest) name() string          { return "info" }
func (*LoadSnapshotRequest) name() string  { return "load_snapshot" }
func (*CompactRequest) name() string       { return "compact" }
func (*joinOutcome) name() string          { return "join_outcome" }

// reply delivers without ever blocking the processing goroutine; the caller
// side always allocates a buffered channel, so a full channel means the caller
// already gave up and the reply is discarded.
func reply[T any](ch chan T, v T) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}
