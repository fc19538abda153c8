package raft

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// RawCodec moves opaque byte payloads through gRPC untouched. The peer and
// client services both frame their own payloads (pbutil-marshaled raft
// messages, JSON envelopes), so the codec's only job is to not get in the way.
const RawCodecName = "quorumkv-raw"

type RawCodec struct{}

func init() {
	encoding.RegisterCodec(RawCodec{})
}

func (RawCodec) Name() string { return RawCodecName }

func (RawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: marshal %T", v)
	}
	return *b, nil
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: unmarshal into %T", v)
	}
	*b = data
	return nil
}

// Snapshot stream frames reuse the log store's type-byte + varint framing.
// The first frame carries the pbutil-marshaled MsgSnap; every following frame
// is a raw image chunk.
const (
	snapFrameMsg   byte = 1
	snapFrameChunk byte = 2
)

const snapChunkSize = 256 * 1024

// joinRequest is sent by a joining node to any cluster member.
type joinRequest struct {
	NodeID uint64 `json:"node_id"`
	Host   string `json:"host"`
	Port   uint16 `json:"port"`
}

// joinResponse either admits the node (DBID set) or redirects it to the
// current leader.
type joinResponse struct {
	DBID       string `json:"dbid,omitempty"`
	LeaderHost string `json:"leader_host,omitempty"`
	LeaderPort uint16 `json:"leader_port,omitempty"`
}

func (r *joinResponse) leaderAddr() NodeAddr {
	return NodeAddr{Host: r.LeaderHost, Port: r.LeaderPort}
}

func marshalJSONFrame(v any) (*[]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return &b, nil
}

func unmarshalJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
