package raft

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.etcd.io/etcd/pkg/v3/pbutil"
	"go.etcd.io/raft/v3/raftpb"
	"google.golang.org/grpc"

	"quorumkv/internal/metrics"
)

// sendRaftMessage delivers one consensus message over an established peer
// connection via the Step RPC.
func sendRaftMessage(ctx context.Context, conn grpc.ClientConnInterface, msg *raftpb.Message) error {
	in := pbutil.MustMarshal(msg)
	out := new([]byte)
	if err := conn.Invoke(ctx, stepMethod, &in, out, grpc.CallContentSubtype(RawCodecName)); err != nil {
		return fmt.Errorf("step rpc to %d: %w", msg.To, err)
	}
	metrics.RaftMessagesTotal.WithLabelValues("send", msg.Type.String()).Inc()
	return nil
}

// requestJoin dials one candidate address ad hoc and asks to join the
// cluster. The connection is short-lived; once admitted, the regular peer
// manager takes over.
func requestJoin(ctx context.Context, addr NodeAddr, req *joinRequest) (*joinResponse, error) {
	conn, err := defaultDialer(addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	in, err := marshalJSONFrame(req)
	if err != nil {
		return nil, err
	}
	out := new([]byte)
	if err := conn.Invoke(ctx, joinMethod, in, out, grpc.CallContentSubtype(RawCodecName)); err != nil {
		return nil, fmt.Errorf("join rpc to %s: %w", addr, err)
	}

	var resp joinResponse
	if err := unmarshalJSON(*out, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal join response from %s: %w", addr, err)
	}
	return &resp, nil
}

var installSnapshotStreamDesc = grpc.StreamDesc{
	StreamName:    "InstallSnapshot",
	ClientStreams: true,
}

// streamSnapshot pushes a full dataset image to a lagging peer: the MsgSnap
// frame first, then fixed-size image chunks, then waits for the receiver's
// acknowledgement. There is no partial resume; a broken transfer restarts
// from the first byte.
func streamSnapshot(ctx context.Context, conn grpc.ClientConnInterface, msg *raftpb.Message, imagePath string, progress func()) error {
	stream, err := conn.NewStream(ctx, &installSnapshotStreamDesc, installSnapshotMethod,
		grpc.CallContentSubtype(RawCodecName))
	if err != nil {
		return fmt.Errorf("open snapshot stream: %w", err)
	}

	msgFrame := marshalRecord(snapFrameMsg, pbutil.MustMarshal(msg))
	if err := stream.SendMsg(&msgFrame); err != nil {
		return fmt.Errorf("send snapshot message frame: %w", err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open snapshot image: %w", err)
	}
	defer f.Close()

	buf := make([]byte, snapChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			frame := marshalRecord(snapFrameChunk, buf[:n])
			if err := stream.SendMsg(&frame); err != nil {
				return fmt.Errorf("send snapshot chunk: %w", err)
			}
			if progress != nil {
				progress()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read snapshot image: %w", err)
		}
	}

	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close snapshot stream: %w", err)
	}

	ack := new([]byte)
	if err := stream.RecvMsg(ack); err != nil {
		return fmt.Errorf("snapshot ack: %w", err)
	}
	return nil
}

// joinRetryDelay spaces join attempts across the candidate address list.
const joinRetryDelay = 500 * time.Millisecond
