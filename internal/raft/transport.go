package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"go.etcd.io/raft/v3/raftpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"quorumkv/internal/metrics"
)

// The transport service is registered by hand against the raw codec; frames
// carry pbutil-marshaled raft messages or JSON envelopes, so there are no
// generated stubs to keep in sync.
const (
	transportServiceName  = "quorumkv.RaftTransport"
	stepMethod            = "/quorumkv.RaftTransport/Step"
	joinMethod            = "/quorumkv.RaftTransport/Join"
	installSnapshotMethod = "/quorumkv.RaftTransport/InstallSnapshot"
)

type transportServer struct {
	eng *Engine
}

// transportHandler is the interface HandlerType points at; RegisterService
// requires a pointer to an interface, not to the implementation struct.
type transportHandler interface {
	step(ctx context.Context, in *[]byte) (*[]byte, error)
	join(ctx context.Context, in *[]byte) (*[]byte, error)
	installSnapshot(stream grpc.ServerStream) error
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: transportServiceName,
	HandlerType: (*transportHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Step", Handler: stepHandler},
		{MethodName: "Join", Handler: joinHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "InstallSnapshot", Handler: installSnapshotHandler, ClientStreams: true},
	},
}

func newTransportServer(eng *Engine) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(RawCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	srv.RegisterService(&transportServiceDesc, &transportServer{eng: eng})
	return srv
}

func stepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new([]byte)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*transportServer).step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: stepMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*transportServer).step(ctx, req.(*[]byte))
	}
	return interceptor(ctx, in, info, handler)
}

func joinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new([]byte)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*transportServer).join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: joinMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*transportServer).join(ctx, req.(*[]byte))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*transportServer).installSnapshot(stream)
}

// step delivers one raft message from a peer into the pipeline, routed by
// message class so elections and replication surface as distinct requests.
func (t *transportServer) step(ctx context.Context, in *[]byte) (*[]byte, error) {
	var msg raftpb.Message
	if err := msg.Unmarshal(*in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "unmarshal raft message: %v", err)
	}

	metrics.RaftMessagesTotal.WithLabelValues("recv", msg.Type.String()).Inc()

	done := make(chan error, 1)
	if isVoteMessage(msg.Type) {
		t.eng.Submit(&RequestVoteRequest{From: msg.From, Msg: msg, Done: done})
	} else {
		t.eng.Submit(&AppendEntriesRequest{From: msg.From, Msg: msg, Done: done})
	}

	if err := t.await(ctx, done); err != nil {
		return nil, toStatusErr(err)
	}
	return new([]byte), nil
}

// join admits a new node. The pipeline proposes the membership change; the
// response carries the dataset id the joiner must adopt, or a leader redirect.
func (t *transportServer) join(ctx context.Context, in *[]byte) (*[]byte, error) {
	var req joinRequest
	if err := unmarshalJSON(*in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "unmarshal join request: %v", err)
	}
	if req.NodeID == 0 || req.Host == "" || req.Port == 0 {
		return nil, status.Error(codes.InvalidArgument, "join request missing node id or address")
	}

	done := make(chan error, 1)
	t.eng.Submit(&AddNodeRequest{
		ID:   req.NodeID,
		Addr: NodeAddr{Host: req.Host, Port: req.Port},
		Done: done,
	})

	var resp joinResponse
	if err := t.await(ctx, done); err != nil {
		var nle *NotLeaderError
		if errors.As(err, &nle) && nle.LeaderAddr != "" {
			if addr, perr := ParseNodeAddr(nle.LeaderAddr); perr == nil {
				resp.LeaderHost = addr.Host
				resp.LeaderPort = addr.Port
				return marshalJSONFrame(&resp)
			}
		}
		return nil, toStatusErr(err)
	}

	resp.DBID = t.eng.DBID()
	return marshalJSONFrame(&resp)
}

// installSnapshot spools a streamed dataset image to a temp file, then hands
// the MsgSnap plus image path to the pipeline for installation.
func (t *transportServer) installSnapshot(stream grpc.ServerStream) error {
	var msg raftpb.Message
	haveMsg := false

	tmp, err := os.CreateTemp(t.eng.cfg.DataDir, "incoming-image-*.db")
	if err != nil {
		return status.Errorf(codes.Internal, "spool snapshot image: %v", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	for {
		frame := new([]byte)
		err := stream.RecvMsg(frame)
		if err == io.EOF {
			break
		}
		if err != nil {
			tmp.Close()
			return err
		}

		frameType, payload, err := unmarshalRecord(*frame)
		if err != nil {
			tmp.Close()
			return status.Errorf(codes.InvalidArgument, "bad snapshot frame: %v", err)
		}

		switch frameType {
		case snapFrameMsg:
			if err := msg.Unmarshal(payload); err != nil {
				tmp.Close()
				return status.Errorf(codes.InvalidArgument, "unmarshal snapshot message: %v", err)
			}
			haveMsg = true
		case snapFrameChunk:
			if _, err := tmp.Write(payload); err != nil {
				tmp.Close()
				return status.Errorf(codes.Internal, "spool snapshot image: %v", err)
			}
		default:
			tmp.Close()
			return status.Errorf(codes.InvalidArgument, "unknown snapshot frame type %d", frameType)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return status.Errorf(codes.Internal, "spool snapshot image: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return status.Errorf(codes.Internal, "spool snapshot image: %v", err)
	}
	if !haveMsg {
		return status.Error(codes.InvalidArgument, "snapshot stream carried no raft message")
	}

	slog.Info("received snapshot image",
		"from", msg.From,
		"index", msg.Snapshot.Metadata.Index,
		"term", msg.Snapshot.Metadata.Term,
	)

	done := make(chan error, 1)
	t.eng.Submit(&LoadSnapshotRequest{Msg: msg, ImagePath: tmpPath, Done: done})

	if err := t.await(stream.Context(), done); err != nil {
		return toStatusErr(err)
	}
	return stream.SendMsg(new([]byte))
}

// await blocks the RPC goroutine (never the pipeline) for a reply, bounded by
// the request timeout and the caller's context.
func (t *transportServer) await(ctx context.Context, done chan error) error {
	timer := time.NewTimer(t.eng.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case <-ctx.Done():
		return status.FromContextError(ctx.Err()).Err()
	}
}

func isVoteMessage(t raftpb.MessageType) bool {
	switch t {
	case raftpb.MsgVote, raftpb.MsgVoteResp, raftpb.MsgPreVote, raftpb.MsgPreVoteResp:
		return true
	default:
		return false
	}
}

func toStatusErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrUninitialized):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// serveTransport binds the peer-facing listener and serves until Stop.
func serveTransport(eng *Engine, addr string) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := newTransportServer(eng)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("raft transport server stopped", "error", err)
		}
	}()
	slog.Info("raft transport listening", "addr", addr)
	return srv, lis, nil
}
