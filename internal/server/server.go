package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"quorumkv/internal/kv"
	"quorumkv/internal/raft"
)

// The client service mirrors the peer transport's approach: a raw byte codec
// with JSON envelopes and a hand-registered service descriptor, one method
// per engine operation plus the KV verbs.
const clientServiceName = "quorumkv.Client"

type kvRequest struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type kvResponse struct {
	Found  bool   `json:"found,omitempty"`
	Value  string `json:"value,omitempty"`
	Result string `json:"result,omitempty"`
}

type joinArgs struct {
	Addrs []string `json:"addrs"`
}

type nodeArgs struct {
	ID   uint64 `json:"id"`
	Addr string `json:"addr,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// Server exposes the engine and local store to clients.
type Server struct {
	eng *raft.Engine
	svc *kv.Service

	grpcSrv  *grpc.Server
	listener net.Listener
}

func New(eng *raft.Engine, svc *kv.Service) *Server {
	return &Server{eng: eng, svc: svc}
}

func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.grpcSrv = grpc.NewServer(
		grpc.ForceServerCodec(raft.RawCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.grpcSrv.RegisterService(s.serviceDesc(), s)
	s.listener = lis

	go func() {
		if err := s.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("client server stopped", "error", err)
		}
	}()
	slog.Info("client server listening", "addr", addr)
	return nil
}

func (s *Server) Stop() {
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
}

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: clientServiceName,
		HandlerType: (*Server)(nil),
		Methods: []grpc.MethodDesc{
			unary("Get", (*Server).get),
			unary("Set", (*Server).set),
			unary("Delete", (*Server).del),
			unary("ClusterInit", (*Server).clusterInit),
			unary("ClusterJoin", (*Server).clusterJoin),
			unary("AddNode", (*Server).addNode),
			unary("RemoveNode", (*Server).removeNode),
			unary("Compact", (*Server).compact),
			unary("Info", (*Server).info),
		},
	}
}

// unary adapts a JSON-in, JSON-out method to the raw codec's handler shape.
func unary(name string, fn func(*Server, context.Context, []byte) (any, error)) grpc.MethodDesc {
	fullMethod := "/" + clientServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new([]byte)
			if err := dec(in); err != nil {
				return nil, err
			}

			call := func(ctx context.Context, req any) (any, error) {
				out, err := fn(srv.(*Server), ctx, *req.(*[]byte))
				if err != nil {
					return nil, toStatusErr(err)
				}
				payload, err := json.Marshal(out)
				if err != nil {
					return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
				}
				return &payload, nil
			}

			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, call)
		},
	}
}

// get serves from the local dataset without a round through the log, so a
// follower may return slightly stale data.
func (s *Server) get(ctx context.Context, in []byte) (any, error) {
	var req kvRequest
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, badRequest("get", err)
	}
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "get: missing key")
	}
	v, ok := s.svc.Get(req.Key)
	return &kvResponse{Found: ok, Value: v}, nil
}

func (s *Server) set(ctx context.Context, in []byte) (any, error) {
	var req kvRequest
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, badRequest("set", err)
	}
	return s.replicate(ctx, &kv.Command{Op: kv.OpSet, Key: req.Key, Value: req.Value})
}

func (s *Server) del(ctx context.Context, in []byte) (any, error) {
	var req kvRequest
	if err := json.Unmarshal(in, &req); err != nil {
		return nil, badRequest("delete", err)
	}
	return s.replicate(ctx, &kv.Command{Op: kv.OpDelete, Key: req.Key})
}

func (s *Server) replicate(ctx context.Context, cmd *kv.Command) (any, error) {
	data, err := kv.EncodeCommand(cmd)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := s.eng.Command(ctx, data)
	if err != nil {
		return nil, err
	}
	return &kvResponse{Result: string(result)}, nil
}

func (s *Server) clusterInit(ctx context.Context, in []byte) (any, error) {
	if err := s.eng.ClusterInit(ctx); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (s *Server) clusterJoin(ctx context.Context, in []byte) (any, error) {
	var args joinArgs
	if err := json.Unmarshal(in, &args); err != nil {
		return nil, badRequest("cluster join", err)
	}
	addrs, err := raft.ParseAddrList(args.Addrs)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.eng.ClusterJoin(ctx, addrs); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (s *Server) addNode(ctx context.Context, in []byte) (any, error) {
	var args nodeArgs
	if err := json.Unmarshal(in, &args); err != nil {
		return nil, badRequest("add node", err)
	}
	addr, err := raft.ParseNodeAddr(args.Addr)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.eng.AddNode(ctx, args.ID, addr); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (s *Server) removeNode(ctx context.Context, in []byte) (any, error) {
	var args nodeArgs
	if err := json.Unmarshal(in, &args); err != nil {
		return nil, badRequest("remove node", err)
	}
	if err := s.eng.RemoveNode(ctx, args.ID); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (s *Server) compact(ctx context.Context, in []byte) (any, error) {
	if err := s.eng.Compact(ctx); err != nil {
		return nil, err
	}
	return &okResponse{OK: true}, nil
}

func (s *Server) info(ctx context.Context, in []byte) (any, error) {
	info, err := s.eng.Info(ctx)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func badRequest(op string, err error) error {
	return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
}

func toStatusErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrNoLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, raft.ErrUninitialized), errors.Is(err, raft.ErrAlreadyInitialized):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, raft.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
