package grpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/metrics"
	"github.com/sushantsondhi/broker-raft/tracing"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const (
	serviceName = "brokerraft.v1.Raft"
	stopTimeout = 2 * time.Second
)

// Server serves a common.Handler over gRPC using the JSON codec.
type Server struct {
	bind string

	mu  sync.Mutex
	lis net.Listener
	srv *grpc.Server
}

func NewServer(bind common.Endpoint) *Server {
	return &Server{bind: bind.String()}
}

// unary builds the descriptor of one method, decoding its request and
// running it through the server interceptor.
func unary[Req any, Resp any](name string, call func(common.Handler, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(common.Handler), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Service descriptor (hand-written, no codegen required)
var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*common.Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary("Append", common.Handler.HandleAppendRequest),
		unary("Vote", common.Handler.HandleVoteRequest),
		unary("Poll", common.Handler.HandlePollRequest),
		unary("Configure", common.Handler.HandleConfigureRequest),
		unary("Join", common.Handler.HandleJoinRequest),
		unary("Leave", common.Handler.HandleLeaveRequest),
	},
	Metadata: "brokerraft/v1/raft.proto",
}

// observe wraps every inbound call in a span and counts it.
func observe(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc"+info.FullMethod)
	defer end()
	resp, err := handler(ctx, req)
	metrics.TransportRequests.WithLabelValues("grpc", info.FullMethod, metrics.Result(err)).Inc()
	return resp, err
}

// Start listens on the bind address and serves handler in the background
// until Stop is called.
func (s *Server) Start(handler common.Handler) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	// raft calls select the registered json codec by content subtype, the
	// health service keeps protobuf
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(observe),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(&raftServiceDesc, handler)

	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr is the address the server listens on, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop stops gracefully, forcing the remaining calls to fail after a
// short timeout.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		srv.Stop()
	}
}
