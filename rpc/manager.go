package rpc

import (
	"context"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/metrics"
)

const (
	serviceName = "RaftServer"
	// DefaultHandlerTimeout bounds the time spent in a handler, since
	// net/rpc carries no deadline from the caller.
	DefaultHandlerTimeout = 30 * time.Second
)

// Manager serves a common.Handler over golang's net/rpc package.
type Manager struct {
	HandlerTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewManager() *Manager {
	return &Manager{HandlerTimeout: DefaultHandlerTimeout}
}

// Start listens on address and serves handler until Close is called.
func (manager *Manager) Start(address common.Endpoint, handler common.Handler) error {
	rpcServ := rpc.NewServer()
	if err := rpcServ.RegisterName(serviceName, &service{handler: handler, timeout: manager.handlerTimeout()}); err != nil {
		return err
	}

	for {
		listener, err := net.Listen("tcp", address.String())
		if err != nil {
			return err
		}
		manager.mu.Lock()
		if manager.closed {
			manager.mu.Unlock()
			return listener.Close()
		}
		manager.listener = listener
		manager.mu.Unlock()

		rpcServ.Accept(listener)
		// Accept only returns once the listener broke: either Close was
		// called or a serious network error happened, in which case the
		// listener is re-established.
		manager.mu.Lock()
		closed := manager.closed
		manager.mu.Unlock()
		if closed {
			return nil
		}
	}
}

// Addr is the address the manager listens on, nil before Start bound it.
func (manager *Manager) Addr() net.Addr {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.listener == nil {
		return nil
	}
	return manager.listener.Addr()
}

func (manager *Manager) Close() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.closed = true
	if manager.listener == nil {
		return nil
	}
	return manager.listener.Close()
}

func (manager *Manager) handlerTimeout() time.Duration {
	if manager.HandlerTimeout <= 0 {
		return DefaultHandlerTimeout
	}
	return manager.HandlerTimeout
}

// service adapts a common.Handler to the method set net/rpc expects.
type service struct {
	handler common.Handler
	timeout time.Duration
}

func serve[Req any, Resp any](s *service, method string, handle func(context.Context, *Req) (*Resp, error), args *Req, result *Resp) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	resp, err := handle(ctx, args)
	metrics.TransportRequests.WithLabelValues("netrpc", method, metrics.Result(err)).Inc()
	if err != nil {
		return err
	}
	*result = *resp
	return nil
}

func (s *service) Append(args *common.AppendRequest, result *common.AppendResponse) error {
	return serve(s, "Append", s.handler.HandleAppendRequest, args, result)
}

func (s *service) Vote(args *common.VoteRequest, result *common.VoteResponse) error {
	return serve(s, "Vote", s.handler.HandleVoteRequest, args, result)
}

func (s *service) Poll(args *common.PollRequest, result *common.PollResponse) error {
	return serve(s, "Poll", s.handler.HandlePollRequest, args, result)
}

func (s *service) Configure(args *common.ConfigureRequest, result *common.ConfigureResponse) error {
	return serve(s, "Configure", s.handler.HandleConfigureRequest, args, result)
}

func (s *service) Join(args *common.JoinRequest, result *common.JoinResponse) error {
	return serve(s, "Join", s.handler.HandleJoinRequest, args, result)
}

func (s *service) Leave(args *common.LeaveRequest, result *common.LeaveResponse) error {
	return serve(s, "Leave", s.handler.HandleLeaveRequest, args, result)
}
