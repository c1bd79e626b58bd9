package grpc

import (
	"context"
	"sync"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/metrics"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Transport implements common.Transport over gRPC. One client
// connection is kept per destination and reused by every call.
type Transport struct {
	mu    sync.Mutex
	conns map[common.Endpoint]*grpc.ClientConn
}

var _ common.Transport = &Transport{}

func NewTransport() *Transport {
	return &Transport{conns: make(map[common.Endpoint]*grpc.ClientConn)}
}

func (t *Transport) conn(to common.Endpoint) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cc, ok := t.conns[to]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(to.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	)
	if err != nil {
		return nil, err
	}
	metrics.GRPCConnDials.Inc()
	t.conns[to] = cc
	return cc, nil
}

func invoke[Req any, Resp any](t *Transport, ctx context.Context, to common.Endpoint, method string, req *Req) (*Resp, error) {
	cc, err := t.conn(to)
	if err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := cc.Invoke(ctx, "/"+serviceName+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *Transport) Append(ctx context.Context, to common.Endpoint, req *common.AppendRequest) (*common.AppendResponse, error) {
	return invoke[common.AppendRequest, common.AppendResponse](t, ctx, to, "Append", req)
}

func (t *Transport) Vote(ctx context.Context, to common.Endpoint, req *common.VoteRequest) (*common.VoteResponse, error) {
	return invoke[common.VoteRequest, common.VoteResponse](t, ctx, to, "Vote", req)
}

func (t *Transport) Poll(ctx context.Context, to common.Endpoint, req *common.PollRequest) (*common.PollResponse, error) {
	return invoke[common.PollRequest, common.PollResponse](t, ctx, to, "Poll", req)
}

func (t *Transport) Configure(ctx context.Context, to common.Endpoint, req *common.ConfigureRequest) (*common.ConfigureResponse, error) {
	return invoke[common.ConfigureRequest, common.ConfigureResponse](t, ctx, to, "Configure", req)
}

func (t *Transport) Join(ctx context.Context, to common.Endpoint, req *common.JoinRequest) (*common.JoinResponse, error) {
	return invoke[common.JoinRequest, common.JoinResponse](t, ctx, to, "Join", req)
}

func (t *Transport) Leave(ctx context.Context, to common.Endpoint, req *common.LeaveRequest) (*common.LeaveResponse, error) {
	return invoke[common.LeaveRequest, common.LeaveResponse](t, ctx, to, "Leave", req)
}

// Close closes all cached connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for to, cc := range t.conns {
		err = multierr.Append(err, cc.Close())
		delete(t.conns, to)
	}
	return err
}
