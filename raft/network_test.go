package raft

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushantsondhi/broker-raft/common"
)

// network routes requests between in-process raft nodes. Disconnect
// creates an artificial partition around a node (bi-directional).
type network struct {
	mu           sync.Mutex
	handlers     map[common.Endpoint]common.Handler
	disconnected map[common.Endpoint]bool
}

func newNetwork() *network {
	return &network{
		handlers:     make(map[common.Endpoint]common.Handler),
		disconnected: make(map[common.Endpoint]bool),
	}
}

func (n *network) register(endpoint common.Endpoint, handler common.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[endpoint] = handler
}

func (n *network) Disconnect(endpoint common.Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[endpoint] = true
}

func (n *network) Reconnect(endpoint common.Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, endpoint)
}

func (n *network) route(from, to common.Endpoint) (common.Handler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disconnected[from] || n.disconnected[to] {
		return nil, fmt.Errorf("%v is disconnected from %v", from, to)
	}
	handler, ok := n.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%v is unreachable", to)
	}
	return handler, nil
}

func (n *network) transport(from common.Endpoint) common.Transport {
	return &localTransport{network: n, from: from}
}

type localTransport struct {
	network *network
	from    common.Endpoint
}

var _ common.Transport = &localTransport{}

func (t *localTransport) Append(ctx context.Context, to common.Endpoint, req *common.AppendRequest) (*common.AppendResponse, error) {
	handler, err := t.network.route(t.from, to)
	if err != nil {
		return nil, err
	}
	return handler.HandleAppendRequest(ctx, req)
}

func (t *localTransport) Vote(ctx context.Context, to common.Endpoint, req *common.VoteRequest) (*common.VoteResponse, error) {
	handler, err := t.network.route(t.from, to)
	if err != nil {
		return nil, err
	}
	return handler.HandleVoteRequest(ctx, req)
}

func (t *localTransport) Poll(ctx context.Context, to common.Endpoint, req *common.PollRequest) (*common.PollResponse, error) {
	handler, err := t.network.route(t.from, to)
	if err != nil {
		return nil, err
	}
	return handler.HandlePollRequest(ctx, req)
}

func (t *localTransport) Configure(ctx context.Context, to common.Endpoint, req *common.ConfigureRequest) (*common.ConfigureResponse, error) {
	handler, err := t.network.route(t.from, to)
	if err != nil {
		return nil, err
	}
	return handler.HandleConfigureRequest(ctx, req)
}

func (t *localTransport) Join(ctx context.Context, to common.Endpoint, req *common.JoinRequest) (*common.JoinResponse, error) {
	handler, err := t.network.route(t.from, to)
	if err != nil {
		return nil, err
	}
	return handler.HandleJoinRequest(ctx, req)
}

func (t *localTransport) Leave(ctx context.Context, to common.Endpoint, req *common.LeaveRequest) (*common.LeaveResponse, error) {
	handler, err := t.network.route(t.from, to)
	if err != nil {
		return nil, err
	}
	return handler.HandleLeaveRequest(ctx, req)
}
