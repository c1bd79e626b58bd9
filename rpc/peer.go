package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"go.uber.org/multierr"
)

const (
	callAttempts = 3
	redialDelay  = 100 * time.Millisecond
)

// Peer is a net/rpc connection to one raft node with lazy
// initialization. Actual RPC connection is not established until an
// actual RPC call takes place.
type Peer struct {
	address common.Endpoint

	mu     sync.Mutex
	client *rpc.Client
}

func NewPeer(address common.Endpoint) *Peer {
	return &Peer{address: address}
}

func (peer *Peer) connect(ctx context.Context) (*rpc.Client, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client != nil {
		return peer.client, nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", peer.address.String())
	if err != nil {
		return nil, err
	}
	peer.client = rpc.NewClient(conn)
	return peer.client, nil
}

// reset drops client if it is still the connection in use.
func (peer *Peer) reset(client *rpc.Client) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == client {
		peer.client.Close()
		peer.client = nil
	}
}

// call takes care of automatically re-trying on transient failures
func (peer *Peer) call(ctx context.Context, method string, args interface{}, result interface{}) (err error) {
	for i := 0; i < callAttempts; i++ {
		var client *rpc.Client
		if client, err = peer.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			// retry after a short delay
			select {
			case <-time.After(redialDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		call := client.Go(serviceName+"."+method, args, result, make(chan *rpc.Call, 1))
		select {
		case <-call.Done:
			err = call.Error
		case <-ctx.Done():
			// net/rpc cannot cancel a call, its reply is discarded
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, rpc.ErrShutdown) {
			// likely that connection timed out, retry immediately
			peer.reset(client)
			continue
		}
		break
	}
	return
}

func (peer *Peer) Close() error {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == nil {
		return nil
	}
	err := peer.client.Close()
	peer.client = nil
	return err
}

// Transport implements common.Transport with one lazily connected Peer
// per destination.
type Transport struct {
	mu    sync.Mutex
	peers map[common.Endpoint]*Peer
}

var _ common.Transport = &Transport{}

func NewTransport() *Transport {
	return &Transport{peers: make(map[common.Endpoint]*Peer)}
}

func (t *Transport) peer(to common.Endpoint) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer, ok := t.peers[to]
	if !ok {
		peer = NewPeer(to)
		t.peers[to] = peer
	}
	return peer
}

func (t *Transport) Append(ctx context.Context, to common.Endpoint, req *common.AppendRequest) (*common.AppendResponse, error) {
	var resp common.AppendResponse
	if err := t.peer(to).call(ctx, "Append", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *Transport) Vote(ctx context.Context, to common.Endpoint, req *common.VoteRequest) (*common.VoteResponse, error) {
	var resp common.VoteResponse
	if err := t.peer(to).call(ctx, "Vote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *Transport) Poll(ctx context.Context, to common.Endpoint, req *common.PollRequest) (*common.PollResponse, error) {
	var resp common.PollResponse
	if err := t.peer(to).call(ctx, "Poll", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *Transport) Configure(ctx context.Context, to common.Endpoint, req *common.ConfigureRequest) (*common.ConfigureResponse, error) {
	var resp common.ConfigureResponse
	if err := t.peer(to).call(ctx, "Configure", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *Transport) Join(ctx context.Context, to common.Endpoint, req *common.JoinRequest) (*common.JoinResponse, error) {
	var resp common.JoinResponse
	if err := t.peer(to).call(ctx, "Join", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *Transport) Leave(ctx context.Context, to common.Endpoint, req *common.LeaveRequest) (*common.LeaveResponse, error) {
	var resp common.LeaveResponse
	if err := t.peer(to).call(ctx, "Leave", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close closes every open connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for to, peer := range t.peers {
		err = multierr.Append(err, peer.Close())
		delete(t.peers, to)
	}
	return err
}
