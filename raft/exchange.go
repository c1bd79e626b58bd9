package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sushantsondhi/broker-raft/common"
)

type exchangeState int

const (
	exchangeIdle exchangeState = iota
	exchangeAwaiting
	exchangeClosed
)

func (s exchangeState) String() string {
	switch s {
	case exchangeIdle:
		return "idle"
	case exchangeAwaiting:
		return "awaiting-response"
	case exchangeClosed:
		return "closed"
	}
	return fmt.Sprintf("exchangeState(%d)", int(s))
}

type outcome[Resp any] struct {
	resp *Resp
	err  error
}

// exchange is one peer-directed request/response, sent from its own
// goroutine and collected by polling from the raft goroutine.
type exchange[Req any, Resp any] struct {
	name  string
	send  func(ctx context.Context, to common.Endpoint, req *Req) (*Resp, error)
	state exchangeState

	id     uuid.UUID
	cancel context.CancelFunc
	result chan outcome[Resp]
	// closes counts transitions into exchangeClosed.
	closes int
}

func newExchange[Req any, Resp any](name string, send func(context.Context, common.Endpoint, *Req) (*Resp, error)) exchange[Req, Resp] {
	return exchange[Req, Resp]{name: name, send: send}
}

func (e *exchange[Req, Resp]) start(to common.Endpoint, timeout time.Duration, req *Req) {
	if e.state != exchangeIdle {
		panic(fmt.Sprintf("fatal: %s exchange with %v started while %v", e.name, to, e.state))
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	result := make(chan outcome[Resp], 1)
	e.id = uuid.New()
	e.cancel = cancel
	e.result = result
	e.state = exchangeAwaiting
	send := e.send
	go func() {
		resp, err := send(ctx, to, req)
		result <- outcome[Resp]{resp: resp, err: err}
	}()
}

// poll returns the outcome of the in-flight exchange once it is available.
func (e *exchange[Req, Resp]) poll() (outcome[Resp], bool) {
	if e.state != exchangeAwaiting {
		return outcome[Resp]{}, false
	}
	select {
	case o := <-e.result:
		e.cancel()
		e.cancel, e.result = nil, nil
		e.state = exchangeIdle
		return o, true
	default:
		return outcome[Resp]{}, false
	}
}

// closeForcibly stops expecting the response of an in-flight exchange.
// It never waits and may be called any number of times.
func (e *exchange[Req, Resp]) closeForcibly() {
	if e.state == exchangeClosed {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel, e.result = nil, nil
	e.state = exchangeClosed
	e.closes++
}

func (e *exchange[Req, Resp]) reopen() {
	if e.state == exchangeClosed {
		e.state = exchangeIdle
	}
}
