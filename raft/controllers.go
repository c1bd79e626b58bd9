package raft

import (
	"fmt"
	"log"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"go.uber.org/multierr"
)

// membershipAnswer is what a join or a leave response tells the requester.
type membershipAnswer struct {
	term          int32
	succeeded     bool
	leader        common.Endpoint
	configuration common.Configuration
}

// membershipController keeps asking the cluster to add or remove this
// node until a leader confirms it. Requests go to the last known leader
// and otherwise rotate through the known peers.
type membershipController[Req any, Resp any] struct {
	exchange[Req, Resp]
	raft *Raft

	peers    []common.Endpoint
	next     int
	hint     *common.Endpoint
	target   common.Endpoint
	request  *Req
	answer   func(resp *Resp) membershipAnswer
	done     func(answer membershipAnswer)
	complete func(err error)

	retryAt  time.Time
	failures int
	errs     error
}

type (
	joinController  = membershipController[common.JoinRequest, common.JoinResponse]
	leaveController = membershipController[common.LeaveRequest, common.LeaveResponse]
)

func newJoinController(r *Raft, peers []common.Endpoint, complete func(error)) *joinController {
	c := &joinController{
		exchange: newExchange("join", r.transport.Join),
		raft:     r,
		peers:    peers,
		request:  &common.JoinRequest{Member: r.me},
		answer: func(resp *common.JoinResponse) membershipAnswer {
			return membershipAnswer{
				term:      resp.Term,
				succeeded: resp.Succeeded,
				leader:    resp.Leader,
				configuration: common.Configuration{
					EntryPosition: resp.ConfigEntryPosition,
					EntryTerm:     resp.ConfigEntryTerm,
					Members:       resp.Members,
				},
			}
		},
		complete: complete,
	}
	c.done = func(answer membershipAnswer) {
		r.join = nil
		if _, err := r.adopt(answer.configuration); err != nil {
			complete(err)
			return
		}
		log.Printf("%v: joined the cluster\n", r.me)
		complete(nil)
	}
	return c
}

func newLeaveController(r *Raft, complete func(error)) *leaveController {
	var peers []common.Endpoint
	if r.configuration != nil {
		peers = r.configuration.Without(r.me)
	}
	c := &leaveController{
		exchange: newExchange("leave", r.transport.Leave),
		raft:     r,
		peers:    peers,
		request:  &common.LeaveRequest{Member: r.me},
		answer: func(resp *common.LeaveResponse) membershipAnswer {
			return membershipAnswer{
				term:      resp.Term,
				succeeded: resp.Succeeded,
				leader:    resp.Leader,
				configuration: common.Configuration{
					EntryPosition: resp.ConfigEntryPosition,
					EntryTerm:     resp.ConfigEntryTerm,
					Members:       resp.Members,
				},
			}
		},
		complete: complete,
	}
	if r.leader != nil {
		leader := *r.leader
		c.hint = &leader
	}
	c.done = func(answer membershipAnswer) {
		r.leave = nil
		if _, err := r.adopt(answer.configuration); err != nil {
			complete(err)
			return
		}
		log.Printf("%v: left the cluster\n", r.me)
		r.becomeInactive()
		complete(nil)
	}
	return c
}

func (c *membershipController[Req, Resp]) doWork() int {
	r := c.raft
	switch c.state {
	case exchangeIdle:
		if len(c.peers) == 0 || time.Now().Before(c.retryAt) {
			return 0
		}
		c.target = c.pickTarget()
		c.start(c.target, r.config.RequestTimeout, c.request)
		return 1
	case exchangeAwaiting:
		o, done := c.poll()
		if !done {
			return 0
		}
		if o.err != nil {
			c.failed(fmt.Errorf("%s via %v: %w", c.name, c.target, o.err))
			return 1
		}
		answer := c.answer(o.resp)
		if _, err := r.observeTerm(answer.term); err != nil {
			log.Printf("%v: failed to store term %d: %+v\n", r.me, answer.term, err)
		}
		if answer.succeeded {
			c.closeForcibly()
			c.done(answer)
			return 1
		}
		if answer.leader.IsValid() && answer.leader != c.target {
			// redirected to the leader, no need to back off
			leader := answer.leader
			c.hint = &leader
			return 1
		}
		c.failed(fmt.Errorf("%s via %v: refused", c.name, c.target))
		return 1
	}
	return 0
}

func (c *membershipController[Req, Resp]) pickTarget() common.Endpoint {
	if c.hint != nil {
		return *c.hint
	}
	return c.peers[c.next%len(c.peers)]
}

func (c *membershipController[Req, Resp]) failed(err error) {
	c.errs = multierr.Append(c.errs, err)
	c.hint = nil
	c.next++
	c.failures++
	c.retryAt = time.Now().Add(c.raft.config.RetryBackoff << min(c.failures, maxBackoffShift))
	if c.failures%len(c.peers) == 0 {
		log.Printf("%v: %s attempts failed: %v\n", c.raft.me, c.name, c.errs)
		c.errs = nil
	}
}
