package raft

import (
	"log"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/metrics"
)

// candidate moves to the next term, votes for itself and asks every other
// member for its vote.
type candidate struct {
	raft *Raft

	req      *common.VoteRequest
	deadline time.Time
	closed   bool
}

func newCandidate(r *Raft) *candidate {
	return &candidate{raft: r}
}

func (c *candidate) state() RaftState {
	return Candidate
}

func (c *candidate) open() {
	r := c.raft
	r.reopenDrivers()
	lastPosition, lastTerm, err := r.lastEntry()
	if err == nil {
		err = r.setTermAndVote(r.term+1, r.me)
	}
	if err != nil {
		log.Printf("%v: failed to start election: %+v\n", r.me, err)
		r.becomeFollower()
		return
	}
	c.req = &common.VoteRequest{
		Term:         r.term,
		Candidate:    r.me,
		LastPosition: lastPosition,
		LastTerm:     lastTerm,
	}
	c.deadline = time.Now().Add(r.config.randomElectionTimeout())
	for _, m := range r.members {
		m.vote.reset()
	}
	metrics.Elections.WithLabelValues(r.me.String()).Inc()
	log.Printf("%v: starting election for term %d\n", r.me, r.term)
}

func (c *candidate) doWork() int {
	r := c.raft
	if c.req == nil {
		return 0
	}
	work, granted := 0, 1
	for _, m := range r.members {
		work += m.vote.doWork(c.req)
		if m.vote.granted {
			granted++
		}
	}
	if r.role() != role(c) || r.term != c.req.Term {
		return work
	}
	if granted >= r.quorum() {
		log.Printf("%v: majority votes (%d) received in election for term %d\n", r.me, granted, c.req.Term)
		r.becomeLeader()
		return work + 1
	}
	if time.Now().After(c.deadline) {
		log.Printf("%v: election for term %d timed out\n", r.me, c.req.Term)
		r.becomeFollower()
		return work + 1
	}
	return work
}

func (c *candidate) close() {
	c.raft.closeDrivers()
	c.closed = true
}

func (c *candidate) isClosed() bool {
	return c.closed
}

func (c *candidate) handleAppend(req *common.AppendRequest) (*common.AppendResponse, error) {
	// an append in our own term means another candidate won the election
	if req.Term == c.raft.term {
		c.raft.becomeFollower()
	}
	return c.raft.appendAsFollower(req)
}

func (c *candidate) handleVote(req *common.VoteRequest) (*common.VoteResponse, error) {
	return c.raft.decideVote(req)
}

func (c *candidate) handlePoll(req *common.PollRequest) (*common.PollResponse, error) {
	return c.raft.decidePoll(req)
}

func (c *candidate) handleConfigure(req *common.ConfigureRequest) (*common.ConfigureResponse, error) {
	if req.Term == c.raft.term {
		c.raft.becomeFollower()
	}
	return c.raft.configureAsFollower(req)
}

func (c *candidate) handleJoin(_ *common.JoinRequest, complete func(*common.JoinResponse)) error {
	return c.raft.redirectJoin(complete)
}

func (c *candidate) handleLeave(_ *common.LeaveRequest, complete func(*common.LeaveResponse)) error {
	return c.raft.redirectLeave(complete)
}
