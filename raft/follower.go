package raft

import (
	"log"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
)

// follower answers the leader and, once the election timeout elapsed
// without hearing from it, polls the other members. A quorum of granted
// polls turns it into a candidate.
type follower struct {
	raft *Raft

	polling  bool
	req      *common.PollRequest
	deadline time.Time
	closed   bool
}

func newFollower(r *Raft) *follower {
	return &follower{raft: r}
}

func (f *follower) state() RaftState {
	return Follower
}

func (f *follower) open() {
	f.raft.reopenDrivers()
	f.raft.resetElectionDeadline()
}

func (f *follower) doWork() int {
	r := f.raft
	now := time.Now()
	if !f.polling {
		if now.Before(r.electionDeadline) || !r.canElect() {
			return 0
		}
		if err := f.startPoll(now); err != nil {
			log.Printf("%v: failed to start poll: %+v\n", r.me, err)
			r.resetElectionDeadline()
		}
		return 1
	}
	// a leader showed up, or the term moved on, since the poll started
	if now.Before(r.electionDeadline) || f.req.Term != r.term+1 || !r.canElect() {
		f.stopPoll()
		return 1
	}
	work, granted := 0, 1
	for _, m := range r.members {
		work += m.poll.doWork(f.req)
		if m.poll.granted {
			granted++
		}
	}
	if granted >= r.quorum() {
		log.Printf("%v: majority polls (%d) received for term %d\n", r.me, granted, f.req.Term)
		f.stopPoll()
		r.becomeCandidate()
		return work + 1
	}
	if now.After(f.deadline) {
		f.stopPoll()
		r.resetElectionDeadline()
		return work + 1
	}
	return work
}

func (f *follower) startPoll(now time.Time) error {
	r := f.raft
	lastPosition, lastTerm, err := r.lastEntry()
	if err != nil {
		return err
	}
	f.req = &common.PollRequest{
		Term:         r.term + 1,
		Candidate:    r.me,
		LastPosition: lastPosition,
		LastTerm:     lastTerm,
	}
	f.deadline = now.Add(r.config.randomElectionTimeout())
	f.polling = true
	for _, m := range r.members {
		m.poll.reset()
	}
	log.Printf("%v: election timeout, polling for term %d\n", r.me, f.req.Term)
	return nil
}

func (f *follower) stopPoll() {
	f.polling = false
	for _, m := range f.raft.members {
		m.poll.reset()
	}
}

func (f *follower) close() {
	f.polling = false
	f.raft.closeDrivers()
	f.closed = true
}

func (f *follower) isClosed() bool {
	return f.closed
}

func (f *follower) handleAppend(req *common.AppendRequest) (*common.AppendResponse, error) {
	return f.raft.appendAsFollower(req)
}

func (f *follower) handleVote(req *common.VoteRequest) (*common.VoteResponse, error) {
	return f.raft.decideVote(req)
}

func (f *follower) handlePoll(req *common.PollRequest) (*common.PollResponse, error) {
	return f.raft.decidePoll(req)
}

func (f *follower) handleConfigure(req *common.ConfigureRequest) (*common.ConfigureResponse, error) {
	return f.raft.configureAsFollower(req)
}

func (f *follower) handleJoin(_ *common.JoinRequest, complete func(*common.JoinResponse)) error {
	return f.raft.redirectJoin(complete)
}

func (f *follower) handleLeave(_ *common.LeaveRequest, complete func(*common.LeaveResponse)) error {
	return f.raft.redirectLeave(complete)
}
