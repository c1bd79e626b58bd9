package raft

import (
	"fmt"

	"github.com/sushantsondhi/broker-raft/common"
)

// role is the behaviour of the node while it is Inactive, a Follower,
// a Candidate or a Leader. Only one role is open at any time.
type role interface {
	state() RaftState

	open()
	doWork() int
	close()
	isClosed() bool

	handleAppend(req *common.AppendRequest) (*common.AppendResponse, error)
	handleVote(req *common.VoteRequest) (*common.VoteResponse, error)
	handlePoll(req *common.PollRequest) (*common.PollResponse, error)
	handleConfigure(req *common.ConfigureRequest) (*common.ConfigureResponse, error)
	handleJoin(req *common.JoinRequest, complete func(*common.JoinResponse)) error
	handleLeave(req *common.LeaveRequest, complete func(*common.LeaveResponse)) error
}

type transitionState int

const (
	transitionClosed transitionState = iota
	transitionOpening
	transitionOpen
	transitionClose
	transitionClosing
	transitionTransition
)

func (s transitionState) String() string {
	switch s {
	case transitionClosed:
		return "closed"
	case transitionOpening:
		return "opening"
	case transitionOpen:
		return "open"
	case transitionClose:
		return "close"
	case transitionClosing:
		return "closing"
	case transitionTransition:
		return "transition"
	}
	return fmt.Sprintf("transitionState(%d)", int(s))
}

var allowedTransitions = map[transitionState][]transitionState{
	transitionClosed:     {transitionTransition},
	transitionOpening:    {transitionOpen},
	transitionOpen:       {transitionClose},
	transitionClose:      {transitionClosing},
	transitionClosing:    {transitionTransition},
	transitionTransition: {transitionOpening, transitionClosed},
}

// transition serializes role changes: the current role is fully closed
// before the next one is installed and opened.
type transition struct {
	state   transitionState
	current role
	next    role

	shutdown bool
	settled  bool
	// inactive is installed when the transition shuts down.
	inactive  role
	installed func(role)
}

func newTransition(initial role, installed func(role)) *transition {
	return &transition{
		state:     transitionClosed,
		current:   initial,
		inactive:  initial,
		installed: installed,
	}
}

func (t *transition) setState(state transitionState) {
	for _, allowed := range allowedTransitions[t.state] {
		if allowed == state {
			t.state = state
			return
		}
	}
	panic(fmt.Sprintf("fatal: invalid role transition state change %v -> %v", t.state, state))
}

// toRole requests next to replace the current role. A later request
// overrides an earlier one that was not installed yet.
func (t *transition) toRole(next role) {
	if t.shutdown {
		return
	}
	t.next = next
}

// close requests the current role to be closed with no successor.
func (t *transition) close() {
	t.shutdown = true
	t.next = nil
}

// effective is the role that answers requests: the requested one if a
// change is pending, otherwise the current one.
func (t *transition) effective() role {
	if t.next != nil {
		return t.next
	}
	return t.current
}

func (t *transition) isSettled() bool {
	return t.settled
}

func (t *transition) doWork() int {
	switch t.state {
	case transitionClosed:
		if t.next != nil {
			t.setState(transitionTransition)
			return 1
		}
		if t.shutdown && !t.settled {
			t.settle()
			return 1
		}
		return 0
	case transitionOpening:
		t.current.open()
		t.setState(transitionOpen)
		return 1
	case transitionOpen:
		if t.next != nil || t.shutdown {
			t.setState(transitionClose)
			return 1
		}
		return t.current.doWork()
	case transitionClose:
		t.current.close()
		t.setState(transitionClosing)
		return 1
	case transitionClosing:
		if !t.current.isClosed() {
			return 0
		}
		t.setState(transitionTransition)
		return 1
	case transitionTransition:
		if t.next != nil {
			t.current, t.next = t.next, nil
			t.installed(t.current)
			t.setState(transitionOpening)
			return 1
		}
		t.setState(transitionClosed)
		if t.shutdown {
			t.settle()
		}
		return 1
	}
	return 0
}

func (t *transition) settle() {
	if t.current != t.inactive {
		t.current = t.inactive
		t.installed(t.current)
	}
	t.settled = true
}
