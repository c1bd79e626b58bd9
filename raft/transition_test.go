package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sushantsondhi/broker-raft/common"
)

// scriptedRole records the hooks invoked on it. It reports closed only
// after closeDelay polls.
type scriptedRole struct {
	name       string
	kind       RaftState
	trace      *[]string
	closeDelay int
	closing    bool
}

func (s *scriptedRole) record(event string) {
	*s.trace = append(*s.trace, s.name+"."+event)
}

func (s *scriptedRole) state() RaftState { return s.kind }
func (s *scriptedRole) open()            { s.record("open") }
func (s *scriptedRole) close()           { s.record("close"); s.closing = true }

func (s *scriptedRole) doWork() int {
	s.record("work")
	return 1
}

func (s *scriptedRole) isClosed() bool {
	if !s.closing {
		return false
	}
	if s.closeDelay > 0 {
		s.closeDelay--
		return false
	}
	return true
}

func (s *scriptedRole) handleAppend(*common.AppendRequest) (*common.AppendResponse, error) {
	return nil, nil
}

func (s *scriptedRole) handleVote(*common.VoteRequest) (*common.VoteResponse, error) {
	return nil, nil
}

func (s *scriptedRole) handlePoll(*common.PollRequest) (*common.PollResponse, error) {
	return nil, nil
}

func (s *scriptedRole) handleConfigure(*common.ConfigureRequest) (*common.ConfigureResponse, error) {
	return nil, nil
}

func (s *scriptedRole) handleJoin(*common.JoinRequest, func(*common.JoinResponse)) error {
	return nil
}

func (s *scriptedRole) handleLeave(*common.LeaveRequest, func(*common.LeaveResponse)) error {
	return nil
}

func newScriptedTransition() (*transition, *[]string, *scriptedRole) {
	trace := &[]string{}
	idle := &scriptedRole{name: "inactive", kind: Inactive, trace: trace, closing: true}
	t := newTransition(idle, func(installed role) {
		*trace = append(*trace, "installed "+installed.(*scriptedRole).name)
	})
	return t, trace, idle
}

func run(t *transition, cycles int) {
	for i := 0; i < cycles; i++ {
		t.doWork()
	}
}

func TestTransition_OpensRequestedRole(t *testing.T) {
	tr, trace, _ := newScriptedTransition()
	assert.Equal(t, 0, tr.doWork())

	follower := &scriptedRole{name: "follower", kind: Follower, trace: trace}
	tr.toRole(follower)
	assert.Same(t, follower, tr.effective())

	run(tr, 4)
	assert.Equal(t, transitionOpen, tr.state)
	assert.Equal(t, []string{"installed follower", "follower.open", "follower.work"}, *trace)
}

func TestTransition_ClosesBeforeOpeningNext(t *testing.T) {
	tr, trace, _ := newScriptedTransition()
	follower := &scriptedRole{name: "follower", kind: Follower, trace: trace, closeDelay: 2}
	tr.toRole(follower)
	run(tr, 3)
	*trace = nil

	candidate := &scriptedRole{name: "candidate", kind: Candidate, trace: trace}
	leader := &scriptedRole{name: "leader", kind: Leader, trace: trace}
	tr.toRole(candidate)
	// a later request replaces one that was not installed yet
	tr.toRole(leader)
	assert.Same(t, leader, tr.effective())

	run(tr, 2)
	assert.Equal(t, transitionClosing, tr.state)
	// the closing role is polled until it reports closed
	run(tr, 2)
	assert.Equal(t, transitionClosing, tr.state)
	run(tr, 4)
	assert.Equal(t, transitionOpen, tr.state)
	assert.Equal(t, []string{"follower.close", "installed leader", "leader.open", "leader.work"}, *trace)
}

func TestTransition_CloseSettlesInClosed(t *testing.T) {
	tr, trace, idle := newScriptedTransition()
	leader := &scriptedRole{name: "leader", kind: Leader, trace: trace}
	tr.toRole(leader)
	run(tr, 3)
	*trace = nil

	tr.close()
	// no role is accepted once closing
	tr.toRole(&scriptedRole{name: "follower", kind: Follower, trace: trace})
	assert.Same(t, leader, tr.effective())

	run(tr, 4)
	assert.Equal(t, transitionClosed, tr.state)
	assert.True(t, tr.isSettled())
	assert.Same(t, idle, tr.current)
	assert.Equal(t, []string{"leader.close", "installed inactive"}, *trace)
	assert.Equal(t, 0, tr.doWork())
}

func TestTransition_CloseBeforeAnyRole(t *testing.T) {
	tr, trace, _ := newScriptedTransition()
	tr.close()
	assert.Equal(t, 1, tr.doWork())
	assert.True(t, tr.isSettled())
	assert.Empty(t, *trace)
}

func TestTransition_InvalidStateChangePanics(t *testing.T) {
	tr, _, _ := newScriptedTransition()
	assert.Panics(t, func() { tr.setState(transitionOpen) })
	assert.Panics(t, func() { tr.setState(transitionClosing) })
	assert.NotPanics(t, func() { tr.setState(transitionTransition) })
	assert.Panics(t, func() { tr.setState(transitionOpen) })
}
