package raft

import "github.com/sushantsondhi/broker-raft/common"

// inactive takes part in no exchange. A node is inactive until it knows
// its configuration, and again after it left the cluster or shut down.
type inactive struct {
	raft *Raft
}

func (i *inactive) state() RaftState {
	return Inactive
}

func (i *inactive) open() {
	i.raft.clearLeader()
}

func (i *inactive) doWork() int {
	return 0
}

func (i *inactive) close() {}

func (i *inactive) isClosed() bool {
	return true
}

func (i *inactive) handleAppend(*common.AppendRequest) (*common.AppendResponse, error) {
	return i.raft.rejectAppend()
}

func (i *inactive) handleVote(*common.VoteRequest) (*common.VoteResponse, error) {
	return &common.VoteResponse{Term: i.raft.term}, nil
}

func (i *inactive) handlePoll(*common.PollRequest) (*common.PollResponse, error) {
	return &common.PollResponse{Term: i.raft.term}, nil
}

func (i *inactive) handleConfigure(*common.ConfigureRequest) (*common.ConfigureResponse, error) {
	return &common.ConfigureResponse{Term: i.raft.term}, nil
}

func (i *inactive) handleJoin(_ *common.JoinRequest, complete func(*common.JoinResponse)) error {
	return i.raft.redirectJoin(complete)
}

func (i *inactive) handleLeave(_ *common.LeaveRequest, complete func(*common.LeaveResponse)) error {
	return i.raft.redirectLeave(complete)
}
