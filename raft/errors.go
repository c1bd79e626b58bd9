package raft

import "errors"

var (
	ErrNotLeader                  = errors.New("raft: not the leader")
	ErrEmptyCluster               = errors.New("raft: cannot join an empty cluster")
	ErrClosed                     = errors.New("raft: closed")
	ErrMembershipChangeInProgress = errors.New("raft: membership change in progress")
)
