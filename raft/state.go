package raft

import "fmt"

type RaftState int32

const (
	Inactive RaftState = iota
	Follower
	Candidate
	Leader
)

func (s RaftState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return fmt.Sprintf("RaftState(%d)", int32(s))
}

// StateListener is notified synchronously, from the raft goroutine, every
// time a new role is installed.
type StateListener func(state RaftState)
