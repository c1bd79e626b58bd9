package raft

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/metrics"
)

var _ common.Handler = &Raft{}

func (r *Raft) HandleAppendRequest(ctx context.Context, req *common.AppendRequest) (*common.AppendResponse, error) {
	resp, err := execute(r, ctx, func() (*common.AppendResponse, error) {
		if _, err := r.observeTerm(req.Term); err != nil {
			return nil, err
		}
		return r.role().handleAppend(req)
	})
	result := "rejected"
	switch {
	case err != nil:
		result = "error"
	case resp.Succeeded:
		result = "accepted"
	}
	metrics.AppendRequests.WithLabelValues(r.me.String(), result).Inc()
	return resp, err
}

func (r *Raft) HandleVoteRequest(ctx context.Context, req *common.VoteRequest) (*common.VoteResponse, error) {
	return execute(r, ctx, func() (*common.VoteResponse, error) {
		if _, err := r.observeTerm(req.Term); err != nil {
			return nil, err
		}
		return r.role().handleVote(req)
	})
}

// HandlePollRequest answers a pre-vote. It never changes the term, the
// vote or the leader of this node.
func (r *Raft) HandlePollRequest(ctx context.Context, req *common.PollRequest) (*common.PollResponse, error) {
	return execute(r, ctx, func() (*common.PollResponse, error) {
		return r.role().handlePoll(req)
	})
}

func (r *Raft) HandleConfigureRequest(ctx context.Context, req *common.ConfigureRequest) (*common.ConfigureResponse, error) {
	return execute(r, ctx, func() (*common.ConfigureResponse, error) {
		if _, err := r.observeTerm(req.Term); err != nil {
			return nil, err
		}
		return r.role().handleConfigure(req)
	})
}

// HandleJoinRequest returns once the configuration containing the new
// member is committed, or right away when this node cannot serve it.
func (r *Raft) HandleJoinRequest(ctx context.Context, req *common.JoinRequest) (*common.JoinResponse, error) {
	replies := make(chan *common.JoinResponse, 1)
	_, err := execute(r, ctx, func() (struct{}, error) {
		return struct{}{}, r.role().handleJoin(req, func(resp *common.JoinResponse) { replies <- resp })
	})
	if err != nil {
		return nil, err
	}
	return await(r, ctx, replies)
}

func (r *Raft) HandleLeaveRequest(ctx context.Context, req *common.LeaveRequest) (*common.LeaveResponse, error) {
	replies := make(chan *common.LeaveResponse, 1)
	_, err := execute(r, ctx, func() (struct{}, error) {
		return struct{}{}, r.role().handleLeave(req, func(resp *common.LeaveResponse) { replies <- resp })
	})
	if err != nil {
		return nil, err
	}
	return await(r, ctx, replies)
}

// appendAsFollower is the receiver side of log replication.
func (r *Raft) appendAsFollower(req *common.AppendRequest) (*common.AppendResponse, error) {
	lastPosition, _, err := r.lastEntry()
	if err != nil {
		return nil, err
	}
	resp := &common.AppendResponse{Term: r.term, Position: lastPosition}
	if req.Term < r.term {
		return resp, nil
	}
	r.touchLeader(req.Leader)

	if req.PrevPosition >= 0 {
		prev, err := r.logStore.Get(req.PrevPosition)
		if errors.Is(err, common.ErrEntryNotFound) {
			return resp, nil
		}
		if err != nil {
			return nil, err
		}
		if prev.Term != req.PrevTerm {
			return resp, nil
		}
	}

	entries, err := r.reconcile(req.PrevPosition, req.Entries)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := r.logStore.Append(entries...); err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.Type != common.ConfigurationEntry {
				continue
			}
			members, err := common.DecodeMembers(entry.Data)
			if err != nil {
				return nil, err
			}
			configuration := common.Configuration{EntryPosition: entry.Position, EntryTerm: entry.Term, Members: members}
			if _, err := r.adopt(configuration); err != nil {
				return nil, err
			}
		}
		if _, err := r.verifyConfiguration(); err != nil {
			return nil, err
		}
	}

	lastNew := req.PrevPosition
	if n := len(req.Entries); n > 0 {
		lastNew = req.Entries[n-1].Position
	}
	if err := r.setCommitPosition(min(req.CommitPosition, lastNew)); err != nil {
		return nil, err
	}
	if resp.Position, _, err = r.lastEntry(); err != nil {
		return nil, err
	}
	resp.Succeeded = true
	return resp, nil
}

// reconcile skips the entries already present after prev and truncates the
// local log at the first conflict. It returns the entries left to append.
func (r *Raft) reconcile(prev int64, entries []common.LogEntry) ([]common.LogEntry, error) {
	r.appendReader.Seek(prev + 1)
	for i, entry := range entries {
		existing, err := r.appendReader.Next()
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Position == entry.Position && existing.Term == entry.Term {
			continue
		}
		if existing != nil {
			anchor := prev
			if i > 0 {
				anchor = entries[i-1].Position
			}
			if err := r.truncate(anchor); err != nil {
				return nil, err
			}
		}
		return entries[i:], nil
	}
	return nil, nil
}

func (r *Raft) truncate(afterPosition int64) error {
	if afterPosition < r.commitPosition {
		panic("fatal: truncating committed entries")
	}
	log.Printf("%v: truncating log after %d\n", r.me, afterPosition)
	if err := r.logStore.Truncate(afterPosition); err != nil {
		return err
	}
	if r.configuration != nil && r.configuration.EntryPosition > afterPosition {
		r.restoreConfiguration()
	}
	return nil
}

func (r *Raft) rejectAppend() (*common.AppendResponse, error) {
	lastPosition, _, err := r.lastEntry()
	if err != nil {
		return nil, err
	}
	return &common.AppendResponse{Term: r.term, Position: lastPosition}, nil
}

// isUpToDate reports whether a log ending at (position, term) is at least
// as up to date as the local log.
func (r *Raft) isUpToDate(position int64, term int32) (bool, error) {
	lastPosition, lastTerm, err := r.lastEntry()
	if err != nil {
		return false, err
	}
	return term > lastTerm || (term == lastTerm && position >= lastPosition), nil
}

func (r *Raft) decideVote(req *common.VoteRequest) (*common.VoteResponse, error) {
	resp := &common.VoteResponse{Term: r.term}
	if req.Term < r.term {
		return resp, nil
	}
	if r.vote != nil && *r.vote != req.Candidate {
		return resp, nil
	}
	upToDate, err := r.isUpToDate(req.LastPosition, req.LastTerm)
	if err != nil || !upToDate {
		return resp, err
	}
	if r.vote == nil {
		if err := r.storeVote(req.Candidate); err != nil {
			return nil, err
		}
	}
	r.resetElectionDeadline()
	resp.Granted = true
	return resp, nil
}

// decidePoll grants a pre-vote for req.Term when a vote in that term could
// be granted and no live leader is known.
func (r *Raft) decidePoll(req *common.PollRequest) (*common.PollResponse, error) {
	resp := &common.PollResponse{Term: r.term}
	if req.Term <= r.term || r.hasLiveLeader(time.Now()) {
		return resp, nil
	}
	upToDate, err := r.isUpToDate(req.LastPosition, req.LastTerm)
	if err != nil {
		return nil, err
	}
	resp.Granted = upToDate
	return resp, nil
}

func (r *Raft) configureAsFollower(req *common.ConfigureRequest) (*common.ConfigureResponse, error) {
	resp := &common.ConfigureResponse{Term: r.term}
	if req.Term < r.term {
		return resp, nil
	}
	r.touchLeader(req.Leader)
	configuration := common.Configuration{
		EntryPosition: req.ConfigEntryPosition,
		EntryTerm:     req.ConfigEntryTerm,
		Members:       req.Members,
	}
	if _, err := r.adopt(configuration); err != nil {
		return nil, err
	}
	resp.Succeeded = true
	return resp, nil
}

func (r *Raft) redirectJoin(complete func(*common.JoinResponse)) error {
	complete(&common.JoinResponse{Term: r.term, Leader: r.leaderHint()})
	return nil
}

func (r *Raft) redirectLeave(complete func(*common.LeaveResponse)) error {
	complete(&common.LeaveResponse{Term: r.term, Leader: r.leaderHint()})
	return nil
}
