package raft

import (
	"log"
	"sort"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
)

// membershipChange is a configuration entry appended on behalf of a join
// or leave, completed once the entry is committed.
type membershipChange struct {
	position int64
	complete func(err error)
}

// leader replicates its log to every member, pushes the adopted
// configuration to members that have not acknowledged it and serves
// membership changes one at a time.
type leader struct {
	raft *Raft

	opened  bool
	closed  bool
	changes []*membershipChange
}

func newLeader(r *Raft) *leader {
	return &leader{raft: r}
}

func (l *leader) state() RaftState {
	return Leader
}

func (l *leader) open() {
	r := l.raft
	r.setLeader(r.me)
	r.reopenDrivers()
	for _, m := range r.members {
		m.resetReaderToLastEntry()
		m.matchPosition = -1
		m.configEntryPosition, m.configEntryTerm = -1, 0
		m.replication.retryAt = time.Time{}
		m.replication.heartbeatAt = time.Time{}
		m.configure.retryAt = time.Time{}
	}
	// an entry of our own term lets entries of earlier terms commit
	configuration, err := r.appendConfiguration(r.configuration.Members)
	if err != nil {
		log.Printf("%v: failed to append initial entry: %+v\n", r.me, err)
		r.becomeFollower()
		return
	}
	l.opened = true
	log.Printf("%v: leading term %d from position %d\n", r.me, r.term, configuration.EntryPosition)
}

func (l *leader) doWork() int {
	if !l.opened {
		return 0
	}
	r := l.raft
	work := 0
	for _, m := range r.members {
		work += m.replication.doWork()
		work += m.configure.doWork()
	}
	if r.role() != role(l) {
		return work
	}
	work += l.advanceCommitPosition()
	work += l.completeChanges()
	return work
}

// advanceCommitPosition commits the highest position held by a quorum,
// provided its entry belongs to the current term.
func (l *leader) advanceCommitPosition() int {
	r := l.raft
	lastPosition, _, err := r.lastEntry()
	if err != nil {
		log.Printf("%v: failed to read last entry: %+v\n", r.me, err)
		return 0
	}
	positions := []int64{lastPosition}
	for _, m := range r.members {
		positions = append(positions, m.matchPosition)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] > positions[j] })
	position := positions[r.quorum()-1]
	if position <= r.commitPosition {
		return 0
	}
	entry, err := r.logStore.Get(position)
	if err != nil {
		log.Printf("%v: failed to read entry %d: %+v\n", r.me, position, err)
		return 0
	}
	if entry.Term != r.term {
		return 0
	}
	if err := r.setCommitPosition(position); err != nil {
		log.Printf("%v: failed to commit position %d: %+v\n", r.me, position, err)
		return 0
	}
	return 1
}

func (l *leader) completeChanges() int {
	r := l.raft
	work := 0
	for len(l.changes) > 0 && l.changes[0].position <= r.commitPosition {
		change := l.changes[0]
		l.changes = l.changes[1:]
		change.complete(nil)
		work++
	}
	return work
}

// change appends a configuration with endpoint added or removed. The
// change is refused while an earlier configuration is not committed.
func (l *leader) change(endpoint common.Endpoint, add bool, complete func(err error)) error {
	r := l.raft
	if !l.opened || len(l.changes) > 0 || r.configuration.EntryPosition > r.commitPosition {
		complete(ErrMembershipChangeInProgress)
		return nil
	}
	if r.configuration.Contains(endpoint) == add {
		complete(nil)
		return nil
	}
	members := r.configuration.With(endpoint)
	if !add {
		members = r.configuration.Without(endpoint)
	}
	if !add && endpoint == r.me {
		done := complete
		complete = func(err error) {
			if err == nil {
				r.becomeInactive()
			}
			done(err)
		}
	}
	configuration, err := r.appendConfiguration(members)
	if err != nil {
		return err
	}
	log.Printf("%v: membership change for %v at position %d\n", r.me, endpoint, configuration.EntryPosition)
	l.changes = append(l.changes, &membershipChange{position: configuration.EntryPosition, complete: complete})
	return nil
}

func (l *leader) leaveSelf(complete func(err error)) error {
	return l.change(l.raft.me, false, complete)
}

func (l *leader) close() {
	r := l.raft
	r.closeDrivers()
	for _, change := range l.changes {
		change.complete(ErrNotLeader)
	}
	l.changes = nil
	if r.leader != nil && *r.leader == r.me {
		r.clearLeader()
	}
	l.closed = true
}

func (l *leader) isClosed() bool {
	return l.closed
}

func (l *leader) handleAppend(req *common.AppendRequest) (*common.AppendResponse, error) {
	if req.Term == l.raft.term {
		log.Printf("%v: rejecting append from %v, leader of the same term %d\n", l.raft.me, req.Leader, req.Term)
	}
	return l.raft.rejectAppend()
}

func (l *leader) handleVote(req *common.VoteRequest) (*common.VoteResponse, error) {
	return l.raft.decideVote(req)
}

func (l *leader) handlePoll(*common.PollRequest) (*common.PollResponse, error) {
	return &common.PollResponse{Term: l.raft.term}, nil
}

func (l *leader) handleConfigure(*common.ConfigureRequest) (*common.ConfigureResponse, error) {
	return &common.ConfigureResponse{Term: l.raft.term}, nil
}

func (l *leader) handleJoin(req *common.JoinRequest, complete func(*common.JoinResponse)) error {
	r := l.raft
	return l.change(req.Member, true, func(err error) {
		resp := &common.JoinResponse{Term: r.term, Leader: r.me}
		if err == nil {
			resp.Succeeded = true
			resp.ConfigEntryPosition = r.configuration.EntryPosition
			resp.ConfigEntryTerm = r.configuration.EntryTerm
			resp.Members = append([]common.Endpoint(nil), r.configuration.Members...)
		}
		complete(resp)
	})
}

func (l *leader) handleLeave(req *common.LeaveRequest, complete func(*common.LeaveResponse)) error {
	r := l.raft
	return l.change(req.Member, false, func(err error) {
		resp := &common.LeaveResponse{Term: r.term, Leader: r.me}
		if err == nil {
			resp.Succeeded = true
			resp.ConfigEntryPosition = r.configuration.EntryPosition
			resp.ConfigEntryTerm = r.configuration.EntryTerm
			resp.Members = append([]common.Endpoint(nil), r.configuration.Members...)
		}
		complete(resp)
	})
}
