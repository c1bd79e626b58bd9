package raft

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/metrics"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

const (
	taskQueueSize    = 1024
	maxTasksPerCycle = 64
	closeTimeout     = 5 * time.Second
	noLeaderEndpoint = ""
)

// Raft is one member of a raft group. All of its state is owned by the
// goroutine calling DoWork: requests coming from other goroutines are
// queued and executed there. The values returned by the exported getters
// are published copies and may lag behind.
type Raft struct {
	me        common.Endpoint
	config    Config
	logStore  common.LogStore
	metaStore common.MetaStore
	transport common.Transport

	term           int32
	vote           *common.Endpoint
	leader         *common.Endpoint
	commitPosition int64

	configuration *common.Configuration
	// stableConfiguration is the newest configuration that cannot be
	// truncated away: the persisted one, or the one the node started with.
	stableConfiguration     *common.Configuration
	persistedConfigPosition int64
	members                 []*member

	lastLeaderContact time.Time
	electionDeadline  time.Time
	appendReader      common.LogReader

	transition *transition
	join       *joinController
	leave      *leaveController

	tasks     chan func()
	stopped   chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	listenersMu sync.Mutex
	listeners   []StateListener

	publishedTerm          atomic.Int32
	publishedCommit        atomic.Int64
	publishedState         atomic.Int32
	publishedQuorum        atomic.Int32
	publishedLeader        atomic.String
	publishedConfiguration atomic.Value
}

func NewRaft(
	me common.Endpoint,
	config Config,
	logStore common.LogStore,
	metaStore common.MetaStore,
	transport common.Transport,
) (*Raft, error) {
	commitPosition, err := logStore.CommitPosition()
	if err != nil {
		return nil, err
	}
	r := &Raft{
		me:                      me,
		config:                  config.withDefaults(),
		logStore:                logStore,
		metaStore:               metaStore,
		transport:               transport,
		term:                    metaStore.Term(),
		commitPosition:          commitPosition,
		persistedConfigPosition: -1,
		appendReader:            logStore.NewReader(),
		tasks:                   make(chan func(), taskQueueSize),
		stopped:                 make(chan struct{}),
	}
	if vote, ok := metaStore.Vote(); ok {
		r.vote = &vote
	}
	r.transition = newTransition(&inactive{raft: r}, r.roleInstalled)
	if configuration := metaStore.Configuration(); configuration != nil {
		r.install(*configuration)
		r.persistedConfigPosition = configuration.EntryPosition
		r.stableConfiguration = r.configuration
	}
	r.publish()
	log.Printf("%v: initialized at term %d with commit position %d\n", me, r.term, r.commitPosition)
	return r, nil
}

// DoWork performs one cooperative step: queued requests first, then the
// role transition (and with it the open role), then the join and leave
// controllers. It never blocks.
func (r *Raft) DoWork() int {
	if r.closed.Load() {
		return 0
	}
	work := r.processInbound()
	work += r.transition.doWork()
	if r.transition.isSettled() {
		r.closed.Store(true)
		close(r.stopped)
		return work + 1
	}
	if r.join != nil {
		work += r.join.doWork()
	}
	if r.leave != nil {
		work += r.leave.doWork()
	}
	return work
}

func (r *Raft) processInbound() int {
	for work := 0; work < maxTasksPerCycle; work++ {
		select {
		case task := <-r.tasks:
			task()
		default:
			return work
		}
	}
	return maxTasksPerCycle
}

type taskResult[T any] struct {
	value T
	err   error
}

// execute runs fn on the raft goroutine and waits for its result.
func execute[T any](r *Raft, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	done := make(chan taskResult[T], 1)
	task := func() {
		value, err := fn()
		done <- taskResult[T]{value: value, err: err}
	}
	select {
	case r.tasks <- task:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.stopped:
		return zero, ErrClosed
	}
	result, err := await(r, ctx, done)
	if err != nil {
		return zero, err
	}
	return result.value, result.err
}

func await[T any](r *Raft, ctx context.Context, replies <-chan T) (T, error) {
	var zero T
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.stopped:
		return zero, ErrClosed
	}
}

// Bootstrap starts the node as a follower. A node without a configuration
// becomes the single member of a new cluster.
func (r *Raft) Bootstrap(ctx context.Context) error {
	_, err := execute(r, ctx, func() (struct{}, error) {
		if r.configuration == nil {
			r.install(common.Configuration{
				EntryPosition: 0,
				EntryTerm:     0,
				Members:       []common.Endpoint{r.me},
			})
			r.stableConfiguration = r.configuration
			log.Printf("%v: bootstrapped a new cluster\n", r.me)
		}
		r.becomeFollower()
		return struct{}{}, nil
	})
	return err
}

// Join makes a node without a configuration join the cluster formed by
// members. It returns once a leader committed the configuration that
// contains this node.
func (r *Raft) Join(ctx context.Context, members []common.Endpoint) error {
	cluster := &common.Configuration{}
	for _, endpoint := range members {
		if endpoint != r.me {
			cluster.Members = cluster.With(endpoint)
		}
	}
	peers := cluster.Members
	if len(peers) == 0 {
		return ErrEmptyCluster
	}
	done := make(chan error, 1)
	_, err := execute(r, ctx, func() (struct{}, error) {
		if r.configuration != nil {
			r.becomeFollower()
			done <- nil
			return struct{}{}, nil
		}
		if r.join != nil {
			return struct{}{}, ErrMembershipChangeInProgress
		}
		r.install(common.Configuration{EntryPosition: -1, EntryTerm: 0, Members: peers})
		r.stableConfiguration = r.configuration
		r.join = newJoinController(r, peers, func(err error) { done <- err })
		r.becomeFollower()
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	return awaitError(r, ctx, done)
}

// Leave removes this node from the cluster and settles it in Inactive
// once the configuration without it is committed.
func (r *Raft) Leave(ctx context.Context) error {
	done := make(chan error, 1)
	_, err := execute(r, ctx, func() (struct{}, error) {
		complete := func(err error) { done <- err }
		switch current := r.role().(type) {
		case *inactive:
			complete(nil)
		case *leader:
			return struct{}{}, current.leaveSelf(complete)
		default:
			if r.join != nil || r.leave != nil {
				return struct{}{}, ErrMembershipChangeInProgress
			}
			if r.configuration == nil || !r.configuration.Contains(r.me) {
				r.becomeInactive()
				complete(nil)
				break
			}
			r.leave = newLeaveController(r, complete)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	return awaitError(r, ctx, done)
}

func awaitError(r *Raft, ctx context.Context, done <-chan error) error {
	err, waitErr := await(r, ctx, done)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// Append writes data to the log as a new application entry and returns
// its position. Only the leader accepts entries.
func (r *Raft) Append(ctx context.Context, data []byte) (int64, error) {
	return execute(r, ctx, func() (int64, error) {
		if !r.isLeader() {
			return -1, ErrNotLeader
		}
		entry, err := r.appendEntry(common.ApplicationEntry, data)
		if err != nil {
			return -1, err
		}
		return entry.Position, nil
	})
}

// Close shuts the node down through the role transition and closes its
// stores. DoWork must keep being called until Close returns.
func (r *Raft) Close() error {
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_, err := execute(r, ctx, func() (struct{}, error) {
			r.transition.close()
			return struct{}{}, nil
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			r.closeErr = err
			return
		}
		select {
		case <-r.stopped:
		case <-ctx.Done():
			r.closeErr = ctx.Err()
			return
		}
		log.Printf("%v: SHUTDOWN!", r.me)
		r.closeErr = multierr.Combine(r.logStore.Close(), r.metaStore.Close())
	})
	return r.closeErr
}

// OnStateChange registers a listener for role changes.
func (r *Raft) OnStateChange(listener StateListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Raft) Me() common.Endpoint {
	return r.me
}

func (r *Raft) Term() int32 {
	return r.publishedTerm.Load()
}

func (r *Raft) CommitPosition() int64 {
	return r.publishedCommit.Load()
}

func (r *Raft) State() RaftState {
	return RaftState(r.publishedState.Load())
}

func (r *Raft) IsLeader() bool {
	return r.State() == Leader
}

func (r *Raft) Quorum() int {
	return int(r.publishedQuorum.Load())
}

func (r *Raft) Leader() (common.Endpoint, bool) {
	leader := r.publishedLeader.Load()
	if leader == noLeaderEndpoint {
		return common.Endpoint{}, false
	}
	endpoint, err := common.ParseEndpoint(leader)
	return endpoint, err == nil
}

func (r *Raft) Configuration() (common.Configuration, bool) {
	configuration, ok := r.publishedConfiguration.Load().(common.Configuration)
	return configuration, ok
}

func (r *Raft) publish() {
	node := r.me.String()
	r.publishedTerm.Store(r.term)
	r.publishedCommit.Store(r.commitPosition)
	r.publishedQuorum.Store(int32(r.quorum()))
	if r.leader != nil {
		r.publishedLeader.Store(r.leader.String())
	} else {
		r.publishedLeader.Store(noLeaderEndpoint)
	}
	metrics.Term.WithLabelValues(node).Set(float64(r.term))
	metrics.CommitPosition.WithLabelValues(node).Set(float64(r.commitPosition))
	metrics.Quorum.WithLabelValues(node).Set(float64(r.quorum()))
	if r.configuration != nil {
		r.publishedConfiguration.Store(*r.configuration)
		metrics.Members.WithLabelValues(node).Set(float64(len(r.configuration.Members)))
	}
}

func (r *Raft) roleInstalled(installed role) {
	state := installed.state()
	log.Printf("%v: converting to %v\n", r.me, state)
	r.publishedState.Store(int32(state))
	metrics.Role.WithLabelValues(r.me.String()).Set(float64(state))
	metrics.RoleTransitions.WithLabelValues(r.me.String(), state.String()).Inc()

	r.listenersMu.Lock()
	listeners := append([]StateListener(nil), r.listeners...)
	r.listenersMu.Unlock()
	for _, listener := range listeners {
		listener(state)
	}
}

// role is the role answering requests right now.
func (r *Raft) role() role {
	return r.transition.effective()
}

func (r *Raft) isLeader() bool {
	return r.role().state() == Leader
}

func (r *Raft) becomeFollower() {
	if r.role().state() == Follower {
		return
	}
	r.transition.toRole(newFollower(r))
}

func (r *Raft) becomeCandidate() {
	r.transition.toRole(newCandidate(r))
}

func (r *Raft) becomeLeader() {
	r.transition.toRole(newLeader(r))
}

func (r *Raft) becomeInactive() {
	if r.role().state() == Inactive {
		return
	}
	r.transition.toRole(r.transition.inactive)
}

// stepDown turns a candidate or a leader into a follower.
func (r *Raft) stepDown() {
	switch r.role().state() {
	case Candidate, Leader:
		r.becomeFollower()
	}
}

// canElect reports whether this node may start an election.
func (r *Raft) canElect() bool {
	return r.join == nil && r.leave == nil && r.configuration != nil && r.configuration.Contains(r.me)
}

// setTerm moves to a strictly larger term, forgetting the leader and the
// vote. The new term and the cleared vote are durable before any state
// changes.
func (r *Raft) setTerm(term int32) error {
	if term <= r.term {
		return nil
	}
	if err := r.metaStore.StoreTermAndVote(term, nil); err != nil {
		return err
	}
	r.term, r.vote, r.leader = term, nil, nil
	r.publish()
	return r.logStore.SetTerm(term)
}

// setTermAndVote moves to term having voted for vote in it.
func (r *Raft) setTermAndVote(term int32, vote common.Endpoint) error {
	if term < r.term {
		panic("fatal: term moving backwards")
	}
	if err := r.metaStore.StoreTermAndVote(term, &vote); err != nil {
		return err
	}
	r.term, r.vote, r.leader = term, &vote, nil
	r.publish()
	return r.logStore.SetTerm(term)
}

func (r *Raft) storeVote(vote common.Endpoint) error {
	if err := r.metaStore.StoreVote(&vote); err != nil {
		return err
	}
	r.vote = &vote
	return nil
}

// observeTerm adopts a strictly larger term seen in a message and steps
// down. It reports whether the term changed.
func (r *Raft) observeTerm(term int32) (bool, error) {
	if term <= r.term {
		return false, nil
	}
	if err := r.setTerm(term); err != nil {
		return false, err
	}
	r.stepDown()
	return true, nil
}

// setCommitPosition advances the commit position, never moving it back.
func (r *Raft) setCommitPosition(position int64) error {
	if position <= r.commitPosition {
		return nil
	}
	if err := r.logStore.SetCommitPosition(position); err != nil {
		return err
	}
	r.commitPosition = position
	r.publish()
	return r.persistConfiguration()
}

func (r *Raft) setLeader(leader common.Endpoint) {
	if r.leader != nil && *r.leader == leader {
		return
	}
	if leader != r.me {
		log.Printf("%v: following leader %v in term %d\n", r.me, leader, r.term)
	}
	r.leader = &leader
	r.publish()
}

func (r *Raft) clearLeader() {
	if r.leader == nil {
		return
	}
	r.leader = nil
	r.publish()
}

// touchLeader records that leader is alive, which postpones elections.
func (r *Raft) touchLeader(leader common.Endpoint) {
	r.setLeader(leader)
	r.lastLeaderContact = time.Now()
	r.resetElectionDeadline()
}

func (r *Raft) resetElectionDeadline() {
	r.electionDeadline = time.Now().Add(r.config.randomElectionTimeout())
}

func (r *Raft) hasLiveLeader(now time.Time) bool {
	return r.leader != nil && now.Sub(r.lastLeaderContact) < r.config.ElectionTimeout
}

func (r *Raft) leaderHint() common.Endpoint {
	if r.leader == nil {
		return common.Endpoint{}
	}
	return *r.leader
}

// lastEntry returns the position and term of the last log entry,
// or -1 and 0 on an empty log.
func (r *Raft) lastEntry() (int64, int32, error) {
	last, err := r.logStore.LastEntry()
	if err != nil {
		return -1, 0, err
	}
	if last == nil {
		return -1, 0, nil
	}
	return last.Position, last.Term, nil
}

// nextPosition is the position of the next entry appended by the leader.
// It lies past the adopted configuration as well, which need not be
// in the log.
func (r *Raft) nextPosition() (int64, error) {
	position, _, err := r.lastEntry()
	if err != nil {
		return -1, err
	}
	if r.configuration != nil && r.configuration.EntryPosition > position {
		position = r.configuration.EntryPosition
	}
	return position + 1, nil
}

func (r *Raft) appendEntry(entryType common.EntryType, data []byte) (common.LogEntry, error) {
	position, err := r.nextPosition()
	if err != nil {
		return common.LogEntry{}, err
	}
	entry := common.LogEntry{Position: position, Term: r.term, Type: entryType, Data: data}
	if err := r.logStore.Append(entry); err != nil {
		return common.LogEntry{}, err
	}
	return entry, nil
}

// appendConfiguration appends a configuration entry for members and adopts it.
func (r *Raft) appendConfiguration(members []common.Endpoint) (common.Configuration, error) {
	data, err := common.EncodeMembers(members)
	if err != nil {
		return common.Configuration{}, err
	}
	entry, err := r.appendEntry(common.ConfigurationEntry, data)
	if err != nil {
		return common.Configuration{}, err
	}
	configuration := common.Configuration{EntryPosition: entry.Position, EntryTerm: entry.Term, Members: members}
	if _, err := r.adopt(configuration); err != nil {
		return common.Configuration{}, err
	}
	return configuration, nil
}
