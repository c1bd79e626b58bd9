package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/broker-raft/common"
)

// drive runs call while the test goroutine keeps the node working.
func drive[T any](r *Raft, call func() (T, error)) (T, error) {
	done := make(chan taskResult[T], 1)
	go func() {
		value, err := call()
		done <- taskResult[T]{value: value, err: err}
	}()
	for {
		select {
		case result := <-done:
			return result.value, result.err
		default:
			r.DoWork()
			time.Sleep(time.Millisecond)
		}
	}
}

func configEntry(t *testing.T, position int64, term int32, members ...common.Endpoint) common.LogEntry {
	data, err := common.EncodeMembers(members)
	require.NoError(t, err)
	return common.LogEntry{Position: position, Term: term, Type: common.ConfigurationEntry, Data: data}
}

// newFollowerLog returns a node holding entries 1, 3 and 5 of term 1, the
// entry at 3 introducing {me, leader}. Only position 1 is committed.
func newFollowerLog(t *testing.T) (*Raft, stores) {
	me, leader := endpoint(0), endpoint(1)
	r, s := newDetachedRaft(t, me)
	r.install(common.Configuration{EntryPosition: 0, EntryTerm: 0, Members: []common.Endpoint{me}})
	r.stableConfiguration = r.configuration
	require.NoError(t, r.setTerm(1))

	resp, err := r.appendAsFollower(&common.AppendRequest{
		Term:           1,
		Leader:         leader,
		PrevPosition:   -1,
		CommitPosition: 1,
		Entries: []common.LogEntry{
			{Position: 1, Term: 1, Data: []byte("a")},
			configEntry(t, 3, 1, me, leader),
			{Position: 5, Term: 1, Data: []byte("b")},
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	assert.Equal(t, int64(5), resp.Position)
	assert.Equal(t, int64(1), r.commitPosition)
	assert.Equal(t, int64(3), r.configuration.EntryPosition)
	assert.Len(t, r.members, 1)
	leaderEndpoint, ok := r.Leader()
	require.True(t, ok)
	assert.Equal(t, leader, leaderEndpoint)
	return r, s
}

func TestAppend_RejectsMismatchingPreviousEntry(t *testing.T) {
	r, _ := newFollowerLog(t)
	cases := []struct {
		name     string
		position int64
		term     int32
	}{
		{name: "different term", position: 5, term: 2},
		{name: "missing entry", position: 4, term: 1},
		{name: "beyond the log", position: 8, term: 1},
	}
	for _, c := range cases {
		resp, err := r.appendAsFollower(&common.AppendRequest{
			Term:         1,
			Leader:       endpoint(1),
			PrevPosition: c.position,
			PrevTerm:     c.term,
			Entries:      []common.LogEntry{{Position: 9, Term: 1}},
		})
		require.NoError(t, err, c.name)
		assert.False(t, resp.Succeeded, c.name)
		// the rejection tells the leader where the local log ends
		assert.Equal(t, int64(5), resp.Position, c.name)
	}
	last, err := r.logStore.LastEntry()
	require.NoError(t, err)
	assert.Equal(t, int64(5), last.Position)
}

func TestAppend_RejectsStaleTerm(t *testing.T) {
	r, _ := newFollowerLog(t)
	require.NoError(t, r.setTerm(3))
	resp, err := r.appendAsFollower(&common.AppendRequest{Term: 2, Leader: endpoint(2), PrevPosition: 5, PrevTerm: 1})
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	assert.Equal(t, int32(3), resp.Term)
	_, ok := r.Leader()
	assert.False(t, ok)
}

func TestAppend_SkipsEntriesAlreadyPresent(t *testing.T) {
	r, _ := newFollowerLog(t)
	resp, err := r.appendAsFollower(&common.AppendRequest{
		Term:           1,
		Leader:         endpoint(1),
		PrevPosition:   1,
		PrevTerm:       1,
		CommitPosition: 5,
		Entries:        []common.LogEntry{configEntry(t, 3, 1, endpoint(0), endpoint(1))},
	})
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	// entry 5 survives a request that only repeats entry 3
	assert.Equal(t, int64(5), resp.Position)
	// nothing past the last entry of the request is committed
	assert.Equal(t, int64(3), r.commitPosition)
}

func TestAppend_TruncatesConflictAndRestoresConfiguration(t *testing.T) {
	r, s := newFollowerLog(t)
	require.NoError(t, r.setTerm(2))
	resp, err := r.appendAsFollower(&common.AppendRequest{
		Term:           2,
		Leader:         endpoint(2),
		PrevPosition:   1,
		PrevTerm:       1,
		CommitPosition: 9,
		Entries: []common.LogEntry{
			{Position: 3, Term: 2, Data: []byte("c")},
			{Position: 4, Term: 2, Data: []byte("d")},
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	assert.Equal(t, int64(4), resp.Position)
	assert.Equal(t, int64(4), r.commitPosition)

	entry, err := s.logStore.Get(3)
	require.NoError(t, err)
	assert.Equal(t, int32(2), entry.Term)
	_, err = s.logStore.Get(5)
	assert.ErrorIs(t, err, common.ErrEntryNotFound)

	// the configuration entry at 3 is gone, so is the member it added
	assert.Equal(t, int64(0), r.configuration.EntryPosition)
	assert.Empty(t, r.members)
	assert.Equal(t, 1, r.Quorum())
}

func TestAppend_TruncatingCommittedEntriesPanics(t *testing.T) {
	r, _ := newFollowerLog(t)
	_, err := r.appendAsFollower(&common.AppendRequest{
		Term: 1, Leader: endpoint(1), PrevPosition: 5, PrevTerm: 1, CommitPosition: 5,
	})
	require.NoError(t, err)
	require.Equal(t, int64(5), r.commitPosition)

	assert.Panics(t, func() {
		r.appendAsFollower(&common.AppendRequest{
			Term:         2,
			Leader:       endpoint(2),
			PrevPosition: 1,
			PrevTerm:     1,
			Entries:      []common.LogEntry{{Position: 2, Term: 2}},
		})
	})
}

func TestAppend_ConfigurationCommittedByHeartbeatIsPersisted(t *testing.T) {
	r, s := newFollowerLog(t)
	assert.Nil(t, s.metaStore.Configuration())
	_, err := r.appendAsFollower(&common.AppendRequest{
		Term: 1, Leader: endpoint(1), PrevPosition: 5, PrevTerm: 1, CommitPosition: 3,
	})
	require.NoError(t, err)
	persisted := s.metaStore.Configuration()
	require.NotNil(t, persisted)
	assert.Equal(t, int64(3), persisted.EntryPosition)
	assert.Equal(t, []common.Endpoint{endpoint(0), endpoint(1)}, persisted.Members)
}

func TestAppend_ConfigurationMissingFromLogIsNotPersisted(t *testing.T) {
	r, s := newDetachedRaft(t, endpoint(0))
	r.install(common.Configuration{EntryPosition: 0, Members: []common.Endpoint{endpoint(0), endpoint(1), endpoint(2)}})
	r.stableConfiguration = r.configuration
	require.NoError(t, r.setTerm(1))

	resp, err := r.configureAsFollower(&common.ConfigureRequest{
		Term:                1,
		Leader:              endpoint(1),
		ConfigEntryPosition: 10,
		ConfigEntryTerm:     1,
		Members:             []common.Endpoint{endpoint(0), endpoint(1), endpoint(2), endpoint(3)},
	})
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	assert.Equal(t, int64(10), r.configuration.EntryPosition)
	assert.Nil(t, s.metaStore.Configuration())

	// a new leader never wrote that configuration: its entry at 10 is data
	require.NoError(t, r.setTerm(2))
	var entries []common.LogEntry
	for position := int64(1); position <= 10; position++ {
		if position == 6 {
			entries = append(entries, configEntry(t, 6, 2, endpoint(0), endpoint(1), endpoint(2)))
			continue
		}
		entries = append(entries, common.LogEntry{Position: position, Term: 2, Data: []byte("x")})
	}
	appended, err := r.appendAsFollower(&common.AppendRequest{
		Term: 2, Leader: endpoint(2), PrevPosition: -1, CommitPosition: 10, Entries: entries,
	})
	require.NoError(t, err)
	require.True(t, appended.Succeeded)
	assert.Equal(t, int64(10), r.commitPosition)

	assert.Equal(t, int64(6), r.configuration.EntryPosition)
	assert.False(t, r.configuration.Contains(endpoint(3)))
	persisted := s.metaStore.Configuration()
	require.NotNil(t, persisted)
	assert.Equal(t, int64(6), persisted.EntryPosition)
	assert.Equal(t, int32(2), persisted.EntryTerm)
	assert.Equal(t, []common.Endpoint{endpoint(0), endpoint(1), endpoint(2)}, persisted.Members)
}

func TestAppend_ConfigurationPushedBeforeItsEntryIsPersisted(t *testing.T) {
	r, s := newDetachedRaft(t, endpoint(0))
	r.install(common.Configuration{EntryPosition: 0, Members: []common.Endpoint{endpoint(0), endpoint(1)}})
	r.stableConfiguration = r.configuration
	require.NoError(t, r.setTerm(1))

	members := []common.Endpoint{endpoint(0), endpoint(1), endpoint(2)}
	_, err := r.configureAsFollower(&common.ConfigureRequest{
		Term: 1, Leader: endpoint(1), ConfigEntryPosition: 3, ConfigEntryTerm: 1, Members: members,
	})
	require.NoError(t, err)

	resp, err := r.appendAsFollower(&common.AppendRequest{
		Term: 1, Leader: endpoint(1), PrevPosition: -1, CommitPosition: 3,
		Entries: []common.LogEntry{
			{Position: 1, Term: 1, Data: []byte("a")},
			configEntry(t, 3, 1, members...),
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	persisted := s.metaStore.Configuration()
	require.NotNil(t, persisted)
	assert.Equal(t, int64(3), persisted.EntryPosition)
	assert.Equal(t, members, persisted.Members)
}

// countingMetaStore counts the writes of the term and the vote.
type countingMetaStore struct {
	common.MetaStore
	writes int
}

func (s *countingMetaStore) StoreTerm(term int32) error {
	s.writes++
	return s.MetaStore.StoreTerm(term)
}

func (s *countingMetaStore) StoreVote(vote *common.Endpoint) error {
	s.writes++
	return s.MetaStore.StoreVote(vote)
}

func (s *countingMetaStore) StoreTermAndVote(term int32, vote *common.Endpoint) error {
	s.writes++
	return s.MetaStore.StoreTermAndVote(term, vote)
}

func TestSetTerm_Monotonic(t *testing.T) {
	cases := []struct {
		name    string
		term    int32
		changed bool
	}{
		{name: "older term", term: 2, changed: false},
		{name: "same term", term: 3, changed: false},
		{name: "zero term", term: 0, changed: false},
		{name: "next term", term: 4, changed: true},
		{name: "far newer term", term: 9, changed: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			me := endpoint(0)
			s := openStores(t, t.TempDir())
			t.Cleanup(func() {
				s.logStore.Close()
				s.metaStore.Close()
			})
			store := &countingMetaStore{MetaStore: s.metaStore}
			r, err := NewRaft(me, testConfig(time.Hour), s.logStore, store, newNetwork().transport(me))
			require.NoError(t, err)
			require.NoError(t, r.setTermAndVote(3, endpoint(1)))
			r.setLeader(endpoint(2))
			store.writes = 0

			require.NoError(t, r.setTerm(c.term))
			vote, voted := s.metaStore.Vote()
			if !c.changed {
				assert.Zero(t, store.writes)
				assert.Equal(t, int32(3), r.term)
				assert.Equal(t, int32(3), s.metaStore.Term())
				require.NotNil(t, r.vote)
				assert.Equal(t, endpoint(1), *r.vote)
				assert.True(t, voted)
				assert.Equal(t, endpoint(1), vote)
				require.NotNil(t, r.leader)
				assert.Equal(t, endpoint(2), *r.leader)
				return
			}
			assert.Equal(t, 1, store.writes)
			assert.Equal(t, c.term, r.term)
			assert.Equal(t, c.term, s.metaStore.Term())
			assert.Nil(t, r.vote)
			assert.False(t, voted)
			assert.Nil(t, r.leader)
		})
	}
}

func TestDecideVote(t *testing.T) {
	r, s := newFollowerLog(t)
	candidate, other := endpoint(1), endpoint(2)

	// log ends at 5 in term 1
	for _, c := range []struct {
		position int64
		term     int32
	}{{4, 1}, {9, 0}} {
		resp, err := r.decideVote(&common.VoteRequest{Term: 1, Candidate: candidate, LastPosition: c.position, LastTerm: c.term})
		require.NoError(t, err)
		assert.False(t, resp.Granted)
	}
	assert.Nil(t, r.vote)

	resp, err := r.decideVote(&common.VoteRequest{Term: 1, Candidate: candidate, LastPosition: 2, LastTerm: 2})
	require.NoError(t, err)
	assert.True(t, resp.Granted)
	vote, ok := s.metaStore.Vote()
	require.True(t, ok)
	assert.Equal(t, candidate, vote)

	// one vote per term, repeated requests of the same candidate are granted
	resp, err = r.decideVote(&common.VoteRequest{Term: 1, Candidate: other, LastPosition: 9, LastTerm: 3})
	require.NoError(t, err)
	assert.False(t, resp.Granted)
	resp, err = r.decideVote(&common.VoteRequest{Term: 1, Candidate: candidate, LastPosition: 5, LastTerm: 1})
	require.NoError(t, err)
	assert.True(t, resp.Granted)

	resp, err = r.decideVote(&common.VoteRequest{Term: 0, Candidate: candidate, LastPosition: 9, LastTerm: 3})
	require.NoError(t, err)
	assert.False(t, resp.Granted)
	assert.Equal(t, int32(1), resp.Term)
}

func TestPoll_DoesNotChangeState(t *testing.T) {
	me, candidate := endpoint(0), endpoint(1)
	r, s := newDetachedRaft(t, me)
	r.install(common.Configuration{EntryPosition: 0, Members: []common.Endpoint{me, candidate, endpoint(2)}})
	r.becomeFollower()
	for i := 0; i < 3; i++ {
		r.DoWork()
	}
	require.Equal(t, Follower, r.State())
	ctx := context.Background()

	poll, err := drive(r, func() (*common.PollResponse, error) {
		return r.HandlePollRequest(ctx, &common.PollRequest{Term: 5, Candidate: candidate, LastPosition: -1})
	})
	require.NoError(t, err)
	assert.True(t, poll.Granted)
	assert.Equal(t, int32(0), r.term)
	assert.Nil(t, r.vote)
	assert.Equal(t, int32(0), s.metaStore.Term())
	_, voted := s.metaStore.Vote()
	assert.False(t, voted)

	// a vote request for the same term does move the node
	vote, err := drive(r, func() (*common.VoteResponse, error) {
		return r.HandleVoteRequest(ctx, &common.VoteRequest{Term: 5, Candidate: candidate, LastPosition: -1})
	})
	require.NoError(t, err)
	assert.True(t, vote.Granted)
	assert.Equal(t, int32(5), r.Term())
	assert.Equal(t, int32(5), s.metaStore.Term())
	votedFor, voted := s.metaStore.Vote()
	require.True(t, voted)
	assert.Equal(t, candidate, votedFor)

	// polls for the current term, or while a leader is alive, are refused
	poll, err = drive(r, func() (*common.PollResponse, error) {
		return r.HandlePollRequest(ctx, &common.PollRequest{Term: 5, Candidate: endpoint(2), LastPosition: -1})
	})
	require.NoError(t, err)
	assert.False(t, poll.Granted)

	appended, err := drive(r, func() (*common.AppendResponse, error) {
		return r.HandleAppendRequest(ctx, &common.AppendRequest{Term: 5, Leader: candidate, PrevPosition: -1, CommitPosition: -1})
	})
	require.NoError(t, err)
	require.True(t, appended.Succeeded)
	poll, err = drive(r, func() (*common.PollResponse, error) {
		return r.HandlePollRequest(ctx, &common.PollRequest{Term: 6, Candidate: endpoint(2), LastPosition: -1})
	})
	require.NoError(t, err)
	assert.False(t, poll.Granted)
	assert.Equal(t, int32(5), poll.Term)
}

func TestInactive_RejectsEverything(t *testing.T) {
	r, _ := newDetachedRaft(t, endpoint(0))
	require.Equal(t, Inactive, r.State())
	ctx := context.Background()

	appended, err := drive(r, func() (*common.AppendResponse, error) {
		return r.HandleAppendRequest(ctx, &common.AppendRequest{Term: 1, Leader: endpoint(1), PrevPosition: -1})
	})
	require.NoError(t, err)
	assert.False(t, appended.Succeeded)
	// a higher term is still adopted
	assert.Equal(t, int32(1), appended.Term)

	vote, err := drive(r, func() (*common.VoteResponse, error) {
		return r.HandleVoteRequest(ctx, &common.VoteRequest{Term: 1, Candidate: endpoint(1), LastPosition: -1})
	})
	require.NoError(t, err)
	assert.False(t, vote.Granted)

	join, err := drive(r, func() (*common.JoinResponse, error) {
		return r.HandleJoinRequest(ctx, &common.JoinRequest{Member: endpoint(2)})
	})
	require.NoError(t, err)
	assert.False(t, join.Succeeded)
	assert.False(t, join.Leader.IsValid())

	_, err = drive(r, func() (int64, error) {
		return r.Append(ctx, []byte("x"))
	})
	assert.ErrorIs(t, err, ErrNotLeader)
}
