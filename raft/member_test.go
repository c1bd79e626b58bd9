package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/persistent"
)

func sparseLog(t *testing.T, logStore common.LogStore) {
	appendEntries(t, logStore,
		common.LogEntry{Position: 0, Term: 1},
		common.LogEntry{Position: 5, Term: 1},
		common.LogEntry{Position: 9, Term: 2},
		common.LogEntry{Position: 14, Term: 2},
		common.LogEntry{Position: 20, Term: 3},
	)
}

func nextPosition(t *testing.T, m *member) int64 {
	entry, err := m.reader.Next()
	require.NoError(t, err)
	require.NotNil(t, entry)
	return entry.Position
}

func TestMember_ResetReaderToPreviousEntry(t *testing.T) {
	for _, density := range []int{1, 2, 3, 16} {
		r, s := newDetachedRaft(t, endpoint(0), persistent.WithBlockDensity(density))
		sparseLog(t, s.logStore)
		m := newMember(r, endpoint(1))

		cases := []struct {
			target   int64
			expected int64
			term     int32
		}{
			{target: 14, expected: 9, term: 2},
			{target: 20, expected: 14, term: 2},
			{target: 21, expected: 20, term: 3},
			{target: 100, expected: 20, term: 3},
			{target: 9, expected: 5, term: 1},
			{target: 6, expected: 5, term: 1},
			{target: 5, expected: 0, term: 1},
			{target: 1, expected: 0, term: 1},
		}
		for _, c := range cases {
			m.resetReaderToPreviousEntry(c.target)
			assert.Equalf(t, c.expected, m.currentEntryPosition, "density %d, target %d", density, c.target)
			assert.Equal(t, c.term, m.currentEntryTerm)
			assert.Equalf(t, c.expected, nextPosition(t, m), "density %d, target %d", density, c.target)
		}

		// nothing before the target: the cursor lands on the first entry
		for _, target := range []int64{0, -1, -20} {
			m.resetReaderToPreviousEntry(target)
			assert.Equal(t, int64(-1), m.currentEntryPosition)
			assert.Equal(t, int64(0), nextPosition(t, m))
		}
	}
}

func TestMember_ResetReaderToLastEntry(t *testing.T) {
	r, s := newDetachedRaft(t, endpoint(0))
	m := newMember(r, endpoint(1))

	m.resetReaderToLastEntry()
	assert.Equal(t, int64(-1), m.currentEntryPosition)
	entry, err := m.reader.Next()
	require.NoError(t, err)
	assert.Nil(t, entry)

	sparseLog(t, s.logStore)
	// the cursor follows the log from its start
	assert.Equal(t, int64(0), nextPosition(t, m))

	m.resetReaderToLastEntry()
	assert.Equal(t, int64(20), m.currentEntryPosition)
	assert.Equal(t, int32(3), m.currentEntryTerm)
	assert.Equal(t, int64(20), nextPosition(t, m))
}

func TestReplicationDriver_BatchesAfterTheCursor(t *testing.T) {
	r, s := newDetachedRaft(t, endpoint(0))
	r.config.MaxBatchSize = 2
	sparseLog(t, s.logStore)
	m := newMember(r, endpoint(1))

	m.resetReaderToPreviousEntry(9)
	req, err := m.replication.nextRequest()
	require.NoError(t, err)
	assert.Equal(t, int64(5), req.PrevPosition)
	assert.Equal(t, int32(1), req.PrevTerm)
	require.Len(t, req.Entries, 2)
	assert.Equal(t, int64(9), req.Entries[0].Position)
	assert.Equal(t, int64(14), req.Entries[1].Position)

	// a failed exchange sends the same entries again
	m.rewind()
	req, err = m.replication.nextRequest()
	require.NoError(t, err)
	assert.Equal(t, int64(9), req.Entries[0].Position)
}

func TestMember_Failures(t *testing.T) {
	r, _ := newDetachedRaft(t, endpoint(0))
	r.config.RetryBackoff = 10 * time.Millisecond
	m := newMember(r, endpoint(1))

	assert.False(t, m.hasFailures())
	assert.Equal(t, 10*time.Millisecond, m.backoff())

	m.incrementFailures()
	m.incrementFailures()
	assert.True(t, m.hasFailures())
	assert.Equal(t, 2, m.failures)
	assert.Equal(t, 40*time.Millisecond, m.backoff())

	m.setFailures(50)
	assert.Equal(t, 320*time.Millisecond, m.backoff())

	m.contacted(time.Now())
	assert.False(t, m.hasFailures())

	assert.Panics(t, func() { m.setFailures(-1) })
}

func TestExchange_CloseForciblyIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := newExchange("test", func(ctx context.Context, _ common.Endpoint, req *int) (*int, error) {
		<-release
		return req, nil
	})
	value := 7
	e.start(endpoint(1), time.Second, &value)
	_, done := e.poll()
	assert.False(t, done)

	e.closeForcibly()
	e.closeForcibly()
	assert.Equal(t, exchangeClosed, e.state)
	assert.Equal(t, 1, e.closes)
	_, done = e.poll()
	assert.False(t, done)

	assert.Panics(t, func() { e.start(endpoint(1), time.Second, &value) })
	e.reopen()
	assert.Equal(t, exchangeIdle, e.state)
}

func TestExchange_PollReturnsOutcome(t *testing.T) {
	e := newExchange("test", func(ctx context.Context, _ common.Endpoint, req *int) (*int, error) {
		doubled := *req * 2
		return &doubled, nil
	})
	value := 21
	e.start(endpoint(1), time.Second, &value)
	var o outcome[int]
	require.Eventually(t, func() bool {
		var done bool
		o, done = e.poll()
		return done
	}, time.Second, time.Millisecond)
	require.NoError(t, o.err)
	assert.Equal(t, 42, *o.resp)
	assert.Equal(t, exchangeIdle, e.state)
}

func TestReplicationDriver_RejectionBacksOff(t *testing.T) {
	r, s := newDetachedRaft(t, endpoint(0))
	r.config.RetryBackoff = time.Second
	m := newMember(r, endpoint(1))
	d := m.replication
	rejected := outcome[common.AppendResponse]{resp: &common.AppendResponse{Term: r.term, Position: -1}}

	// rejected at the start of an empty log: the cursor cannot move back
	m.resetReaderToLastEntry()
	req, err := d.nextRequest()
	require.NoError(t, err)
	require.Equal(t, int64(-1), req.PrevPosition)
	d.inFlight = req
	before := time.Now()
	d.handle(rejected)
	assert.Equal(t, 1, m.failures)
	assert.True(t, d.retryAt.After(before))
	assert.Equal(t, 0, d.send())
	assert.Equal(t, exchangeIdle, d.state)

	// a rejection that moves the cursor is retried right away
	sparseLog(t, s.logStore)
	m.resetReaderToPreviousEntry(15)
	d.retryAt = time.Time{}
	req, err = d.nextRequest()
	require.NoError(t, err)
	require.Equal(t, int64(14), req.PrevPosition)
	d.inFlight = req
	d.handle(outcome[common.AppendResponse]{resp: &common.AppendResponse{Term: r.term, Position: 9}})
	assert.Equal(t, int64(9), m.currentEntryPosition)
	assert.Zero(t, m.failures)
	assert.True(t, d.retryAt.IsZero())
}
