package raft

import (
	"log"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/metrics"
)

const maxBackoffShift = 5

// member is the runtime state kept for one other participant of the
// adopted configuration, together with the drivers of the exchanges
// directed at it.
type member struct {
	raft     *Raft
	endpoint common.Endpoint

	// reader is the replication cursor. It rests on the entry recorded in
	// currentEntryPosition/currentEntryTerm (or at the start of the log when
	// no entry is recorded), which is the PrevPosition of the next append.
	reader               common.LogReader
	currentEntryPosition int64
	currentEntryTerm     int32
	matchPosition        int64

	configEntryPosition int64
	configEntryTerm     int32

	failures    int
	lastContact time.Time

	replication *replicationDriver
	vote        *voteDriver
	poll        *pollDriver
	configure   *configureDriver
}

func newMember(r *Raft, endpoint common.Endpoint) *member {
	m := &member{
		raft:                 r,
		endpoint:             endpoint,
		reader:               r.logStore.NewReader(),
		currentEntryPosition: -1,
		matchPosition:        -1,
		configEntryPosition:  -1,
	}
	m.replication = newReplicationDriver(m)
	m.vote = newVoteDriver(m)
	m.poll = newPollDriver(m)
	m.configure = newConfigureDriver(m)
	return m
}

// resetReaderToLastEntry positions the cursor on the last entry of the log,
// or at the start of the log if it is empty.
func (m *member) resetReaderToLastEntry() {
	last, err := m.raft.logStore.LastEntry()
	if err != nil {
		log.Printf("%v: failed to read last entry for %v: %+v\n", m.raft.me, m.endpoint, err)
	}
	if last == nil {
		m.reader.SeekToFirstEntry()
		m.currentEntryPosition, m.currentEntryTerm = -1, 0
		return
	}
	m.reader.Seek(last.Position)
	m.currentEntryPosition, m.currentEntryTerm = last.Position, last.Term
}

// resetReaderToPreviousEntry backs the cursor up to the latest entry whose
// position is strictly less than position. The block index gives a seek
// point close to the target, the rest is a linear scan.
func (m *member) resetReaderToPreviousEntry(position int64) {
	m.currentEntryPosition, m.currentEntryTerm = -1, 0
	if position < 0 {
		m.reader.SeekToFirstEntry()
		return
	}
	store := m.raft.logStore
	block, err := store.LookupBlockPosition(position)
	if err == nil && block == position {
		block, err = store.LookupBlockPosition(position - 1)
	}
	if err != nil {
		log.Printf("%v: block lookup for %d failed: %+v\n", m.raft.me, position, err)
		block = -1
	}
	if block < 0 {
		m.reader.SeekToFirstEntry()
	} else {
		m.reader.Seek(block)
	}
	for {
		entry, err := m.reader.Next()
		if err != nil {
			log.Printf("%v: scan for %v stopped: %+v\n", m.raft.me, m.endpoint, err)
			break
		}
		if entry == nil || entry.Position >= position {
			break
		}
		m.currentEntryPosition, m.currentEntryTerm = entry.Position, entry.Term
	}
	m.rewind()
}

// rewind puts the cursor back on the recorded entry, dropping whatever
// was read past it.
func (m *member) rewind() {
	if m.currentEntryPosition < 0 {
		m.reader.SeekToFirstEntry()
		return
	}
	m.reader.Seek(m.currentEntryPosition)
}

func (m *member) hasFailures() bool {
	return m.failures > 0
}

func (m *member) incrementFailures() {
	m.setFailures(m.failures + 1)
	metrics.ReplicationFailures.WithLabelValues(m.raft.me.String(), m.endpoint.String()).Inc()
}

func (m *member) resetFailures() {
	m.setFailures(0)
}

func (m *member) setFailures(failures int) {
	if failures < 0 {
		panic("fatal: negative failure count")
	}
	m.failures = failures
}

// backoff is the delay before retrying a failed exchange with this member.
func (m *member) backoff() time.Duration {
	return m.raft.config.RetryBackoff << min(m.failures, maxBackoffShift)
}

func (m *member) contacted(now time.Time) {
	m.lastContact = now
	m.resetFailures()
}

func (m *member) closeDrivers() {
	m.replication.closeForcibly()
	m.vote.closeForcibly()
	m.poll.closeForcibly()
	m.configure.closeForcibly()
}

func (m *member) reopenDrivers() {
	m.replication.reopen()
	m.vote.reopen()
	m.poll.reopen()
	m.configure.reopen()
}
