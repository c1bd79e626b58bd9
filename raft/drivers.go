package raft

import (
	"log"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/metrics"
)

// replicationDriver streams log entries to one member, starting at the
// member's cursor. Used by the leader only.
type replicationDriver struct {
	exchange[common.AppendRequest, common.AppendResponse]
	member *member

	inFlight    *common.AppendRequest
	retryAt     time.Time
	heartbeatAt time.Time
}

func newReplicationDriver(m *member) *replicationDriver {
	return &replicationDriver{
		exchange: newExchange("append", m.raft.transport.Append),
		member:   m,
	}
}

func (d *replicationDriver) doWork() int {
	switch d.state {
	case exchangeIdle:
		return d.send()
	case exchangeAwaiting:
		o, done := d.poll()
		if !done {
			return 0
		}
		d.handle(o)
		return 1
	}
	return 0
}

func (d *replicationDriver) send() int {
	m := d.member
	r := m.raft
	now := time.Now()
	if now.Before(d.retryAt) {
		return 0
	}
	req, err := d.nextRequest()
	if err != nil {
		log.Printf("%v: failed to read entries for %v: %+v\n", r.me, m.endpoint, err)
		m.rewind()
		d.retryAt = now.Add(r.config.RetryBackoff)
		return 0
	}
	if len(req.Entries) == 0 && now.Before(d.heartbeatAt) {
		return 0
	}
	d.inFlight = req
	d.heartbeatAt = now.Add(r.config.HeartbeatInterval)
	d.start(m.endpoint, r.config.RequestTimeout, req)
	return 1
}

func (d *replicationDriver) nextRequest() (*common.AppendRequest, error) {
	m := d.member
	r := m.raft
	req := &common.AppendRequest{
		Term:           r.term,
		Leader:         r.me,
		PrevPosition:   m.currentEntryPosition,
		PrevTerm:       m.currentEntryTerm,
		CommitPosition: r.commitPosition,
	}
	for len(req.Entries) < r.config.MaxBatchSize {
		entry, err := m.reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Position <= m.currentEntryPosition {
			continue
		}
		req.Entries = append(req.Entries, *entry)
	}
	return req, nil
}

func (d *replicationDriver) handle(o outcome[common.AppendResponse]) {
	m := d.member
	r := m.raft
	req := d.inFlight
	d.inFlight = nil
	now := time.Now()
	if o.err != nil {
		m.incrementFailures()
		m.rewind()
		d.retryAt = now.Add(m.backoff())
		if m.failures == 1 {
			log.Printf("%v: append to %v failed: %+v\n", r.me, m.endpoint, o.err)
		}
		return
	}
	m.contacted(now)
	resp := o.resp
	if stepped, err := r.observeTerm(resp.Term); err != nil || stepped {
		if err != nil {
			log.Printf("%v: failed to store term %d: %+v\n", r.me, resp.Term, err)
		}
		return
	}
	if !resp.Succeeded {
		// back up to before whichever comes first: the rejected previous
		// entry or the end of the member's log
		m.resetReaderToPreviousEntry(min(req.PrevPosition, resp.Position+1))
		if m.currentEntryPosition >= req.PrevPosition {
			// nothing left to back up to, the member rejects even the
			// start of the log
			m.incrementFailures()
			d.retryAt = now.Add(m.backoff())
		}
		return
	}
	if n := len(req.Entries); n > 0 {
		last := req.Entries[n-1]
		m.currentEntryPosition, m.currentEntryTerm = last.Position, last.Term
	}
	if m.currentEntryPosition > m.matchPosition {
		m.matchPosition = m.currentEntryPosition
		metrics.MatchPosition.WithLabelValues(r.me.String(), m.endpoint.String()).Set(float64(m.matchPosition))
	}
}

// ballotDriver asks one member for a vote or a pre-vote and records the answer.
type ballotDriver[Req any, Resp any] struct {
	exchange[Req, Resp]
	member *member

	answered bool
	granted  bool
	retryAt  time.Time
	decode   func(resp *Resp) (term int32, granted bool)
}

type (
	voteDriver = ballotDriver[common.VoteRequest, common.VoteResponse]
	pollDriver = ballotDriver[common.PollRequest, common.PollResponse]
)

func newVoteDriver(m *member) *voteDriver {
	return &voteDriver{
		exchange: newExchange("vote", m.raft.transport.Vote),
		member:   m,
		decode: func(resp *common.VoteResponse) (int32, bool) {
			return resp.Term, resp.Granted
		},
	}
}

func newPollDriver(m *member) *pollDriver {
	return &pollDriver{
		exchange: newExchange("poll", m.raft.transport.Poll),
		member:   m,
		decode: func(resp *common.PollResponse) (int32, bool) {
			return resp.Term, resp.Granted
		},
	}
}

// reset forgets the previous answer and drops any in-flight request.
func (d *ballotDriver[Req, Resp]) reset() {
	d.closeForcibly()
	d.reopen()
	d.answered, d.granted = false, false
	d.retryAt = time.Time{}
}

func (d *ballotDriver[Req, Resp]) doWork(req *Req) int {
	m := d.member
	r := m.raft
	switch d.state {
	case exchangeIdle:
		if d.answered || time.Now().Before(d.retryAt) {
			return 0
		}
		d.start(m.endpoint, r.config.RequestTimeout, req)
		return 1
	case exchangeAwaiting:
		o, done := d.poll()
		if !done {
			return 0
		}
		now := time.Now()
		if o.err != nil {
			m.incrementFailures()
			d.retryAt = now.Add(m.backoff())
			return 1
		}
		m.contacted(now)
		term, granted := d.decode(o.resp)
		if stepped, err := r.observeTerm(term); err != nil || stepped {
			if err != nil {
				log.Printf("%v: failed to store term %d: %+v\n", r.me, term, err)
			}
			return 1
		}
		d.answered, d.granted = true, granted
		return 1
	}
	return 0
}

// configureDriver pushes the adopted configuration to a member that has
// not acknowledged it yet. Used by the leader only.
type configureDriver struct {
	exchange[common.ConfigureRequest, common.ConfigureResponse]
	member *member

	inFlight *common.ConfigureRequest
	retryAt  time.Time
}

func newConfigureDriver(m *member) *configureDriver {
	return &configureDriver{
		exchange: newExchange("configure", m.raft.transport.Configure),
		member:   m,
	}
}

func (d *configureDriver) doWork() int {
	m := d.member
	r := m.raft
	switch d.state {
	case exchangeIdle:
		configuration := r.configuration
		if configuration == nil || m.configEntryPosition >= configuration.EntryPosition {
			return 0
		}
		if time.Now().Before(d.retryAt) {
			return 0
		}
		d.inFlight = &common.ConfigureRequest{
			Term:                r.term,
			Leader:              r.me,
			ConfigEntryPosition: configuration.EntryPosition,
			ConfigEntryTerm:     configuration.EntryTerm,
			Members:             append([]common.Endpoint(nil), configuration.Members...),
		}
		d.start(m.endpoint, r.config.RequestTimeout, d.inFlight)
		return 1
	case exchangeAwaiting:
		o, done := d.poll()
		if !done {
			return 0
		}
		req := d.inFlight
		d.inFlight = nil
		now := time.Now()
		if o.err != nil {
			m.incrementFailures()
			d.retryAt = now.Add(m.backoff())
			return 1
		}
		m.contacted(now)
		if stepped, err := r.observeTerm(o.resp.Term); err != nil || stepped {
			if err != nil {
				log.Printf("%v: failed to store term %d: %+v\n", r.me, o.resp.Term, err)
			}
			return 1
		}
		if o.resp.Succeeded {
			m.configEntryPosition, m.configEntryTerm = req.ConfigEntryPosition, req.ConfigEntryTerm
		} else {
			d.retryAt = now.Add(m.backoff())
		}
		return 1
	}
	return 0
}
