package common

import (
	"context"
	"errors"
)

// ErrEntryNotFound is returned by LogStore.Get when no entry exists at the requested position.
var ErrEntryNotFound = errors.New("log entry not found")

// LogStore is the interface that when implemented can be used as
// the replicated log of one raft node. Positions are strictly increasing
// but not necessarily dense. LogStore is responsible for guaranteeing
// persistence of entries across restarts.
type LogStore interface {
	// Append writes entries after the last entry. Every position must be
	// strictly greater than the position of the current last entry.
	Append(entries ...LogEntry) error
	// Truncate removes every entry whose position is greater than afterPosition.
	Truncate(afterPosition int64) error
	Get(position int64) (*LogEntry, error)
	// FirstEntry and LastEntry return nil (and no error) on an empty log.
	FirstEntry() (*LogEntry, error)
	LastEntry() (*LogEntry, error)
	// LookupBlockPosition returns the greatest indexed block position that is
	// less than or equal to position, or -1 if there is none.
	LookupBlockPosition(position int64) (int64, error)
	NewReader() LogReader

	Term() (int32, error)
	SetTerm(term int32) error
	CommitPosition() (int64, error)
	SetCommitPosition(position int64) error

	Close() error
}

// LogReader is a cursor over a LogStore. A reader keeps following the tail
// of the log: once Next has returned nil, entries appended later are returned
// by subsequent calls.
type LogReader interface {
	// Seek positions the reader so that Next returns the first entry whose
	// position is greater than or equal to position.
	Seek(position int64)
	SeekToFirstEntry()
	SeekToLastEntry()
	// Next returns nil when there is no further entry.
	Next() (*LogEntry, error)
}

// MetaStore implementations durably keep the term, the last vote and the
// adopted configuration of one raft node. Every Store* call is durable
// before it returns.
type MetaStore interface {
	Term() int32
	Vote() (Endpoint, bool)
	Configuration() *Configuration

	StoreTerm(term int32) error
	// StoreVote persists the given vote, nil clears it.
	StoreVote(vote *Endpoint) error
	StoreTermAndVote(term int32, vote *Endpoint) error
	StoreConfiguration(configuration Configuration) error

	Close() error
}

// Transport sends typed requests to other raft nodes.
type Transport interface {
	Append(ctx context.Context, to Endpoint, req *AppendRequest) (*AppendResponse, error)
	Vote(ctx context.Context, to Endpoint, req *VoteRequest) (*VoteResponse, error)
	Poll(ctx context.Context, to Endpoint, req *PollRequest) (*PollResponse, error)
	Configure(ctx context.Context, to Endpoint, req *ConfigureRequest) (*ConfigureResponse, error)
	Join(ctx context.Context, to Endpoint, req *JoinRequest) (*JoinResponse, error)
	Leave(ctx context.Context, to Endpoint, req *LeaveRequest) (*LeaveResponse, error)
}

// Handler is the interface exposed by a raft node to its transport server.
type Handler interface {
	HandleAppendRequest(ctx context.Context, req *AppendRequest) (*AppendResponse, error)
	HandleVoteRequest(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	HandlePollRequest(ctx context.Context, req *PollRequest) (*PollResponse, error)
	HandleConfigureRequest(ctx context.Context, req *ConfigureRequest) (*ConfigureResponse, error)
	HandleJoinRequest(ctx context.Context, req *JoinRequest) (*JoinResponse, error)
	HandleLeaveRequest(ctx context.Context, req *LeaveRequest) (*LeaveResponse, error)
}
