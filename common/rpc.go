package common

// See Raft paper for details on below RPCs

type AppendRequest struct {
	Term           int32
	Leader         Endpoint
	PrevPosition   int64
	PrevTerm       int32
	CommitPosition int64
	Entries        []LogEntry
}

type AppendResponse struct {
	Term      int32
	Succeeded bool
	// Position is the last position the follower holds after handling the request.
	Position int64
}

type VoteRequest struct {
	Term         int32
	Candidate    Endpoint
	LastPosition int64
	LastTerm     int32
}

type VoteResponse struct {
	Term    int32
	Granted bool
}

// PollRequest is a pre-vote: the receiver answers whether it would grant a
// vote to Candidate in Term without changing any of its own state.
type PollRequest struct {
	Term         int32
	Candidate    Endpoint
	LastPosition int64
	LastTerm     int32
}

type PollResponse struct {
	Term    int32
	Granted bool
}

type ConfigureRequest struct {
	Term                int32
	Leader              Endpoint
	ConfigEntryPosition int64
	ConfigEntryTerm     int32
	Members             []Endpoint
}

type ConfigureResponse struct {
	Term      int32
	Succeeded bool
}

type JoinRequest struct {
	Member Endpoint
}

// JoinResponse carries the configuration that contains the new member once
// it has been committed. Leader is a hint for redirection when Succeeded is false.
type JoinResponse struct {
	Term                int32
	Succeeded           bool
	Leader              Endpoint
	ConfigEntryPosition int64
	ConfigEntryTerm     int32
	Members             []Endpoint
}

type LeaveRequest struct {
	Member Endpoint
}

type LeaveResponse struct {
	Term                int32
	Succeeded           bool
	Leader              Endpoint
	ConfigEntryPosition int64
	ConfigEntryTerm     int32
	Members             []Endpoint
}
