package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	Term = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "broker_raft",
		Name:      "term",
		Help:      "Current raft term of the node",
	}, []string{"node"})

	CommitPosition = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "broker_raft",
		Name:      "commit_position",
		Help:      "Highest log position known to be replicated to a quorum",
	}, []string{"node"})

	Role = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "broker_raft",
		Name:      "role",
		Help:      "Current role of the node (0 inactive, 1 follower, 2 candidate, 3 leader)",
	}, []string{"node"})

	Members = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "broker_raft",
		Name:      "members",
		Help:      "Number of members in the adopted configuration",
	}, []string{"node"})

	Quorum = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "broker_raft",
		Name:      "quorum",
		Help:      "Number of members required for a majority",
	}, []string{"node"})

	RoleTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker_raft",
		Name:      "role_transitions_total",
		Help:      "Total number of installed roles",
	}, []string{"node", "role"})

	Elections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker_raft",
		Name:      "elections_total",
		Help:      "Total number of elections started by the node",
	}, []string{"node"})

	AppendRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker_raft",
		Name:      "append_requests_total",
		Help:      "Total append requests handled by the node",
	}, []string{"node", "result"})

	ReplicationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker_raft",
		Subsystem: "repl",
		Name:      "failures_total",
		Help:      "Total failed exchanges with a peer",
	}, []string{"node", "peer"})

	MatchPosition = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "broker_raft",
		Subsystem: "repl",
		Name:      "match_position",
		Help:      "Highest position a peer is confirmed to hold (leader side)",
	}, []string{"node", "peer"})

	TransportRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "broker_raft",
		Subsystem: "transport",
		Name:      "requests_total",
		Help:      "Total inbound requests served per transport and method",
	}, []string{"transport", "method", "result"})

	GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broker_raft",
		Subsystem: "transport",
		Name:      "grpc_conn_dials_total",
		Help:      "Total gRPC client connections created",
	})
)

// Result is the result label of a served request.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(Term)
		prometheus.MustRegister(CommitPosition)
		prometheus.MustRegister(Role)
		prometheus.MustRegister(Members)
		prometheus.MustRegister(Quorum)
		prometheus.MustRegister(RoleTransitions)
		prometheus.MustRegister(Elections)
		prometheus.MustRegister(AppendRequests)
		prometheus.MustRegister(ReplicationFailures)
		prometheus.MustRegister(MatchPosition)
		prometheus.MustRegister(TransportRequests)
		prometheus.MustRegister(GRPCConnDials)
	})
}
