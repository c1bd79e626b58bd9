package raft

import (
	"math/rand"
	"time"
)

// Config specifies tunable properties of the Raft protocol itself
// such as the different timeouts.
type Config struct {
	// ElectionTimeout is the minimum time a follower waits without hearing
	// from a leader before it polls for an election. The actual timeout is
	// randomized in [ElectionTimeout, 2*ElectionTimeout).
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	// RequestTimeout bounds every outbound exchange with a peer.
	RequestTimeout time.Duration
	// RetryBackoff is the base delay before a failed exchange is retried,
	// doubled for every consecutive failure with the same peer.
	RetryBackoff time.Duration
	MaxBatchSize int
}

func DefaultConfig() Config {
	return Config{
		ElectionTimeout:   time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
		RequestTimeout:    500 * time.Millisecond,
		RetryBackoff:      50 * time.Millisecond,
		MaxBatchSize:      64,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = defaults.ElectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaults.MaxBatchSize
	}
	return c
}

func (c Config) randomElectionTimeout() time.Duration {
	return c.ElectionTimeout + time.Duration(rand.Int63n(int64(c.ElectionTimeout)))
}
