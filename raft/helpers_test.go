package raft

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/persistent"
	"github.com/sushantsondhi/broker-raft/scheduler"
)

func endpoint(i int) common.Endpoint {
	return common.Endpoint{Host: "127.0.0.1", Port: int32(51000 + i)}
}

func testConfig(electionTimeout time.Duration) Config {
	return Config{
		ElectionTimeout:   electionTimeout,
		HeartbeatInterval: 10 * time.Millisecond,
		RequestTimeout:    100 * time.Millisecond,
		RetryBackoff:      5 * time.Millisecond,
		MaxBatchSize:      16,
	}
}

type stores struct {
	logStore  *persistent.DbLogStore
	metaStore *persistent.MetaStore
}

func openStores(t *testing.T, dir string, opts ...persistent.LogStoreOption) stores {
	logStore, err := persistent.CreateDbLogStore(filepath.Join(dir, "log.db"), opts...)
	require.NoError(t, err)
	metaStore, err := persistent.NewFileMetaStore(filepath.Join(dir, "meta"))
	require.NoError(t, err)
	return stores{logStore: logStore, metaStore: metaStore}
}

// newDetachedRaft creates a node that is driven by the test itself instead
// of a scheduler.
func newDetachedRaft(t *testing.T, me common.Endpoint, opts ...persistent.LogStoreOption) (*Raft, stores) {
	s := openStores(t, t.TempDir(), opts...)
	t.Cleanup(func() {
		s.logStore.Close()
		s.metaStore.Close()
	})
	r, err := NewRaft(me, testConfig(time.Hour), s.logStore, s.metaStore, newNetwork().transport(me))
	require.NoError(t, err)
	return r, s
}

// cluster runs in-process nodes on one shared scheduler.
type cluster struct {
	t         *testing.T
	network   *network
	scheduler *scheduler.Scheduler
	nodes     map[common.Endpoint]*Raft
	dirs      map[common.Endpoint]string
}

func newCluster(t *testing.T) *cluster {
	c := &cluster{
		t:         t,
		network:   newNetwork(),
		scheduler: scheduler.New(time.Millisecond),
		nodes:     make(map[common.Endpoint]*Raft),
		dirs:      make(map[common.Endpoint]string),
	}
	c.scheduler.Start()
	t.Cleanup(c.shutdown)
	return c
}

// add starts a node. When members is not empty the node starts from a
// persisted configuration made of them.
func (c *cluster) add(me common.Endpoint, electionTimeout time.Duration, members ...common.Endpoint) *Raft {
	dir := c.t.TempDir()
	s := openStores(c.t, dir)
	if len(members) > 0 {
		require.NoError(c.t, s.metaStore.StoreConfiguration(common.Configuration{
			EntryPosition: 0,
			EntryTerm:     0,
			Members:       members,
		}))
	}
	r, err := NewRaft(me, testConfig(electionTimeout), s.logStore, s.metaStore, c.network.transport(me))
	require.NoError(c.t, err)
	c.network.register(me, r)
	c.nodes[me] = r
	c.dirs[me] = dir
	c.scheduler.Submit(r)
	return r
}

func (c *cluster) shutdown() {
	for _, r := range c.nodes {
		r.Close()
	}
	c.scheduler.Stop()
}

func (c *cluster) leaders() []*Raft {
	var leaders []*Raft
	for _, r := range c.nodes {
		if r.IsLeader() {
			leaders = append(leaders, r)
		}
	}
	return leaders
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func appendEntries(t *testing.T, logStore common.LogStore, entries ...common.LogEntry) {
	require.NoError(t, logStore.Append(entries...))
}
