package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/persistent"
	"github.com/sushantsondhi/broker-raft/raft"
	"github.com/sushantsondhi/broker-raft/rpc"
	grpcrpc "github.com/sushantsondhi/broker-raft/rpc/grpc"
	"github.com/sushantsondhi/broker-raft/scheduler"
	"go.uber.org/multierr"
)

const (
	logFileName   = "log.db"
	metaFileName  = "meta"
	schedulerIdle = time.Millisecond
)

type closableTransport interface {
	common.Transport
	Close() error
}

// node is one raft member together with the stores, transport and
// scheduler it runs on.
type node struct {
	me         common.Endpoint
	members    []common.Endpoint
	joining    bool
	raft       *raft.Raft
	scheduler  *scheduler.Scheduler
	transport  closableTransport
	stopServer func() error
}

// openNode opens the stores of node index and starts serving it. A node
// that should not join and has never stored a configuration starts out with
// every node of the cluster file as member.
func openNode(cfg *ClusterFile, index int, join bool) (*node, error) {
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(endpoints) {
		return nil, fmt.Errorf("invalid index: %d (config file specified %d nodes only)", index, len(endpoints))
	}
	me := endpoints[index]
	dir := cfg.NodeDirectory(index)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	logStore, err := persistent.CreateDbLogStore(filepath.Join(dir, logFileName), persistent.WithBlockDensity(cfg.BlockDensity))
	if err != nil {
		return nil, fmt.Errorf("opening log store: %w", err)
	}
	metaStore, err := openMetaStore(cfg, dir, logStore)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("opening meta store: %w", err), logStore.Close())
	}
	closeStores := func(err error) error {
		return multierr.Combine(err, logStore.Close(), metaStore.Close())
	}
	if err := metaStore.StoreTopicNameAndPartitionIDAndDirectory(cfg.Topic, cfg.Partition, dir); err != nil {
		return nil, closeStores(err)
	}
	if metaStore.Configuration() == nil && !join {
		err := metaStore.StoreConfiguration(common.Configuration{EntryPosition: 0, EntryTerm: 0, Members: endpoints})
		if err != nil {
			return nil, closeStores(err)
		}
	}

	n := &node{
		me:        me,
		members:   endpoints,
		joining:   metaStore.Configuration() == nil,
		scheduler: scheduler.New(schedulerIdle),
	}
	switch cfg.Transport {
	case TransportGRPC:
		n.transport = grpcrpc.NewTransport()
	default:
		n.transport = rpc.NewTransport()
	}
	n.raft, err = raft.NewRaft(me, cfg.RaftConfig(), logStore, metaStore, n.transport)
	if err != nil {
		return nil, closeStores(multierr.Append(err, n.transport.Close()))
	}
	if err := n.serve(cfg.Transport); err != nil {
		return nil, closeStores(multierr.Append(err, n.transport.Close()))
	}
	n.raft.OnStateChange(func(state raft.RaftState) {
		log.Printf("%v: now %v at term %d\n", me, state, n.raft.Term())
	})
	n.scheduler.Submit(n.raft)
	n.scheduler.Start()
	return n, nil
}

func openMetaStore(cfg *ClusterFile, dir string, logStore *persistent.DbLogStore) (*persistent.MetaStore, error) {
	if cfg.MetaStore == MetaStoreBolt {
		return persistent.NewLogBoundMetaStore(logStore)
	}
	return persistent.NewFileMetaStore(filepath.Join(dir, metaFileName))
}

func (n *node) serve(kind string) error {
	if kind == TransportGRPC {
		server := grpcrpc.NewServer(n.me)
		if err := server.Start(n.raft); err != nil {
			return err
		}
		n.stopServer = func() error {
			server.Stop()
			return nil
		}
		return nil
	}
	manager := rpc.NewManager()
	go func() {
		if err := manager.Start(n.me, n.raft); err != nil {
			log.Printf("%v: rpc server stopped: %+v\n", n.me, err)
		}
	}()
	n.stopServer = manager.Close
	return nil
}

// start bootstraps the node or joins it to the cluster, depending on
// whether it has a configuration.
func (n *node) start(ctx context.Context) error {
	if n.joining {
		log.Printf("%v: joining %v\n", n.me, n.members)
		return n.raft.Join(ctx, n.members)
	}
	return n.raft.Bootstrap(ctx)
}

// close optionally leaves the cluster, then shuts the node down. The
// scheduler keeps running until the raft is closed.
func (n *node) close(ctx context.Context, leave bool) error {
	var err error
	if leave {
		err = n.raft.Leave(ctx)
	}
	err = multierr.Append(err, n.raft.Close())
	n.scheduler.Stop()
	return multierr.Combine(err, n.stopServer(), n.transport.Close())
}
