package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/sushantsondhi/broker-raft/common"
	"github.com/sushantsondhi/broker-raft/persistent"
	"github.com/sushantsondhi/broker-raft/raft"
	"gopkg.in/yaml.v2"
)

const (
	TransportNetRPC = "netrpc"
	TransportGRPC   = "grpc"

	MetaStoreFile = "file"
	MetaStoreBolt = "bolt"
)

// ClusterFile is the YAML description of a raft group shared by all of its
// nodes. Every node is started with its index into Nodes.
type ClusterFile struct {
	Topic         string   `yaml:"topic"`
	Partition     int32    `yaml:"partition"`
	Nodes         []string `yaml:"nodes"`
	DataDirectory string   `yaml:"dataDirectory"`
	Transport     string   `yaml:"transport"`
	MetaStore     string   `yaml:"metaStore"`

	ElectionTimeout   int `yaml:"electionTimeout"`   // In milliseconds
	HeartbeatInterval int `yaml:"heartbeatInterval"` // In milliseconds
	RequestTimeout    int `yaml:"requestTimeout"`    // In milliseconds
	RetryBackoff      int `yaml:"retryBackoff"`      // In milliseconds
	MaxBatchSize      int `yaml:"maxBatchSize"`
	BlockDensity      int `yaml:"blockDensity"`

	// MetricsAddress serves /metrics, empty disables it. The server
	// command can override it per node.
	MetricsAddress string `yaml:"metricsAddress"`
	Tracing        bool   `yaml:"tracing"`
}

func DefaultClusterFile() ClusterFile {
	defaults := raft.DefaultConfig()
	return ClusterFile{
		Topic:             "workflows",
		Partition:         1,
		Nodes:             []string{"localhost:26501", "localhost:26502", "localhost:26503"},
		DataDirectory:     "data",
		Transport:         TransportNetRPC,
		MetaStore:         MetaStoreFile,
		ElectionTimeout:   int(defaults.ElectionTimeout / time.Millisecond),
		HeartbeatInterval: int(defaults.HeartbeatInterval / time.Millisecond),
		RequestTimeout:    int(defaults.RequestTimeout / time.Millisecond),
		RetryBackoff:      int(defaults.RetryBackoff / time.Millisecond),
		MaxBatchSize:      defaults.MaxBatchSize,
		BlockDensity:      persistent.DefaultBlockDensity,
	}
}

func LoadClusterFile(path string) (*ClusterFile, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultClusterFile()
	cfg.Nodes = nil
	if err := yaml.UnmarshalStrict(bytes, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster file %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *ClusterFile) Write(path string) error {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, bytes, fs.FileMode(0644))
}

func (c *ClusterFile) validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("no nodes")
	}
	if _, err := c.Endpoints(); err != nil {
		return err
	}
	switch c.Transport {
	case TransportNetRPC, TransportGRPC:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.MetaStore {
	case MetaStoreFile, MetaStoreBolt:
	default:
		return fmt.Errorf("unknown meta store %q", c.MetaStore)
	}
	return nil
}

func (c *ClusterFile) Endpoints() ([]common.Endpoint, error) {
	endpoints := make([]common.Endpoint, 0, len(c.Nodes))
	for _, address := range c.Nodes {
		endpoint, err := common.ParseEndpoint(address)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

func (c *ClusterFile) RaftConfig() raft.Config {
	return raft.Config{
		ElectionTimeout:   time.Duration(c.ElectionTimeout) * time.Millisecond,
		HeartbeatInterval: time.Duration(c.HeartbeatInterval) * time.Millisecond,
		RequestTimeout:    time.Duration(c.RequestTimeout) * time.Millisecond,
		RetryBackoff:      time.Duration(c.RetryBackoff) * time.Millisecond,
		MaxBatchSize:      c.MaxBatchSize,
	}
}

// NodeDirectory is where node index keeps its log and metadata.
func (c *ClusterFile) NodeDirectory(index int) string {
	return filepath.Join(c.DataDirectory, fmt.Sprintf("%s-%d", c.Topic, c.Partition), fmt.Sprintf("node-%d", index))
}

func NewConfigCmd() *cobra.Command {
	cfg := DefaultClusterFile()
	var path, nodes string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write a cluster file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Nodes = nil
			for _, address := range strings.Split(nodes, ",") {
				if address = strings.TrimSpace(address); address != "" {
					cfg.Nodes = append(cfg.Nodes, address)
				}
			}
			if err := cfg.validate(); err != nil {
				return err
			}
			if err := cfg.Write(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s with %d nodes\n", path, len(cfg.Nodes))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "file", "config.yaml", "full path of config file to write to")
	cmd.Flags().StringVar(&nodes, "nodes", strings.Join(cfg.Nodes, ","), "comma-separated list of node addresses (host:port)")
	cmd.Flags().StringVar(&cfg.Topic, "topic", cfg.Topic, "topic the partition belongs to")
	cmd.Flags().Int32Var(&cfg.Partition, "partition", cfg.Partition, "partition id")
	cmd.Flags().StringVar(&cfg.DataDirectory, "data", cfg.DataDirectory, "root data directory")
	cmd.Flags().StringVar(&cfg.Transport, "transport", cfg.Transport, "transport between nodes: netrpc|grpc")
	cmd.Flags().StringVar(&cfg.MetaStore, "meta-store", cfg.MetaStore, "metadata backend: file|bolt")
	cmd.Flags().IntVar(&cfg.ElectionTimeout, "electionTimeout", cfg.ElectionTimeout, "value of election timeout (in milliseconds)")
	cmd.Flags().IntVar(&cfg.HeartbeatInterval, "heartbeatInterval", cfg.HeartbeatInterval, "value of heartbeat interval (in milliseconds)")
	cmd.Flags().IntVar(&cfg.RequestTimeout, "requestTimeout", cfg.RequestTimeout, "timeout of one request to a peer (in milliseconds)")
	cmd.Flags().IntVar(&cfg.RetryBackoff, "retryBackoff", cfg.RetryBackoff, "base backoff after a failed request (in milliseconds)")
	cmd.Flags().IntVar(&cfg.MaxBatchSize, "maxBatchSize", cfg.MaxBatchSize, "maximum number of entries per append request")
	cmd.Flags().IntVar(&cfg.BlockDensity, "blockDensity", cfg.BlockDensity, "number of log entries per indexed block")
	cmd.Flags().StringVar(&cfg.MetricsAddress, "metrics", "", "address of the /metrics endpoint, empty to disable")
	cmd.Flags().BoolVar(&cfg.Tracing, "tracing", false, "print otel spans of inbound grpc calls to stdout")
	return cmd
}
