package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/sushantsondhi/broker-raft/persistent"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// LogSummary describes the log of a stopped node.
type LogSummary struct {
	FirstPosition  int64 `yaml:"firstPosition"`
	LastPosition   int64 `yaml:"lastPosition"`
	LastTerm       int32 `yaml:"lastTerm"`
	CommitPosition int64 `yaml:"commitPosition"`
	Entries        int   `yaml:"entries"`
}

type inspection struct {
	Metadata persistent.Metadata `yaml:"metadata"`
	Log      *LogSummary         `yaml:"log,omitempty"`
}

// NewInspectCmd returns the "inspect" command printing the persisted state
// of a node directory as YAML. The node must be stopped.
func NewInspectCmd() *cobra.Command {
	var metaStore string
	cmd := &cobra.Command{
		Use:   "inspect <node directory>",
		Short: "Print the metadata and log summary of a stopped node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0], metaStore)
		},
	}
	cmd.Flags().StringVar(&metaStore, "meta-store", MetaStoreFile, "metadata backend of the node: file|bolt")
	return cmd
}

func inspect(out io.Writer, dir, metaStore string) (err error) {
	logStore, err := persistent.CreateDbLogStore(filepath.Join(dir, logFileName))
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}
	defer func() { err = multierr.Append(err, logStore.Close()) }()

	var store *persistent.MetaStore
	if metaStore == MetaStoreBolt {
		store, err = persistent.NewLogBoundMetaStore(logStore)
	} else {
		store, err = persistent.NewFileMetaStore(filepath.Join(dir, metaFileName))
	}
	if err != nil {
		return fmt.Errorf("opening meta store: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	result := inspection{Metadata: store.Metadata()}
	if result.Log, err = summarize(logStore); err != nil {
		return err
	}
	bytes, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	_, err = out.Write(bytes)
	return err
}

// summarize returns nil for an empty log.
func summarize(logStore *persistent.DbLogStore) (*LogSummary, error) {
	first, err := logStore.FirstEntry()
	if err != nil || first == nil {
		return nil, err
	}
	last, err := logStore.LastEntry()
	if err != nil {
		return nil, err
	}
	commit, err := logStore.CommitPosition()
	if err != nil {
		return nil, err
	}
	summary := &LogSummary{
		FirstPosition:  first.Position,
		LastPosition:   last.Position,
		LastTerm:       last.Term,
		CommitPosition: commit,
	}
	reader := logStore.NewReader()
	reader.SeekToFirstEntry()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return summary, nil
		}
		summary.Entries++
	}
}
