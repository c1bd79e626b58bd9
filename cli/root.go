package cli

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCommand returns the broker-raft command with all of its
// sub-commands attached.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "broker-raft",
		Short:         "Replicated partition log nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		},
	}
	root.AddCommand(NewConfigCmd())
	root.AddCommand(NewServerCmd())
	root.AddCommand(NewInspectCmd())
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
