package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"Distributed-index/internal/config"
	"Distributed-index/internal/logger"
	"Distributed-index/internal/node"
)

func newServeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cfg := config.DefaultConfig()
	var standalone bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an indexd node.",
		Long: `indexd serve runs a node.

It opens the configured partitions, replays events cached since the last
commit, then ingests from the configured source until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New("indexd", cfg.LogLevel, stderr)
			n, err := node.New(cfg, node.Options{Standalone: standalone}, log)
			if err != nil {
				return fmt.Errorf("creating node: %v", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := n.Run(ctx); err != nil {
				return fmt.Errorf("running node: %v", err)
			}
			return nil
		},
	}
	nodeFlags(cmd.Flags(), cfg)
	cmd.Flags().BoolVar(&standalone, "standalone", false, "Run without gossip and raft.")
	return cmd
}
