package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"Distributed-index/internal/event"
	"Distributed-index/internal/ingest"
	"Distributed-index/pkg/api"
)

type remoteOptions struct {
	hosts   []string
	timeout time.Duration
}

func (o *remoteOptions) flags(flags *pflag.FlagSet) {
	flags.StringSliceVar(&o.hosts, "host", []string{"localhost:8080"}, "Node API addresses.")
	flags.DurationVar(&o.timeout, "timeout", 10*time.Second, "Request timeout.")
}

func (o *remoteOptions) client() *api.Client {
	cfg := api.DefaultClientConfig()
	cfg.Addresses = o.hosts
	cfg.Timeout = o.timeout
	return api.NewClient(cfg)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRouteCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var ro remoteOptions
	cmd := &cobra.Command{
		Use:   "route KEY",
		Short: "Show the partition and endpoint serving a key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ro.client().Route(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(stdout, resp)
		},
	}
	ro.flags(cmd.Flags())
	return cmd
}

func newLocateCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		ro     remoteOptions
		shards int
	)
	cmd := &cobra.Command{
		Use:   "locate RECORD",
		Short: "Compute the shard of a JSON record.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := event.DecodeRecord([]byte(args[0]))
			if err != nil {
				return err
			}
			resp, err := ro.client().Locate(context.Background(), rec, shards)
			if err != nil {
				return err
			}
			return printJSON(stdout, resp)
		},
	}
	ro.flags(cmd.Flags())
	cmd.Flags().IntVar(&shards, "max", 0, "Number of shards. Defaults to the node's partition count.")
	return cmd
}

func newStatsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		ro    remoteOptions
		flush bool
	)
	cmd := &cobra.Command{
		Use:   "stats PARTITION",
		Short: "Show ingestion statistics of a partition.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p int
			if _, err := fmt.Sscanf(args[0], "%d", &p); err != nil {
				return fmt.Errorf("invalid partition %q", args[0])
			}
			c := ro.client()
			var (
				stats *ingest.Stats
				err   error
			)
			if flush {
				stats, err = c.Flush(context.Background(), p)
			} else {
				stats, err = c.IngestStats(context.Background(), p)
			}
			if err != nil {
				return err
			}
			return printJSON(stdout, stats)
		},
	}
	ro.flags(cmd.Flags())
	cmd.Flags().BoolVar(&flush, "flush", false, "Commit the partition's partial batch first.")
	return cmd
}
