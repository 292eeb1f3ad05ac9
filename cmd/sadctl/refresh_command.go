package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendant/sad-worker/internal/bus"
	"github.com/tendant/sad-worker/pkg/schema"
)

func newRefreshCommand(ctx *commandContext) *cobra.Command {
	var names []string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Publish a trigger message for the worker",
		Long:  "Publish a trigger message naming the jobs to run. Without --job every job runs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			req := schema.RunAll()
			if len(names) > 0 {
				req = schema.NewJobRequest(names...)
			}
			if req.Empty() {
				return fmt.Errorf("no job names given")
			}
			payload, err := req.Encode()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "Would publish %s to %s\n", payload, cfg.NATS.Topic)
				return nil
			}

			nc, err := bus.Connect(cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("connect to NATS %s: %w", cfg.NATS.URL, err)
			}
			defer nc.Close()

			if err := nc.EnsureStream(cmd.Context(), cfg.NATS.Stream, cfg.NATS.Topic); err != nil {
				return err
			}
			seq, err := nc.PublishTrigger(cmd.Context(), cfg.NATS.Topic, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Published %s to %s (sequence %d)\n", payload, cfg.NATS.Topic, seq)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&names, "job", "j", nil, "Job to run (repeatable); defaults to all")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the message instead of publishing it")
	return cmd
}
