package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tendant/sad-worker/internal/bus"
	"github.com/tendant/sad-worker/pkg/schema"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print run-completed events published by the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.NATS.ResultTopic == "" {
				return errors.New("SAD_RESULT_TOPIC is not set; the worker publishes no events")
			}

			nc, err := bus.Connect(cfg.NATS.URL)
			if err != nil {
				return fmt.Errorf("connect to NATS %s: %w", cfg.NATS.URL, err)
			}
			defer nc.Close()

			out := cmd.OutOrStdout()
			sub, err := nc.SubscribeJSON(cfg.NATS.ResultTopic, func(_ context.Context, data []byte) {
				var evt schema.RunCompleted
				if err := json.Unmarshal(data, &evt); err != nil {
					fmt.Fprintf(out, "undecodable event: %v\n", err)
					return
				}
				fmt.Fprintln(out, formatEvent(evt))
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			fmt.Fprintf(out, "Watching %s (Ctrl-C to stop)\n", cfg.NATS.ResultTopic)
			<-cmd.Context().Done()
			return nil
		},
	}
}

func formatEvent(evt schema.RunCompleted) string {
	at := time.Unix(evt.HappenedAt, 0).Format(time.DateTime)
	line := fmt.Sprintf("%s run %s message %s %s in %dms", at, evt.RunID, evt.MessageID, evt.Status, evt.ProcessingMs)
	for _, job := range evt.Jobs {
		line += fmt.Sprintf("\n  %-22s matched %d stored %d missed %d (%s)",
			job.Job, job.Matched, job.Stored, job.Missed, humanize.IBytes(uint64(max(job.TotalBytes, 0))))
	}
	if len(evt.UnknownJobs) > 0 {
		line += fmt.Sprintf("\n  unknown jobs: %v", evt.UnknownJobs)
	}
	if evt.Error != "" {
		line += fmt.Sprintf("\n  error (%s): %s", evt.FailureType, evt.Error)
	}
	return line
}
