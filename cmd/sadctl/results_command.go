package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tendant/sad-worker/internal/kv"
	"github.com/tendant/sad-worker/internal/state"
	"github.com/tendant/sad-worker/pkg/schema"
)

func newResultsCommand(ctx *commandContext) *cobra.Command {
	var job string

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show registered jobs and their cached results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			backend, err := kv.Open(cmd.Context(), cfg.KV())
			if err != nil {
				return fmt.Errorf("open cache backend: %w", err)
			}
			defer backend.Close()

			snap, err := state.NewStore(backend, nil).Load(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if job != "" {
				records, ok := snap.Bucket(job)
				if !ok {
					return fmt.Errorf("no results stored for job %q", job)
				}
				printRecords(out, records)
				return nil
			}
			printSummary(out, snap)
			return nil
		},
	}
	cmd.Flags().StringVarP(&job, "job", "j", "", "List the stored items of one job")
	return cmd
}

func printSummary(out io.Writer, snap *state.Snapshot) {
	if len(snap.Keys) == 0 && len(snap.Results) == 0 {
		fmt.Fprintln(out, "No jobs have stored results yet")
		return
	}

	names := make([]string, 0, len(snap.Results))
	types := make(map[string]string, len(snap.Keys))
	for _, entry := range snap.Keys {
		types[entry.Key] = string(entry.Type)
		if _, ok := snap.Results[entry.Key]; !ok {
			names = append(names, entry.Key)
		}
	}
	for name := range snap.Results {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		records := snap.Results[name]
		var total int64
		for _, rec := range records {
			total += recordInt(rec, "size_bytes")
		}
		registered := "no"
		if snap.HasKey(name) {
			registered = "yes"
		}
		rows = append(rows, []string{
			name,
			dash(types[name]),
			registered,
			strconv.Itoa(len(records)),
			humanize.IBytes(uint64(total)),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Job", "Type", "Registered", "Items", "Size"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	))
}

func printRecords(out io.Writer, records []schema.ResultRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No items stored")
		return
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		name := recordString(rec, "file_path")
		if title := recordString(rec, "title"); title != "" {
			name = title
			if year := recordInt(rec, "year"); year > 0 {
				name = fmt.Sprintf("%s (%d)", title, year)
			}
		}
		size := ""
		if n := recordInt(rec, "size_bytes"); n > 0 {
			size = humanize.IBytes(uint64(n))
		}
		rows = append(rows, []string{
			recordString(rec, "id"),
			dash(name),
			dash(recordString(rec, "audience_rating")),
			dash(tmdbID(rec)),
			dash(size),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "Item", "Rating", "TMDB", "Size"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight},
	))
}

// recordString renders a free-form record field.
func recordString(rec schema.ResultRecord, key string) string {
	switch v := rec[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func recordInt(rec schema.ResultRecord, key string) int64 {
	switch v := rec[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func tmdbID(rec schema.ResultRecord) string {
	candidate, ok := rec["tmdb_results"].(map[string]any)
	if !ok {
		return ""
	}
	return recordString(candidate, "id")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
