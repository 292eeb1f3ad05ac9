package jobs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tendant/sad-worker/internal/catalog"
	"github.com/tendant/sad-worker/internal/process"
	"github.com/tendant/sad-worker/internal/state"
	"github.com/tendant/sad-worker/internal/tmdb"
	"github.com/tendant/sad-worker/pkg/schema"
)

// Catalog is the part of the Plex client the jobs use.
type Catalog interface {
	Search(ctx context.Context, f catalog.Filter) iter.Seq2[catalog.Entity, error]
}

// Enricher looks up TMDB candidates for a title and year.
type Enricher interface {
	SearchMovie(ctx context.Context, query string, year int) (*tmdb.Response, error)
	SearchTV(ctx context.Context, query string, year int) (*tmdb.Response, error)
}

// Handler is a named scan job.
type Handler interface {
	Name() string
	MediaType() schema.MediaType
	// Run recomputes the job's bucket in snap and registers its key. On error
	// snap is left untouched.
	Run(ctx context.Context, snap *state.Snapshot) (Report, error)
}

// Env carries the collaborators shared by every job.
type Env struct {
	Catalog  Catalog
	Enricher Enricher
	Now      func() time.Time
	Logger   *slog.Logger
	// MediaRoot is stripped from stored file paths.
	MediaRoot string
}

// Report summarises one job run. It is informational and never persisted.
type Report struct {
	Job        string
	Matched    int
	Stored     int
	Missed     int
	Failed     int
	Skipped    int
	TotalBytes int64
	Duration   time.Duration
}

func (r Report) Summary() schema.JobSummary {
	return schema.JobSummary{
		Job:        r.Job,
		Matched:    r.Matched,
		Stored:     r.Stored,
		Missed:     r.Missed,
		TotalBytes: r.TotalBytes,
	}
}

// Scan declares what a job looks for. The shared executor does the rest.
type Scan struct {
	Name   string
	Type   schema.MediaType
	Filter catalog.Filter
	// Match re-checks a catalog hit for conditions the query cannot express.
	Match func(e catalog.Entity, now time.Time) bool
	// Enrich looks every match up in TMDB and drops those without candidates.
	Enrich bool
}

type scanHandler struct {
	scan Scan
	env  Env
}

// NewScan builds a Handler from a Scan declaration.
func NewScan(env Env, scan Scan) Handler {
	if env.Now == nil {
		env.Now = time.Now
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	return &scanHandler{scan: scan, env: env}
}

func (h *scanHandler) Name() string                { return h.scan.Name }
func (h *scanHandler) MediaType() schema.MediaType { return h.scan.Type }

func (h *scanHandler) Run(ctx context.Context, snap *state.Snapshot) (Report, error) {
	name := h.scan.Name
	report := Report{Job: name}
	start := time.Now()
	logger := h.env.Logger.With("job", name)

	if err := h.validate(snap); err != nil {
		return report, err
	}
	_, existed := snap.Bucket(name)
	records := make([]schema.ResultRecord, 0)
	now := h.env.Now()

	for entity, err := range h.env.Catalog.Search(ctx, h.scan.Filter) {
		if err != nil {
			return report, fmt.Errorf("%s: search catalog: %w", name, err)
		}
		if h.scan.Match != nil && !h.scan.Match(entity, now) {
			report.Skipped++
			continue
		}
		report.Matched++
		report.TotalBytes += entity.SizeBytes

		itemLogger := logger.With("title", entity.Title, "year", entity.Year)
		if h.scan.Type == schema.MediaTypeMovie && !entity.HasFile() {
			report.Failed++
			itemLogger.Error("catalog item has no media file, skipping", "rating_key", entity.RatingKey)
			continue
		}
		itemLogger.Info("matched item", "file_path", h.relativePath(entity.FilePath))

		var candidate *tmdb.Result
		if h.scan.Enrich && h.env.Enricher != nil {
			found, err := h.enrich(ctx, entity)
			if err != nil {
				if process.IsKind(err, process.KindUnavailable) {
					return report, fmt.Errorf("%s: enrich %q: %w", name, entity.Title, err)
				}
				report.Failed++
				itemLogger.Error("enrichment lookup failed, skipping", "err", err)
				continue
			}
			if found == nil {
				report.Missed++
				itemLogger.Error("TMDB did not return any results",
					"kind", process.KindEnrichmentMiss,
					"file_path", h.relativePath(entity.FilePath),
					"err", process.EnrichmentMiss(entity.Title, entity.Year))
				continue
			}
			candidate = found
		}

		records = append(records, h.record(entity, candidate))
	}

	report.Stored = len(records)
	if existed || len(records) > 0 {
		snap.ReplaceBucket(name, records)
	}
	if len(records) > 0 && snap.Register(schema.JobKeyEntry{Type: h.scan.Type, Key: name}) {
		logger.Info("registered job key", "type", h.scan.Type)
	}
	report.Duration = time.Since(start)

	logger.Info(fmt.Sprintf("Total size of %s: %.2fGB, %d items", name, float64(report.TotalBytes)/(1<<30), report.Matched),
		"matched", report.Matched,
		"stored", report.Stored,
		"missed", report.Missed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"total_bytes", report.TotalBytes,
		"total_size", humanize.IBytes(uint64(report.TotalBytes)),
		"duration_ms", report.Duration.Milliseconds())
	return report, nil
}

func (h *scanHandler) validate(snap *state.Snapshot) error {
	switch {
	case strings.TrimSpace(h.scan.Name) == "":
		return process.InvalidArgument("run job", errors.New("job has no name"))
	case h.env.Catalog == nil:
		return process.InvalidArgument("run job "+h.scan.Name, errors.New("no catalog configured"))
	case snap == nil:
		return process.InvalidArgument("run job "+h.scan.Name, errors.New("nil snapshot"))
	}
	return nil
}

// enrich returns the first TMDB candidate or nil when there is none.
func (h *scanHandler) enrich(ctx context.Context, e catalog.Entity) (*tmdb.Result, error) {
	var (
		resp *tmdb.Response
		err  error
	)
	if h.scan.Type == schema.MediaTypeShow {
		resp, err = h.env.Enricher.SearchTV(ctx, e.Title, e.Year)
	} else {
		resp, err = h.env.Enricher.SearchMovie(ctx, e.Title, e.Year)
	}
	if err != nil {
		return nil, err
	}
	first, ok := resp.First()
	if !ok {
		return nil, nil
	}
	return &first, nil
}

func (h *scanHandler) record(e catalog.Entity, candidate *tmdb.Result) schema.ResultRecord {
	rec := schema.ResultRecord{
		"id":              e.RatingKey,
		"audience_rating": e.AudienceRating,
	}
	if h.scan.Type == schema.MediaTypeShow {
		rec["title"] = e.Title
		rec["year"] = e.Year
		rec["unwatched_episodes"] = e.UnwatchedEpisodes()
	} else {
		rec["file_path"] = h.relativePath(e.FilePath)
		rec["size_bytes"] = e.SizeBytes
	}
	if candidate != nil {
		rec["tmdb_results"] = *candidate
	}
	return rec
}

func (h *scanHandler) relativePath(p string) string {
	if h.env.MediaRoot == "" || p == "" {
		return p
	}
	rel, err := filepath.Rel(h.env.MediaRoot, p)
	if err != nil {
		return p
	}
	return rel
}
