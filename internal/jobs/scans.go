package jobs

import (
	"strconv"
	"time"

	"golang.org/x/text/cases"

	"github.com/tendant/sad-worker/internal/catalog"
	"github.com/tendant/sad-worker/pkg/schema"
)

const (
	HorrorMovies      = "horror_movies"
	LowestRatedMovies = "lowest_rated_movies"
	TVNeverWatched    = "tv_never_watched"
)

// Options parameterise the built-in scans.
type Options struct {
	MovieSection string
	ShowSection  string

	// HorrorMaxRating excludes rated horror movies at or above it. Zero
	// disables the threshold.
	HorrorMaxRating float64
	// HorrorMinAge is how long a movie must have been in the library.
	HorrorMinAge time.Duration

	LowestRatedLimit   int
	LowestRatedCeiling float64
}

func DefaultOptions() Options {
	return Options{
		MovieSection:       "Movies",
		ShowSection:        "TV Shows",
		HorrorMaxRating:    7.5,
		HorrorMinAge:       90 * 24 * time.Hour,
		LowestRatedLimit:   100,
		LowestRatedCeiling: 3.5,
	}
}

// Default returns a registry with the built-in scans in their fixed order.
func Default(env Env, opts Options) (*Registry, error) {
	return NewRegistry(
		NewScan(env, HorrorScan(opts)),
		NewScan(env, LowestRatedScan(opts)),
		NewScan(env, ShowsNeverWatchedScan(opts)),
	)
}

// HorrorScan finds unwatched horror movies that have sat in the library for
// at least HorrorMinAge.
func HorrorScan(opts Options) Scan {
	return Scan{
		Name: HorrorMovies,
		Type: schema.MediaTypeMovie,
		Filter: catalog.Filter{
			Section:   opts.MovieSection,
			Type:      schema.MediaTypeMovie,
			Unwatched: true,
		},
		Match: func(e catalog.Entity, now time.Time) bool {
			if !hasGenre(e, "horror") || e.ViewCount != 0 {
				return false
			}
			if e.AddedAt.IsZero() || !e.AddedAt.Before(now.Add(-opts.HorrorMinAge)) {
				return false
			}
			if opts.HorrorMaxRating > 0 && e.HasRating && e.AudienceRating >= opts.HorrorMaxRating {
				return false
			}
			return true
		},
		Enrich: true,
	}
}

// LowestRatedScan finds the worst rated movies in the library.
func LowestRatedScan(opts Options) Scan {
	ceiling := opts.LowestRatedCeiling
	return Scan{
		Name: LowestRatedMovies,
		Type: schema.MediaTypeMovie,
		Filter: catalog.Filter{
			Section: opts.MovieSection,
			Type:    schema.MediaTypeMovie,
			Sort:    "audienceRating:asc",
			Limit:   opts.LowestRatedLimit,
			Params: map[string]string{
				"audienceRating<<": strconv.FormatFloat(ceiling, 'f', -1, 64),
			},
		},
		Match: func(e catalog.Entity, _ time.Time) bool {
			return e.HasRating && e.AudienceRating < ceiling
		},
		Enrich: true,
	}
}

// ShowsNeverWatchedScan finds shows nobody has started.
func ShowsNeverWatchedScan(opts Options) Scan {
	return Scan{
		Name: TVNeverWatched,
		Type: schema.MediaTypeShow,
		Filter: catalog.Filter{
			Section:   opts.ShowSection,
			Type:      schema.MediaTypeShow,
			Unwatched: true,
		},
		Match: func(e catalog.Entity, _ time.Time) bool {
			return e.ViewCount == 0 && e.UnwatchedEpisodes() >= 1
		},
		Enrich: true,
	}
}

func hasGenre(e catalog.Entity, genre string) bool {
	fold := cases.Fold()
	want := fold.String(genre)
	for _, g := range e.Genres {
		if fold.String(g) == want {
			return true
		}
	}
	return false
}
