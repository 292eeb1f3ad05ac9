package catalog

import (
	"time"

	"github.com/tendant/sad-worker/pkg/schema"
)

// Entity is one movie or show from the catalog.
type Entity struct {
	RatingKey      string
	Type           schema.MediaType
	Title          string
	Year           int
	Genres         []string
	ViewCount      int
	AddedAt        time.Time
	AudienceRating float64
	HasRating      bool
	FilePath       string
	SizeBytes      int64
	// LeafCount and ViewedLeafCount count episodes for shows.
	LeafCount       int
	ViewedLeafCount int
}

// UnwatchedEpisodes returns how many episodes of a show have not been viewed.
func (e Entity) UnwatchedEpisodes() int {
	n := e.LeafCount - e.ViewedLeafCount
	if n < 0 {
		return 0
	}
	return n
}

// HasFile reports whether the entity carries a media part with a path.
func (e Entity) HasFile() bool {
	return e.FilePath != ""
}

// Filter narrows a catalog search. Fields left zero are not sent.
type Filter struct {
	Section   string
	Type      schema.MediaType
	Unwatched bool
	// Sort is a Plex sort expression such as "audienceRating:asc".
	Sort string
	// Limit stops the search after this many entities; zero means no limit.
	Limit int
	// Params carries additional Plex filter parameters, e.g.
	// {"audienceRating<<": "3.5"}.
	Params map[string]string
}

type metadata struct {
	RatingKey       string   `json:"ratingKey"`
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	Year            int      `json:"year"`
	AddedAt         int64    `json:"addedAt"`
	ViewCount       int      `json:"viewCount"`
	AudienceRating  *float64 `json:"audienceRating"`
	LeafCount       int      `json:"leafCount"`
	ViewedLeafCount int      `json:"viewedLeafCount"`
	Genre           []tag    `json:"Genre"`
	Media           []media  `json:"Media"`
}

type tag struct {
	Tag string `json:"tag"`
}

type media struct {
	Part []part `json:"Part"`
}

type part struct {
	File string `json:"file"`
	Size int64  `json:"size"`
}

func (m metadata) entity() Entity {
	e := Entity{
		RatingKey:       m.RatingKey,
		Title:           m.Title,
		Year:            m.Year,
		ViewCount:       m.ViewCount,
		LeafCount:       m.LeafCount,
		ViewedLeafCount: m.ViewedLeafCount,
	}
	switch m.Type {
	case "movie":
		e.Type = schema.MediaTypeMovie
	case "show":
		e.Type = schema.MediaTypeShow
	}
	if m.AddedAt > 0 {
		e.AddedAt = time.Unix(m.AddedAt, 0)
	}
	if m.AudienceRating != nil {
		e.AudienceRating = *m.AudienceRating
		e.HasRating = true
	}
	for _, g := range m.Genre {
		e.Genres = append(e.Genres, g.Tag)
	}
	if len(m.Media) > 0 && len(m.Media[0].Part) > 0 {
		e.FilePath = m.Media[0].Part[0].File
		e.SizeBytes = m.Media[0].Part[0].Size
	}
	return e
}
