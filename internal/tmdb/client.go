package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tendant/sad-worker/internal/kv"
	"github.com/tendant/sad-worker/internal/process"
)

const (
	DefaultBaseURL  = "https://api.themoviedb.org/3"
	DefaultCacheTTL = 28800 * time.Second
)

// Result is one TMDB search candidate. The full candidate object as returned
// by TMDB is kept and re-emitted when the result is marshalled.
type Result struct {
	ID            int64   `json:"id"`
	Title         string  `json:"title,omitempty"`
	Name          string  `json:"name,omitempty"`
	OriginalTitle string  `json:"original_title,omitempty"`
	Overview      string  `json:"overview,omitempty"`
	ReleaseDate   string  `json:"release_date,omitempty"`
	FirstAirDate  string  `json:"first_air_date,omitempty"`
	Popularity    float64 `json:"popularity,omitempty"`
	VoteAverage   float64 `json:"vote_average,omitempty"`
	VoteCount     int64   `json:"vote_count,omitempty"`
	GenreIDs      []int   `json:"genre_ids,omitempty"`

	raw json.RawMessage
}

func (r *Result) UnmarshalJSON(b []byte) error {
	type plain Result
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Result(p)
	r.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	type plain Result
	return json.Marshal(plain(r))
}

// Response models the TMDB paginated search response.
type Response struct {
	Page         int      `json:"page"`
	Results      []Result `json:"results"`
	TotalPages   int      `json:"total_pages"`
	TotalResults int      `json:"total_results"`
}

// First returns the first candidate, if any.
func (r *Response) First() (Result, bool) {
	if r == nil || r.TotalResults == 0 || len(r.Results) == 0 {
		return Result{}, false
	}
	return r.Results[0], true
}

// Client provides access to the TMDB search API.
type Client struct {
	token      string
	baseURL    string
	language   string
	httpClient *http.Client
	cache      kv.Store
	cacheTTL   time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithCache stores successful responses under their request URL for ttl.
func WithCache(store kv.Store, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = store
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithRateLimit allows at most rps requests per second to TMDB, with bursts of
// up to burst requests. Cache hits are not limited.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a TMDB client authenticating with a v4 read access token.
func New(token, baseURL, language string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("tmdb api access token required")
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   strings.TrimSpace(language),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cacheTTL:   DefaultCacheTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(client)
	}
	client.logger = client.logger.With("component", "tmdb")
	return client, nil
}

// SearchMovie searches movies by title and release year.
func (c *Client) SearchMovie(ctx context.Context, query string, year int) (*Response, error) {
	return c.search(ctx, "/search/movie", "year", query, year)
}

// SearchTV searches shows by name and first air year.
func (c *Client) SearchTV(ctx context.Context, query string, year int) (*Response, error) {
	return c.search(ctx, "/search/tv", "first_air_date_year", query, year)
}

// SearchURL returns the request URL, which doubles as the cache key.
func (c *Client) SearchURL(path, yearParam, query string, year int) string {
	params := url.Values{}
	params.Set("include_adult", "false")
	if c.language != "" {
		params.Set("language", c.language)
	}
	params.Set("query", query)
	if year > 0 {
		params.Set(yearParam, strconv.Itoa(year))
	}
	return c.baseURL + path + "?" + params.Encode()
}

func (c *Client) search(ctx context.Context, path, yearParam, query string, year int) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, process.InvalidArgument("tmdb search", errors.New("query must not be empty"))
	}
	endpoint := c.SearchURL(path, yearParam, query, year)

	if body, ok := c.cached(ctx, endpoint); ok {
		var payload Response
		if err := json.Unmarshal(body, &payload); err == nil {
			c.logger.Debug("tmdb cache hit", "query", query, "year", year)
			return &payload, nil
		}
		c.logger.Warn("discarding undecodable cached tmdb response", "key", endpoint)
	}
	c.logger.Debug("tmdb cache miss, requesting from tmdb", "query", query, "year", year)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, process.Unavailable("tmdb rate limit", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	requestStart := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(requestStart)
	if err != nil {
		return nil, process.Unavailable("tmdb search", fmt.Errorf("execute request (latency=%v): %w", latency, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, process.Unavailable("tmdb search", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("tmdb search returned %d (latency=%v)", resp.StatusCode, latency)
		switch {
		case resp.StatusCode == http.StatusUnauthorized,
			resp.StatusCode == http.StatusForbidden,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= http.StatusInternalServerError:
			return nil, process.Unavailable("tmdb search", statusErr)
		default:
			return nil, process.InvalidArgument("tmdb search", statusErr)
		}
	}

	var payload Response
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, process.Unavailable("tmdb search", fmt.Errorf("decode tmdb response: %w", err))
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, endpoint, body, c.cacheTTL); err != nil {
			c.logger.Warn("failed to cache tmdb response", "key", endpoint, "err", err)
		}
	}
	return &payload, nil
}

func (c *Client) cached(ctx context.Context, key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	body, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn("tmdb cache read failed", "key", key, "err", err)
		}
		return nil, false
	}
	return body, true
}
