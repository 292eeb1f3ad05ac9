package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tendant/sad-worker/internal/process"
	"github.com/tendant/sad-worker/pkg/schema"
)

const defaultPageSize = 100

// HTTPDoer describes the HTTP client used by the catalog client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a Plex Media Server.
type Client struct {
	baseURL  string
	token    string
	client   HTTPDoer
	pageSize int

	mu       sync.Mutex
	sections map[string]string // title -> section key
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client HTTPDoer) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithPageSize sets how many items are requested per page.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a Plex client.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("plex url required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("plex token required")
	}
	c := &Client{
		baseURL:  baseURL,
		token:    token,
		client:   &http.Client{Timeout: 30 * time.Second},
		pageSize: defaultPageSize,
		sections: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type container struct {
	MediaContainer struct {
		Size      int         `json:"size"`
		TotalSize int         `json:"totalSize"`
		Offset    int         `json:"offset"`
		Directory []directory `json:"Directory"`
		Metadata  []metadata  `json:"Metadata"`
	} `json:"MediaContainer"`
}

type directory struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// Search yields the entities of a library section matching f. Iteration stops
// at the first error, which is yielded with a zero Entity.
func (c *Client) Search(ctx context.Context, f Filter) iter.Seq2[Entity, error] {
	return func(yield func(Entity, error) bool) {
		sectionKey, err := c.sectionKey(ctx, f.Section)
		if err != nil {
			yield(Entity{}, err)
			return
		}

		start, emitted := 0, 0
		for {
			size := c.pageSize
			if f.Limit > 0 && f.Limit-emitted < size {
				size = f.Limit - emitted
			}
			page, err := c.items(ctx, sectionKey, f, start, size)
			if err != nil {
				yield(Entity{}, err)
				return
			}
			items := page.MediaContainer.Metadata
			for _, m := range items {
				if !yield(m.entity(), nil) {
					return
				}
				emitted++
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
			}
			start += len(items)
			total := page.MediaContainer.TotalSize
			if len(items) == 0 || len(items) < size || (total > 0 && start >= total) {
				return
			}
		}
	}
}

// Sections lists the library sections by title.
func (c *Client) Sections(ctx context.Context) (map[string]string, error) {
	var payload container
	if err := c.get(ctx, "/library/sections", nil, &payload); err != nil {
		return nil, err
	}
	sections := make(map[string]string, len(payload.MediaContainer.Directory))
	for _, d := range payload.MediaContainer.Directory {
		sections[d.Title] = d.Key
	}
	return sections, nil
}

func (c *Client) sectionKey(ctx context.Context, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", process.InvalidArgument("resolve plex section", errors.New("section title required"))
	}

	c.mu.Lock()
	key, ok := c.sections[title]
	c.mu.Unlock()
	if ok {
		return key, nil
	}

	sections, err := c.Sections(ctx)
	if err != nil {
		return "", err
	}
	key, ok = sections[title]
	if !ok {
		return "", process.InvalidArgument("resolve plex section", fmt.Errorf("library section %q not found", title))
	}

	c.mu.Lock()
	c.sections[title] = key
	c.mu.Unlock()
	return key, nil
}

func (c *Client) items(ctx context.Context, sectionKey string, f Filter, start, size int) (*container, error) {
	params := url.Values{}
	switch f.Type {
	case schema.MediaTypeMovie:
		params.Set("type", "1")
	case schema.MediaTypeShow:
		params.Set("type", "2")
	}
	if f.Unwatched {
		params.Set("unwatched", "1")
	}
	if f.Sort != "" {
		params.Set("sort", f.Sort)
	}
	for k, v := range f.Params {
		params.Set(k, v)
	}
	params.Set("X-Plex-Container-Start", strconv.Itoa(start))
	params.Set("X-Plex-Container-Size", strconv.Itoa(size))

	var payload container
	if err := c.get(ctx, "/library/sections/"+url.PathEscape(sectionKey)+"/all", params, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build plex request: %w", err)
	}
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/json")

	requestStart := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(requestStart)
	if err != nil {
		return process.Unavailable("plex "+path, fmt.Errorf("execute request (latency=%v): %w", latency, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return process.Unavailable("plex "+path, fmt.Errorf("plex returned %d (latency=%v)", resp.StatusCode, latency))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return process.Unavailable("plex "+path, fmt.Errorf("decode plex response: %w", err))
	}
	return nil
}
