package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AllJobs is the job name that expands to every registered job.
const AllJobs = "all"

// JobRequest is the decoded form of an inbound trigger message.
type JobRequest struct {
	// All is set when the message named AllJobs anywhere in its list.
	All bool
	// Names holds the requested names in first-seen order without duplicates.
	Names []string
}

// RunAll returns the request that triggers every registered job.
func RunAll() JobRequest {
	return JobRequest{All: true, Names: []string{AllJobs}}
}

// NewJobRequest builds a request from a list of names.
func NewJobRequest(names ...string) JobRequest {
	req := JobRequest{}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if name == AllJobs {
			req.All = true
		}
		req.Names = append(req.Names, name)
	}
	return req
}

// Empty reports whether the request names nothing at all.
func (r JobRequest) Empty() bool {
	return !r.All && len(r.Names) == 0
}

// Encode returns the JSON array wire form of the request.
func (r JobRequest) Encode() ([]byte, error) {
	names := r.Names
	if r.All && len(names) == 0 {
		names = []string{AllJobs}
	}
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// DecodeJobRequest parses an inbound payload. Accepted forms are a JSON array
// of strings, the same array with backslash-escaped quotes, or a JSON string
// that itself contains the array.
func DecodeJobRequest(payload []byte) (JobRequest, error) {
	raw := bytes.TrimSpace(bytes.TrimPrefix(payload, []byte("\xef\xbb\xbf")))
	if len(raw) == 0 {
		return JobRequest{}, errors.New("empty payload")
	}

	names, err := decodeNames(raw, 2)
	if err != nil {
		return JobRequest{}, err
	}
	// Blank names are dropped, so [""] decodes to an empty request.
	return NewJobRequest(names...), nil
}

func decodeNames(raw []byte, depth int) ([]string, error) {
	var names []string
	firstErr := json.Unmarshal(raw, &names)
	if firstErr == nil {
		if names == nil {
			return nil, errors.New("payload is null, expected a list of job names")
		}
		return names, nil
	}
	if depth == 0 {
		return nil, fmt.Errorf("decode job names: %w", firstErr)
	}

	var wrapped string
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return decodeNames([]byte(strings.TrimSpace(wrapped)), depth-1)
	}

	if bytes.IndexByte(raw, '\\') >= 0 {
		unescaped, err := strconv.Unquote(`"` + string(raw) + `"`)
		if err == nil {
			return decodeNames([]byte(strings.TrimSpace(unescaped)), depth-1)
		}
	}
	return nil, fmt.Errorf("decode job names: %w", firstErr)
}
