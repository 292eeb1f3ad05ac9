// Package state loads and persists the two cache blobs the worker accumulates
// across runs: the registry of job keys that have produced output, and the
// per-job result buckets.
//
// A Snapshot is loaded at the start of every message and saved once at the end.
// Nothing is kept between messages, so every message starts from what the
// backend holds. Saves overwrite unconditionally (last writer wins).
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tendant/sad-worker/internal/kv"
	"github.com/tendant/sad-worker/internal/process"
	"github.com/tendant/sad-worker/pkg/schema"
)

const (
	KeysKey    = "sad_search_keys"
	ResultsKey = "sad_results"
)

// Store reads and writes snapshots through a kv.Store.
type Store struct {
	kv     kv.Store
	logger *slog.Logger
}

func NewStore(backend kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: backend, logger: logger.With("component", "state")}
}

// Load fetches both blobs. Missing keys yield an empty snapshot; payloads that
// fail to decode are reported as corrupt state rather than reset.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	keysRaw, err := s.fetch(ctx, KeysKey)
	if err != nil {
		return nil, err
	}
	if keysRaw != nil {
		keys, err := decodeKeys(keysRaw)
		if err != nil {
			return nil, process.CorruptState(KeysKey, err)
		}
		snap.Keys = keys
		s.logger.Debug("found cached search keys", "count", len(keys))
	}

	resultsRaw, err := s.fetch(ctx, ResultsKey)
	if err != nil {
		return nil, err
	}
	if resultsRaw != nil {
		results, err := decodeResults(resultsRaw)
		if err != nil {
			return nil, process.CorruptState(ResultsKey, err)
		}
		snap.Results = results
		s.logger.Debug("found cached results", "buckets", len(results))
	}

	return snap, nil
}

// Save writes both blobs in one atomic batch, overwriting whatever is stored.
// Results go first so a backend without transactions never leaves a key
// registered without its bucket.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return process.InvalidArgument("save cache state", errors.New("nil snapshot"))
	}
	keys := snap.Keys
	if keys == nil {
		keys = []schema.JobKeyEntry{}
	}
	keysRaw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode %s: %w", KeysKey, err)
	}

	results := make(map[string][]schema.ResultRecord, len(snap.Results))
	for name, bucket := range snap.Results {
		if bucket == nil {
			bucket = []schema.ResultRecord{}
		}
		results[name] = bucket
	}
	resultsRaw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ResultsKey, err)
	}

	err = s.kv.SetMany(ctx, []kv.Entry{
		{Key: ResultsKey, Value: resultsRaw},
		{Key: KeysKey, Value: keysRaw},
	}, 0)
	if err != nil {
		return process.Unavailable("save cache state", err)
	}
	s.logger.Debug("saved cache state", "keys", len(keys), "buckets", len(results), "bytes", len(keysRaw)+len(resultsRaw))
	return nil
}

func (s *Store) fetch(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, process.Unavailable("load "+key, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	return raw, nil
}

// decodeStrict decodes a single JSON value, keeping numbers as json.Number so
// result payloads are written back exactly as they were read.
func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after top-level value")
	}
	return nil
}

// decodeKeys accepts the current object form and the older plain string list.
func decodeKeys(raw []byte) ([]schema.JobKeyEntry, error) {
	var items []json.RawMessage
	if err := decodeStrict(raw, &items); err != nil {
		return nil, err
	}
	if items == nil {
		return nil, errors.New("registry is null")
	}
	keys := make([]schema.JobKeyEntry, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var key string
			if err := json.Unmarshal(item, &key); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			keys = append(keys, schema.JobKeyEntry{Key: key})
			continue
		}
		var entry schema.JobKeyEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if entry.Key == "" {
			return nil, fmt.Errorf("entry %d: missing key", i)
		}
		keys = append(keys, entry)
	}
	return keys, nil
}

func decodeResults(raw []byte) (map[string][]schema.ResultRecord, error) {
	var results map[string][]schema.ResultRecord
	if err := decodeStrict(raw, &results); err != nil {
		return nil, err
	}
	if results == nil {
		return nil, errors.New("results are null")
	}
	return results, nil
}
