package state

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tendant/sad-worker/internal/kv"
	"github.com/tendant/sad-worker/internal/process"
	"github.com/tendant/sad-worker/pkg/schema"
)

func setupStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	backend, err := kv.NewRedis(context.Background(), kv.RedisOptions{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	return mr, NewStore(backend, nil)
}

func TestLoadColdStart(t *testing.T) {
	_, store := setupStore(t)

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(snap.Keys) != 0 || len(snap.Results) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestSaveWritesEmptyStructuresNotNull(t *testing.T) {
	mr, store := setupStore(t)

	if err := store.Save(context.Background(), &Snapshot{}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if got, _ := mr.Get(KeysKey); got != `[]` {
		t.Fatalf("unexpected %s: %q", KeysKey, got)
	}
	if got, _ := mr.Get(ResultsKey); got != `{}` {
		t.Fatalf("unexpected %s: %q", ResultsKey, got)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	mr, store := setupStore(t)
	ctx := context.Background()

	keys := `[{"type":"movie","key":"horror_movies"},{"type":"show","key":"tv_never_watched"}]`
	results := `{"horror_movies":[{"audience_rating":5.2,"file_path":"Alien (1979)/Alien.mkv","id":"1234","size_bytes":45678901234,"tmdb_results":{"id":348,"title":"Alien","vote_average":8.1}}],"tv_never_watched":[]}`
	mr.Set(KeysKey, keys)
	mr.Set(ResultsKey, results)

	snap, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	gotKeys, _ := mr.Get(KeysKey)
	gotResults, _ := mr.Get(ResultsKey)
	assertSameJSON(t, keys, gotKeys)
	assertSameJSON(t, results, gotResults)
	if gotResults != results {
		t.Fatalf("numbers or ordering changed on round trip:\n got %s\nwant %s", gotResults, results)
	}
}

func TestLoadCorruptKeys(t *testing.T) {
	mr, store := setupStore(t)
	mr.Set(KeysKey, `[{"type":"movie",`)

	_, err := store.Load(context.Background())
	if !process.IsKind(err, process.KindCorruptState) {
		t.Fatalf("expected corrupt state error, got %v", err)
	}
}

func TestLoadCorruptResults(t *testing.T) {
	mr, store := setupStore(t)
	mr.Set(KeysKey, `[]`)
	mr.Set(ResultsKey, `["not","a","map"]`)

	_, err := store.Load(context.Background())
	if !process.IsKind(err, process.KindCorruptState) {
		t.Fatalf("expected corrupt state error, got %v", err)
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	mr, store := setupStore(t)
	mr.Set(ResultsKey, `{} {}`)

	if _, err := store.Load(context.Background()); !process.IsKind(err, process.KindCorruptState) {
		t.Fatalf("expected corrupt state error, got %v", err)
	}
}

func TestLoadLegacyStringKeys(t *testing.T) {
	mr, store := setupStore(t)
	mr.Set(KeysKey, `["horror_movies"]`)

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := []schema.JobKeyEntry{{Key: "horror_movies"}}
	if !reflect.DeepEqual(snap.Keys, want) {
		t.Fatalf("unexpected keys: %#v", snap.Keys)
	}

	if !snap.Register(schema.JobKeyEntry{Type: schema.MediaTypeMovie, Key: "horror_movies"}) {
		t.Fatal("expected legacy entry to be upgraded")
	}
	if len(snap.Keys) != 1 || snap.Keys[0].Type != schema.MediaTypeMovie {
		t.Fatalf("unexpected keys after upgrade: %#v", snap.Keys)
	}
}

type failingKV struct{ err error }

func (f failingKV) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingKV) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}
func (f failingKV) SetMany(context.Context, []kv.Entry, time.Duration) error {
	return f.err
}
func (f failingKV) Close() error { return nil }

// resultsRejectingKV passes reads through and fails any write touching ResultsKey.
type resultsRejectingKV struct {
	kv.Store
	order []string
}

func (r *resultsRejectingKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == ResultsKey {
		return errors.New("OOM command not allowed")
	}
	return r.Store.Set(ctx, key, value, ttl)
}

func (r *resultsRejectingKV) SetMany(ctx context.Context, entries []kv.Entry, ttl time.Duration) error {
	for _, e := range entries {
		r.order = append(r.order, e.Key)
		if e.Key == ResultsKey {
			return errors.New("OOM command not allowed")
		}
	}
	return r.Store.SetMany(ctx, entries, ttl)
}

func TestSaveFailureLeavesKeysUntouched(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	backend, err := kv.NewRedis(context.Background(), kv.RedisOptions{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	mr.Set(KeysKey, `[{"type":"movie","key":"horror_movies"}]`)
	mr.Set(ResultsKey, `{"horror_movies":[{"id":"1"}]}`)

	wrapped := &resultsRejectingKV{Store: backend}
	store := NewStore(wrapped, nil)

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	snap.ReplaceBucket("tv_never_watched", []schema.ResultRecord{{"id": "9"}})
	snap.Register(schema.JobKeyEntry{Type: schema.MediaTypeShow, Key: "tv_never_watched"})

	if err := store.Save(context.Background(), snap); !process.IsKind(err, process.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if len(wrapped.order) == 0 || wrapped.order[0] != ResultsKey {
		t.Fatalf("results must be written before keys, got order %v", wrapped.order)
	}

	keys, _ := mr.Get(KeysKey)
	assertSameJSON(t, `[{"type":"movie","key":"horror_movies"}]`, keys)
	results, _ := mr.Get(ResultsKey)
	assertSameJSON(t, `{"horror_movies":[{"id":"1"}]}`, results)
}

func TestBackendFailuresAreUnavailable(t *testing.T) {
	store := NewStore(failingKV{err: errors.New("dial tcp: connection refused")}, nil)

	if _, err := store.Load(context.Background()); !process.IsKind(err, process.KindUnavailable) {
		t.Fatalf("expected unavailable on load, got %v", err)
	}
	if err := store.Save(context.Background(), NewSnapshot()); !process.IsKind(err, process.KindUnavailable) {
		t.Fatalf("expected unavailable on save, got %v", err)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	snap := NewSnapshot()
	entry := schema.JobKeyEntry{Type: schema.MediaTypeMovie, Key: "horror_movies"}

	for i := 0; i < 5; i++ {
		snap.Register(entry)
	}
	if len(snap.Keys) != 1 {
		t.Fatalf("expected a single registry entry, got %#v", snap.Keys)
	}
}

func TestReplaceBucket(t *testing.T) {
	snap := NewSnapshot()
	snap.ReplaceBucket("horror_movies", []schema.ResultRecord{{"id": "1"}, {"id": "2"}})
	snap.ReplaceBucket("horror_movies", []schema.ResultRecord{{"id": "3"}})

	bucket, ok := snap.Bucket("horror_movies")
	if !ok || len(bucket) != 1 || bucket[0]["id"] != "3" {
		t.Fatalf("unexpected bucket: %#v", bucket)
	}

	snap.ReplaceBucket("lowest_rated_movies", nil)
	if bucket, ok := snap.Bucket("lowest_rated_movies"); !ok || bucket == nil {
		t.Fatalf("expected empty non-nil bucket, got %#v", bucket)
	}
}

func assertSameJSON(t *testing.T, want, got string) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("decode want: %v", err)
	}
	if err := json.Unmarshal([]byte(got), &g); err != nil {
		t.Fatalf("decode got: %v", err)
	}
	if !reflect.DeepEqual(w, g) {
		t.Fatalf("decoded content differs:\n got %s\nwant %s", got, want)
	}
}
