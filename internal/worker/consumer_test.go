package worker

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tendant/sad-worker/internal/catalog"
	"github.com/tendant/sad-worker/internal/jobs"
	"github.com/tendant/sad-worker/internal/kv"
	"github.com/tendant/sad-worker/internal/process"
	"github.com/tendant/sad-worker/internal/state"
	"github.com/tendant/sad-worker/internal/tmdb"
	"github.com/tendant/sad-worker/pkg/schema"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeMessage struct {
	id   string
	data []byte
	acks int
	naks int
}

func newMessage(payload string) *fakeMessage {
	return &fakeMessage{id: "1", data: []byte(payload)}
}

func (m *fakeMessage) ID() string   { return m.id }
func (m *fakeMessage) Data() []byte { return m.data }
func (m *fakeMessage) settled() int { return m.acks + m.naks }

func (m *fakeMessage) Ack(context.Context) error {
	m.acks++
	return nil
}

func (m *fakeMessage) Nak(context.Context) error {
	m.naks++
	return nil
}

type fakeCatalog struct {
	movies []catalog.Entity
	err    error
	// failType limits err to searches of one media type when set.
	failType schema.MediaType
}

func (f *fakeCatalog) Search(_ context.Context, filter catalog.Filter) iter.Seq2[catalog.Entity, error] {
	return func(yield func(catalog.Entity, error) bool) {
		if f.err != nil && (f.failType == "" || f.failType == filter.Type) {
			yield(catalog.Entity{}, f.err)
			return
		}
		if filter.Type != schema.MediaTypeMovie {
			return
		}
		for _, e := range f.movies {
			if !yield(e, nil) {
				return
			}
		}
	}
}

type fakeEnricher struct {
	calls []string
}

func (f *fakeEnricher) SearchMovie(_ context.Context, query string, _ int) (*tmdb.Response, error) {
	f.calls = append(f.calls, query)
	return &tmdb.Response{Page: 1, TotalResults: 1, Results: []tmdb.Result{{ID: 348, Title: query}}}, nil
}

func (f *fakeEnricher) SearchTV(_ context.Context, query string, _ int) (*tmdb.Response, error) {
	f.calls = append(f.calls, query)
	return &tmdb.Response{Page: 1}, nil
}

type fakePublisher struct {
	subject string
	events  []schema.RunCompleted
}

func (p *fakePublisher) PublishJSON(subject string, v any) error {
	p.subject = subject
	p.events = append(p.events, v.(schema.RunCompleted))
	return nil
}

type harness struct {
	mr       *miniredis.Miniredis
	catalog  *fakeCatalog
	enricher *fakeEnricher
	events   *fakePublisher
	consumer *Consumer
}

func movie(key, title string, addedDaysAgo int, rating float64) catalog.Entity {
	return catalog.Entity{
		RatingKey:      key,
		Type:           schema.MediaTypeMovie,
		Title:          title,
		Year:           1979,
		Genres:         []string{"Horror"},
		AddedAt:        testNow.AddDate(0, 0, -addedDaysAgo),
		AudienceRating: rating,
		HasRating:      true,
		FilePath:       "/mnt/movies/" + title + ".mkv",
		SizeBytes:      1 << 30,
	}
}

func newHarness(t *testing.T, movies ...catalog.Entity) *harness {
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

	h := &harness{
		mr:       mr,
		catalog:  &fakeCatalog{movies: movies},
		enricher: &fakeEnricher{},
		events:   &fakePublisher{},
	}
	reg, err := jobs.Default(jobs.Env{
		Catalog:   h.catalog,
		Enricher:  h.enricher,
		Now:       func() time.Time { return testNow },
		MediaRoot: "/mnt/movies",
	}, jobs.DefaultOptions())
	if err != nil {
		t.Fatalf("Default returned error: %v", err)
	}
	h.consumer, err = New(Config{
		Source:       &scriptedSource{},
		Store:        state.NewStore(backend, nil),
		Jobs:         reg,
		Events:       h.events,
		EventSubject: "sad.runs",
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return h
}

func TestScenarioRunAllOnEmptyCache(t *testing.T) {
	h := newHarness(t,
		movie("1", "Alien", 120, 5.0),
		movie("2", "Smile", 10, 5.0),
	)
	msg := newMessage(`["all"]`)

	run := h.consumer.Handle(context.Background(), msg)

	if run.Status != process.RunStatusSucceeded {
		t.Fatalf("run failed: %+v", run)
	}
	if msg.acks != 1 || msg.naks != 0 {
		t.Fatalf("expected a single ack, got acks=%d naks=%d", msg.acks, msg.naks)
	}
	if len(h.enricher.calls) != 1 || h.enricher.calls[0] != "Alien" {
		t.Fatalf("expected only Alien to be enriched, got %v", h.enricher.calls)
	}

	rawKeys, _ := h.mr.Get(state.KeysKey)
	var keys []schema.JobKeyEntry
	if err := json.Unmarshal([]byte(rawKeys), &keys); err != nil {
		t.Fatalf("decode keys: %v", err)
	}
	want := schema.JobKeyEntry{Type: schema.MediaTypeMovie, Key: jobs.HorrorMovies}
	if len(keys) != 1 || keys[0] != want {
		t.Fatalf("unexpected registry: %s", rawKeys)
	}

	rawResults, _ := h.mr.Get(state.ResultsKey)
	var results map[string][]map[string]any
	if err := json.Unmarshal([]byte(rawResults), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	bucket := results[jobs.HorrorMovies]
	if len(bucket) != 1 || bucket[0]["file_path"] != "Alien.mkv" {
		t.Fatalf("unexpected results: %s", rawResults)
	}

	if len(h.events.events) != 1 || h.events.subject != "sad.runs" {
		t.Fatalf("expected one run event, got %+v", h.events.events)
	}
	if evt := h.events.events[0]; evt.Status != schema.RunStatusSucceeded || len(evt.Jobs) != 3 {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestUnknownJobDoesNotAbortSiblings(t *testing.T) {
	h := newHarness(t, movie("1", "Alien", 120, 5.0))
	msg := newMessage(`["unknown_job", "horror_movies"]`)

	run := h.consumer.Handle(context.Background(), msg)

	if run.Status != process.RunStatusSucceeded || msg.acks != 1 {
		t.Fatalf("expected success, got %+v (acks=%d)", run, msg.acks)
	}
	if len(run.Unknown) != 1 || run.Unknown[0] != "unknown_job" {
		t.Fatalf("expected one unknown job, got %v", run.Unknown)
	}
	if len(run.Jobs) != 1 || run.Jobs[0].Job != jobs.HorrorMovies || run.Jobs[0].Stored != 1 {
		t.Fatalf("horror_movies did not run fully: %+v", run.Jobs)
	}
}

func TestDecodeErrorNaksWithoutTouchingCache(t *testing.T) {
	h := newHarness(t)
	msg := newMessage(`{"jobs":`)

	run := h.consumer.Handle(context.Background(), msg)

	if run.Kind != process.KindDecode {
		t.Fatalf("expected decode error, got %+v", run)
	}
	if msg.naks != 1 || msg.acks != 0 {
		t.Fatalf("expected a single nak, got acks=%d naks=%d", msg.acks, msg.naks)
	}
	if h.mr.Exists(state.KeysKey) || h.mr.Exists(state.ResultsKey) {
		t.Fatal("decode failure wrote the cache")
	}
	if evt := h.events.events[0]; evt.FailureType != schema.FailureTypePermanent {
		t.Fatalf("unexpected failure type: %+v", evt)
	}
}

func TestEscapedPayloadIsAccepted(t *testing.T) {
	h := newHarness(t, movie("1", "Alien", 120, 5.0))
	msg := newMessage(`[\"horror_movies\"]`)

	if run := h.consumer.Handle(context.Background(), msg); run.Status != process.RunStatusSucceeded {
		t.Fatalf("expected success, got %+v", run)
	}
	if msg.acks != 1 {
		t.Fatalf("expected ack, got acks=%d naks=%d", msg.acks, msg.naks)
	}
}

func TestEmptyRequestIsAcked(t *testing.T) {
	h := newHarness(t)
	msg := newMessage(`[]`)

	run := h.consumer.Handle(context.Background(), msg)
	if run.Status != process.RunStatusSucceeded || msg.acks != 1 {
		t.Fatalf("expected ack, got %+v", run)
	}
	if h.mr.Exists(state.KeysKey) {
		t.Fatal("empty request wrote the cache")
	}
}

func TestCollaboratorFailureNaksAndKeepsPriorState(t *testing.T) {
	h := newHarness(t, movie("1", "Alien", 120, 5.0))
	ctx := context.Background()

	if run := h.consumer.Handle(ctx, newMessage(`["horror_movies"]`)); run.Status != process.RunStatusSucceeded {
		t.Fatalf("first run failed: %+v", run)
	}
	before, _ := h.mr.Get(state.ResultsKey)

	h.catalog.err = process.Unavailable("search catalog", errors.New("connection refused"))
	msg := newMessage(`["all"]`)
	run := h.consumer.Handle(ctx, msg)

	if run.Kind != process.KindUnavailable || msg.naks != 1 || msg.acks != 0 {
		t.Fatalf("expected unavailable nak, got %+v (acks=%d naks=%d)", run, msg.acks, msg.naks)
	}
	if after, _ := h.mr.Get(state.ResultsKey); after != before {
		t.Fatalf("failed message modified the cache:\nbefore %s\nafter  %s", before, after)
	}
}

func TestLaterJobFailureDiscardsEarlierResults(t *testing.T) {
	h := newHarness(t, movie("1", "Alien", 120, 5.0))
	h.catalog.err = process.Unavailable("search catalog", errors.New("connection refused"))
	h.catalog.failType = schema.MediaTypeShow
	msg := newMessage(`["horror_movies","tv_never_watched"]`)

	run := h.consumer.Handle(context.Background(), msg)

	if run.Kind != process.KindUnavailable || msg.naks != 1 || msg.acks != 0 {
		t.Fatalf("expected unavailable nak, got %+v (acks=%d naks=%d)", run, msg.acks, msg.naks)
	}
	if len(h.enricher.calls) == 0 {
		t.Fatal("horror scan should have run before the failing job")
	}
	if h.mr.Exists(state.KeysKey) || h.mr.Exists(state.ResultsKey) {
		t.Fatal("partial results from the first job were persisted")
	}
}

func TestCorruptStateNaks(t *testing.T) {
	h := newHarness(t, movie("1", "Alien", 120, 5.0))
	h.mr.Set(state.ResultsKey, `{"horror_movies":[`)
	msg := newMessage(`["all"]`)

	run := h.consumer.Handle(context.Background(), msg)
	if run.Kind != process.KindCorruptState || msg.naks != 1 {
		t.Fatalf("expected corrupt state nak, got %+v", run)
	}
	if got, _ := h.mr.Get(state.ResultsKey); got != `{"horror_movies":[` {
		t.Fatalf("corrupt state was overwritten: %s", got)
	}
}

type failingSaveStore struct {
	Store
}

func (s failingSaveStore) Save(context.Context, *state.Snapshot) error {
	return process.Unavailable("save cache state", errors.New("READONLY"))
}

func TestSaveFailureNaks(t *testing.T) {
	h := newHarness(t, movie("1", "Alien", 120, 5.0))
	h.consumer.store = failingSaveStore{Store: h.consumer.store}
	msg := newMessage(`["horror_movies"]`)

	run := h.consumer.Handle(context.Background(), msg)
	if run.Status != process.RunStatusFailed || msg.naks != 1 || msg.acks != 0 {
		t.Fatalf("expected nak on save failure, got %+v", run)
	}
}

type scriptedSource struct {
	mu       sync.Mutex
	messages []Message
	errs     int
	calls    int
	cancel   context.CancelFunc
}

func (s *scriptedSource) Next(ctx context.Context) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.errs > 0 {
		s.errs--
		return nil, errors.New("nats: timeout")
	}
	if len(s.messages) == 0 {
		s.cancel()
		return nil, ctx.Err()
	}
	msg := s.messages[0]
	s.messages = s.messages[1:]
	return msg, nil
}

func TestRunHandlesEachMessageOnce(t *testing.T) {
	h := newHarness(t, movie("1", "Alien", 120, 5.0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, second, bad := newMessage(`["horror_movies"]`), newMessage(`["all"]`), newMessage(`nope`)
	src := &scriptedSource{messages: []Message{first, nil, bad, second}, errs: 2, cancel: cancel}
	h.consumer.source = src
	h.consumer.minBackoff = time.Millisecond
	h.consumer.maxBackoff = 2 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	for _, m := range []*fakeMessage{first, second, bad} {
		if m.settled() != 1 {
			t.Fatalf("message %s settled %d times", m.data, m.settled())
		}
	}
	if bad.naks != 1 {
		t.Fatal("undecodable message should be naked")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without source")
	}
}
