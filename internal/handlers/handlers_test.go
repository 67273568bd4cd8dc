package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communiday/eventcore-go/internal/models"
	"github.com/communiday/eventcore-go/internal/queue"
	"github.com/communiday/eventcore-go/internal/similarity"
	"github.com/communiday/eventcore-go/internal/store"
	"github.com/communiday/eventcore-go/internal/worker"
)

// stubExtractor returns a canned draft regardless of input.
type stubExtractor struct {
	draft *models.EventRecord
	err   error
	last  ExtractInput
}

func (s *stubExtractor) Extract(_ context.Context, in ExtractInput) (*models.EventRecord, error) {
	s.last = in
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.draft
	return &cp, nil
}

// stubGeocoder resolves every address to a fixed point.
type stubGeocoder struct {
	coords models.Coordinates
	err    error
	called bool
}

func (s *stubGeocoder) Geocode(_ context.Context, _ string) (models.Coordinates, error) {
	s.called = true
	if s.err != nil {
		return models.Coordinates{}, s.err
	}
	return s.coords, nil
}

// stubEmbedder returns a fixed unit vector.
type stubEmbedder struct {
	vec []float32
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return s.vec, nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

func (s *stubEmbedder) Model() string  { return "stub" }
func (s *stubEmbedder) Dimension() int { return len(s.vec) }

// stubEvents is an in-memory EventStore.
type stubEvents struct {
	mu        sync.Mutex
	created   []models.EventRecord
	neighbors []models.EventNeighbor
	scans     map[string]int
	nextID    int
}

func newStubEvents(neighbors ...models.EventNeighbor) *stubEvents {
	return &stubEvents{neighbors: neighbors, scans: make(map[string]int)}
}

func (s *stubEvents) CreateEvent(_ context.Context, in models.EventRecord) (*models.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	in.ID = fmt.Sprintf("ev-%d", s.nextID)
	in.CreatedAt = time.Now().UTC()
	s.created = append(s.created, in)
	return &in, nil
}

func (s *stubEvents) NearestEvents(_ context.Context, _ []float32, _ int, _ string) ([]models.EventNeighbor, error) {
	return s.neighbors, nil
}

func (s *stubEvents) IncrementScanCount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[id]++
	return nil
}

func (s *stubEvents) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

// testRig wires a handler environment around an in-memory queue so the
// Reporter writes land on a real job record.
type testRig struct {
	q     *queue.Queue
	deps  *Deps
	store *stubEvents
}

func newRig(t *testing.T, draft *models.EventRecord, neighbors ...models.EventNeighbor) *testRig {
	t.Helper()
	events := newStubEvents(neighbors...)
	return &testRig{
		q:     queue.New(store.NewMemory(), nil, nil),
		store: events,
		deps: &Deps{
			Extractor:  &stubExtractor{draft: draft},
			Geocoder:   &stubGeocoder{coords: models.Coordinates{Lat: 40.7128, Lon: -74.0060}},
			Embedder:   &stubEmbedder{vec: []float32{1, 0, 0}},
			Events:     events,
			Thresholds: similarity.DefaultThresholds(),
		},
	}
}

func (r *testRig) run(t *testing.T, h worker.Handler, jobType queue.JobType, payload any) *queue.Job {
	t.Helper()
	ctx := context.Background()
	id, err := r.q.Enqueue(ctx, jobType, payload)
	require.NoError(t, err)

	job, err := r.q.GetStatus(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, job, worker.NewReporter(r.q, id)))

	final, err := r.q.GetStatus(ctx, id)
	require.NoError(t, err)
	return final
}

func draftEvent(title string) *models.EventRecord {
	return &models.EventRecord{
		Title:       title,
		Description: "Local produce and crafts",
		StartTime:   time.Date(2026, 9, 12, 9, 0, 0, 0, time.UTC),
		Address:     "Town Square, Springfield",
	}
}

func decodeResult(t *testing.T, job *queue.Job) ingestResult {
	t.Helper()
	var res ingestResult
	require.NoError(t, json.Unmarshal(job.Result, &res))
	return res
}

func TestFlyerCreatesNewEvent(t *testing.T) {
	rig := newRig(t, draftEvent("Farmers Market"))

	job := rig.run(t, NewFlyer(rig.deps), queue.TypeFlyer, FlyerPayload{OwnerID: "u1", Text: "FARMERS MARKET SAT 9AM"})

	res := decodeResult(t, job)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.EventID)
	require.Equal(t, 1, rig.store.createdCount())

	created := rig.store.created[0]
	assert.Equal(t, "flyer", created.SourceType)
	assert.Equal(t, models.VisibilityPublic, created.Visibility)
	assert.Equal(t, "u1", created.OwnerID)
	assert.Equal(t, 40.7128, created.Coordinates.Lat, "address should be geocoded")
	assert.Equal(t, []float32{1, 0, 0}, created.Embedding)
}

func TestFlyerDuplicateBumpsScanCount(t *testing.T) {
	existing := models.EventNeighbor{
		Event: models.EventRecord{
			ID:          "existing-1",
			Title:       "Farmers Market",
			StartTime:   time.Date(2026, 9, 12, 9, 30, 0, 0, time.UTC),
			Coordinates: models.Coordinates{Lat: 40.7128, Lon: -74.0060},
			Embedding:   []float32{1, 0, 0},
		},
	}
	rig := newRig(t, draftEvent("Farmers Market"), existing)

	job := rig.run(t, NewFlyer(rig.deps), queue.TypeFlyer, FlyerPayload{OwnerID: "u1", Text: "same flyer again"})

	res := decodeResult(t, job)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "existing-1", res.MatchID)
	assert.Zero(t, rig.store.createdCount(), "no new record for a duplicate")
	assert.Equal(t, 1, rig.store.scans["existing-1"])
}

func TestFlyerLoadsImageBlob(t *testing.T) {
	rig := newRig(t, draftEvent("Jazz Night"))
	rig.deps.Blobs = rig.q

	ctx := context.Background()
	key, err := rig.q.StageBlob(ctx, []byte{0xFF, 0xD8})
	require.NoError(t, err)

	rig.run(t, NewFlyer(rig.deps), queue.TypeFlyer, FlyerPayload{OwnerID: "u1", BlobKey: key})

	ext := rig.deps.Extractor.(*stubExtractor)
	assert.Equal(t, []byte{0xFF, 0xD8}, ext.last.Image)
	assert.Equal(t, "flyer", ext.last.SourceType)
}

func TestFlyerSurvivesGeocoderFailure(t *testing.T) {
	rig := newRig(t, draftEvent("Farmers Market"))
	rig.deps.Geocoder = &stubGeocoder{err: errors.New("nominatim down")}

	job := rig.run(t, NewFlyer(rig.deps), queue.TypeFlyer, FlyerPayload{OwnerID: "u1", Text: "flyer"})

	res := decodeResult(t, job)
	assert.NotEmpty(t, res.EventID)
	created := rig.store.created[0]
	assert.Zero(t, created.Coordinates.Lat, "event published without coordinates")
}

func TestFlyerRejectsUntitledExtraction(t *testing.T) {
	rig := newRig(t, &models.EventRecord{StartTime: time.Now()})

	ctx := context.Background()
	id, err := rig.q.Enqueue(ctx, queue.TypeFlyer, FlyerPayload{OwnerID: "u1", Text: "illegible"})
	require.NoError(t, err)
	job, err := rig.q.GetStatus(ctx, id)
	require.NoError(t, err)

	err = NewFlyer(rig.deps).Handle(ctx, job, worker.NewReporter(rig.q, id))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no title")
}

func TestPrivateEventStaysPrivate(t *testing.T) {
	rig := newRig(t, draftEvent("Book Club"))

	job := rig.run(t, NewPrivateEvent(rig.deps), queue.TypePrivateEvent,
		PrivateEventPayload{OwnerID: "alice", Description: "Book club at my place"})

	res := decodeResult(t, job)
	assert.NotEmpty(t, res.EventID)
	created := rig.store.created[0]
	assert.Equal(t, models.VisibilityPrivate, created.Visibility)
	assert.Equal(t, "private_event", created.SourceType)
	assert.Equal(t, "alice", created.OwnerID)
}

func TestPrivateEventRequiresOwner(t *testing.T) {
	rig := newRig(t, draftEvent("Book Club"))

	ctx := context.Background()
	id, err := rig.q.Enqueue(ctx, queue.TypePrivateEvent, PrivateEventPayload{Description: "no owner"})
	require.NoError(t, err)
	job, err := rig.q.GetStatus(ctx, id)
	require.NoError(t, err)

	err = NewPrivateEvent(rig.deps).Handle(ctx, job, worker.NewReporter(rig.q, id))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner")
}

func TestCivicReportFuzzyTitleCatchesTypo(t *testing.T) {
	// Embedding far enough apart that the vector path says "new", but the
	// title is a typo-level variant of an existing record.
	existing := models.EventNeighbor{
		Event: models.EventRecord{
			ID:        "civic-1",
			Title:     "Town Hall Budget Meeting",
			StartTime: time.Date(2026, 9, 20, 18, 0, 0, 0, time.UTC),
			Embedding: []float32{0, 1, 0},
		},
	}
	rig := newRig(t, draftEvent("Town Hall Budgte Meeting"), existing)

	job := rig.run(t, NewCivicReport(rig.deps), queue.TypeCivicReport,
		CivicReportPayload{OwnerID: "u2", Report: "town hall on the budget"})

	res := decodeResult(t, job)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "civic-1", res.MatchID)
	assert.Equal(t, "near-identical title", res.Reason)
	assert.Zero(t, rig.store.createdCount())
}

func TestCivicReportDistinctTitlePublishes(t *testing.T) {
	existing := models.EventNeighbor{
		Event: models.EventRecord{
			ID:        "civic-1",
			Title:     "Town Hall Budget Meeting",
			StartTime: time.Date(2026, 9, 20, 18, 0, 0, 0, time.UTC),
			Embedding: []float32{0, 1, 0},
		},
	}
	rig := newRig(t, draftEvent("Library Renovation Hearing"), existing)

	job := rig.run(t, NewCivicReport(rig.deps), queue.TypeCivicReport,
		CivicReportPayload{OwnerID: "u2", Report: "hearing about the library"})

	res := decodeResult(t, job)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, rig.store.createdCount())
	assert.Equal(t, "civic_report", rig.store.created[0].SourceType)
}

// fixedSweeper reports a fixed deletion count.
type fixedSweeper struct {
	n      int
	maxAge time.Duration
}

func (s *fixedSweeper) Cleanup(_ context.Context, maxAge time.Duration) (int, error) {
	s.maxAge = maxAge
	return s.n, nil
}

// fixedPruner records the batch size it was called with.
type fixedPruner struct {
	n     int
	batch int
}

func (p *fixedPruner) PruneEventsBefore(_ context.Context, _ time.Time, batchSize int) (int, error) {
	p.batch = batchSize
	return p.n, nil
}

func TestCleanupSweepsAllTargets(t *testing.T) {
	q := queue.New(store.NewMemory(), nil, nil)
	jobs := &fixedSweeper{n: 3}
	contexts := &fixedSweeper{n: 2}
	events := &fixedPruner{n: 5}

	h := NewCleanup(jobs, contexts, events, 48*time.Hour, nil)

	ctx := context.Background()
	id, err := q.Enqueue(ctx, queue.TypeCleanup, CleanupPayload{BatchSize: 25})
	require.NoError(t, err)
	job, err := q.GetStatus(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, job, worker.NewReporter(q, id)))

	final, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, final.Progress)

	var res cleanupResult
	require.NoError(t, json.Unmarshal(final.Result, &res))
	assert.Equal(t, 3, res.JobsDeleted)
	assert.Equal(t, 2, res.ContextsDeleted)
	assert.Equal(t, 5, res.EventsDeleted)
	assert.Equal(t, 25, events.batch)
	assert.Equal(t, 48*time.Hour, jobs.maxAge)
}

func TestCleanupMaxAgeOverride(t *testing.T) {
	q := queue.New(store.NewMemory(), nil, nil)
	jobs := &fixedSweeper{}
	h := NewCleanup(jobs, &fixedSweeper{}, nil, 7*24*time.Hour, nil)

	ctx := context.Background()
	id, err := q.Enqueue(ctx, queue.TypeCleanup, CleanupPayload{MaxAgeHours: 12})
	require.NoError(t, err)
	job, err := q.GetStatus(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, job, worker.NewReporter(q, id)))
	assert.Equal(t, 12*time.Hour, jobs.maxAge)
}
