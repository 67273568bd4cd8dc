package similarity

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communiday/eventcore-go/internal/models"
)

// stubSource returns canned neighbors.
type stubSource struct {
	neighbors []models.EventNeighbor
	err       error
}

func (s *stubSource) NearestEvents(_ context.Context, _ []float32, _ int) ([]models.EventNeighbor, error) {
	return s.neighbors, s.err
}

var baseTime = time.Date(2026, 6, 20, 18, 0, 0, 0, time.UTC)

func newEngine(neighbors ...models.EventNeighbor) *Engine {
	return NewEngine(&stubSource{neighbors: neighbors}, DefaultThresholds(), nil)
}

func TestFindSimilarEmptyStore(t *testing.T) {
	e := newEngine()

	res, err := e.FindSimilar(context.Background(), []float32{1, 0, 0}, Attributes{})
	require.NoError(t, err)
	assert.Zero(t, res.Score)
	assert.False(t, res.IsDuplicate)
	assert.Empty(t, res.MatchID)
}

func TestFindSimilarSameEventHalfHourApart(t *testing.T) {
	vec := []float32{0.5, 0.5, 0.1}
	e := newEngine(models.EventNeighbor{
		Event: models.EventRecord{
			ID:          "ev1",
			Title:       "Riverside Block Party",
			StartTime:   baseTime.Add(30 * time.Minute),
			Coordinates: models.Coordinates{Lat: 40.7128, Lon: -74.006},
			Embedding:   vec,
		},
	})

	res, err := e.FindSimilar(context.Background(), vec, Attributes{
		Title:       "Riverside Block Party",
		EventTime:   baseTime,
		Coordinates: models.Coordinates{Lat: 40.7128, Lon: -74.006},
	})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, res.Detail["embedding_score"], 1e-9)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "ev1", res.MatchID)
	assert.Equal(t, "near-identical content", res.Reason)
}

func TestFindSimilarFarApartSameTime(t *testing.T) {
	// Similar but not near-identical embeddings, 5km apart, same timestamp.
	stored := []float32{1, 0, 0}
	candidate := []float32{0.8, 0.6, 0} // cosine 0.8

	e := newEngine(models.EventNeighbor{
		Event: models.EventRecord{
			ID:          "ev2",
			Title:       "Community Garden Cleanup",
			StartTime:   baseTime,
			Coordinates: models.Coordinates{Lat: 40.7128, Lon: -74.006},
			Embedding:   stored,
		},
	})

	res, err := e.FindSimilar(context.Background(), candidate, Attributes{
		EventTime: baseTime,
		// ~5km north of the stored event.
		Coordinates: models.Coordinates{Lat: 40.7578, Lon: -74.006},
	})
	require.NoError(t, err)

	assert.Less(t, res.Detail["location_score"], 0.01)
	assert.LessOrEqual(t, res.Detail["embedding_score"], 0.85)
	assert.False(t, res.IsDuplicate)
}

func TestFindSimilarCompositePath(t *testing.T) {
	// Embedding below the content-only threshold (cosine 0.8), but the
	// events are at the same place twenty minutes apart.
	stored := []float32{1, 0, 0}
	candidate := []float32{0.8, 0.6, 0}

	e := newEngine(models.EventNeighbor{
		Event: models.EventRecord{
			ID:          "ev3",
			StartTime:   baseTime.Add(20 * time.Minute),
			Coordinates: models.Coordinates{Lat: 40.7128, Lon: -74.006},
			Embedding:   stored,
		},
	})

	res, err := e.FindSimilar(context.Background(), candidate, Attributes{
		EventTime:   baseTime,
		Coordinates: models.Coordinates{Lat: 40.7128, Lon: -74.006},
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.8, res.Detail["embedding_score"], 1e-6)
	assert.Greater(t, res.Detail["location_score"], 0.8)
	assert.Greater(t, res.Score, 0.65)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "matching content at the same place and time", res.Reason)
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
		{"zero magnitude", []float32{0, 0}, []float32{1, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestHaversine(t *testing.T) {
	// NYC to Philadelphia, roughly 130km.
	nyc := models.Coordinates{Lat: 40.7128, Lon: -74.006}
	philly := models.Coordinates{Lat: 39.9526, Lon: -75.1652}

	d := Haversine(nyc, philly)
	assert.InDelta(t, 130000, d, 5000)

	assert.Zero(t, Haversine(nyc, nyc))
}

func TestHaversineInvalidCoordinates(t *testing.T) {
	good := models.Coordinates{Lat: 40, Lon: -74}
	bad := models.Coordinates{Lat: math.NaN(), Lon: -74}
	outOfRange := models.Coordinates{Lat: 91, Lon: 0}

	assert.Equal(t, maxDistanceMeters, Haversine(good, bad))
	assert.Equal(t, maxDistanceMeters, Haversine(outOfRange, good))

	// Degraded distance yields zero location similarity, never a panic.
	assert.Zero(t, LocationSimilarity(Haversine(good, bad), 1))
}

func TestAdaptiveDistanceThreshold(t *testing.T) {
	assert.Equal(t, float64(50), adaptiveDistanceThreshold(0.5))
	assert.Equal(t, float64(50), adaptiveDistanceThreshold(1))
	assert.Equal(t, float64(200), adaptiveDistanceThreshold(12))
	assert.Equal(t, float64(500), adaptiveDistanceThreshold(100))
	assert.Equal(t, float64(1000), adaptiveDistanceThreshold(500))
}

func TestLocationSimilarityDiscount(t *testing.T) {
	// Same distance within one threshold band, growing time gap: the
	// discount must lower the score. Gaps straddling a band boundary can
	// legitimately score higher despite the discount, because the band
	// change loosens the distance threshold more than the discount takes.
	twoHours := LocationSimilarity(10, 2)
	twelveHours := LocationSimilarity(10, 12)

	assert.Greater(t, twoHours, 0.7)
	assert.Less(t, twelveHours, twoHours)

	// The discount factor in isolation: at zero distance only the time
	// gap matters, capping at 20%.
	assert.InDelta(t, 1-0.2*(12.0/24), LocationSimilarity(0, 12), 1e-9)
	week := LocationSimilarity(0, 168)
	assert.InDelta(t, 0.8, week, 1e-9)
}
