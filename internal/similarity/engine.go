// Package similarity implements duplicate detection for extracted event
// records: vector similarity against the nearest stored neighbors, blended
// with geo-temporal proximity, plus a fuzzy text path for flows without an
// embedding.
package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/communiday/eventcore-go/internal/models"
)

// Thresholds are the duplicate classification cut-offs. The three values
// are deliberately independent knobs, not one unified constant.
type Thresholds struct {
	// EmbeddingDuplicate: embedding similarity above this alone classifies
	// a duplicate.
	EmbeddingDuplicate float64
	// CompositeDuplicate: composite score above this classifies a duplicate
	// when the location signal is also strong.
	CompositeDuplicate float64
	// StrongLocation: location similarity above this counts as strong.
	StrongLocation float64
}

// DefaultThresholds returns the production cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EmbeddingDuplicate: 0.85,
		CompositeDuplicate: 0.65,
		StrongLocation:     0.8,
	}
}

// Composite score weights: embedding similarity dominates, location refines.
const (
	embeddingWeight = 0.8
	locationWeight  = 0.2
)

// defaultNeighborCount is k for the nearest-neighbor query.
const defaultNeighborCount = 5

// Attributes are the structured fields of the candidate record.
type Attributes struct {
	Title       string
	EventTime   time.Time
	Coordinates models.Coordinates
	Address     string
	Timezone    string
}

// Result is the outcome of one similarity query. It is computed, consumed
// by the calling handler, and never persisted.
type Result struct {
	// Score is the composite duplicate score in [0,1].
	Score float64
	// MatchID is the closest existing record, empty when the store is empty.
	MatchID string
	// Reason is a human-readable classification of the match.
	Reason string
	// Detail carries the component sub-scores for logging.
	Detail map[string]float64
	// IsDuplicate is the classification against the thresholds.
	IsDuplicate bool
}

// NeighborSource answers nearest-neighbor queries by vector distance.
// Implemented by the event-record store.
type NeighborSource interface {
	NearestEvents(ctx context.Context, embedding []float32, k int) ([]models.EventNeighbor, error)
}

// Engine combines embedding, geo-temporal and text similarity into one
// duplicate decision.
type Engine struct {
	source     NeighborSource
	thresholds Thresholds
	neighbors  int
	logger     *slog.Logger
}

// NewEngine creates a similarity engine over the given neighbor source.
func NewEngine(source NeighborSource, thresholds Thresholds, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source:     source,
		thresholds: thresholds,
		neighbors:  defaultNeighborCount,
		logger:     logger,
	}
}

// FindSimilar scores the candidate against the closest stored record.
func (e *Engine) FindSimilar(ctx context.Context, embedding []float32, attrs Attributes) (Result, error) {
	neighbors, err := e.source.NearestEvents(ctx, embedding, e.neighbors)
	if err != nil {
		return Result{}, fmt.Errorf("nearest events: %w", err)
	}
	if len(neighbors) == 0 {
		return Result{Score: 0}, nil
	}

	best := neighbors[0]
	embScore := CosineSimilarity(embedding, best.Event.Embedding)

	distance := Haversine(attrs.Coordinates, best.Event.Coordinates)
	hoursDiff := math.Abs(attrs.EventTime.Sub(best.Event.StartTime).Hours())
	locScore := LocationSimilarity(distance, hoursDiff)

	composite := embeddingWeight*embScore + locationWeight*locScore

	result := Result{
		Score:   composite,
		MatchID: best.Event.ID,
		Detail: map[string]float64{
			"embedding_score":    embScore,
			"location_score":     locScore,
			"distance_meters":    distance,
			"hours_apart":        hoursDiff,
			"composite_score":    composite,
			"neighbors_examined": float64(len(neighbors)),
		},
	}

	switch {
	case embScore > e.thresholds.EmbeddingDuplicate:
		result.IsDuplicate = true
		result.Reason = "near-identical content"
	case composite > e.thresholds.CompositeDuplicate && locScore > e.thresholds.StrongLocation:
		result.IsDuplicate = true
		result.Reason = "matching content at the same place and time"
	default:
		result.Reason = "content and location signals below duplicate thresholds"
	}

	e.logger.Debug("similarity query",
		"match_id", result.MatchID,
		"embedding_score", embScore,
		"location_score", locScore,
		"composite", composite,
		"duplicate", result.IsDuplicate)
	return result, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths, empty or zero-magnitude vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

const earthRadiusMeters = 6371000

// maxDistanceMeters is the degraded distance for invalid coordinates.
const maxDistanceMeters = math.MaxFloat64

// Haversine returns the great-circle distance between two points in meters.
// NaN or out-of-range coordinates degrade to maximum distance.
func Haversine(a, b models.Coordinates) float64 {
	if !validCoordinates(a) || !validCoordinates(b) {
		return maxDistanceMeters
	}

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

func validCoordinates(c models.Coordinates) bool {
	return !math.IsNaN(c.Lat) && !math.IsNaN(c.Lon) &&
		c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// LocationSimilarity maps a haversine distance and a time gap to [0,1]. The
// distance threshold tightens as the time gap shrinks: events an hour apart
// must be within tens of meters to look like the same thing, events a week
// apart get a kilometer of slack. The result is then discounted by up to
// 20% as the time gap grows toward a day, penalizing same-place,
// different-time coincidences.
func LocationSimilarity(distanceMeters, hoursDiff float64) float64 {
	if math.IsNaN(distanceMeters) || math.IsInf(distanceMeters, 0) {
		return 0
	}

	threshold := adaptiveDistanceThreshold(hoursDiff)
	sim := math.Exp(-distanceMeters / threshold)

	discount := 0.2 * math.Min(1, hoursDiff/24)
	return sim * (1 - discount)
}

func adaptiveDistanceThreshold(hoursDiff float64) float64 {
	switch {
	case hoursDiff <= 1:
		return 50
	case hoursDiff <= 24:
		return 200
	case hoursDiff <= 168:
		return 500
	default:
		return 1000
	}
}
