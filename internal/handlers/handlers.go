// Package handlers implements the per-type job handlers of the ingestion
// pipeline: flyer scans, private events, civic reports and retention
// cleanup.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/communiday/eventcore-go/internal/embedding"
	"github.com/communiday/eventcore-go/internal/models"
	"github.com/communiday/eventcore-go/internal/similarity"
)

// Extractor turns raw submitted content into a structured event draft.
// Implementations wrap a vision or language model; tests use stubs.
type Extractor interface {
	Extract(ctx context.Context, in ExtractInput) (*models.EventRecord, error)
}

// ExtractInput is the raw material for field extraction.
type ExtractInput struct {
	SourceType string
	Text       string
	Image      []byte
}

// Geocoder resolves a street address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (models.Coordinates, error)
}

// BlobSource fetches raw uploaded bytes stored alongside a job.
type BlobSource interface {
	GetBlob(ctx context.Context, id string) ([]byte, error)
}

// EventStore is the subset of the database client the handlers write to.
type EventStore interface {
	CreateEvent(ctx context.Context, in models.EventRecord) (*models.EventRecord, error)
	NearestEvents(ctx context.Context, embedding []float32, k int, ownerID string) ([]models.EventNeighbor, error)
	IncrementScanCount(ctx context.Context, id string) error
}

// Deps bundles the shared collaborators of all ingestion handlers.
type Deps struct {
	Extractor Extractor
	Geocoder  Geocoder
	Embedder  embedding.Embedder
	Events    EventStore
	Blobs     BlobSource
	Logger    *slog.Logger

	// Thresholds configures the duplicate decision.
	Thresholds similarity.Thresholds
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// engineFor builds a similarity engine scoped to what the submitting owner
// is allowed to see: public events plus their own private ones.
func (d *Deps) engineFor(ownerID string) *similarity.Engine {
	return similarity.NewEngine(ownerScopedSource{events: d.Events, ownerID: ownerID}, d.Thresholds, d.logger())
}

// ownerScopedSource adapts EventStore to the engine's NeighborSource,
// pinning the visibility scope.
type ownerScopedSource struct {
	events  EventStore
	ownerID string
}

func (s ownerScopedSource) NearestEvents(ctx context.Context, embedding []float32, k int) ([]models.EventNeighbor, error) {
	return s.events.NearestEvents(ctx, embedding, k, s.ownerID)
}

// ingestResult is what every ingestion handler reports back on the job.
type ingestResult struct {
	EventID   string             `json:"event_id,omitempty"`
	Duplicate bool               `json:"duplicate"`
	MatchID   string             `json:"match_id,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Score     float64            `json:"score,omitempty"`
	Detail    map[string]float64 `json:"detail,omitempty"`
}

// decodePayload unmarshals a job payload into the handler's typed form.
func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// embedText builds the embedding input from the extracted record. Title and
// description carry the semantic content; address anchors near-identical
// recurring events to their venue.
func embedText(rec *models.EventRecord) string {
	return rec.Title + "\n" + rec.Description + "\n" + rec.Address
}

// attributesOf maps an extracted record to the engine's query attributes.
func attributesOf(rec *models.EventRecord) similarity.Attributes {
	return similarity.Attributes{
		Title:       rec.Title,
		EventTime:   rec.StartTime,
		Coordinates: rec.Coordinates,
		Address:     rec.Address,
		Timezone:    rec.Timezone,
	}
}

// validDraft rejects extraction output that cannot become a useful record.
func validDraft(rec *models.EventRecord) error {
	if rec == nil {
		return fmt.Errorf("extractor returned no event")
	}
	if rec.Title == "" {
		return fmt.Errorf("extracted event has no title")
	}
	if rec.StartTime.IsZero() {
		return fmt.Errorf("extracted event has no start time")
	}
	return nil
}

// needsGeocoding reports whether the draft has an address but no usable
// coordinates yet.
func needsGeocoding(rec *models.EventRecord) bool {
	return rec.Address != "" && rec.Coordinates.Lat == 0 && rec.Coordinates.Lon == 0
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
