package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/communiday/eventcore-go/internal/models"
)

// storedEvent mirrors the event table row. The id is a SurrealDB record id
// and option<> fields decode into pointers.
type storedEvent struct {
	ID          surrealmodels.RecordID `json:"id"`
	Title       string                 `json:"title"`
	Description *string                `json:"description,omitempty"`
	StartTime   time.Time              `json:"start_time"`
	Timezone    *string                `json:"timezone,omitempty"`
	Address     *string                `json:"address,omitempty"`
	Lat         float64                `json:"lat"`
	Lon         float64                `json:"lon"`
	Visibility  string                 `json:"visibility"`
	OwnerID     *string                `json:"owner_id,omitempty"`
	SourceType  *string                `json:"source_type,omitempty"`
	ScanCount   int                    `json:"scan_count"`
	Embedding   []float32              `json:"embedding,omitempty"`
	Created     time.Time              `json:"created,omitempty"`
}

// storedNeighbor is a storedEvent plus the KNN distance column.
type storedNeighbor struct {
	storedEvent
	Distance float64 `json:"distance"`
}

func (s *storedEvent) toRecord() models.EventRecord {
	rec := models.EventRecord{
		ID:          models.MustRecordIDString(s.ID),
		Title:       s.Title,
		StartTime:   s.StartTime,
		Coordinates: models.Coordinates{Lat: s.Lat, Lon: s.Lon},
		Visibility:  models.Visibility(s.Visibility),
		ScanCount:   s.ScanCount,
		Embedding:   s.Embedding,
		CreatedAt:   s.Created,
	}
	if s.Description != nil {
		rec.Description = *s.Description
	}
	if s.Timezone != nil {
		rec.Timezone = *s.Timezone
	}
	if s.Address != nil {
		rec.Address = *s.Address
	}
	if s.OwnerID != nil {
		rec.OwnerID = *s.OwnerID
	}
	if s.SourceType != nil {
		rec.SourceType = *s.SourceType
	}
	return rec
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const eventColumns = `id, title, description, start_time, timezone, address,
	lat, lon, visibility, owner_id, source_type, scan_count, created`

// CreateEvent persists a new event record. An explicit input ID is honored,
// otherwise SurrealDB assigns one.
func (c *Client) CreateEvent(ctx context.Context, in models.EventRecord) (*models.EventRecord, error) {
	target := "event"
	vars := map[string]any{
		"title":       in.Title,
		"description": optional(in.Description),
		"start_time":  in.StartTime,
		"timezone":    optional(in.Timezone),
		"address":     optional(in.Address),
		"lat":         in.Coordinates.Lat,
		"lon":         in.Coordinates.Lon,
		"visibility":  string(in.Visibility),
		"owner_id":    optional(in.OwnerID),
		"source_type": optional(in.SourceType),
		"embedding":   in.Embedding,
	}
	if in.ID != "" {
		target = `type::record("event", $id)`
		vars["id"] = in.ID
	}

	sql := fmt.Sprintf(`
		CREATE %s SET
			title = $title,
			description = $description,
			start_time = <datetime>$start_time,
			timezone = $timezone,
			address = $address,
			lat = $lat,
			lon = $lon,
			visibility = $visibility,
			owner_id = $owner_id,
			source_type = $source_type,
			embedding = $embedding
		RETURN AFTER
	`, target)

	results, err := surrealdb.Query[[]storedEvent](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create event: no result returned")
	}
	rec := (*results)[0].Result[0].toRecord()
	return &rec, nil
}

// GetEvent retrieves an event by ID. Returns nil when not found.
func (c *Client) GetEvent(ctx context.Context, id string) (*models.EventRecord, error) {
	results, err := surrealdb.Query[[]storedEvent](ctx, c.db, fmt.Sprintf(`
		SELECT %s, embedding FROM type::record("event", $id)
	`, eventColumns), map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get event: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	rec := (*results)[0].Result[0].toRecord()
	return &rec, nil
}

// NearestEvents returns up to k stored events ranked by cosine distance to
// the query embedding. Only public events and, when ownerID is non-empty,
// the owner's private events are visible to the search.
func (c *Client) NearestEvents(ctx context.Context, embedding []float32, k int, ownerID string) ([]models.EventNeighbor, error) {
	if k <= 0 {
		k = 5
	}

	visibilityClause := `visibility = "public"`
	vars := map[string]any{"emb": embedding}
	if ownerID != "" {
		visibilityClause = `(visibility = "public" OR owner_id = $owner)`
		vars["owner"] = ownerID
	}

	// HNSW KNN with ef=40 for recall; distance surfaced via the knn() helper.
	sql := fmt.Sprintf(`
		SELECT %s, embedding, vector::distance::knn() AS distance
		FROM event
		WHERE embedding <|%d,40|> $emb AND %s
		ORDER BY distance ASC
	`, eventColumns, k, visibilityClause)

	results, err := surrealdb.Query[[]storedNeighbor](ctx, c.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("nearest events: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	neighbors := make([]models.EventNeighbor, 0, len((*results)[0].Result))
	for i := range (*results)[0].Result {
		row := &(*results)[0].Result[i]
		neighbors = append(neighbors, models.EventNeighbor{
			Event:    row.toRecord(),
			Distance: row.Distance,
		})
	}
	return neighbors, nil
}

// SearchEvents performs RRF fusion of full-text and vector search over
// public events.
func (c *Client) SearchEvents(ctx context.Context, query string, embedding []float32, limit int) ([]models.EventRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	// Vector arm fetches 2x limit for variety; RRF k=60.
	sql := fmt.Sprintf(`
		SELECT * FROM search::rrf([
			(SELECT %[1]s FROM event
			 WHERE embedding <|%[2]d,40|> $emb AND visibility = "public"),
			(SELECT %[1]s FROM event
			 WHERE (title @0@ $q OR description @1@ $q) AND visibility = "public")
		], $limit, 60)
	`, eventColumns, limit*2)

	results, err := surrealdb.Query[[]storedEvent](ctx, c.db, sql, map[string]any{
		"q":     query,
		"emb":   embedding,
		"limit": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search events: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	records := make([]models.EventRecord, 0, len((*results)[0].Result))
	for i := range (*results)[0].Result {
		records = append(records, (*results)[0].Result[i].toRecord())
	}
	return records, nil
}

// ListOwnerEvents returns an owner's events, newest start time first.
func (c *Client) ListOwnerEvents(ctx context.Context, ownerID string, limit int) ([]models.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	results, err := surrealdb.Query[[]storedEvent](ctx, c.db, fmt.Sprintf(`
		SELECT %s FROM event WHERE owner_id = $owner
		ORDER BY start_time DESC LIMIT $limit
	`, eventColumns), map[string]any{"owner": ownerID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list owner events: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	records := make([]models.EventRecord, 0, len((*results)[0].Result))
	for i := range (*results)[0].Result {
		records = append(records, (*results)[0].Result[i].toRecord())
	}
	return records, nil
}

// IncrementScanCount bumps the scan counter for a flyer event.
func (c *Client) IncrementScanCount(ctx context.Context, id string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("event", $id) SET scan_count += 1
	`, map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("increment scan count: %w", wrapQueryError(err))
	}
	return nil
}

// DeleteEvent removes an event. Returns false when it did not exist.
func (c *Client) DeleteEvent(ctx context.Context, id string) (bool, error) {
	results, err := surrealdb.Query[[]storedEvent](ctx, c.db, `
		DELETE type::record("event", $id) RETURN BEFORE
	`, map[string]any{"id": id})
	if err != nil {
		return false, fmt.Errorf("delete event: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return false, nil
	}
	return len((*results)[0].Result) > 0, nil
}

// PruneEventsBefore deletes up to batchSize events whose start time is older
// than the cutoff. Returns the number of deleted records so cleanup jobs can
// report progress and loop until the backlog drains.
func (c *Client) PruneEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	results, err := surrealdb.Query[[]storedEvent](ctx, c.db, `
		DELETE event WHERE start_time < <datetime>$cutoff AND id IN (
			SELECT VALUE id FROM event WHERE start_time < <datetime>$cutoff LIMIT $batch
		) RETURN BEFORE
	`, map[string]any{"cutoff": cutoff, "batch": batchSize})
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}
