// Package models defines the domain records for the eventcore pipeline.
package models

import (
	"time"
)

// Visibility controls who can discover an event record.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// EventRecord is a structured event extracted from submitted content
// (flyer image, private description or civic-engagement report).
type EventRecord struct {
	ID          string      `json:"id,omitempty"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	StartTime   time.Time   `json:"start_time"`
	Timezone    string      `json:"timezone,omitempty"`
	Address     string      `json:"address,omitempty"`
	Coordinates Coordinates `json:"coordinates"`
	Visibility  Visibility  `json:"visibility"`
	OwnerID     string      `json:"owner_id,omitempty"`
	SourceType  string      `json:"source_type,omitempty"` // flyer | private_event | civic_report
	ScanCount   int         `json:"scan_count"`
	Embedding   []float32   `json:"embedding,omitempty"`
	CreatedAt   time.Time   `json:"created_at,omitempty"`
}

// EventNeighbor is a nearest-neighbor query result: the record plus its
// vector distance to the query embedding.
type EventNeighbor struct {
	Event    EventRecord `json:"event"`
	Distance float64     `json:"distance"`
}
