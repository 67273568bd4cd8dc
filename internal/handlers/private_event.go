package handlers

import (
	"context"
	"fmt"

	"github.com/communiday/eventcore-go/internal/models"
	"github.com/communiday/eventcore-go/internal/queue"
	"github.com/communiday/eventcore-go/internal/worker"
)

// PrivateEventPayload is the enqueue payload for an owner-visible event
// created from a free-text description.
type PrivateEventPayload struct {
	OwnerID     string `json:"owner_id"`
	Description string `json:"description"`
}

// PrivateEvent ingests private event submissions. The record stays
// invisible to other users; deduplication runs against public events plus
// the owner's own records.
type PrivateEvent struct {
	deps *Deps
}

// NewPrivateEvent creates the private event handler.
func NewPrivateEvent(deps *Deps) *PrivateEvent {
	return &PrivateEvent{deps: deps}
}

func (h *PrivateEvent) Handle(ctx context.Context, job *queue.Job, rep *worker.Reporter) error {
	var p PrivateEventPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	if p.OwnerID == "" {
		return fmt.Errorf("private event requires an owner")
	}
	if p.Description == "" {
		return fmt.Errorf("private event requires a description")
	}

	if err := rep.Progress(ctx, 10, "Reading event description"); err != nil {
		return err
	}
	draft, err := h.deps.Extractor.Extract(ctx, ExtractInput{
		SourceType: "private_event",
		Text:       p.Description,
	})
	if err != nil {
		return fmt.Errorf("extract private event: %w", err)
	}
	if err := validDraft(draft); err != nil {
		return err
	}
	draft.SourceType = "private_event"
	draft.Visibility = models.VisibilityPrivate
	draft.OwnerID = p.OwnerID

	if needsGeocoding(draft) {
		if err := rep.Progress(ctx, 40, "Resolving venue location"); err != nil {
			return err
		}
		coords, err := h.deps.Geocoder.Geocode(ctx, draft.Address)
		if err != nil {
			h.deps.logger().Warn("geocoding failed, continuing without location",
				"job_id", job.ID, "address", draft.Address, "error", err)
		} else {
			draft.Coordinates = coords
		}
	}

	if err := rep.Progress(ctx, 60, "Generating content embedding"); err != nil {
		return err
	}
	vec, err := h.deps.Embedder.Embed(ctx, embedText(draft))
	if err != nil {
		return fmt.Errorf("embed private event: %w", err)
	}
	draft.Embedding = vec

	if err := rep.Progress(ctx, 80, "Checking for duplicate events"); err != nil {
		return err
	}
	res, err := h.deps.engineFor(p.OwnerID).FindSimilar(ctx, vec, attributesOf(draft))
	if err != nil {
		return fmt.Errorf("similarity check: %w", err)
	}
	if res.IsDuplicate {
		h.deps.logger().Info("private event matched existing record",
			"job_id", job.ID, "match_id", res.MatchID, "score", res.Score)
		return rep.Result(ctx, ingestResult{
			Duplicate: true,
			MatchID:   res.MatchID,
			Reason:    res.Reason,
			Score:     res.Score,
			Detail:    res.Detail,
		})
	}

	created, err := h.deps.Events.CreateEvent(ctx, *draft)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	h.deps.logger().Info("private event created", "job_id", job.ID, "event_id", created.ID, "owner_id", p.OwnerID)
	return rep.Result(ctx, ingestResult{EventID: created.ID, Score: res.Score, Detail: res.Detail})
}
