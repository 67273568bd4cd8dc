package handlers

import (
	"context"
	"fmt"

	"github.com/communiday/eventcore-go/internal/models"
	"github.com/communiday/eventcore-go/internal/queue"
	"github.com/communiday/eventcore-go/internal/worker"
)

// FlyerPayload is the enqueue payload for a scanned flyer.
type FlyerPayload struct {
	OwnerID string `json:"owner_id"`
	// BlobKey references the staged image upload. The queue adopts the
	// blob under the job's own id at enqueue time; the handler reads it
	// there.
	BlobKey string `json:"blob_key,omitempty"`
	// Text is pre-extracted flyer text when no image was uploaded.
	Text string `json:"text,omitempty"`
}

// Flyer ingests scanned flyer submissions: extract, geocode, embed,
// deduplicate, publish. Duplicate flyers bump the scan counter of the
// existing event instead of creating a second record.
type Flyer struct {
	deps *Deps
}

// NewFlyer creates the flyer handler.
func NewFlyer(deps *Deps) *Flyer {
	return &Flyer{deps: deps}
}

func (h *Flyer) Handle(ctx context.Context, job *queue.Job, rep *worker.Reporter) error {
	var p FlyerPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}

	if err := rep.Progress(ctx, 5, "Receiving uploaded flyer"); err != nil {
		return err
	}

	in := ExtractInput{SourceType: "flyer", Text: p.Text}
	if p.BlobKey != "" {
		img, err := h.deps.Blobs.GetBlob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("load flyer image: %w", err)
		}
		in.Image = img
	}

	if err := rep.Progress(ctx, 20, "Extracting event details from image"); err != nil {
		return err
	}
	draft, err := h.deps.Extractor.Extract(ctx, in)
	if err != nil {
		return fmt.Errorf("extract flyer: %w", err)
	}
	if err := validDraft(draft); err != nil {
		return err
	}
	draft.SourceType = "flyer"
	draft.Visibility = models.VisibilityPublic
	draft.OwnerID = p.OwnerID

	if needsGeocoding(draft) {
		if err := rep.Progress(ctx, 45, "Resolving venue location"); err != nil {
			return err
		}
		coords, err := h.deps.Geocoder.Geocode(ctx, draft.Address)
		if err != nil {
			// A flyer without coordinates still deduplicates on content.
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
		return fmt.Errorf("embed flyer: %w", err)
	}
	draft.Embedding = vec

	if err := rep.Progress(ctx, 75, "Checking for duplicate events"); err != nil {
		return err
	}
	res, err := h.deps.engineFor(p.OwnerID).FindSimilar(ctx, vec, attributesOf(draft))
	if err != nil {
		return fmt.Errorf("similarity check: %w", err)
	}

	if res.IsDuplicate {
		if err := h.deps.Events.IncrementScanCount(ctx, res.MatchID); err != nil {
			return fmt.Errorf("increment scan count: %w", err)
		}
		h.deps.logger().Info("flyer matched existing event",
			"job_id", job.ID, "match_id", res.MatchID, "score", res.Score, "reason", res.Reason)
		return rep.Result(ctx, ingestResult{
			Duplicate: true,
			MatchID:   res.MatchID,
			Reason:    res.Reason,
			Score:     res.Score,
			Detail:    res.Detail,
		})
	}

	if err := rep.Progress(ctx, 90, "Publishing event"); err != nil {
		return err
	}
	created, err := h.deps.Events.CreateEvent(ctx, *draft)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	h.deps.logger().Info("flyer published as new event", "job_id", job.ID, "event_id", created.ID)
	return rep.Result(ctx, ingestResult{EventID: created.ID, Score: res.Score, Detail: res.Detail})
}
