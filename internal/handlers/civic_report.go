package handlers

import (
	"context"
	"fmt"

	"github.com/communiday/eventcore-go/internal/models"
	"github.com/communiday/eventcore-go/internal/queue"
	"github.com/communiday/eventcore-go/internal/similarity"
	"github.com/communiday/eventcore-go/internal/worker"
)

// civicTextThreshold marks a report as duplicate when its title is a
// near-verbatim repeat of an existing record, even if the embeddings
// disagree. Catches typo-level variants like "farmres market".
const civicTextThreshold = 0.85

// CivicReportPayload is the enqueue payload for a civic engagement report
// (town halls, council sessions, planning hearings).
type CivicReportPayload struct {
	OwnerID string `json:"owner_id"`
	Report  string `json:"report"`
}

// CivicReport ingests civic reports. On top of the vector path it runs a
// fuzzy title comparison against the nearest neighbors, because civic
// submissions are often retyped copies of the same announcement.
type CivicReport struct {
	deps *Deps
}

// NewCivicReport creates the civic report handler.
func NewCivicReport(deps *Deps) *CivicReport {
	return &CivicReport{deps: deps}
}

func (h *CivicReport) Handle(ctx context.Context, job *queue.Job, rep *worker.Reporter) error {
	var p CivicReportPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	if p.Report == "" {
		return fmt.Errorf("civic report requires report text")
	}

	if err := rep.Progress(ctx, 10, "Reading report"); err != nil {
		return err
	}
	draft, err := h.deps.Extractor.Extract(ctx, ExtractInput{
		SourceType: "civic_report",
		Text:       p.Report,
	})
	if err != nil {
		return fmt.Errorf("extract civic report: %w", err)
	}
	if err := validDraft(draft); err != nil {
		return err
	}
	draft.SourceType = "civic_report"
	draft.Visibility = models.VisibilityPublic
	draft.OwnerID = p.OwnerID

	if needsGeocoding(draft) {
		if err := rep.Progress(ctx, 35, "Resolving venue location"); err != nil {
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

	if err := rep.Progress(ctx, 55, "Generating content embedding"); err != nil {
		return err
	}
	vec, err := h.deps.Embedder.Embed(ctx, embedText(draft))
	if err != nil {
		return fmt.Errorf("embed civic report: %w", err)
	}
	draft.Embedding = vec

	if err := rep.Progress(ctx, 75, "Checking for duplicate events"); err != nil {
		return err
	}
	res, err := h.deps.engineFor(p.OwnerID).FindSimilar(ctx, vec, attributesOf(draft))
	if err != nil {
		return fmt.Errorf("similarity check: %w", err)
	}

	if !res.IsDuplicate {
		if match, score := h.fuzzyTitleMatch(ctx, vec, draft, p.OwnerID); match != "" {
			res.IsDuplicate = true
			res.MatchID = match
			res.Score = score
			res.Reason = "near-identical title"
		}
	}

	if res.IsDuplicate {
		h.deps.logger().Info("civic report matched existing event",
			"job_id", job.ID, "match_id", res.MatchID, "score", res.Score, "reason", res.Reason)
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
	h.deps.logger().Info("civic report published as new event", "job_id", job.ID, "event_id", created.ID)
	return rep.Result(ctx, ingestResult{EventID: created.ID, Score: res.Score, Detail: res.Detail})
}

// fuzzyTitleMatch compares the draft title against nearby records. Returns
// the best matching record id, or empty when nothing crosses the threshold.
func (h *CivicReport) fuzzyTitleMatch(ctx context.Context, vec []float32, draft *models.EventRecord, ownerID string) (string, float64) {
	neighbors, err := h.deps.Events.NearestEvents(ctx, vec, 5, ownerID)
	if err != nil {
		h.deps.logger().Warn("fuzzy title lookup failed", "error", err)
		return "", 0
	}

	bestID := ""
	bestScore := 0.0
	for _, n := range neighbors {
		score := similarity.TextSimilarity(draft.Title, n.Event.Title)
		if score >= civicTextThreshold && score > bestScore {
			bestID = n.Event.ID
			bestScore = score
		}
	}
	return bestID, bestScore
}
