// Package extract turns raw submitted content into structured event drafts
// using a language model.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/communiday/eventcore-go/internal/handlers"
	"github.com/communiday/eventcore-go/internal/models"
)

// ProviderType identifies the LLM backend.
type ProviderType string

const (
	ProviderOllama ProviderType = "ollama"
	ProviderOpenAI ProviderType = "openai"
)

// Config holds extractor settings.
type Config struct {
	Provider     ProviderType
	Model        string
	OllamaHost   string
	OpenAIAPIKey string
}

// Model wraps a langchaingo LLM for event field extraction.
type Model struct {
	llm       llms.Model
	modelName string
	logger    *slog.Logger
}

// New creates an extractor based on configuration.
func New(cfg Config, logger *slog.Logger) (*Model, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var model llms.Model
	var err error

	switch cfg.Provider {
	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	return &Model{
		llm:       model,
		modelName: cfg.Model,
		logger:    logger,
	}, nil
}

const extractSystemPrompt = `You extract event details from community content (flyer photos, event descriptions, civic reports).

Respond with a single JSON object and nothing else:
{"title": "...", "description": "...", "start_time": "2026-03-14T19:00:00", "timezone": "Europe/Vienna", "address": "..."}

Guidelines:
- title is required; keep it short and specific
- start_time is the event start in RFC 3339 format without offset; omit if the content has no date
- timezone is an IANA name when the content implies one, otherwise omit
- address is the venue street address as written; omit if absent
- omit any field you cannot determine, never invent values`

// draft mirrors the JSON shape the model is asked to produce. start_time
// stays a string so lenient parsing can run after unmarshal.
type draft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	StartTime   string `json:"start_time"`
	Timezone    string `json:"timezone"`
	Address     string `json:"address"`
}

// Extract implements the ingestion extractor capability.
func (m *Model) Extract(ctx context.Context, in handlers.ExtractInput) (*models.EventRecord, error) {
	parts := []llms.ContentPart{}
	if len(in.Image) > 0 {
		parts = append(parts, llms.BinaryPart("image/jpeg", in.Image))
	}
	userPrompt := fmt.Sprintf("Source type: %s\n\nContent:\n%s", in.SourceType, in.Text)
	parts = append(parts, llms.TextPart(userPrompt))

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, extractSystemPrompt),
		{Role: llms.ChatMessageTypeHuman, Parts: parts},
	}

	start := time.Now()
	response, err := m.llm.GenerateContent(ctx, messages)
	if err != nil {
		if isFatalAPIError(err) {
			m.logger.Error("LLM provider rejected extraction request", "model", m.modelName, "error", err)
		}
		return nil, fmt.Errorf("generate extraction: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices")
	}

	m.logger.Debug("extraction generated",
		"model", m.modelName,
		"source_type", in.SourceType,
		"duration_ms", time.Since(start).Milliseconds())

	return parseDraft(response.Choices[0].Content)
}

// ModelName returns the configured model identifier.
func (m *Model) ModelName() string {
	return m.modelName
}

// parseDraft decodes the model output into an event record. Models wrap
// JSON in markdown fences often enough that stripping them first is worth
// the two lines.
func parseDraft(raw string) (*models.EventRecord, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var d draft
	if err := json.Unmarshal([]byte(cleaned), &d); err != nil {
		return nil, fmt.Errorf("parse extraction output: %w", err)
	}

	rec := &models.EventRecord{
		Title:       strings.TrimSpace(d.Title),
		Description: strings.TrimSpace(d.Description),
		Timezone:    strings.TrimSpace(d.Timezone),
		Address:     strings.TrimSpace(d.Address),
	}

	if d.StartTime != "" {
		ts, err := parseStartTime(d.StartTime, rec.Timezone)
		if err != nil {
			return nil, fmt.Errorf("parse start time %q: %w", d.StartTime, err)
		}
		rec.StartTime = ts
	}

	return rec, nil
}

var startTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseStartTime(s, tz string) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	for _, layout := range startTimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized format")
}

// fatalAPIPatterns are provider responses that no retry will fix.
var fatalAPIPatterns = []string{
	"credit balance",
	"rate limit",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication failed",
	"unauthorized",
	"401",
	"403",
}

// isFatalAPIError reports whether an LLM provider error indicates an
// account or auth problem rather than a transient failure.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalAPIPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
