// Package geo resolves street addresses to coordinates via a
// Nominatim-compatible geocoding service.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/communiday/eventcore-go/internal/cache"
	"github.com/communiday/eventcore-go/internal/models"
)

const (
	// DefaultBaseURL is the public Nominatim instance. Production
	// deployments should point at a self-hosted mirror.
	DefaultBaseURL = "https://nominatim.openstreetmap.org"

	userAgent = "eventcore/1.0"

	// Geocoding results are stable; cache them for a day.
	cacheTTL = 24 * time.Hour
)

// Nominatim geocodes addresses against a Nominatim search endpoint.
// Results are read through the shared cache when one is provided.
type Nominatim struct {
	baseURL string
	client  *http.Client
	cache   *cache.Cache
	logger  *slog.Logger
}

// New creates a Nominatim geocoder. baseURL empty selects the public
// instance, c may be nil to skip caching.
func New(baseURL string, c *cache.Cache, logger *slog.Logger) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Nominatim{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   c,
		logger:  logger,
	}
}

// Geocode resolves an address to WGS84 coordinates.
func (n *Nominatim) Geocode(ctx context.Context, address string) (models.Coordinates, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return models.Coordinates{}, fmt.Errorf("empty address")
	}

	if n.cache == nil {
		return n.lookup(ctx, address)
	}

	// Slugging normalizes case, whitespace and punctuation, so trivially
	// different spellings of one address share a cache entry.
	key := "geocode:" + models.Slugify(address)
	raw, err := n.cache.GetOrLoad(ctx, key, cache.Options{TTL: cacheTTL}, func(ctx context.Context) (string, error) {
		coords, err := n.lookup(ctx, address)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(coords)
		if err != nil {
			return "", fmt.Errorf("encode coordinates: %w", err)
		}
		return string(encoded), nil
	})
	if err != nil {
		return models.Coordinates{}, err
	}

	var coords models.Coordinates
	if err := json.Unmarshal([]byte(raw), &coords); err != nil {
		return models.Coordinates{}, fmt.Errorf("decode cached coordinates: %w", err)
	}
	return coords, nil
}

// searchResult is the subset of the Nominatim response the geocoder reads.
// lat/lon come back as strings.
type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (n *Nominatim) lookup(ctx context.Context, address string) (models.Coordinates, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("build geocode request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Coordinates{}, fmt.Errorf("geocode status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return models.Coordinates{}, fmt.Errorf("decode geocode response: %w", err)
	}
	if len(results) == 0 {
		return models.Coordinates{}, fmt.Errorf("no results for address")
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("parse latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return models.Coordinates{}, fmt.Errorf("parse longitude %q: %w", results[0].Lon, err)
	}

	n.logger.Debug("address geocoded",
		"lat", lat,
		"lon", lon,
		"duration_ms", time.Since(start).Milliseconds())

	return models.Coordinates{Lat: lat, Lon: lon}, nil
}
