// Package musicbrainz provides the rate-limited, retrying enrichment client
// over the MusicBrainz recording search API.
package musicbrainz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cataloger/internal/catalog"
	"cataloger/pkg/fuzzy"
)

const (
	searchLimit     = 5
	maxResponseSize = 1 << 20
)

// Candidate is one scored match returned by the provider, normalized from
// the raw search payload.
type Candidate struct {
	RecordingID   string
	Title         string
	Artist        string
	Album         string
	ReleaseDate   string
	ReleaseType   string
	Duration      time.Duration
	ProviderScore int // MusicBrainz ext:score, 0..100
}

// Scorer ranks a candidate against the playlist entry it should match.
// Scores are in [0,1]; the best candidate below the configured confidence
// threshold is treated as not found. Pluggable so that match policy can
// change without touching the client.
type Scorer interface {
	Score(entry catalog.PlaylistEntry, cand Candidate) float64
}

// Client implements catalog.EnrichmentClient. A shared token bucket enforces
// the provider's request budget across all pipeline workers.
type Client struct {
	config  *catalog.EnrichmentConfig
	http    *http.Client
	limiter *rate.Limiter
	scorer  Scorer
	logger  *zap.Logger
}

// NewClient builds a client. A nil scorer selects the default
// similarity-based scorer.
func NewClient(config *catalog.EnrichmentConfig, scorer Scorer, logger *zap.Logger) *Client {
	if scorer == nil {
		scorer = NewSimilarityScorer()
	}

	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RateBurst),
		scorer:  scorer,
		logger:  logger,
	}
}

// Lookup resolves an entry to a metadata record. Transient failures are
// retried with exponential backoff up to the configured cap, then surfaced
// as *catalog.TransientError. A provider response with no candidate above
// the confidence threshold is catalog.ErrNotFound and is never retried.
func (c *Client) Lookup(ctx context.Context, entry catalog.PlaylistEntry) (*catalog.MetadataRecord, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.BackoffBase << (attempt - 1)
			if c.config.BackoffBase > 0 {
				backoff += time.Duration(rand.Int63n(int64(c.config.BackoffBase))) //nolint:gosec // Jitter does not need crypto randomness
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &catalog.TransientError{Cause: ctx.Err()}
			}
		}

		rec, err := c.lookupOnce(ctx, entry)
		if err == nil {
			return rec, nil
		}

		// Only transient failures improve with retries; not-found,
		// unexpected statuses, and malformed responses are terminal.
		var transient *catalog.TransientError
		if !errors.As(err, &transient) {
			return nil, err
		}

		lastErr = err
		c.logger.Debug("Enrichment attempt failed",
			zap.String("sourceID", entry.SourceID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return nil, lastErr
}

func (c *Client) lookupOnce(ctx context.Context, entry catalog.PlaylistEntry) (*catalog.MetadataRecord, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := c.limiter.Wait(waitCtx); err != nil {
		return nil, &catalog.TransientError{Cause: fmt.Errorf("rate limiter wait: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL(entry), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &catalog.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, catalog.ErrNotFound
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		// MusicBrainz signals rate-limit pressure with 503.
		return nil, &catalog.TransientError{Cause: fmt.Errorf("provider throttled: status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &catalog.TransientError{Cause: fmt.Errorf("provider error: status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected provider status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &catalog.TransientError{Cause: err}
	}

	candidates, err := parseSearchResponse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse provider response: %w", err)
	}

	return c.pickBest(entry, candidates)
}

func (c *Client) searchURL(entry catalog.PlaylistEntry) string {
	q := url.Values{}
	q.Set("query", searchQuery(entry))
	q.Set("fmt", "json")
	q.Set("limit", fmt.Sprintf("%d", searchLimit))

	return c.config.BaseURL + "/recording?" + q.Encode()
}

// pickBest scores every candidate and returns the highest scorer above the
// confidence threshold, else ErrNotFound.
func (c *Client) pickBest(entry catalog.PlaylistEntry, candidates []Candidate) (*catalog.MetadataRecord, error) {
	if len(candidates) == 0 {
		return nil, catalog.ErrNotFound
	}

	var best *Candidate
	var bestScore float64

	for i := range candidates {
		score := c.scorer.Score(entry, candidates[i])
		if best == nil || score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}

	if bestScore < c.config.MinConfidence {
		c.logger.Debug("Best candidate below confidence threshold",
			zap.String("sourceID", entry.SourceID),
			zap.String("candidate", best.Title),
			zap.Float64("score", bestScore))
		return nil, catalog.ErrNotFound
	}

	return &catalog.MetadataRecord{
		Title:       best.Title,
		Artist:      best.Artist,
		Album:       best.Album,
		ReleaseDate: best.ReleaseDate,
		ReleaseType: best.ReleaseType,
		RecordingID: best.RecordingID,
		Confidence:  bestScore,
	}, nil
}

var queryNormalizer = fuzzy.NewNormalizer()

func searchQuery(entry catalog.PlaylistEntry) string {
	title := queryNormalizer.NormalizeTitle(entry.Title)
	channel := queryNormalizer.NormalizeChannel(entry.Channel)

	if channel == "" {
		return title
	}
	return title + " " + channel
}

type searchResponse struct {
	Recordings []struct {
		ID           string `json:"id"`
		Score        int    `json:"score"`
		Title        string `json:"title"`
		Length       int    `json:"length"` // milliseconds
		ArtistCredit []struct {
			Name       string `json:"name"`
			JoinPhrase string `json:"joinphrase"`
		} `json:"artist-credit"`
		Releases []struct {
			Title        string `json:"title"`
			Date         string `json:"date"`
			ReleaseGroup struct {
				PrimaryType string `json:"primary-type"`
			} `json:"release-group"`
		} `json:"releases"`
	} `json:"recordings"`
}

func parseSearchResponse(body []byte) ([]Candidate, error) {
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(parsed.Recordings))
	for _, r := range parsed.Recordings {
		cand := Candidate{
			RecordingID:   r.ID,
			Title:         r.Title,
			ProviderScore: r.Score,
			Duration:      time.Duration(r.Length) * time.Millisecond,
		}

		for _, credit := range r.ArtistCredit {
			cand.Artist += credit.Name + credit.JoinPhrase
		}

		if len(r.Releases) > 0 {
			cand.Album = r.Releases[0].Title
			cand.ReleaseDate = r.Releases[0].Date
			cand.ReleaseType = r.Releases[0].ReleaseGroup.PrimaryType
		}
		if cand.ReleaseType == "" {
			cand.ReleaseType = "Unknown"
		}

		candidates = append(candidates, cand)
	}

	return candidates, nil
}
