package musicbrainz

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"cataloger/internal/catalog"
)

const searchBody = `{
	"recordings": [
		{
			"id": "b1a9c0e9-d987-4042-ae91-78d6a3267d69",
			"score": 100,
			"title": "Bohemian Rhapsody",
			"length": 355000,
			"artist-credit": [{"name": "Queen", "joinphrase": ""}],
			"releases": [
				{
					"title": "A Night at the Opera",
					"date": "1975-11-21",
					"release-group": {"primary-type": "Album"}
				}
			]
		},
		{
			"id": "other-recording",
			"score": 40,
			"title": "Bohemian Polka",
			"length": 180000,
			"artist-credit": [{"name": "Weird Al", "joinphrase": ""}],
			"releases": []
		}
	]
}`

func testClientConfig(baseURL string) *catalog.EnrichmentConfig {
	return &catalog.EnrichmentConfig{
		BaseURL:       baseURL,
		UserAgent:     "cataloger-test/1.0",
		RatePerSecond: 1000,
		RateBurst:     1000,
		Timeout:       2 * time.Second,
		MaxRetries:    2,
		BackoffBase:   time.Millisecond,
		MinConfidence: 0.5,
	}
}

func queenEntry() catalog.PlaylistEntry {
	return catalog.PlaylistEntry{
		SourceID: "vid1",
		Title:    "Queen - Bohemian Rhapsody (Official Video)",
		Channel:  "Queen Official",
		Duration: 5*time.Minute + 55*time.Second,
	}
}

func TestLookup(t *testing.T) {
	var userAgent atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))

		if r.URL.Path != "/recording" {
			t.Errorf("Path = %q, expected /recording", r.URL.Path)
		}
		if r.URL.Query().Get("fmt") != "json" {
			t.Errorf("fmt = %q, expected json", r.URL.Query().Get("fmt"))
		}
		if r.URL.Query().Get("query") == "" {
			t.Error("Query parameter missing")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchBody))
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), nil, zap.NewNop())

	rec, err := client.Lookup(t.Context(), queenEntry())
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	if rec.Title != "Bohemian Rhapsody" {
		t.Errorf("Title = %q", rec.Title)
	}
	if rec.Artist != "Queen" {
		t.Errorf("Artist = %q", rec.Artist)
	}
	if rec.Album != "A Night at the Opera" {
		t.Errorf("Album = %q", rec.Album)
	}
	if rec.ReleaseDate != "1975-11-21" {
		t.Errorf("ReleaseDate = %q", rec.ReleaseDate)
	}
	if rec.ReleaseType != "Album" {
		t.Errorf("ReleaseType = %q", rec.ReleaseType)
	}
	if rec.RecordingID != "b1a9c0e9-d987-4042-ae91-78d6a3267d69" {
		t.Errorf("RecordingID = %q, expected the higher-scoring candidate", rec.RecordingID)
	}
	if rec.Confidence < 0.5 {
		t.Errorf("Confidence = %f, expected above threshold", rec.Confidence)
	}

	if got := userAgent.Load(); got != "cataloger-test/1.0" {
		t.Errorf("User-Agent = %v", got)
	}
}

func TestLookupRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchBody))
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), nil, zap.NewNop())

	rec, err := client.Lookup(t.Context(), queenEntry())
	if err != nil {
		t.Fatalf("Lookup failed after retries: %v", err)
	}
	if rec.Artist != "Queen" {
		t.Errorf("Artist = %q", rec.Artist)
	}
	if calls.Load() != 3 {
		t.Errorf("Calls = %d, expected 2 throttled attempts then success", calls.Load())
	}
}

func TestLookupRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	client := NewClient(cfg, nil, zap.NewNop())

	_, err := client.Lookup(t.Context(), queenEntry())

	var transient *catalog.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("Lookup error = %v, expected *TransientError after exhaustion", err)
	}
	if got := calls.Load(); got != int32(cfg.MaxRetries)+1 {
		t.Errorf("Calls = %d, expected %d", got, cfg.MaxRetries+1)
	}
}

func TestLookupNotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), nil, zap.NewNop())

	_, err := client.Lookup(t.Context(), queenEntry())
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("Lookup error = %v, expected ErrNotFound", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Calls = %d, not-found must not be retried", calls.Load())
	}
}

func TestLookupNonTransientStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), nil, zap.NewNop())

	_, err := client.Lookup(t.Context(), queenEntry())
	if err == nil {
		t.Fatal("Lookup should fail on an unexpected status")
	}

	var transient *catalog.TransientError
	if errors.As(err, &transient) {
		t.Errorf("Lookup error = %v, a 4xx is not transient", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Calls = %d, non-transient failures must not be retried", calls.Load())
	}
}

func TestLookupMalformedResponseNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), nil, zap.NewNop())

	_, err := client.Lookup(t.Context(), queenEntry())
	if err == nil {
		t.Fatal("Lookup should fail on a malformed response")
	}
	if calls.Load() != 1 {
		t.Errorf("Calls = %d, parse failures must not be retried", calls.Load())
	}
}

func TestLookupZeroBackoffBase(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.BackoffBase = 0
	client := NewClient(cfg, nil, zap.NewNop())

	_, err := client.Lookup(t.Context(), queenEntry())

	var transient *catalog.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("Lookup error = %v, expected *TransientError", err)
	}
	if got := calls.Load(); got != int32(cfg.MaxRetries)+1 {
		t.Errorf("Calls = %d, expected %d", got, cfg.MaxRetries+1)
	}
}

func TestLookupEmptyResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"recordings": []}`))
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), nil, zap.NewNop())

	_, err := client.Lookup(t.Context(), queenEntry())
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("Lookup error = %v, expected ErrNotFound for empty results", err)
	}
}

func TestLookupBelowConfidenceThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchBody))
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.MinConfidence = 0.99
	client := NewClient(cfg, nil, zap.NewNop())

	entry := catalog.PlaylistEntry{
		SourceID: "vid1",
		Title:    "completely unrelated gardening tutorial",
		Channel:  "Garden Tips Daily",
		Duration: 20 * time.Minute,
	}

	_, err := client.Lookup(t.Context(), entry)
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("Lookup error = %v, expected ErrNotFound below threshold", err)
	}
}

func TestLookupCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.Timeout = 50 * time.Millisecond
	client := NewClient(cfg, nil, zap.NewNop())

	start := time.Now()
	_, err := client.Lookup(t.Context(), queenEntry())
	elapsed := time.Since(start)

	var transient *catalog.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("Lookup error = %v, expected *TransientError on timeout", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Lookup took %v, expected bounded by per-call timeout and retries", elapsed)
	}
}

func TestParseSearchResponseArtistCredit(t *testing.T) {
	body := `{
		"recordings": [
			{
				"id": "r1",
				"score": 95,
				"title": "Under Pressure",
				"length": 248000,
				"artist-credit": [
					{"name": "Queen", "joinphrase": " & "},
					{"name": "David Bowie", "joinphrase": ""}
				],
				"releases": []
			}
		]
	}`

	candidates, err := parseSearchResponse([]byte(body))
	if err != nil {
		t.Fatalf("parseSearchResponse failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Candidates = %d, expected 1", len(candidates))
	}

	cand := candidates[0]
	if cand.Artist != "Queen & David Bowie" {
		t.Errorf("Artist = %q, expected credits joined with joinphrase", cand.Artist)
	}
	if cand.Duration != 248*time.Second {
		t.Errorf("Duration = %v, expected length in ms converted", cand.Duration)
	}
	if cand.ReleaseType != "Unknown" {
		t.Errorf("ReleaseType = %q, expected Unknown without releases", cand.ReleaseType)
	}
}

func TestParseSearchResponseInvalidJSON(t *testing.T) {
	if _, err := parseSearchResponse([]byte("not json")); err == nil {
		t.Error("Invalid JSON should fail to parse")
	}
}

func TestSimilarityScorer(t *testing.T) {
	scorer := NewSimilarityScorer()
	entry := queenEntry()

	exact := Candidate{
		Title:         "Bohemian Rhapsody",
		Artist:        "Queen",
		Duration:      5*time.Minute + 55*time.Second,
		ProviderScore: 100,
	}
	wrong := Candidate{
		Title:         "Stairway to Heaven",
		Artist:        "Led Zeppelin",
		Duration:      8 * time.Minute,
		ProviderScore: 100,
	}

	exactScore := scorer.Score(entry, exact)
	wrongScore := scorer.Score(entry, wrong)

	if exactScore <= wrongScore {
		t.Errorf("Exact match scored %f, wrong match %f", exactScore, wrongScore)
	}
	if exactScore < 0.5 {
		t.Errorf("Exact match scored %f, expected above the default threshold", exactScore)
	}
	if wrongScore < 0 || wrongScore > 1 || exactScore > 1 {
		t.Error("Scores must stay in [0,1]")
	}
}

func TestSimilarityScorerProviderDamping(t *testing.T) {
	scorer := NewSimilarityScorer()
	entry := queenEntry()

	strong := Candidate{Title: "Bohemian Rhapsody", Artist: "Queen", Duration: entry.Duration, ProviderScore: 100}
	weak := strong
	weak.ProviderScore = 20

	if scorer.Score(entry, weak) >= scorer.Score(entry, strong) {
		t.Error("Lower provider score should damp the blended score")
	}
}

func TestSearchQuery(t *testing.T) {
	got := searchQuery(queenEntry())
	want := "queen bohemian rhapsody queen official"
	if got != want {
		t.Errorf("searchQuery = %q, expected %q", got, want)
	}

	noChannel := catalog.PlaylistEntry{Title: "Some Song"}
	if got := searchQuery(noChannel); got != "some song" {
		t.Errorf("searchQuery = %q, expected title only", got)
	}
}
