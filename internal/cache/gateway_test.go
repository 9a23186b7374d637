package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"cataloger/internal/catalog"
)

func testConfig() *catalog.CacheConfig {
	return &catalog.CacheConfig{
		Backend: "memory",
		TTL:     time.Hour,
		Timeout: 2 * time.Second,
	}
}

func newTestGateway(backend Backend) *Gateway {
	return NewGateway(backend, testConfig(), zap.NewNop())
}

func testRecord() *catalog.MetadataRecord {
	return &catalog.MetadataRecord{
		Title:       "Bohemian Rhapsody",
		Artist:      "Queen",
		Album:       "A Night at the Opera",
		ReleaseDate: "1975-10-31",
		ReleaseType: "Album",
		RecordingID: "mbid-1",
		Confidence:  0.93,
	}
}

func TestGatewayPutGet(t *testing.T) {
	g := newTestGateway(NewMemoryBackend(time.Hour))
	ctx := context.Background()

	if _, ok := g.Get(ctx, "key1"); ok {
		t.Error("Empty cache should miss")
	}

	rec := testRecord()
	g.Put(ctx, "key1", rec)

	got, ok := g.Get(ctx, "key1")
	if !ok {
		t.Fatal("Expected hit after Put")
	}
	if got.RecordingID != rec.RecordingID || got.Confidence != rec.Confidence {
		t.Errorf("Got %+v, expected round-tripped record", got)
	}
}

func TestGatewayInvalidate(t *testing.T) {
	g := newTestGateway(NewMemoryBackend(time.Hour))
	ctx := context.Background()

	g.Put(ctx, "key1", testRecord())
	g.Invalidate(ctx, "key1")

	if _, ok := g.Get(ctx, "key1"); ok {
		t.Error("Invalidated key should miss")
	}
}

func TestGatewayTTLExpiry(t *testing.T) {
	backend := NewMemoryBackend(time.Hour)
	cfg := testConfig()
	cfg.TTL = 30 * time.Millisecond
	g := NewGateway(backend, cfg, zap.NewNop())
	ctx := context.Background()

	g.Put(ctx, "key1", testRecord())
	if _, ok := g.Get(ctx, "key1"); !ok {
		t.Fatal("Fresh entry should hit")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := g.Get(ctx, "key1"); ok {
		t.Error("Expired entry should miss")
	}
}

// failingBackend errors on every operation.
type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

func (failingBackend) Delete(context.Context, string) error {
	return errors.New("connection refused")
}

func TestGatewayDegradesToMiss(t *testing.T) {
	g := newTestGateway(failingBackend{})
	ctx := context.Background()

	if _, ok := g.Get(ctx, "key1"); ok {
		t.Error("Backend failure must read as a miss")
	}

	// Best-effort writes must not panic or error out.
	g.Put(ctx, "key1", testRecord())
	g.Invalidate(ctx, "key1")
}

// slowBackend blocks until its context is done.
type slowBackend struct{}

func (slowBackend) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowBackend) Set(ctx context.Context, _ string, _ []byte, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func (slowBackend) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestGatewayTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	g := NewGateway(slowBackend{}, cfg, zap.NewNop())

	start := time.Now()
	_, ok := g.Get(context.Background(), "key1")
	elapsed := time.Since(start)

	if ok {
		t.Error("Timed-out read must be a miss")
	}
	if elapsed > time.Second {
		t.Errorf("Get took %v, expected to respect the configured timeout", elapsed)
	}
}

func TestFetchMissFillsAndCaches(t *testing.T) {
	g := newTestGateway(NewMemoryBackend(time.Hour))
	ctx := context.Background()

	var fills atomic.Int32
	fill := func(context.Context) (*catalog.MetadataRecord, error) {
		fills.Add(1)
		return testRecord(), nil
	}

	rec, cached, err := g.Fetch(ctx, "key1", fill)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if cached {
		t.Error("First fetch should be a miss")
	}
	if rec.RecordingID != "mbid-1" {
		t.Errorf("Got %+v", rec)
	}

	rec, cached, err = g.Fetch(ctx, "key1", fill)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !cached {
		t.Error("Second fetch should hit the cache")
	}
	if rec == nil || rec.RecordingID != "mbid-1" {
		t.Errorf("Got %+v", rec)
	}
	if fills.Load() != 1 {
		t.Errorf("Fill calls = %d, expected 1", fills.Load())
	}
}

func TestFetchSingleFlight(t *testing.T) {
	g := newTestGateway(NewMemoryBackend(time.Hour))
	ctx := context.Background()

	var fills atomic.Int32
	release := make(chan struct{})
	fill := func(context.Context) (*catalog.MetadataRecord, error) {
		fills.Add(1)
		<-release
		return testRecord(), nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*catalog.MetadataRecord, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, _, err := g.Fetch(ctx, "sharedKey", fill)
			if err != nil {
				t.Errorf("Fetch failed: %v", err)
				return
			}
			results[i] = rec
		}(i)
	}

	// Give the callers time to pile up behind the in-flight fill.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if fills.Load() != 1 {
		t.Errorf("Fill calls = %d, concurrent fetches must collapse into one", fills.Load())
	}
	for i, rec := range results {
		if rec == nil || rec.RecordingID != "mbid-1" {
			t.Errorf("Caller %d got %+v, expected the shared result", i, rec)
		}
	}
}

func TestFetchFillError(t *testing.T) {
	g := newTestGateway(NewMemoryBackend(time.Hour))
	ctx := context.Background()

	wantErr := catalog.ErrNotFound
	_, _, err := g.Fetch(ctx, "key1", func(context.Context) (*catalog.MetadataRecord, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Fetch error = %v, expected fill error passed through", err)
	}

	// The error is not cached: the next fetch fills again.
	var fills atomic.Int32
	_, cached, err := g.Fetch(ctx, "key1", func(context.Context) (*catalog.MetadataRecord, error) {
		fills.Add(1)
		return testRecord(), nil
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if cached || fills.Load() != 1 {
		t.Error("Failed fill must not poison the cache")
	}
}

func TestFetchBestEffortWriteBack(t *testing.T) {
	// A backend that can read nothing and write nothing still serves fetches.
	g := newTestGateway(failingBackend{})
	ctx := context.Background()

	rec, cached, err := g.Fetch(ctx, "key1", func(context.Context) (*catalog.MetadataRecord, error) {
		return testRecord(), nil
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if cached {
		t.Error("Failing backend cannot produce a hit")
	}
	if rec.RecordingID != "mbid-1" {
		t.Errorf("Got %+v", rec)
	}
}
