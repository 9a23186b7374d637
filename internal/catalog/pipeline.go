package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"cataloger/pkg/text"
)

// Pipeline coordinates one catalog run: it fans playlist entries out across
// a bounded worker pool, sequences cache lookup, enrichment, and merge for
// each entry, and records aggregate progress. A single entry failing never
// aborts the batch; an InvariantViolation from the store does.
type Pipeline struct {
	config   *PipelineConfig
	store    Store
	cache    CacheGateway
	enricher EnrichmentClient
	logger   *zap.Logger

	total     atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

func NewPipeline(
	config *PipelineConfig,
	store Store,
	cache CacheGateway,
	enricher EnrichmentClient,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		config:   config,
		store:    store,
		cache:    cache,
		enricher: enricher,
		logger:   logger,
	}
}

// Progress returns the current aggregate counts without blocking workers.
func (p *Pipeline) Progress() Progress {
	return Progress{
		Processed: int(p.processed.Load()),
		Failed:    int(p.failed.Load()),
		Total:     int(p.total.Load()),
	}
}

// Process runs the pipeline over a playlist. On cancellation, dispatch of
// new entries stops, in-flight lookups complete or time out, and the partial
// collection built so far is kept; the returned Progress reflects what
// finished. The error is non-nil only for invariant violations.
func (p *Pipeline) Process(ctx context.Context, entries []PlaylistEntry) (Progress, error) {
	p.total.Store(int64(len(entries)))
	p.processed.Store(0)
	p.failed.Store(0)

	workers := p.config.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(entries) && len(entries) > 0 {
		workers = len(entries)
	}

	p.logger.Info("Starting pipeline run",
		zap.Int("entries", len(entries)),
		zap.Int("workers", workers))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	jobs := make(chan PlaylistEntry)
	fatal := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				if err := p.processEntry(runCtx, entry); err != nil {
					fatal <- err
					cancelRun()
					return
				}
			}
		}()
	}

dispatch:
	for _, entry := range entries {
		select {
		case jobs <- entry:
		case <-runCtx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	close(fatal)
	for err := range fatal {
		var violation *InvariantViolation
		if errors.As(err, &violation) {
			p.logger.Error("Pipeline aborted on invariant violation", zap.Error(err))
			return p.Progress(), err
		}
	}

	progress := p.Progress()
	p.logger.Info("Pipeline run finished",
		zap.Int("processed", progress.Processed),
		zap.Int("failed", progress.Failed),
		zap.Int("total", progress.Total),
		zap.Bool("canceled", ctx.Err() != nil))

	return progress, nil
}

// processEntry runs one entry through fingerprint, dedup, cache, enrichment,
// and merge. Returns an error only for invariant violations.
func (p *Pipeline) processEntry(ctx context.Context, entry PlaylistEntry) error {
	key := Fingerprint(entry)

	_, created, err := p.store.Admit(entry, key)
	if err != nil {
		return err
	}

	claimed, err := p.store.Begin(key)
	if err != nil {
		return err
	}
	if !claimed {
		// Duplicate of a track another worker owns or one already terminal.
		p.processed.Add(1)
		p.logger.Debug("Entry deduplicated",
			zap.String("sourceID", entry.SourceID),
			zap.String("key", string(key)),
			zap.Bool("created", created))
		return nil
	}

	if text.IsPlaceholder(entry.Title) {
		return p.failEntry(key, "source entry unavailable")
	}

	rec, cached, err := p.cache.Fetch(ctx, key, func(fillCtx context.Context) (*MetadataRecord, error) {
		return p.enricher.Lookup(fillCtx, entry)
	})
	if err != nil {
		reason := "enrichment failed: " + err.Error()
		if errors.Is(err, ErrNotFound) {
			reason = "no matching metadata"
		}
		return p.failEntry(key, reason)
	}

	if err := p.store.MergeRecord(key, rec); err != nil {
		return err
	}

	p.processed.Add(1)
	p.logger.Debug("Entry enriched",
		zap.String("sourceID", entry.SourceID),
		zap.String("recordingID", rec.RecordingID),
		zap.Bool("cached", cached))
	return nil
}

func (p *Pipeline) failEntry(key FingerprintKey, reason string) error {
	if err := p.store.Fail(key, reason); err != nil {
		return err
	}
	p.failed.Add(1)
	return nil
}

// ReprocessTrack re-runs enrichment for one track after a manual edit
// request: the cache entry is invalidated so the provider is consulted
// again. Runs outside the batch counters.
func (p *Pipeline) ReprocessTrack(ctx context.Context, trackID string) error {
	track, err := p.store.Reprocess(trackID)
	if err != nil {
		return err
	}
	if len(track.Sources) == 0 {
		return fmt.Errorf("track %s has no source entries", trackID)
	}

	p.cache.Invalidate(ctx, track.Key)

	claimed, err := p.store.Begin(track.Key)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("track %s claimed by another worker", trackID)
	}

	entry := track.Sources[0]
	rec, _, err := p.cache.Fetch(ctx, track.Key, func(fillCtx context.Context) (*MetadataRecord, error) {
		return p.enricher.Lookup(fillCtx, entry)
	})
	if err != nil {
		reason := "enrichment failed: " + err.Error()
		if errors.Is(err, ErrNotFound) {
			reason = "no matching metadata"
		}
		return p.store.Fail(track.Key, reason)
	}

	return p.store.MergeRecord(track.Key, rec)
}
