package catalog

import (
	"context"
	"fmt"
	"time"
)

// PlaylistEntry is a raw playlist item as delivered by the ingestion
// collaborator. Immutable once ingested.
type PlaylistEntry struct {
	SourceID string        `json:"sourceId"`
	Title    string        `json:"title"`
	Channel  string        `json:"channel"`
	Duration time.Duration `json:"duration"`
	URL      string        `json:"url"`
	Position int           `json:"position"`
}

// FingerprintKey is the normalized identity of a playlist entry. Entries with
// equal keys are candidates for the same logical track; the key doubles as the
// metadata cache key.
type FingerprintKey string

// MetadataRecord is a normalized enrichment result. Immutable once returned
// by the enrichment client.
type MetadataRecord struct {
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	Album       string  `json:"album"`
	ReleaseDate string  `json:"releaseDate"`
	ReleaseType string  `json:"releaseType"`
	RecordingID string  `json:"recordingId"`
	Confidence  float64 `json:"confidence"`
}

// TrackStatus is the enrichment state of a track. Transitions are monotonic:
// pending -> enriching -> enriched | failed. Reprocessing resets to pending.
type TrackStatus int

const (
	StatusPending TrackStatus = iota
	StatusEnriching
	StatusEnriched
	StatusFailed
)

func (s TrackStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusEnriching:
		return "enriching"
	case StatusEnriched:
		return "enriched"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Track is the canonical collection unit: one or more playlist entries
// sharing a fingerprint, with at most one metadata record merged in.
type Track struct {
	ID          string          `json:"id"`
	Key         FingerprintKey  `json:"key"`
	Title       string          `json:"title"`
	Artist      string          `json:"artist"`
	Album       string          `json:"album"`
	Year        int             `json:"year,omitempty"`
	ReleaseType string          `json:"releaseType"`
	Status      TrackStatus     `json:"-"`
	StatusName  string          `json:"status"`
	Sources     []PlaylistEntry `json:"sources"`
	Meta        *MetadataRecord `json:"meta,omitempty"`
	Locked      map[string]bool `json:"locked,omitempty"`
	FailReason  string          `json:"failReason,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Track) Clone() Track {
	c := *t
	c.StatusName = t.Status.String()

	c.Sources = make([]PlaylistEntry, len(t.Sources))
	copy(c.Sources, t.Sources)

	if t.Locked != nil {
		c.Locked = make(map[string]bool, len(t.Locked))
		for k, v := range t.Locked {
			c.Locked[k] = v
		}
	}

	if t.Meta != nil {
		meta := *t.Meta
		c.Meta = &meta
	}

	return c
}

// ChangeKind discriminates collection change events.
type ChangeKind int

const (
	// ChangeUpsert signals a track was created or mutated.
	ChangeUpsert ChangeKind = iota
	// ChangeRemove signals a track was removed from the collection.
	ChangeRemove
)

// Change is a collection mutation event published to subscribers. Track is a
// snapshot copy, never a live pointer.
type Change struct {
	Kind  ChangeKind
	Track Track
}

// Progress is an aggregate view of a pipeline run. Readable at any time
// without blocking workers.
type Progress struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Completed reports whether every entry has reached a terminal outcome.
func (p Progress) Completed() bool {
	return p.Total > 0 && p.Processed+p.Failed >= p.Total
}

// ErrNotFound is the terminal enrichment outcome: the provider has no
// acceptable candidate for the entry. Never retried.
var ErrNotFound = fmt.Errorf("no matching metadata found")

// TransientError wraps a retryable enrichment or cache failure (network
// errors, 5xx responses, rate-limit signals, deadline expiry).
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// InvariantViolation indicates corrupted collection state, such as a
// duplicate track per fingerprint or an illegal status transition. It is a
// programming error: fatal to the coordinator, never swallowed.
type InvariantViolation struct {
	Key    FingerprintKey
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("collection invariant violated for %q: %s", e.Key, e.Reason)
}

// Store is the authoritative in-memory collection for one processing session.
// All mutation is serialized inside the store; readers get consistent copies.
type Store interface {
	// Admit records an entry under its fingerprint: the first sighting
	// creates a pending track, later sightings append a source reference.
	// Returns a snapshot of the track and whether it was created.
	Admit(entry PlaylistEntry, key FingerprintKey) (Track, bool, error)
	// Begin claims a pending track for enrichment. Returns false when the
	// track is not pending (another worker claimed it or it is terminal).
	Begin(key FingerprintKey) (bool, error)
	// MergeRecord merges a metadata record into an enriching track.
	MergeRecord(key FingerprintKey, rec *MetadataRecord) error
	// Fail marks a pending or enriching track as failed.
	Fail(key FingerprintKey, reason string) error
	// Override applies a manual edit to a track field and locks the field
	// against future automatic overwrites.
	Override(trackID, field, value string) error
	// Reprocess resets a terminal track to pending for re-enrichment.
	Reprocess(trackID string) (Track, error)
	// Remove deletes a track from the collection.
	Remove(trackID string) error
	Get(trackID string) (Track, bool)
	Snapshot() []Track
	Subscribe() (<-chan Change, func())
	Len() int
}

// CacheGateway fronts the external metadata cache. Best-effort: a slow or
// failing cache degrades to misses, never to errors.
type CacheGateway interface {
	Get(ctx context.Context, key FingerprintKey) (*MetadataRecord, bool)
	Put(ctx context.Context, key FingerprintKey, rec *MetadataRecord)
	Invalidate(ctx context.Context, key FingerprintKey)
	// Fetch looks up key and, on a miss, invokes fill exactly once per key
	// across concurrent callers, writing the result back to the cache.
	// The returned bool reports whether the record came from the cache.
	Fetch(ctx context.Context, key FingerprintKey, fill func(context.Context) (*MetadataRecord, error)) (*MetadataRecord, bool, error)
}

// EnrichmentClient resolves a playlist entry to a normalized metadata record.
// Returns ErrNotFound when no candidate clears the confidence threshold and
// *TransientError (after internal retries are exhausted) on provider trouble.
type EnrichmentClient interface {
	Lookup(ctx context.Context, entry PlaylistEntry) (*MetadataRecord, error)
}
