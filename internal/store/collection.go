package store

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"cataloger/internal/catalog"
)

const (
	defaultIndexCapacity = 100000
	bloomFalsePositive   = 0.001
	subscriberBuffer     = 256
)

// Collection is the authoritative in-memory state of one catalog session.
// Every mutation funnels through apply under a single mutex, which serializes
// merges per fingerprint and keeps readers from ever observing a
// partially-merged track. Implements catalog.Store.
type Collection struct {
	mutex  sync.RWMutex
	tracks []*catalog.Track // insertion order, preserved for export
	byKey  map[catalog.FingerprintKey]*catalog.Track
	byID   map[string]*catalog.Track
	index  *KeyIndex
	logger *zap.Logger

	subMutex sync.Mutex
	subs     map[int]chan catalog.Change
	nextSub  int
	dropped  int
}

// NewCollection creates an empty collection.
func NewCollection(logger *zap.Logger) *Collection {
	return &Collection{
		byKey:  make(map[catalog.FingerprintKey]*catalog.Track),
		byID:   make(map[string]*catalog.Track),
		index:  NewKeyIndex(defaultIndexCapacity, bloomFalsePositive),
		logger: logger,
		subs:   make(map[int]chan catalog.Change),
	}
}

// Admit records an entry under its fingerprint key.
func (c *Collection) Admit(entry catalog.PlaylistEntry, key catalog.FingerprintKey) (catalog.Track, bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if existing, ok := c.byKey[key]; ok {
		if catalog.AppendSource(existing, entry) {
			c.publish(catalog.Change{Kind: catalog.ChangeUpsert, Track: existing.Clone()})
		}
		return existing.Clone(), false, nil
	}

	if c.index.Has(key) {
		// Index and map disagree: state is corrupt.
		return catalog.Track{}, false, &catalog.InvariantViolation{
			Key:    key,
			Reason: "fingerprint indexed but track missing",
		}
	}

	track := catalog.NewTrack(entry, key)
	c.tracks = append(c.tracks, track)
	c.byKey[key] = track
	c.byID[track.ID] = track
	c.index.Add(key)

	c.publish(catalog.Change{Kind: catalog.ChangeUpsert, Track: track.Clone()})
	return track.Clone(), true, nil
}

// Begin claims a pending track for enrichment.
func (c *Collection) Begin(key catalog.FingerprintKey) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	track, ok := c.byKey[key]
	if !ok {
		return false, &catalog.InvariantViolation{Key: key, Reason: "begin on unknown track"}
	}

	if track.Status != catalog.StatusPending {
		return false, nil
	}

	track.Status = catalog.StatusEnriching
	c.publish(catalog.Change{Kind: catalog.ChangeUpsert, Track: track.Clone()})
	return true, nil
}

// MergeRecord merges a metadata record into an enriching track and marks it
// enriched. The merge is atomic from a reader's perspective.
func (c *Collection) MergeRecord(key catalog.FingerprintKey, rec *catalog.MetadataRecord) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	track, ok := c.byKey[key]
	if !ok {
		return &catalog.InvariantViolation{Key: key, Reason: "merge on unknown track"}
	}

	if track.Status != catalog.StatusEnriching {
		return &catalog.InvariantViolation{
			Key:    key,
			Reason: fmt.Sprintf("merge in status %s", track.Status),
		}
	}

	catalog.ApplyRecord(track, rec)
	track.Status = catalog.StatusEnriched
	track.FailReason = ""

	c.publish(catalog.Change{Kind: catalog.ChangeUpsert, Track: track.Clone()})
	return nil
}

// Fail marks a pending or enriching track as failed.
func (c *Collection) Fail(key catalog.FingerprintKey, reason string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	track, ok := c.byKey[key]
	if !ok {
		return &catalog.InvariantViolation{Key: key, Reason: "fail on unknown track"}
	}

	if track.Status != catalog.StatusPending && track.Status != catalog.StatusEnriching {
		return &catalog.InvariantViolation{
			Key:    key,
			Reason: fmt.Sprintf("fail in status %s", track.Status),
		}
	}

	track.Status = catalog.StatusFailed
	track.FailReason = reason

	c.publish(catalog.Change{Kind: catalog.ChangeUpsert, Track: track.Clone()})
	return nil
}

// Override applies a manual edit, locking the field against automatic
// overwrites.
func (c *Collection) Override(trackID, field, value string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	track, ok := c.byID[trackID]
	if !ok {
		return fmt.Errorf("track %s not found", trackID)
	}

	if err := catalog.OverrideField(track, field, value); err != nil {
		return err
	}

	c.publish(catalog.Change{Kind: catalog.ChangeUpsert, Track: track.Clone()})
	return nil
}

// Reprocess resets a terminal track to pending. The caller is responsible
// for invalidating the cache entry and re-running enrichment.
func (c *Collection) Reprocess(trackID string) (catalog.Track, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	track, ok := c.byID[trackID]
	if !ok {
		return catalog.Track{}, fmt.Errorf("track %s not found", trackID)
	}

	if track.Status == catalog.StatusEnriching {
		return catalog.Track{}, fmt.Errorf("track %s is being enriched", trackID)
	}

	track.Status = catalog.StatusPending
	track.FailReason = ""

	c.publish(catalog.Change{Kind: catalog.ChangeUpsert, Track: track.Clone()})
	return track.Clone(), nil
}

// Remove deletes a track from the collection.
func (c *Collection) Remove(trackID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	track, ok := c.byID[trackID]
	if !ok {
		return fmt.Errorf("track %s not found", trackID)
	}

	for i, t := range c.tracks {
		if t.ID == trackID {
			c.tracks = append(c.tracks[:i], c.tracks[i+1:]...)
			break
		}
	}
	delete(c.byID, trackID)
	delete(c.byKey, track.Key)
	c.index.Remove(track.Key)

	c.publish(catalog.Change{Kind: catalog.ChangeRemove, Track: track.Clone()})
	return nil
}

// Get returns a snapshot of a single track by ID.
func (c *Collection) Get(trackID string) (catalog.Track, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	track, ok := c.byID[trackID]
	if !ok {
		return catalog.Track{}, false
	}
	return track.Clone(), true
}

// Snapshot returns a consistent point-in-time copy of the collection in
// insertion order.
func (c *Collection) Snapshot() []catalog.Track {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]catalog.Track, 0, len(c.tracks))
	for _, t := range c.tracks {
		out = append(out, t.Clone())
	}
	return out
}

// Len returns the number of tracks in the collection.
func (c *Collection) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.tracks)
}

// Subscribe registers a change stream. The returned cancel function must be
// called to release the subscription. Slow subscribers lose events rather
// than blocking writers.
func (c *Collection) Subscribe() (<-chan catalog.Change, func()) {
	c.subMutex.Lock()
	defer c.subMutex.Unlock()

	id := c.nextSub
	c.nextSub++

	ch := make(chan catalog.Change, subscriberBuffer)
	c.subs[id] = ch

	cancel := func() {
		c.subMutex.Lock()
		defer c.subMutex.Unlock()

		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

func (c *Collection) publish(change catalog.Change) {
	c.subMutex.Lock()
	defer c.subMutex.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
			c.dropped++
			if c.dropped%100 == 1 {
				c.logger.Warn("Dropping change events for slow subscriber",
					zap.Int("dropped", c.dropped))
			}
		}
	}
}
