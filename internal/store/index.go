// Package store holds the in-memory collection for a processing session and
// the fingerprint index used for duplicate detection.
package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"cataloger/internal/catalog"
)

// KeyIndex is a thread-safe fingerprint membership index. A Bloom filter
// short-circuits the common "never seen" case; the map is authoritative and
// the LRU bounds memory on very large playlists.
type KeyIndex struct {
	keys    map[catalog.FingerprintKey]struct{}
	bloom   *bloom.BloomFilter
	lru     *lru.Cache[catalog.FingerprintKey, struct{}]
	mutex   sync.RWMutex
	maxKeys int
}

// NewKeyIndex creates an index sized for maxKeys fingerprints with the given
// Bloom filter false positive rate.
func NewKeyIndex(maxKeys int, falsePositiveRate float64) *KeyIndex {
	if maxKeys <= 0 {
		panic("maxKeys must be positive")
	}

	lruCache, _ := lru.New[catalog.FingerprintKey, struct{}](maxKeys)

	return &KeyIndex{
		keys:    make(map[catalog.FingerprintKey]struct{}),
		bloom:   bloom.NewWithEstimates(uint(maxKeys), falsePositiveRate),
		lru:     lruCache,
		maxKeys: maxKeys,
	}
}

// Has checks whether a fingerprint is present.
func (ix *KeyIndex) Has(key catalog.FingerprintKey) bool {
	ix.mutex.RLock()
	defer ix.mutex.RUnlock()

	if !ix.bloom.TestString(string(key)) {
		return false
	}

	_, exists := ix.keys[key]
	return exists
}

// Add records a fingerprint.
func (ix *KeyIndex) Add(key catalog.FingerprintKey) {
	ix.mutex.Lock()
	defer ix.mutex.Unlock()

	if _, exists := ix.keys[key]; exists {
		return
	}

	ix.keys[key] = struct{}{}
	ix.bloom.AddString(string(key))
	ix.lru.Add(key, struct{}{})

	if len(ix.keys) > ix.maxKeys {
		ix.evictOldest()
	}
}

// Remove drops a fingerprint. The Bloom filter does not support removal, so
// a removed key may still cost a map lookup on later checks.
func (ix *KeyIndex) Remove(key catalog.FingerprintKey) {
	ix.mutex.Lock()
	defer ix.mutex.Unlock()

	if _, exists := ix.keys[key]; !exists {
		return
	}

	delete(ix.keys, key)
	ix.lru.Remove(key)
}

func (ix *KeyIndex) evictOldest() {
	oldestKey, _, ok := ix.lru.GetOldest()
	if !ok {
		return
	}

	delete(ix.keys, oldestKey)
	ix.lru.Remove(oldestKey)
}
