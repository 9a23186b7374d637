package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cataloger/pkg/fuzzy"
)

// durationBucket is the granularity used when folding durations into the
// fingerprint: re-uploads of the same recording rarely drift more than a few
// seconds, while different recordings usually differ by more.
const durationBucket = 15 * time.Second

var fingerprintNormalizer = fuzzy.NewNormalizer()

// Fingerprint derives the stable identity key for a playlist entry from its
// normalized title, normalized channel, and bucketed duration. Pure and
// deterministic: equal inputs always produce equal keys.
func Fingerprint(entry PlaylistEntry) FingerprintKey {
	title := fingerprintNormalizer.NormalizeTitle(entry.Title)
	channel := fingerprintNormalizer.NormalizeChannel(entry.Channel)
	bucket := int64(entry.Duration / durationBucket)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x1f%s\x1f%d", title, channel, bucket)

	return FingerprintKey(hex.EncodeToString(h.Sum(nil)))
}
