// Package fuzzy provides text normalization and similarity scoring for
// matching playlist entry titles against metadata provider candidates.
package fuzzy

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	decorationRegex = regexp.MustCompile(`(?i)\s*[\(\[]\s*(official\s+(music\s+)?(video|audio|visualizer)|official|lyric\s+video|lyrics|visualizer|audio|video|full\s+album|full\s+ep|hd|hq|4k|1080p|720p|live)\s*[\)\]]\s*`)
	featRegex       = regexp.MustCompile(`(?i)\s*[\(\[]?\s*(?:feat\.?|ft\.?|featuring)\s+[^\)\]]*[\)\]]?\s*`)
	versionRegex    = regexp.MustCompile(`(?i)\s*[\(\[][^\)\]]*\b(remaster(ed)?|deluxe|extended|radio edit|clean|explicit|mono|stereo)\b[^\)\]]*[\)\]]\s*`)
	topicRegex      = regexp.MustCompile(`(?i)\s*-\s*topic\s*$`)
	punctRegex      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	spaceRegex      = regexp.MustCompile(`\s+`)
)

// Normalizer collapses near-duplicate titles and channels to a canonical form
// and scores candidate matches. Safe for concurrent use.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NormalizeTitle strips uploader decorations ("(Official Video)", "[HD]",
// feat credits, remaster tags) and folds the remainder.
func (n *Normalizer) NormalizeTitle(title string) string {
	title = decorationRegex.ReplaceAllString(title, " ")
	title = featRegex.ReplaceAllString(title, " ")
	title = versionRegex.ReplaceAllString(title, " ")
	return n.fold(title)
}

// NormalizeChannel folds a channel or artist name. YouTube auto-generated
// artist channels carry a " - Topic" suffix which is dropped, and "&" is
// canonicalized to "and" before folding.
func (n *Normalizer) NormalizeChannel(channel string) string {
	channel = topicRegex.ReplaceAllString(channel, "")
	channel = strings.ReplaceAll(channel, " & ", " and ")
	return n.fold(channel)
}

func (n *Normalizer) fold(text string) string {
	text = norm.NFKD.String(text)

	var b strings.Builder
	for _, r := range text {
		if !unicode.IsMark(r) {
			b.WriteRune(r)
		}
	}
	text = b.String()

	text = punctRegex.ReplaceAllString(text, " ")
	text = spaceRegex.ReplaceAllString(text, " ")

	return strings.TrimSpace(strings.ToLower(text))
}

// Similarity returns a score in [0,1] based on the longest common subsequence
// of the two strings relative to the longer one.
func (n *Normalizer) Similarity(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}
	return float64(lcs(s1, s2)) / float64(max(len(s1), len(s2)))
}

func lcs(s1, s2 string) int {
	m, l := len(s1), len(s2)
	prev := make([]int, l+1)
	cur := make([]int, l+1)

	for i := 1; i <= m; i++ {
		for j := 1; j <= l; j++ {
			if s1[i-1] == s2[j-1] {
				cur[j] = prev[j-1] + 1
			} else {
				cur[j] = max(prev[j], cur[j-1])
			}
		}
		prev, cur = cur, prev
	}

	return prev[l]
}

// DurationTolerance scores how close two track durations are. Within 30s is a
// perfect match, beyond 2min is no match, linear in between. Zero durations
// are treated as unknown and score neutral.
func (n *Normalizer) DurationTolerance(d1, d2 time.Duration) float64 {
	if d1 == 0 || d2 == 0 {
		return 0.5
	}

	diff := d1 - d2
	if diff < 0 {
		diff = -diff
	}

	tolerance := 30 * time.Second
	if diff <= tolerance {
		return 1.0
	}

	maxDiff := 2 * time.Minute
	if diff >= maxDiff {
		return 0.0
	}

	return 1.0 - float64(diff-tolerance)/float64(maxDiff-tolerance)
}
