// Package text provides title heuristics and playlist URL parsing for raw
// playlist entries.
package text

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidPlaylistURL is returned when a URL carries no playlist ID.
var ErrInvalidPlaylistURL = errors.New("invalid playlist URL")

var (
	playlistIDRegex = regexp.MustCompile(`list=([a-zA-Z0-9_-]+)`)
	yearRegex       = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	albumRegex      = regexp.MustCompile(`(?i)\b(?:Album|LP)\b`)
	epRegex         = regexp.MustCompile(`(?i)\bEP\b`)
	singleRegex     = regexp.MustCompile(`(?i)\bSingle\b`)
)

// Release type labels guessed from raw titles.
const (
	TypeAlbum   = "Album"
	TypeEP      = "EP"
	TypeSingle  = "Single"
	TypeUnknown = "Unknown"
)

// Placeholder titles YouTube substitutes for unavailable entries.
var placeholderTitles = map[string]bool{
	"Deleted video": true,
	"Private video": true,
}

// ExtractPlaylistID pulls the playlist ID out of a YouTube playlist URL.
func ExtractPlaylistID(rawURL string) (string, error) {
	m := playlistIDRegex.FindStringSubmatch(rawURL)
	if m == nil {
		return "", ErrInvalidPlaylistURL
	}
	return m[1], nil
}

// ExtractYear guesses a release year embedded in a raw title. Returns 0 when
// no plausible year (1900..2024) is present.
func ExtractYear(title string) int {
	m := yearRegex.FindString(title)
	if m == "" {
		return 0
	}

	year, err := strconv.Atoi(m)
	if err != nil || year < 1900 || year > 2024 {
		return 0
	}
	return year
}

// ExtractReleaseType guesses the release type from markers in a raw title.
func ExtractReleaseType(title string) string {
	switch {
	case albumRegex.MatchString(title):
		return TypeAlbum
	case epRegex.MatchString(title):
		return TypeEP
	case singleRegex.MatchString(title):
		return TypeSingle
	default:
		return TypeUnknown
	}
}

// IsPlaceholder reports whether a title is a YouTube placeholder for a
// deleted or private video.
func IsPlaceholder(title string) bool {
	return placeholderTitles[strings.TrimSpace(title)]
}

// SplitArtistTitle splits a conventional "Artist - Title" upload name. When
// no separator is present the whole string is returned as title.
func SplitArtistTitle(raw string) (artist, title string) {
	for _, sep := range []string{" - ", " – ", " — "} {
		if idx := strings.Index(raw, sep); idx > 0 {
			return strings.TrimSpace(raw[:idx]), strings.TrimSpace(raw[idx+len(sep):])
		}
	}
	return "", strings.TrimSpace(raw)
}
