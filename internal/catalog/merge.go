package catalog

import (
	"strconv"

	"github.com/google/uuid"

	"cataloger/pkg/text"
)

// Overridable track fields for manual edits.
const (
	FieldTitle       = "title"
	FieldArtist      = "artist"
	FieldAlbum       = "album"
	FieldYear        = "year"
	FieldReleaseType = "releaseType"
)

// NewTrack builds a pending track from the first entry seen for a
// fingerprint. Title heuristics seed the display fields until a metadata
// record is merged in.
func NewTrack(entry PlaylistEntry, key FingerprintKey) *Track {
	artist, title := text.SplitArtistTitle(entry.Title)
	if artist == "" {
		artist = entry.Channel
	}

	return &Track{
		ID:          uuid.NewString(),
		Key:         key,
		Title:       title,
		Artist:      artist,
		Year:        text.ExtractYear(entry.Title),
		ReleaseType: text.ExtractReleaseType(entry.Title),
		Status:      StatusPending,
		Sources:     []PlaylistEntry{entry},
		Locked:      make(map[string]bool),
	}
}

// AppendSource attaches another playlist entry to an existing track. Entries
// already referenced (same source ID) are ignored.
func AppendSource(t *Track, entry PlaylistEntry) bool {
	for _, s := range t.Sources {
		if s.SourceID == entry.SourceID {
			return false
		}
	}
	t.Sources = append(t.Sources, entry)
	return true
}

// ApplyRecord merges a metadata record into a track. When the track already
// holds a record the higher-confidence one wins; equal confidence keeps the
// earlier record. User-locked fields are never overwritten. Reports whether
// the record was taken.
func ApplyRecord(t *Track, rec *MetadataRecord) bool {
	if rec == nil {
		return false
	}
	if t.Meta != nil && rec.Confidence <= t.Meta.Confidence {
		return false
	}

	t.Meta = rec

	if !t.Locked[FieldTitle] && rec.Title != "" {
		t.Title = rec.Title
	}
	if !t.Locked[FieldArtist] && rec.Artist != "" {
		t.Artist = rec.Artist
	}
	if !t.Locked[FieldAlbum] && rec.Album != "" {
		t.Album = rec.Album
	}
	if !t.Locked[FieldYear] {
		if year := releaseYear(rec.ReleaseDate); year != 0 {
			t.Year = year
		}
	}
	if !t.Locked[FieldReleaseType] && rec.ReleaseType != "" {
		t.ReleaseType = rec.ReleaseType
	}

	return true
}

// OverrideField applies a manual edit and locks the field against future
// automatic overwrites.
func OverrideField(t *Track, field, value string) error {
	switch field {
	case FieldTitle:
		t.Title = value
	case FieldArtist:
		t.Artist = value
	case FieldAlbum:
		t.Album = value
	case FieldYear:
		year, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		t.Year = year
	case FieldReleaseType:
		t.ReleaseType = value
	default:
		return &UnknownFieldError{Field: field}
	}

	t.Locked[field] = true
	return nil
}

// UnknownFieldError is returned for an override on a field that does not
// support manual edits.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return "unknown track field: " + e.Field
}

// releaseYear parses the year prefix of a MusicBrainz release date
// ("2003-07-01", "2003-07", or "2003").
func releaseYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return year
}
