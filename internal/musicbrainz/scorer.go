package musicbrainz

import (
	"cataloger/internal/catalog"
	"cataloger/pkg/fuzzy"
)

// Score weights. Title similarity dominates, artist similarity and duration
// proximity break ties, and the provider's own relevance score damps
// low-relevance hits.
const (
	titleWeight    = 0.5
	artistWeight   = 0.3
	durationWeight = 0.2
)

// SimilarityScorer is the default Scorer: normalized LCS similarity on title
// and artist, blended with duration tolerance and the provider score.
type SimilarityScorer struct {
	normalizer *fuzzy.Normalizer
}

func NewSimilarityScorer() *SimilarityScorer {
	return &SimilarityScorer{normalizer: fuzzy.NewNormalizer()}
}

func (s *SimilarityScorer) Score(entry catalog.PlaylistEntry, cand Candidate) float64 {
	entryTitle := s.normalizer.NormalizeTitle(entry.Title)
	candTitle := s.normalizer.NormalizeTitle(cand.Title)
	titleSim := s.normalizer.Similarity(entryTitle, candTitle)

	entryArtist := s.normalizer.NormalizeChannel(entry.Channel)
	candArtist := s.normalizer.NormalizeChannel(cand.Artist)
	artistSim := s.normalizer.Similarity(entryArtist, candArtist)

	durationSim := s.normalizer.DurationTolerance(entry.Duration, cand.Duration)

	similarity := titleWeight*titleSim + artistWeight*artistSim + durationWeight*durationSim

	provider := float64(cand.ProviderScore) / 100.0
	if provider <= 0 || provider > 1 {
		provider = 1.0
	}

	// Half-weight the provider score so a perfect local match with a weak
	// provider score still clears a moderate threshold.
	return similarity * (0.5 + 0.5*provider)
}
