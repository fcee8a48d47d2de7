package agent

import (
	"fmt"
	"strings"

	"github.com/kelindar/search"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/pkg/embedding"
	"github.com/helpdeskops/triage/pkg/types"
)

// minRelevance is the score below which a catalog match is discarded.
const minRelevance = 0.55

// SemanticIndex proposes catalog runbooks for issues the agent could not
// map. It is an optional fallback, built only when an embedding model is
// configured.
type SemanticIndex struct {
	log      logrus.FieldLogger
	embedder *embedding.Embedder
	index    *search.Index[int]
	entries  []types.CatalogEntry
}

// NewSemanticIndex embeds the catalog entries and builds a search index.
func NewSemanticIndex(log logrus.FieldLogger, embedder *embedding.Embedder, entries []types.CatalogEntry) (*SemanticIndex, error) {
	log = log.WithField("component", "semantic_index")

	index := search.NewIndex[int]()

	for i, entry := range entries {
		vec, err := embedder.Embed(entrySearchText(entry))
		if err != nil {
			return nil, fmt.Errorf("embedding catalog entry %q: %w", entry.Name, err)
		}

		index.Add(vec, i)
	}

	log.WithField("entry_count", len(entries)).Info("Semantic catalog index built")

	return &SemanticIndex{
		log:      log,
		embedder: embedder,
		index:    index,
		entries:  entries,
	}, nil
}

// Nearest returns the best-matching catalog runbook name for an issue, or ""
// when nothing scores above the relevance floor.
func (s *SemanticIndex) Nearest(issue string) string {
	vec, err := s.embedder.Embed(issue)
	if err != nil {
		s.log.WithError(err).Warn("Failed to embed issue text")
		return ""
	}

	matches := s.index.Search(vec, 1)
	if len(matches) == 0 || matches[0].Relevance < minRelevance {
		return ""
	}

	return s.entries[matches[0].Value].Name
}

// Search returns the top-k catalog entries for a query with their scores.
func (s *SemanticIndex) Search(query string, limit int) ([]CatalogMatch, error) {
	vec, err := s.embedder.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches := s.index.Search(vec, limit)

	results := make([]CatalogMatch, 0, len(matches))
	for _, match := range matches {
		results = append(results, CatalogMatch{
			Entry: s.entries[match.Value],
			Score: match.Relevance,
		})
	}

	return results, nil
}

// CatalogMatch pairs a catalog entry with its similarity score.
type CatalogMatch struct {
	Entry types.CatalogEntry `json:"entry"`
	Score float64            `json:"similarity_score"`
}

// entrySearchText builds the text embedded for a catalog entry: name,
// description, tags, and target systems.
func entrySearchText(entry types.CatalogEntry) string {
	parts := []string{
		entry.Name,
		entry.Description,
		strings.Join(entry.Tags, " "),
		strings.Join(entry.Systems, " "),
	}

	return strings.Join(parts, ". ")
}
