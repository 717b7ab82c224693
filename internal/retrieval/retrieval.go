// Package retrieval implements C8: embed the query, search the vector
// store, and return a deduplicated, score-ordered, floor-filtered set of
// candidate note references. Grounded on the teacher's internal/rag
// pipeline.go naiveQuery (embed → search), extended with the
// dedupe-by-file_path, sort, and similarity-floor steps the teacher's
// single-strategy naive path doesn't need (§4.7).
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/notekitchen/queryservice/internal/apperrors"
	"github.com/notekitchen/queryservice/internal/config"
	"github.com/notekitchen/queryservice/internal/llmclient"
	"github.com/notekitchen/queryservice/internal/vectorstore"
	"github.com/notekitchen/queryservice/pkg/models"
)

// Stage is C8. It owns no state beyond its collaborators — embedding and
// vector search clients are injected once at construction, the same
// eager-wiring discipline the rest of the pipeline follows.
type Stage struct {
	embeddings llmclient.Client
	store      vectorstore.Store
	settings   *config.Settings
}

// New constructs the retrieval stage.
func New(embeddings llmclient.Client, store vectorstore.Store, settings *config.Settings) *Stage {
	return &Stage{embeddings: embeddings, store: store, settings: settings}
}

// Retrieve runs the five-step algorithm from §4.7: embed the query text,
// search the collection for the configured top-N, deduplicate by
// file_path keeping each file's highest score, sort by descending score
// with file_path as an ascending tiebreaker, then apply the configured
// similarity floor if one is set.
func (s *Stage) Retrieve(ctx context.Context, queryText string) (models.RetrievalResult, error) {
	vectors, err := s.embeddings.Embed(ctx, []string{queryText})
	if err != nil {
		return models.RetrievalResult{}, &apperrors.EmbeddingError{Err: err}
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return models.RetrievalResult{}, &apperrors.EmbeddingError{Err: fmt.Errorf("no embedding returned for query")}
	}
	queryVector := vectors[0]

	topN := s.settings.RetrievalTopN
	if topN <= 0 {
		topN = 5
	}

	matches, err := s.store.Search(ctx, s.settings.CollectionName, queryVector, topN)
	if err != nil {
		return models.RetrievalResult{}, &apperrors.VectorStoreError{Err: err}
	}

	byPath := make(map[string]vectorstore.Match, len(matches))
	for _, m := range matches {
		existing, ok := byPath[m.Point.FilePath]
		if !ok || m.Score > existing.Score {
			byPath[m.Point.FilePath] = m
		}
	}

	deduped := make([]vectorstore.Match, 0, len(byPath))
	for _, m := range byPath {
		deduped = append(deduped, m)
	}

	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].Score != deduped[j].Score {
			return deduped[i].Score > deduped[j].Score
		}
		return deduped[i].Point.FilePath < deduped[j].Point.FilePath
	})

	if s.settings.HasSimilarityFloor {
		filtered := deduped[:0:0]
		for _, m := range deduped {
			if m.Score >= s.settings.SimilarityFloor {
				filtered = append(filtered, m)
			}
		}
		deduped = filtered
	}

	references := make([]models.NoteReference, 0, len(deduped))
	for _, m := range deduped {
		references = append(references, models.NoteReference{
			FilePath:        m.Point.FilePath,
			FileName:        m.Point.FileName,
			ModifiedAt:      unixToTime(m.Point.ModifiedAtUnix),
			SimilarityScore: m.Score,
			SizeBytes:       m.Point.SizeBytes,
		})
	}

	return models.RetrievalResult{
		References:        references,
		QueryEmbeddingDim: len(queryVector),
		CollectionName:    s.settings.CollectionName,
	}, nil
}

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
