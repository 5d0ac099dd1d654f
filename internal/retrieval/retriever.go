package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/backend/internal/metrics"
	"github.com/docuflow/backend/internal/vector/milvus"
	"github.com/docuflow/backend/pkg/errs"
	"github.com/docuflow/backend/pkg/logger"
	"github.com/docuflow/backend/pkg/utils"
)

// QueryEmbedder embeds a query string.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the nearest-neighbor index.
type VectorSearcher interface {
	Search(ctx context.Context, projectID string, queryEmbedding []float32, topN int, filters map[string]string) ([]milvus.SearchHit, error)
}

// Visibility reports which documents have finished ingestion. Chunks of a
// document that is not indexed are never surfaced.
type Visibility interface {
	IndexedDocuments(ctx context.Context, ids []string) (map[string]bool, error)
}

// EmbeddingCache is optional; nil never hits.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, contentHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, contentHash string, embedding []float32) error
}

// RetrievedItem is ephemeral: it lives for the duration of one retrieval
// call and is never persisted.
type RetrievedItem struct {
	ChunkID     string
	DocumentID  string
	Ordinal     int
	Text        string
	Score       float64
	VectorScore float64
	VectorRank  int
	SourceTag   string
}

type Config struct {
	CandidateMultiplier int
	MinLexicalPool      int
	VectorWeight        float64
	LexicalWeight       float64
	DiversityThreshold  float64
}

// Retriever runs the four retrieval stages: vector search, lexical
// re-filter, rerank, diversity pruning.
type Retriever struct {
	embedder   QueryEmbedder
	searcher   VectorSearcher
	visibility Visibility
	cache      EmbeddingCache
	cfg        Config
}

func NewRetriever(embedder QueryEmbedder, searcher VectorSearcher, visibility Visibility, cache EmbeddingCache, cfg Config) *Retriever {
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = 4
	}
	if cfg.MinLexicalPool <= 0 {
		cfg.MinLexicalPool = 3
	}
	if cfg.VectorWeight == 0 && cfg.LexicalWeight == 0 {
		cfg.VectorWeight = 0.7
		cfg.LexicalWeight = 0.3
	}
	if cfg.DiversityThreshold <= 0 {
		cfg.DiversityThreshold = 0.85
	}
	return &Retriever{
		embedder:   embedder,
		searcher:   searcher,
		visibility: visibility,
		cache:      cache,
		cfg:        cfg,
	}
}

// Retrieve returns up to topK items for the query, scoped to the project.
// An unreachable index fails the call immediately; partial or stale results
// are never returned silently.
func (r *Retriever) Retrieve(ctx context.Context, projectID, query string, filters map[string]string, topK int) ([]RetrievedItem, error) {
	if projectID == "" {
		return nil, errs.Validation("project id is required")
	}
	if query == "" {
		return nil, errs.Validation("query is required")
	}
	if topK <= 0 {
		return nil, errs.Validation("topK must be positive")
	}

	start := time.Now()

	candidates, err := r.vectorStage(ctx, projectID, query, filters, topK)
	if err != nil {
		return nil, err
	}
	vectorCount := len(candidates)

	candidates = r.lexicalStage(query, candidates)
	lexicalCount := len(candidates)

	r.rerankStage(query, candidates)

	selected := r.diversityStage(candidates, topK)

	logger.Debug("Retrieval completed",
		zap.String("project_id", projectID),
		zap.Int("vector_candidates", vectorCount),
		zap.Int("after_lexical", lexicalCount),
		zap.Int("selected", len(selected)),
		zap.Duration("elapsed", time.Since(start)),
	)
	metrics.RetrievalDuration.Observe(time.Since(start).Seconds())

	return selected, nil
}

// vectorStage embeds the query and fetches top-N candidates, N > topK so the
// later stages have room to prune. Candidates from documents that have not
// finished ingestion are dropped here.
func (r *Retriever) vectorStage(ctx context.Context, projectID, query string, filters map[string]string, topK int) ([]RetrievedItem, error) {
	embedding, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	topN := topK * r.cfg.CandidateMultiplier
	hits, err := r.searcher.Search(ctx, projectID, embedding, topN, filters)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	docIDs := make([]string, 0, len(hits))
	seen := make(map[string]bool)
	for _, hit := range hits {
		if !seen[hit.DocumentID] {
			seen[hit.DocumentID] = true
			docIDs = append(docIDs, hit.DocumentID)
		}
	}

	indexed, err := r.visibility.IndexedDocuments(ctx, docIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document visibility: %w", err)
	}

	items := make([]RetrievedItem, 0, len(hits))
	for i, hit := range hits {
		if !indexed[hit.DocumentID] {
			continue
		}
		items = append(items, RetrievedItem{
			ChunkID:     hit.ChunkID,
			DocumentID:  hit.DocumentID,
			Ordinal:     hit.Ordinal,
			Text:        hit.Text,
			VectorScore: normalizeCosine(float64(hit.Score)),
			VectorRank:  i,
			SourceTag:   "vector",
		})
	}
	return items, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	hash := utils.HashContent(query)
	if r.cache != nil {
		if vector, ok, err := r.cache.GetEmbedding(ctx, hash); err == nil && ok {
			return vector, nil
		}
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.SetEmbedding(ctx, hash, embedding); err != nil {
			logger.Debug("Failed to cache query embedding", zap.Error(err))
		}
	}
	return embedding, nil
}

// lexicalStage drops candidates sharing no term with the expanded query.
// When the surviving pool would fall below the floor the stage is skipped
// entirely: with a small candidate pool, recall wins over precision.
func (r *Retriever) lexicalStage(query string, candidates []RetrievedItem) []RetrievedItem {
	if len(candidates) == 0 {
		return candidates
	}

	queryTerms := expandTerms(query)

	kept := make([]RetrievedItem, 0, len(candidates))
	for _, item := range candidates {
		if overlapRatio(queryTerms, item.Text) > 0 {
			kept = append(kept, item)
		}
	}

	if len(kept) < r.cfg.MinLexicalPool {
		return candidates
	}
	return kept
}

// rerankStage assigns the final relevance score and sorts descending.
// The sort is stable and candidates enter in vector-rank order, so ties
// keep their original vector-similarity rank.
func (r *Retriever) rerankStage(query string, candidates []RetrievedItem) {
	queryTerms := expandTerms(query)

	for i := range candidates {
		lexical := overlapRatio(queryTerms, candidates[i].Text)
		candidates[i].Score = r.cfg.VectorWeight*candidates[i].VectorScore + r.cfg.LexicalWeight*lexical
		candidates[i].SourceTag = "rerank"
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
}

// diversityStage greedily selects from the reranked list, skipping any
// candidate too textually similar to one already chosen.
func (r *Retriever) diversityStage(candidates []RetrievedItem, topK int) []RetrievedItem {
	selected := make([]RetrievedItem, 0, topK)

	for _, candidate := range candidates {
		if len(selected) >= topK {
			break
		}

		redundant := false
		for _, chosen := range selected {
			if jaccardSimilarity(candidate.Text, chosen.Text) > r.cfg.DiversityThreshold {
				redundant = true
				break
			}
		}
		if redundant {
			continue
		}
		selected = append(selected, candidate)
	}

	return selected
}

// Cosine similarity lands in [-1, 1]; scores are normalized to [0, 1] before
// they are mixed with lexical overlap.
func normalizeCosine(score float64) float64 {
	normalized := (score + 1) / 2
	if normalized < 0 {
		return 0
	}
	if normalized > 1 {
		return 1
	}
	return normalized
}
