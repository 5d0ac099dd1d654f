package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docuflow/backend/internal/metrics"
	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/internal/vector/milvus"
	"github.com/docuflow/backend/pkg/errs"
	"github.com/docuflow/backend/pkg/logger"
	"github.com/docuflow/backend/pkg/utils"
)

// Embedder is the embedding provider capability.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the chunk vector index.
type VectorStore interface {
	Insert(ctx context.Context, vectors []milvus.ChunkVector) error
	DeleteByDocument(ctx context.Context, projectID, documentID string) error
}

// EmbeddingCache is optional; a nil implementation never hits.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, contentHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, contentHash string, embedding []float32) error
}

// Store is the slice of the document database the pipeline mutates.
type Store interface {
	UpdateDocumentStatus(ctx context.Context, id, status string) error
	MarkDocumentFailed(ctx context.Context, id, failedStage, errorMsg string) error
	ReplaceChunks(ctx context.Context, documentID, contentHash string, chunks []models.Chunk) error
}

type Config struct {
	EmbedBatchSize   int
	EmbedParallelism int
}

// Pipeline runs extraction, chunking, embedding, and indexing for one
// document. Stages are strictly ordered per document; independent documents
// may be ingested concurrently. A failure marks the document failed with the
// failing stage and leaves sibling documents untouched.
type Pipeline struct {
	store    Store
	vectors  VectorStore
	embedder Embedder
	cache    EmbeddingCache
	chunker  *Chunker
	cfg      Config
}

func NewPipeline(store Store, vectors VectorStore, embedder Embedder, cache EmbeddingCache, chunker *Chunker, cfg Config) *Pipeline {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 64
	}
	if cfg.EmbedParallelism <= 0 {
		cfg.EmbedParallelism = 1
	}
	return &Pipeline{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		cache:    cache,
		chunker:  chunker,
		cfg:      cfg,
	}
}

// Ingest processes one document's raw bytes end to end. On success the
// document is indexed with its chunk count set atomically with chunk
// insertion; until then none of its chunks are visible to retrieval.
func (p *Pipeline) Ingest(ctx context.Context, doc *models.Document, raw []byte, contentType string) error {
	start := time.Now()

	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, models.DocumentParsing); err != nil {
		return fmt.Errorf("failed to mark document parsing: %w", err)
	}

	if err := p.run(ctx, doc, raw, contentType); err != nil {
		stage := string(errs.StageOf(err))
		if stage == "" {
			stage = string(errs.StagePersist)
		}
		if markErr := p.store.MarkDocumentFailed(ctx, doc.ID, stage, err.Error()); markErr != nil {
			logger.Error("Failed to record document failure", zap.Error(markErr))
		}
		logger.Warn("Document ingestion failed",
			zap.String("document_id", doc.ID),
			zap.String("stage", stage),
			zap.Error(err),
		)
		metrics.DocumentsFailed.Inc()
		return err
	}

	logger.Info("Document ingested",
		zap.String("document_id", doc.ID),
		zap.String("project_id", doc.ProjectID),
		zap.Duration("elapsed", time.Since(start)),
	)
	metrics.DocumentsIndexed.Inc()
	return nil
}

func (p *Pipeline) run(ctx context.Context, doc *models.Document, raw []byte, contentType string) error {
	text, err := p.extract(raw, contentType)
	if err != nil {
		return err
	}

	pieces, err := p.chunker.Split(text)
	if err != nil {
		return errs.Content(errs.StageChunk, err)
	}
	if len(pieces) == 0 {
		return errs.Content(errs.StageChunk, fmt.Errorf("document produced no chunks"))
	}

	embeddings, err := p.embed(ctx, pieces)
	if err != nil {
		return err
	}

	// Re-ingestion: stale vectors must go before the new set lands.
	if err := p.vectors.DeleteByDocument(ctx, doc.ProjectID, doc.ID); err != nil {
		return err
	}

	now := time.Now()
	chunks := make([]models.Chunk, len(pieces))
	vectors := make([]milvus.ChunkVector, len(pieces))
	for i, piece := range pieces {
		chunkID := fmt.Sprintf("%s:%d", doc.ID, piece.Ordinal)
		chunks[i] = models.Chunk{
			ID:         chunkID,
			DocumentID: doc.ID,
			ProjectID:  doc.ProjectID,
			Ordinal:    piece.Ordinal,
			Text:       piece.Text,
			TokenCount: piece.TokenCount,
			CreatedAt:  now,
		}
		vectors[i] = milvus.ChunkVector{
			ChunkID:    chunkID,
			DocumentID: doc.ID,
			ProjectID:  doc.ProjectID,
			Ordinal:    piece.Ordinal,
			Text:       piece.Text,
			Embedding:  embeddings[i],
		}
	}

	if err := p.vectors.Insert(ctx, vectors); err != nil {
		return err
	}

	contentHash := utils.HashContent(text)
	if err := p.store.ReplaceChunks(ctx, doc.ID, contentHash, chunks); err != nil {
		return fmt.Errorf("failed to persist chunks: %w", err)
	}

	metrics.ChunksIndexed.Add(float64(len(chunks)))
	return nil
}

func (p *Pipeline) extract(raw []byte, contentType string) (string, error) {
	content := string(raw)

	if strings.Contains(contentType, "html") || looksLikeHTML(content) {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
		if err != nil {
			return "", errs.Content(errs.StageExtract, fmt.Errorf("failed to parse HTML: %w", err))
		}

		doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
			s.Remove()
		})
		content = doc.Find("body").Text()
		if strings.TrimSpace(content) == "" {
			content = doc.Text()
		}
	}

	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return "", errs.Content(errs.StageExtract, fmt.Errorf("no text extracted from document"))
	}

	return content, nil
}

func looksLikeHTML(content string) bool {
	head := strings.ToLower(content)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// embed runs batched embedding calls with bounded internal parallelism.
// Ordinals follow slice positions, so concurrent batches can never reorder
// chunks. A failed batch degrades to per-item calls before the document as a
// whole is failed.
func (p *Pipeline) embed(ctx context.Context, pieces []Piece) ([][]float32, error) {
	embeddings := make([][]float32, len(pieces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EmbedParallelism)

	for start := 0; start < len(pieces); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		start, end := start, end

		g.Go(func() error {
			return p.embedBatch(gctx, pieces[start:end], embeddings[start:end])
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return embeddings, nil
}

func (p *Pipeline) embedBatch(ctx context.Context, pieces []Piece, out [][]float32) error {
	texts := make([]string, len(pieces))
	hashes := make([]string, len(pieces))
	missing := make([]int, 0, len(pieces))

	for i, piece := range pieces {
		texts[i] = piece.Text
		hashes[i] = utils.HashContent(piece.Text)

		if p.cache != nil {
			if vector, ok, err := p.cache.GetEmbedding(ctx, hashes[i]); err == nil && ok {
				out[i] = vector
				continue
			}
		}
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		return nil
	}

	missingTexts := make([]string, len(missing))
	for i, idx := range missing {
		missingTexts[i] = texts[idx]
	}

	vectors, err := p.embedder.EmbedBatch(ctx, missingTexts)
	if err != nil {
		// Batch-partial failure degrades to per-item calls so one bad item
		// cannot sink the whole batch silently.
		logger.Warn("Batch embedding failed, degrading to per-item calls", zap.Error(err))
		for i, idx := range missing {
			single, itemErr := p.embedder.EmbedBatch(ctx, []string{missingTexts[i]})
			if itemErr != nil {
				return itemErr
			}
			out[idx] = single[0]
			p.cacheEmbedding(ctx, hashes[idx], single[0])
		}
		return nil
	}

	for i, idx := range missing {
		out[idx] = vectors[i]
		p.cacheEmbedding(ctx, hashes[idx], vectors[i])
	}
	return nil
}

func (p *Pipeline) cacheEmbedding(ctx context.Context, hash string, vector []float32) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetEmbedding(ctx, hash, vector); err != nil {
		logger.Debug("Failed to cache embedding", zap.Error(err))
	}
}
