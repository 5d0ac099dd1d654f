package milvus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/docuflow/backend/pkg/errs"
	"github.com/docuflow/backend/pkg/logger"
)

// Client stores chunk vectors. project_id is a mandatory filter field on
// every search; a query without a project scope never reaches the index.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	timeout        time.Duration
}

type ChunkVector struct {
	ChunkID    string
	DocumentID string
	ProjectID  string
	Ordinal    int
	Text       string
	Section    string
	Embedding  []float32
}

type SearchHit struct {
	ChunkID    string
	DocumentID string
	Ordinal    int
	Text       string
	Section    string
	Score      float32
}

func NewClient(endpoint, collectionName string, vectorDim, timeoutSec int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		timeout:        time.Duration(timeoutSec) * time.Second,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:       "text",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "8192"},
			},
			{
				Name:       "document_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "project_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "section",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:     "ordinal",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

func (m *Client) Insert(ctx context.Context, vectors []ChunkVector) error {
	if len(vectors) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	chunkIDs := make([]string, len(vectors))
	embeddings := make([][]float32, len(vectors))
	texts := make([]string, len(vectors))
	documentIDs := make([]string, len(vectors))
	projectIDs := make([]string, len(vectors))
	sections := make([]string, len(vectors))
	ordinals := make([]int64, len(vectors))

	for i, v := range vectors {
		chunkIDs[i] = v.ChunkID
		embeddings[i] = v.Embedding
		texts[i] = v.Text
		documentIDs[i] = v.DocumentID
		projectIDs[i] = v.ProjectID
		sections[i] = v.Section
		ordinals[i] = int64(v.Ordinal)
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnVarChar("project_id", projectIDs),
		entity.NewColumnVarChar("section", sections),
		entity.NewColumnInt64("ordinal", ordinals),
	)
	if err != nil {
		return errs.Transient(errs.StageIndex, fmt.Errorf("failed to insert chunk vectors: %w", err))
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return errs.Transient(errs.StageIndex, fmt.Errorf("failed to flush: %w", err))
	}

	logger.Debug("Chunk vectors inserted", zap.Int("count", len(vectors)))
	return nil
}

// DeleteByDocument removes a document's vectors ahead of re-ingestion.
func (m *Client) DeleteByDocument(ctx context.Context, projectID, documentID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	expr := fmt.Sprintf(`project_id == %s && document_id == %s`,
		strconv.Quote(projectID), strconv.Quote(documentID))
	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return errs.Transient(errs.StageIndex, fmt.Errorf("failed to delete document vectors: %w", err))
	}
	return nil
}

// Search returns the nearest chunks by cosine similarity, always scoped to a
// project. Failure is surfaced immediately, never partial or stale results.
func (m *Client) Search(ctx context.Context, projectID string, queryEmbedding []float32, topN int, filters map[string]string) ([]SearchHit, error) {
	if projectID == "" {
		return nil, errs.Validation("project scope is required for vector search")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	expr := fmt.Sprintf(`project_id == %s`, strconv.Quote(projectID))
	if section, ok := filters["section"]; ok && section != "" {
		expr += fmt.Sprintf(` && section == %s`, strconv.Quote(section))
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"chunk_id", "document_id", "text", "section", "ordinal"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.COSINE,
		topN,
		sp,
	)
	if err != nil {
		return nil, errs.Transient(errs.StageIndex, fmt.Errorf("vector search failed: %w", err))
	}

	var hits []SearchHit
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		documentIDCol := sr.Fields.GetColumn("document_id")
		textCol := sr.Fields.GetColumn("text")
		sectionCol := sr.Fields.GetColumn("section")
		ordinalCol := sr.Fields.GetColumn("ordinal")

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.Get(i)
			documentID, _ := documentIDCol.Get(i)
			text, _ := textCol.Get(i)
			section, _ := sectionCol.Get(i)
			ordinal, _ := ordinalCol.Get(i)

			hits = append(hits, SearchHit{
				ChunkID:    chunkID.(string),
				DocumentID: documentID.(string),
				Text:       text.(string),
				Section:    section.(string),
				Ordinal:    int(ordinal.(int64)),
				Score:      sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("project_id", projectID),
		zap.Int("topN", topN),
		zap.Int("hits", len(hits)),
	)

	return hits, nil
}
