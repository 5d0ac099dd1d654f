package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/internal/vector/milvus"
	"github.com/docuflow/backend/pkg/errs"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2}
	}
	return vectors, nil
}

type fakeVectorStore struct {
	mu        sync.Mutex
	inserted  []milvus.ChunkVector
	deleted   []string
	insertErr error
}

func (f *fakeVectorStore) Insert(ctx context.Context, vectors []milvus.ChunkVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, vectors...)
	return nil
}

func (f *fakeVectorStore) DeleteByDocument(ctx context.Context, projectID, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, documentID)
	return nil
}

type fakeDocStore struct {
	mu          sync.Mutex
	statuses    []string
	failedStage string
	failedMsg   string
	chunks      []models.Chunk
	contentHash string
}

func (f *fakeDocStore) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeDocStore) MarkDocumentFailed(ctx context.Context, id, failedStage, errorMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, models.DocumentFailed)
	f.failedStage = failedStage
	f.failedMsg = errorMsg
	return nil
}

func (f *fakeDocStore) ReplaceChunks(ctx context.Context, documentID, contentHash string, chunks []models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, models.DocumentIndexed)
	f.chunks = chunks
	f.contentHash = contentHash
	return nil
}

func newTestPipeline(store *fakeDocStore, vectors *fakeVectorStore, embedder *fakeEmbedder) *Pipeline {
	chunker := NewChunker(20, 5, 2, wordCounter{})
	return NewPipeline(store, vectors, embedder, nil, chunker, Config{EmbedBatchSize: 4, EmbedParallelism: 2})
}

func testDoc() *models.Document {
	return &models.Document{ID: "doc-1", ProjectID: "proj-1", SourceRef: "notes.txt", Status: models.DocumentPending}
}

func TestPipeline_IngestPlainText(t *testing.T) {
	store := &fakeDocStore{}
	vectors := &fakeVectorStore{}
	embedder := &fakeEmbedder{}
	p := newTestPipeline(store, vectors, embedder)

	raw := []byte(sampleText(10))
	err := p.Ingest(context.Background(), testDoc(), raw, "text/plain")
	require.NoError(t, err)

	require.NotEmpty(t, store.chunks)
	assert.Equal(t, len(store.chunks), len(vectors.inserted))
	assert.NotEmpty(t, store.contentHash)

	// parsing first, indexed last, never failed.
	assert.Equal(t, models.DocumentParsing, store.statuses[0])
	assert.Equal(t, models.DocumentIndexed, store.statuses[len(store.statuses)-1])
	assert.NotContains(t, store.statuses, models.DocumentFailed)

	for i, chunk := range store.chunks {
		assert.Equal(t, i, chunk.Ordinal)
		assert.Equal(t, "doc-1", chunk.DocumentID)
	}
}

func TestPipeline_IngestStripsHTML(t *testing.T) {
	store := &fakeDocStore{}
	vectors := &fakeVectorStore{}
	p := newTestPipeline(store, vectors, &fakeEmbedder{})

	raw := []byte(`<html><head><script>var x = 1;</script></head>
		<body><nav>menu items</nav><p>Replication lag grows when the primary is saturated.
		Checkpoints stall under heavy write load.</p><footer>copyright</footer></body></html>`)

	err := p.Ingest(context.Background(), testDoc(), raw, "text/html")
	require.NoError(t, err)

	require.NotEmpty(t, store.chunks)
	for _, chunk := range store.chunks {
		assert.NotContains(t, chunk.Text, "var x")
		assert.NotContains(t, chunk.Text, "menu items")
		assert.NotContains(t, chunk.Text, "copyright")
	}
}

func TestPipeline_EmbedFailureMarksEmbedStage(t *testing.T) {
	store := &fakeDocStore{}
	vectors := &fakeVectorStore{}
	embedder := &fakeEmbedder{err: errs.Transient(errs.StageEmbed, errors.New("provider down"))}
	p := newTestPipeline(store, vectors, embedder)

	err := p.Ingest(context.Background(), testDoc(), []byte(sampleText(5)), "text/plain")
	require.Error(t, err)

	assert.Equal(t, string(errs.StageEmbed), store.failedStage)
	assert.Contains(t, store.failedMsg, "provider down")
	assert.Empty(t, store.chunks, "no chunks may be committed after an embed failure")
	assert.Empty(t, vectors.inserted)
}

func TestPipeline_IndexFailureMarksIndexStage(t *testing.T) {
	store := &fakeDocStore{}
	vectors := &fakeVectorStore{insertErr: errs.Transient(errs.StageIndex, errors.New("milvus unreachable"))}
	p := newTestPipeline(store, vectors, &fakeEmbedder{})

	err := p.Ingest(context.Background(), testDoc(), []byte(sampleText(5)), "text/plain")
	require.Error(t, err)

	assert.Equal(t, string(errs.StageIndex), store.failedStage)
	assert.Empty(t, store.chunks)
}

func TestPipeline_EmptyDocumentIsContentError(t *testing.T) {
	store := &fakeDocStore{}
	p := newTestPipeline(store, &fakeVectorStore{}, &fakeEmbedder{})

	err := p.Ingest(context.Background(), testDoc(), []byte("   "), "text/plain")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrContent))
	assert.Equal(t, string(errs.StageChunk), store.failedStage)
}

func TestPipeline_ReingestDeletesStaleVectors(t *testing.T) {
	store := &fakeDocStore{}
	vectors := &fakeVectorStore{}
	p := newTestPipeline(store, vectors, &fakeEmbedder{})

	doc := testDoc()
	require.NoError(t, p.Ingest(context.Background(), doc, []byte(sampleText(5)), "text/plain"))
	require.NoError(t, p.Ingest(context.Background(), doc, []byte(sampleText(6)), "text/plain"))

	assert.Equal(t, []string{"doc-1", "doc-1"}, vectors.deleted)
}
