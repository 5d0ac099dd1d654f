package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, client.InitSchema())
	t.Cleanup(func() { client.Close() })

	return client
}

func insertTestDocument(t *testing.T, client *Client, id, projectID, status string) {
	t.Helper()

	now := time.Now()
	require.NoError(t, client.InsertDocument(context.Background(), &models.Document{
		ID:        id,
		ProjectID: projectID,
		SourceRef: "test.txt",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func newTestExecution(t *testing.T, client *Client, total int) (*models.BulkExecution, []models.GenerationJob) {
	t.Helper()

	exec := &models.BulkExecution{
		ID:         "exec-1",
		ProjectID:  "proj-1",
		TotalCount: total,
		Status:     models.ExecutionRunning,
		CreatedAt:  time.Now(),
	}
	jobs := make([]models.GenerationJob, total)
	for i := range jobs {
		jobs[i] = models.GenerationJob{
			ID:          fmt.Sprintf("job-%d", i),
			ExecutionID: exec.ID,
			ProjectID:   exec.ProjectID,
			ElementID:   fmt.Sprintf("el-%d", i),
			Status:      models.JobPending,
			CreatedAt:   time.Now(),
		}
	}
	require.NoError(t, client.CreateExecution(context.Background(), exec, jobs))
	return exec, jobs
}

func TestReplaceChunks_FlipsDocumentIndexed(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	insertTestDocument(t, client, "doc-1", "proj-1", models.DocumentParsing)

	chunks := []models.Chunk{
		{ID: "doc-1:0", DocumentID: "doc-1", ProjectID: "proj-1", Ordinal: 0, Text: "alpha", TokenCount: 1, CreatedAt: time.Now()},
		{ID: "doc-1:1", DocumentID: "doc-1", ProjectID: "proj-1", Ordinal: 1, Text: "beta", TokenCount: 1, CreatedAt: time.Now()},
	}
	require.NoError(t, client.ReplaceChunks(ctx, "doc-1", "hash-1", chunks))

	doc, err := client.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentIndexed, doc.Status)
	assert.Equal(t, 2, doc.ChunkCount)
	assert.Equal(t, "hash-1", doc.ContentHash)
}

func TestReplaceChunks_ReingestReplacesOldSet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	insertTestDocument(t, client, "doc-1", "proj-1", models.DocumentParsing)

	first := []models.Chunk{
		{ID: "doc-1:0", DocumentID: "doc-1", ProjectID: "proj-1", Ordinal: 0, Text: "old", TokenCount: 1, CreatedAt: time.Now()},
		{ID: "doc-1:1", DocumentID: "doc-1", ProjectID: "proj-1", Ordinal: 1, Text: "old2", TokenCount: 1, CreatedAt: time.Now()},
		{ID: "doc-1:2", DocumentID: "doc-1", ProjectID: "proj-1", Ordinal: 2, Text: "old3", TokenCount: 1, CreatedAt: time.Now()},
	}
	require.NoError(t, client.ReplaceChunks(ctx, "doc-1", "hash-1", first))

	second := []models.Chunk{
		{ID: "doc-1:0", DocumentID: "doc-1", ProjectID: "proj-1", Ordinal: 0, Text: "new", TokenCount: 1, CreatedAt: time.Now()},
	}
	require.NoError(t, client.ReplaceChunks(ctx, "doc-1", "hash-2", second))

	doc, err := client.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.ChunkCount)
	assert.Equal(t, "hash-2", doc.ContentHash)
}

func TestIndexedDocuments_OnlyIndexedVisible(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	insertTestDocument(t, client, "doc-indexed", "proj-1", models.DocumentIndexed)
	insertTestDocument(t, client, "doc-parsing", "proj-1", models.DocumentParsing)
	insertTestDocument(t, client, "doc-failed", "proj-1", models.DocumentFailed)

	visible, err := client.IndexedDocuments(ctx, []string{"doc-indexed", "doc-parsing", "doc-failed", "doc-missing"})
	require.NoError(t, err)

	assert.True(t, visible["doc-indexed"])
	assert.False(t, visible["doc-parsing"])
	assert.False(t, visible["doc-failed"])
	assert.False(t, visible["doc-missing"])
}

func TestMarkDocumentFailed_RecordsStage(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	insertTestDocument(t, client, "doc-1", "proj-1", models.DocumentParsing)
	require.NoError(t, client.MarkDocumentFailed(ctx, "doc-1", "embed", "provider unavailable"))

	doc, err := client.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentFailed, doc.Status)
	assert.Equal(t, "embed", doc.FailedStage)
	assert.Equal(t, "provider unavailable", doc.ErrorMsg)
}

func TestStartJob_ClaimsOnlyOnce(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	_, jobs := newTestExecution(t, client, 1)

	first, err := client.StartJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := client.StartJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.False(t, second, "a running job must not be claimable again")
}

func TestFinishJob_CountersAndFinalization(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	exec, jobs := newTestExecution(t, client, 3)

	finish := func(i int, status string) {
		job := jobs[i]
		started, err := client.StartJob(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, started)

		job.Status = status
		if status == models.JobCompleted {
			job.OutputText = "result"
			job.Citations = []models.Citation{{ClaimSpan: "claim", ChunkID: "d:0", DocumentID: "d", Confidence: 0.8}}
		} else {
			job.ErrorMsg = "boom"
		}
		job.Attempts = 1
		require.NoError(t, client.FinishJob(ctx, &job))
	}

	finish(0, models.JobCompleted)
	mid, err := client.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, mid.Status)
	assert.Equal(t, 1, mid.CompletedCount)

	finish(1, models.JobFailed)
	finish(2, models.JobCompleted)

	final, err := client.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, final.Status)
	assert.Equal(t, 2, final.CompletedCount)
	assert.Equal(t, 1, final.FailedCount)
	assert.Equal(t, final.TotalCount, final.TerminalCount())
	require.NotNil(t, final.CompletedAt)

	stored, err := client.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "result", stored.OutputText)
	require.Len(t, stored.Citations, 1)
	assert.Equal(t, "d:0", stored.Citations[0].ChunkID)
}

func TestFinishJob_ConcurrentCountersDoNotLoseUpdates(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	const total = 8
	exec, jobs := newTestExecution(t, client, total)

	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func(job models.GenerationJob) {
			defer wg.Done()
			if started, err := client.StartJob(ctx, job.ID); err != nil || !started {
				return
			}
			job.Status = models.JobCompleted
			job.Attempts = 1
			_ = client.FinishJob(ctx, &job)
		}(jobs[i])
	}
	wg.Wait()

	final, err := client.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, total, final.CompletedCount)
	assert.Equal(t, models.ExecutionCompleted, final.Status)
}

func TestCancelPendingJobs_SparesNonPending(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	exec, jobs := newTestExecution(t, client, 3)

	started, err := client.StartJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.True(t, started)

	cancelled, err := client.CancelPendingJobs(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	mid, err := client.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, mid.Status, "execution stays running while a member is in flight")
	assert.Equal(t, 2, mid.CancelledCount)

	running := jobs[0]
	running.Status = models.JobCompleted
	running.Attempts = 1
	require.NoError(t, client.FinishJob(ctx, &running))

	final, err := client.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, final.Status)
	assert.Equal(t, 1, final.CompletedCount)
}

func TestElements_RoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	element := &models.Element{
		ID:                  "el-1",
		ProjectID:           "proj-1",
		Name:                "summary",
		InstructionTemplate: "Summarize {{topic}}.",
		Model:               "gpt-4",
		Temperature:         0.2,
		MaxTokens:           512,
		ContextTokens:       2048,
		CreatedAt:           time.Now(),
	}
	require.NoError(t, client.InsertElement(ctx, element))

	got, err := client.GetElement(ctx, "el-1")
	require.NoError(t, err)
	assert.Equal(t, element.InstructionTemplate, got.InstructionTemplate)
	assert.Equal(t, element.ContextTokens, got.ContextTokens)

	list, err := client.ListElements(ctx, "proj-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "el-1", list[0].ID)
}
