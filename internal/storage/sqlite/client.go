package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/pkg/logger"
)

// Client is the document database and status store. All counter updates on a
// bulk execution happen inside a transaction together with the member job's
// terminal transition, so concurrent completions never lose updates.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		status TEXT NOT NULL,
		failed_stage TEXT,
		error_msg TEXT,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_project ON documents(project_id);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		section TEXT,
		page INTEGER,
		language TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_doc_ordinal ON chunks(document_id, ordinal);

	CREATE TABLE IF NOT EXISTS elements (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		instruction_template TEXT NOT NULL,
		model TEXT,
		temperature REAL,
		max_tokens INTEGER,
		context_tokens INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_elements_project ON elements(project_id);

	CREATE TABLE IF NOT EXISTS bulk_executions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		total_count INTEGER NOT NULL,
		completed_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		cancelled_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_executions_project ON bulk_executions(project_id);

	CREATE TABLE IF NOT EXISTS generation_jobs (
		id TEXT PRIMARY KEY,
		execution_id TEXT,
		project_id TEXT NOT NULL,
		element_id TEXT NOT NULL,
		status TEXT NOT NULL,
		input_variables TEXT,
		output_text TEXT,
		citations TEXT,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		error_msg TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		FOREIGN KEY (execution_id) REFERENCES bulk_executions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_execution ON generation_jobs(execution_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON generation_jobs(status);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// ---- documents ----

func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (id, project_id, source_ref, status, chunk_count, content_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		doc.ID,
		doc.ProjectID,
		doc.SourceRef,
		doc.Status,
		doc.ChunkCount,
		doc.ContentHash,
		doc.CreatedAt.Unix(),
		doc.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document inserted",
		zap.String("document_id", doc.ID),
		zap.String("project_id", doc.ProjectID),
	)
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	query := `
		SELECT id, project_id, source_ref, status, COALESCE(failed_stage, ''), COALESCE(error_msg, ''),
			chunk_count, COALESCE(content_hash, ''), created_at, updated_at
		FROM documents WHERE id = ?
	`

	var doc models.Document
	var createdAt, updatedAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID,
		&doc.ProjectID,
		&doc.SourceRef,
		&doc.Status,
		&doc.FailedStage,
		&doc.ErrorMsg,
		&doc.ChunkCount,
		&doc.ContentHash,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)

	return &doc, nil
}

func (c *Client) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	query := `UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`

	if _, err := c.db.ExecContext(ctx, query, status, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return nil
}

func (c *Client) MarkDocumentFailed(ctx context.Context, id, failedStage, errorMsg string) error {
	query := `UPDATE documents SET status = ?, failed_stage = ?, error_msg = ?, updated_at = ? WHERE id = ?`

	if _, err := c.db.ExecContext(ctx, query, models.DocumentFailed, failedStage, errorMsg, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	return nil
}

// ReplaceChunks atomically replaces a document's chunk set and flips the
// document to indexed with the final chunk count. Chunks only become
// queryable once the document row says indexed, so a half-ingested document
// is never visible to retrieval.
func (c *Client) ReplaceChunks(ctx context.Context, documentID, contentHash string, chunks []models.Chunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}

	insert := `
		INSERT INTO chunks (id, document_id, project_id, ordinal, text, token_count, section, page, language, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, ch := range chunks {
		if _, err := tx.ExecContext(ctx, insert,
			ch.ID, ch.DocumentID, ch.ProjectID, ch.Ordinal, ch.Text, ch.TokenCount,
			ch.Section, ch.Page, ch.Language, ch.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", ch.Ordinal, err)
		}
	}

	update := `
		UPDATE documents
		SET status = ?, chunk_count = ?, content_hash = ?, failed_stage = NULL, error_msg = NULL, updated_at = ?
		WHERE id = ?
	`
	if _, err := tx.ExecContext(ctx, update, models.DocumentIndexed, len(chunks), contentHash, time.Now().Unix(), documentID); err != nil {
		return fmt.Errorf("failed to mark document indexed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}

	logger.Info("Document chunks committed",
		zap.String("document_id", documentID),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// IndexedDocuments returns which of the given document ids are currently
// indexed. The retriever uses this to drop candidates from documents that
// have not finished ingestion.
func (c *Client) IndexedDocuments(ctx context.Context, ids []string) (map[string]bool, error) {
	indexed := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return indexed, nil
	}

	query := `SELECT id FROM documents WHERE status = ? AND id IN (`
	args := []interface{}{models.DocumentIndexed}
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, id)
	}
	query += ")"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexed documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		indexed[id] = true
	}

	return indexed, rows.Err()
}

// ---- elements ----

func (c *Client) InsertElement(ctx context.Context, el *models.Element) error {
	query := `
		INSERT INTO elements (id, project_id, name, instruction_template, model, temperature, max_tokens, context_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		el.ID, el.ProjectID, el.Name, el.InstructionTemplate,
		el.Model, el.Temperature, el.MaxTokens, el.ContextTokens, el.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert element: %w", err)
	}
	return nil
}

func (c *Client) GetElement(ctx context.Context, id string) (*models.Element, error) {
	query := `
		SELECT id, project_id, name, instruction_template, COALESCE(model, ''), COALESCE(temperature, 0),
			COALESCE(max_tokens, 0), COALESCE(context_tokens, 0), created_at
		FROM elements WHERE id = ?
	`

	var el models.Element
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&el.ID, &el.ProjectID, &el.Name, &el.InstructionTemplate,
		&el.Model, &el.Temperature, &el.MaxTokens, &el.ContextTokens, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get element: %w", err)
	}

	el.CreatedAt = time.Unix(createdAt, 0)
	return &el, nil
}

func (c *Client) ListElements(ctx context.Context, projectID string) ([]models.Element, error) {
	query := `
		SELECT id, project_id, name, instruction_template, COALESCE(model, ''), COALESCE(temperature, 0),
			COALESCE(max_tokens, 0), COALESCE(context_tokens, 0), created_at
		FROM elements WHERE project_id = ? ORDER BY created_at
	`

	rows, err := c.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list elements: %w", err)
	}
	defer rows.Close()

	var elements []models.Element
	for rows.Next() {
		var el models.Element
		var createdAt int64
		if err := rows.Scan(
			&el.ID, &el.ProjectID, &el.Name, &el.InstructionTemplate,
			&el.Model, &el.Temperature, &el.MaxTokens, &el.ContextTokens, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		el.CreatedAt = time.Unix(createdAt, 0)
		elements = append(elements, el)
	}

	return elements, rows.Err()
}

// ---- executions and jobs ----

// CreateExecution persists a bulk execution together with its pending member
// jobs in one transaction.
func (c *Client) CreateExecution(ctx context.Context, exec *models.BulkExecution, jobs []models.GenerationJob) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bulk_executions (id, project_id, total_count, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, exec.ID, exec.ProjectID, exec.TotalCount, exec.Status, exec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	for i := range jobs {
		if err := insertJobTx(ctx, tx, &jobs[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}

	logger.Info("Bulk execution created",
		zap.String("execution_id", exec.ID),
		zap.Int("jobs", len(jobs)),
	)
	return nil
}

func (c *Client) InsertJob(ctx context.Context, job *models.GenerationJob) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertJobTx(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

func insertJobTx(ctx context.Context, tx *sql.Tx, job *models.GenerationJob) error {
	vars, err := json.Marshal(job.InputVariables)
	if err != nil {
		return fmt.Errorf("failed to marshal input variables: %w", err)
	}

	var execID interface{}
	if job.ExecutionID != "" {
		execID = job.ExecutionID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO generation_jobs (id, execution_id, project_id, element_id, status, input_variables, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, execID, job.ProjectID, job.ElementID, job.Status, string(vars), job.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// StartJob transitions a job from pending to running. Returns false when the
// job is no longer pending, e.g. after a batch cancellation.
func (c *Client) StartJob(ctx context.Context, jobID string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE generation_jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, models.JobRunning, time.Now().Unix(), jobID, models.JobPending)
	if err != nil {
		return false, fmt.Errorf("failed to start job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// FinishJob records a job's terminal state and, when the job belongs to a
// bulk execution, bumps the matching aggregate counter and finalizes the
// execution once every member is terminal, all in one transaction.
func (c *Client) FinishJob(ctx context.Context, job *models.GenerationJob) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	citations, err := json.Marshal(job.Citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE generation_jobs
		SET status = ?, output_text = ?, citations = ?, prompt_tokens = ?, completion_tokens = ?,
			cost_usd = ?, error_msg = ?, attempts = ?, completed_at = ?
		WHERE id = ?
	`, job.Status, job.OutputText, string(citations), job.PromptTokens, job.CompletionTokens,
		job.CostUSD, job.ErrorMsg, job.Attempts, time.Now().Unix(), job.ID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	if job.ExecutionID != "" {
		if err := bumpExecutionCounterTx(ctx, tx, job.ExecutionID, job.Status); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job finish: %w", err)
	}
	return nil
}

func bumpExecutionCounterTx(ctx context.Context, tx *sql.Tx, executionID, jobStatus string) error {
	var column string
	switch jobStatus {
	case models.JobCompleted:
		column = "completed_count"
	case models.JobFailed:
		column = "failed_count"
	case models.JobCancelled:
		column = "cancelled_count"
	default:
		return fmt.Errorf("job status %q is not terminal", jobStatus)
	}

	_, err := tx.ExecContext(ctx,
		"UPDATE bulk_executions SET "+column+" = "+column+" + 1 WHERE id = ?", executionID)
	if err != nil {
		return fmt.Errorf("failed to bump execution counter: %w", err)
	}

	return finalizeExecutionTx(ctx, tx, executionID)
}

func finalizeExecutionTx(ctx context.Context, tx *sql.Tx, executionID string) error {
	var total, completed, failed, cancelled int
	var status string
	err := tx.QueryRowContext(ctx, `
		SELECT total_count, completed_count, failed_count, cancelled_count, status
		FROM bulk_executions WHERE id = ?
	`, executionID).Scan(&total, &completed, &failed, &cancelled, &status)
	if err != nil {
		return fmt.Errorf("failed to read execution counters: %w", err)
	}

	if completed+failed+cancelled < total || status != models.ExecutionRunning {
		return nil
	}

	final := models.ExecutionCompleted
	if cancelled > 0 {
		final = models.ExecutionCancelled
	} else if completed == 0 && failed > 0 {
		final = models.ExecutionFailed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bulk_executions SET status = ?, completed_at = ? WHERE id = ?
	`, final, time.Now().Unix(), executionID)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	return nil
}

// CancelPendingJobs marks every still-pending member of an execution as
// cancelled and accounts for them in the aggregate counters. In-flight jobs
// are untouched and run to their natural terminal state.
func (c *Client) CancelPendingJobs(ctx context.Context, executionID string) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE generation_jobs SET status = ?, completed_at = ?
		WHERE execution_id = ? AND status = ?
	`, models.JobCancelled, time.Now().Unix(), executionID, models.JobPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE bulk_executions SET cancelled_count = cancelled_count + ? WHERE id = ?
		`, n, executionID)
		if err != nil {
			return 0, fmt.Errorf("failed to bump cancelled counter: %w", err)
		}
	}

	if err := finalizeExecutionTx(ctx, tx, executionID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cancellation: %w", err)
	}

	return int(n), nil
}

func (c *Client) GetExecution(ctx context.Context, id string) (*models.BulkExecution, error) {
	query := `
		SELECT id, project_id, total_count, completed_count, failed_count, cancelled_count, status, created_at, completed_at
		FROM bulk_executions WHERE id = ?
	`

	var exec models.BulkExecution
	var createdAt int64
	var completedAt sql.NullInt64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&exec.ID, &exec.ProjectID, &exec.TotalCount, &exec.CompletedCount,
		&exec.FailedCount, &exec.CancelledCount, &exec.Status, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	exec.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		exec.CompletedAt = &t
	}

	return &exec, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	query := jobSelect + ` WHERE id = ?`

	row := c.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (c *Client) ListJobsByExecution(ctx context.Context, executionID string) ([]models.GenerationJob, error) {
	query := jobSelect + ` WHERE execution_id = ? ORDER BY created_at, id`

	rows, err := c.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

const jobSelect = `
	SELECT id, COALESCE(execution_id, ''), project_id, element_id, status,
		COALESCE(input_variables, '{}'), COALESCE(output_text, ''), COALESCE(citations, '[]'),
		prompt_tokens, completion_tokens, cost_usd, COALESCE(error_msg, ''), attempts,
		created_at, started_at, completed_at
	FROM generation_jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	var job models.GenerationJob
	var vars, citations string
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(
		&job.ID, &job.ExecutionID, &job.ProjectID, &job.ElementID, &job.Status,
		&vars, &job.OutputText, &citations,
		&job.PromptTokens, &job.CompletionTokens, &job.CostUSD, &job.ErrorMsg, &job.Attempts,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(vars), &job.InputVariables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input variables: %w", err)
	}
	if err := json.Unmarshal([]byte(citations), &job.Citations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal citations: %w", err)
	}

	job.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		job.CompletedAt = &t
	}

	return &job, nil
}
