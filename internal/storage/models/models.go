package models

import "time"

// Document statuses. A document is mutated only by the ingestion pipeline
// after creation.
const (
	DocumentPending = "pending"
	DocumentParsing = "parsing"
	DocumentIndexed = "indexed"
	DocumentFailed  = "failed"
)

// GenerationJob statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// BulkExecution statuses.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

type Document struct {
	ID          string
	ProjectID   string
	SourceRef   string
	Status      string
	FailedStage string
	ErrorMsg    string
	ChunkCount  int
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is immutable after creation and cascades on document delete. Its
// vector lives exclusively in the vector index, keyed by chunk id.
type Chunk struct {
	ID         string
	DocumentID string
	ProjectID  string
	Ordinal    int
	Text       string
	TokenCount int
	Section    string
	Page       int
	Language   string
	CreatedAt  time.Time
}

// Element is the per-prompt generation config a job is bound to at
// submission time. Concurrent jobs with different elements never share
// mutable configuration.
type Element struct {
	ID                  string
	ProjectID           string
	Name                string
	InstructionTemplate string
	Model               string
	Temperature         float32
	MaxTokens           int
	ContextTokens       int
	CreatedAt           time.Time
}

type Citation struct {
	ClaimSpan  string  `json:"claim_span"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Confidence float64 `json:"confidence"`
}

// GenerationJob is immutable once terminal.
type GenerationJob struct {
	ID               string
	ExecutionID      string
	ProjectID        string
	ElementID        string
	Status           string
	InputVariables   map[string]string
	OutputText       string
	Citations        []Citation
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	ErrorMsg         string
	Attempts         int
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// BulkExecution aggregates one batch submission. Counters only grow, and
// completed+failed+cancelled never exceeds total.
type BulkExecution struct {
	ID             string
	ProjectID      string
	TotalCount     int
	CompletedCount int
	FailedCount    int
	CancelledCount int
	Status         string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

func (e *BulkExecution) TerminalCount() int {
	return e.CompletedCount + e.FailedCount + e.CancelledCount
}
