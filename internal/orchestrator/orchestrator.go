package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docuflow/backend/internal/generation"
	"github.com/docuflow/backend/internal/metrics"
	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/pkg/errs"
	"github.com/docuflow/backend/pkg/logger"
	"github.com/docuflow/backend/pkg/retry"
)

// Store is the persistence surface the orchestrator drives. StartJob must be
// a compare-and-set on the pending status, and FinishJob must persist the
// terminal state and the aggregate counters atomically.
type Store interface {
	GetElement(ctx context.Context, id string) (*models.Element, error)
	ListElements(ctx context.Context, projectID string) ([]models.Element, error)
	CreateExecution(ctx context.Context, exec *models.BulkExecution, jobs []models.GenerationJob) error
	InsertJob(ctx context.Context, job *models.GenerationJob) error
	StartJob(ctx context.Context, jobID string) (bool, error)
	FinishJob(ctx context.Context, job *models.GenerationJob) error
	CancelPendingJobs(ctx context.Context, executionID string) (int, error)
	GetExecution(ctx context.Context, id string) (*models.BulkExecution, error)
	GetJob(ctx context.Context, id string) (*models.GenerationJob, error)
	ListJobsByExecution(ctx context.Context, executionID string) ([]models.GenerationJob, error)
}

// JobRunner executes one generation job end to end. A single call is a single
// attempt; the orchestrator owns retries.
type JobRunner interface {
	Run(ctx context.Context, job *models.GenerationJob, element *models.Element) (*generation.GenerationOutcome, error)
}

type Config struct {
	Workers           int
	MaxAttempts       int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	JobTimeout        time.Duration
}

type task struct {
	job     models.GenerationJob
	element models.Element
}

// Orchestrator runs generation jobs on a bounded worker pool. Batch
// submission enqueues every member immediately and returns; progress is
// observed through status polling.
type Orchestrator struct {
	store  Store
	runner JobRunner
	cfg    Config

	tasks   chan task
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc

	mu        sync.Mutex
	cancelled map[string]bool
}

func New(store Store, runner JobRunner, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     store,
		runner:    runner,
		cfg:       cfg,
		tasks:     make(chan task),
		baseCtx:   ctx,
		stop:      cancel,
		cancelled: make(map[string]bool),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	logger.Info("Orchestrator started", zap.Int("workers", o.cfg.Workers))
}

// Stop drains the pool. In-flight jobs are interrupted through context
// cancellation; their terminal state is still persisted.
func (o *Orchestrator) Stop() {
	o.stop()
	o.wg.Wait()
	logger.Info("Orchestrator stopped")
}

// SubmitBatch creates one bulk execution covering the given elements and
// returns as soon as every member job is persisted as pending. An empty
// element list means every element of the project.
func (o *Orchestrator) SubmitBatch(ctx context.Context, projectID string, elementIDs []string, variables map[string]string) (*models.BulkExecution, error) {
	if projectID == "" {
		return nil, errs.Validation("project id is required")
	}

	elements, err := o.resolveElements(ctx, projectID, elementIDs)
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, errs.Validation("project %s has no elements to execute", projectID)
	}

	exec := &models.BulkExecution{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		TotalCount: len(elements),
		Status:     models.ExecutionRunning,
		CreatedAt:  time.Now(),
	}

	jobs := make([]models.GenerationJob, len(elements))
	for i, element := range elements {
		jobs[i] = models.GenerationJob{
			ID:             uuid.New().String(),
			ExecutionID:    exec.ID,
			ProjectID:      projectID,
			ElementID:      element.ID,
			Status:         models.JobPending,
			InputVariables: variables,
			CreatedAt:      time.Now(),
		}
	}

	if err := o.store.CreateExecution(ctx, exec, jobs); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	metrics.ExecutionsStarted.Inc()

	logger.Info("Bulk execution submitted",
		zap.String("execution_id", exec.ID),
		zap.String("project_id", projectID),
		zap.Int("total", exec.TotalCount),
	)

	go o.dispatch(exec.ID, jobs, elements)

	return exec, nil
}

// ExecuteSingle runs one element outside any bulk execution. The job goes
// through the same pool, retry policy, and persistence as batch members.
func (o *Orchestrator) ExecuteSingle(ctx context.Context, elementID string, variables map[string]string) (*models.GenerationJob, error) {
	if elementID == "" {
		return nil, errs.Validation("element id is required")
	}

	element, err := o.store.GetElement(ctx, elementID)
	if err != nil {
		return nil, err
	}

	job := models.GenerationJob{
		ID:             uuid.New().String(),
		ProjectID:      element.ProjectID,
		ElementID:      element.ID,
		Status:         models.JobPending,
		InputVariables: variables,
		CreatedAt:      time.Now(),
	}

	if err := o.store.InsertJob(ctx, &job); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	go func() {
		select {
		case o.tasks <- task{job: job, element: *element}:
		case <-o.baseCtx.Done():
		}
	}()

	return &job, nil
}

// Cancel marks an execution cancelled. Pending members flip to cancelled
// immediately; running members finish their current attempt and keep their
// natural terminal state.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (int, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if exec.Status != models.ExecutionRunning {
		return 0, nil
	}

	o.mu.Lock()
	o.cancelled[executionID] = true
	o.mu.Unlock()

	n, err := o.store.CancelPendingJobs(ctx, executionID)
	if err != nil {
		return 0, err
	}

	logger.Info("Bulk execution cancelled",
		zap.String("execution_id", executionID),
		zap.Int("cancelled_jobs", n),
	)
	return n, nil
}

// Snapshot is one status poll: the aggregate counters plus per-item detail.
type Snapshot struct {
	Execution        *models.BulkExecution `json:"execution"`
	Items            []ItemStatus          `json:"items"`
	RemainingCount   int                   `json:"remaining_count"`
	EstimatedSeconds float64               `json:"estimated_seconds_left,omitempty"`
}

type ItemStatus struct {
	JobID     string `json:"job_id"`
	ElementID string `json:"element_id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts,omitempty"`
	ErrorMsg  string `json:"error,omitempty"`
}

// GetStatus reads the current state of an execution. The completion estimate
// extrapolates from the mean duration of finished members across the pool
// width; it is absent until at least one member finishes.
func (o *Orchestrator) GetStatus(ctx context.Context, executionID string) (*Snapshot, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	jobs, err := o.store.ListJobsByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Execution:      exec,
		Items:          make([]ItemStatus, len(jobs)),
		RemainingCount: exec.TotalCount - exec.TerminalCount(),
	}

	var totalDuration time.Duration
	finished := 0
	for i, job := range jobs {
		snapshot.Items[i] = ItemStatus{
			JobID:     job.ID,
			ElementID: job.ElementID,
			Status:    job.Status,
			Attempts:  job.Attempts,
			ErrorMsg:  job.ErrorMsg,
		}
		if job.StartedAt != nil && job.CompletedAt != nil {
			totalDuration += job.CompletedAt.Sub(*job.StartedAt)
			finished++
		}
	}

	if finished > 0 && snapshot.RemainingCount > 0 {
		mean := totalDuration / time.Duration(finished)
		waves := (snapshot.RemainingCount + o.cfg.Workers - 1) / o.cfg.Workers
		snapshot.EstimatedSeconds = (mean * time.Duration(waves)).Seconds()
	}

	return snapshot, nil
}

func (o *Orchestrator) resolveElements(ctx context.Context, projectID string, elementIDs []string) ([]models.Element, error) {
	if len(elementIDs) == 0 {
		return o.store.ListElements(ctx, projectID)
	}

	elements := make([]models.Element, 0, len(elementIDs))
	for _, id := range elementIDs {
		element, err := o.store.GetElement(ctx, id)
		if err != nil {
			return nil, err
		}
		if element.ProjectID != projectID {
			return nil, errs.Validation("element %s does not belong to project %s", id, projectID)
		}
		elements = append(elements, *element)
	}
	return elements, nil
}

func (o *Orchestrator) dispatch(executionID string, jobs []models.GenerationJob, elements []models.Element) {
	for i := range jobs {
		if o.isCancelled(executionID) {
			return
		}
		select {
		case o.tasks <- task{job: jobs[i], element: elements[i]}:
		case <-o.baseCtx.Done():
			return
		}
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case t := <-o.tasks:
			o.runJob(t)
		}
	}
}

// runJob claims a pending job and drives it to a terminal state. The claim is
// a compare-and-set, so a job cancelled between dispatch and pickup is simply
// skipped.
func (o *Orchestrator) runJob(t task) {
	started, err := o.store.StartJob(o.baseCtx, t.job.ID)
	if err != nil {
		logger.Error("Failed to claim job", zap.String("job_id", t.job.ID), zap.Error(err))
		return
	}
	if !started {
		return
	}

	startedAt := time.Now()
	t.job.Status = models.JobRunning
	t.job.StartedAt = &startedAt

	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.JobTimeout)
	defer cancel()

	attempts := 0
	outcome, runErr := retry.DoWithResult(ctx, retry.Config{
		MaxAttempts:     o.cfg.MaxAttempts,
		InitialDelay:    o.cfg.RetryInitialDelay,
		MaxDelay:        o.cfg.RetryMaxDelay,
		Multiplier:      2.0,
		JitterFraction:  0.2,
		RetryableErrors: []error{errs.ErrTransientProvider},
		Logger:          logger.GetLogger(),
	}, func() (*generation.GenerationOutcome, error) {
		attempts++
		return o.runner.Run(ctx, &t.job, &t.element)
	})

	completedAt := time.Now()
	t.job.Attempts = attempts
	t.job.CompletedAt = &completedAt

	if runErr != nil {
		t.job.Status = models.JobFailed
		t.job.ErrorMsg = runErr.Error()
		logger.Error("Generation job failed",
			zap.String("job_id", t.job.ID),
			zap.String("element_id", t.job.ElementID),
			zap.Int("attempts", attempts),
			zap.Error(runErr),
		)
	} else {
		t.job.Status = models.JobCompleted
		t.job.OutputText = outcome.OutputText
		t.job.Citations = outcome.Citations
		t.job.PromptTokens = outcome.PromptTokens
		t.job.CompletionTokens = outcome.CompletionTokens
		t.job.CostUSD = outcome.CostUSD
	}

	metrics.JobsProcessed.WithLabelValues(t.job.Status).Inc()
	metrics.JobDuration.Observe(completedAt.Sub(startedAt).Seconds())

	// Persistence outlives shutdown so a terminal result is never lost.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	if err := o.store.FinishJob(persistCtx, &t.job); err != nil {
		logger.Error("Failed to persist job result", zap.String("job_id", t.job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) isCancelled(executionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[executionID]
}
