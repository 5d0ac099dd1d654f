package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docuflow/backend/internal/orchestrator"
	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/internal/storage/sqlite"
	"github.com/docuflow/backend/pkg/logger"
)

type ExecutionHandler struct {
	store        *sqlite.Client
	orchestrator *orchestrator.Orchestrator
}

func NewExecutionHandler(store *sqlite.Client, orch *orchestrator.Orchestrator) *ExecutionHandler {
	return &ExecutionHandler{
		store:        store,
		orchestrator: orch,
	}
}

// ExecuteAll submits one bulk execution for the project. An omitted or empty
// element_ids list means every element the project has. The response carries
// the execution id for status polling; no generation work happens inline.
func (h *ExecutionHandler) ExecuteAll(c *fiber.Ctx) error {
	projectID := c.Params("id")

	var req struct {
		ElementIDs []string          `json:"element_ids"`
		Variables  map[string]string `json:"variables"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
	}

	exec, err := h.orchestrator.SubmitBatch(c.Context(), projectID, req.ElementIDs, req.Variables)
	if err != nil {
		logger.Error("Failed to submit bulk execution",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		return errorResponse(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"total_count":  exec.TotalCount,
	})
}

// ExecuteAllStatus is the polling endpoint for a bulk execution.
func (h *ExecutionHandler) ExecuteAllStatus(c *fiber.Ctx) error {
	executionID := c.Query("execution_id")
	if executionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "execution_id query parameter is required",
		})
	}

	snapshot, err := h.orchestrator.GetStatus(c.Context(), executionID)
	if err != nil {
		return errorResponse(c, err)
	}
	if snapshot.Execution.ProjectID != c.Params("id") {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not found",
		})
	}

	return c.JSON(statusBody(snapshot))
}

// CancelExecution requests cooperative cancellation: pending members flip to
// cancelled, running members finish their current attempt.
func (h *ExecutionHandler) CancelExecution(c *fiber.Ctx) error {
	cancelled, err := h.orchestrator.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"execution_id":   c.Params("id"),
		"cancelled_jobs": cancelled,
	})
}

// ExecuteSingle runs one element through the same pool and retry policy as a
// batch member.
func (h *ExecutionHandler) ExecuteSingle(c *fiber.Ctx) error {
	var req struct {
		Variables map[string]string `json:"variables"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid request body",
			})
		}
	}

	job, err := h.orchestrator.ExecuteSingle(c.Context(), c.Params("id"), req.Variables)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// GetGeneration returns one job's result, including citations and token
// accounting once the job is terminal.
func (h *ExecutionHandler) GetGeneration(c *fiber.Ctx) error {
	job, err := h.store.GetJob(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}

	resp := fiber.Map{
		"job_id":     job.ID,
		"element_id": job.ElementID,
		"status":     job.Status,
		"attempts":   job.Attempts,
		"created_at": job.CreatedAt,
	}
	if job.ExecutionID != "" {
		resp["execution_id"] = job.ExecutionID
	}
	if job.Status == models.JobCompleted {
		resp["output_text"] = job.OutputText
		resp["citations"] = job.Citations
		resp["prompt_tokens"] = job.PromptTokens
		resp["completion_tokens"] = job.CompletionTokens
		resp["cost_usd"] = job.CostUSD
	}
	if job.ErrorMsg != "" {
		resp["error"] = job.ErrorMsg
	}

	return c.JSON(resp)
}

func statusBody(snapshot *orchestrator.Snapshot) fiber.Map {
	exec := snapshot.Execution

	body := fiber.Map{
		"execution_id":    exec.ID,
		"status":          exec.Status,
		"total_count":     exec.TotalCount,
		"completed_count": exec.CompletedCount,
		"failed_count":    exec.FailedCount,
		"cancelled_count": exec.CancelledCount,
		"remaining_count": snapshot.RemainingCount,
		"items":           snapshot.Items,
	}
	if snapshot.EstimatedSeconds > 0 {
		body["estimated_seconds_left"] = snapshot.EstimatedSeconds
	}
	if exec.CompletedAt != nil {
		body["completed_at"] = exec.CompletedAt
	}
	return body
}
