package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docuflow/backend/internal/orchestrator"
	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/pkg/logger"
)

// WebSocketHandler pushes bulk execution progress to connected clients, an
// event-driven alternative to polling the status endpoint.
type WebSocketHandler struct {
	orchestrator *orchestrator.Orchestrator
	interval     time.Duration
}

func NewWebSocketHandler(orch *orchestrator.Orchestrator) *WebSocketHandler {
	return &WebSocketHandler{
		orchestrator: orch,
		interval:     time.Second,
	}
}

// StreamExecution sends a status snapshot on connect and after every change,
// closing once the execution reaches a terminal state.
func (h *WebSocketHandler) StreamExecution(c *websocket.Conn) {
	executionID := c.Params("id")

	logger.Info("Execution stream opened", zap.String("execution_id", executionID))
	defer func() {
		c.Close()
		logger.Info("Execution stream closed", zap.String("execution_id", executionID))
	}()

	lastTerminal := -1

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snapshot, err := h.orchestrator.GetStatus(ctx, executionID)
		cancel()
		if err != nil {
			h.sendError(c, "execution not found")
			return
		}

		if snapshot.Execution.TerminalCount() != lastTerminal {
			lastTerminal = snapshot.Execution.TerminalCount()

			msg := statusBody(snapshot)
			msg["type"] = "status"
			if err := c.WriteJSON(msg); err != nil {
				return
			}
		}

		if isTerminal(snapshot.Execution.Status) {
			c.WriteJSON(map[string]interface{}{
				"type":   "complete",
				"status": snapshot.Execution.Status,
			})
			return
		}

		time.Sleep(h.interval)
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	})
}

func isTerminal(status string) bool {
	return status == models.ExecutionCompleted ||
		status == models.ExecutionFailed ||
		status == models.ExecutionCancelled
}
