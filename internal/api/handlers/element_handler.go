package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/internal/storage/sqlite"
	"github.com/docuflow/backend/pkg/logger"
)

type ElementHandler struct {
	store *sqlite.Client
}

func NewElementHandler(store *sqlite.Client) *ElementHandler {
	return &ElementHandler{store: store}
}

func (h *ElementHandler) CreateElement(c *fiber.Ctx) error {
	projectID := c.Params("id")

	var req struct {
		Name                string  `json:"name"`
		InstructionTemplate string  `json:"instruction_template"`
		Model               string  `json:"model"`
		Temperature         float32 `json:"temperature"`
		MaxTokens           int     `json:"max_tokens"`
		ContextTokens       int     `json:"context_tokens"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	if req.Name == "" || req.InstructionTemplate == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "name and instruction_template are required",
		})
	}

	element := &models.Element{
		ID:                  uuid.New().String(),
		CreatedAt:           time.Now(),
		ProjectID:           projectID,
		Name:                req.Name,
		InstructionTemplate: req.InstructionTemplate,
		Model:               req.Model,
		Temperature:         req.Temperature,
		MaxTokens:           req.MaxTokens,
		ContextTokens:       req.ContextTokens,
	}

	if err := h.store.InsertElement(c.Context(), element); err != nil {
		logger.Error("Failed to persist element", zap.Error(err))
		return errorResponse(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"element_id": element.ID,
		"name":       element.Name,
	})
}

func (h *ElementHandler) ListElements(c *fiber.Ctx) error {
	elements, err := h.store.ListElements(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}

	items := make([]fiber.Map, len(elements))
	for i, element := range elements {
		items[i] = fiber.Map{
			"element_id":     element.ID,
			"name":           element.Name,
			"model":          element.Model,
			"context_tokens": element.ContextTokens,
			"created_at":     element.CreatedAt,
		}
	}

	return c.JSON(fiber.Map{
		"elements": items,
		"count":    len(items),
	})
}
