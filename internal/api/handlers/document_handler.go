package handlers

import (
	"context"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docuflow/backend/internal/ingestion"
	"github.com/docuflow/backend/internal/storage/models"
	"github.com/docuflow/backend/internal/storage/sqlite"
	"github.com/docuflow/backend/pkg/logger"
)

type DocumentHandler struct {
	store    *sqlite.Client
	pipeline *ingestion.Pipeline
}

func NewDocumentHandler(store *sqlite.Client, pipeline *ingestion.Pipeline) *DocumentHandler {
	return &DocumentHandler{
		store:    store,
		pipeline: pipeline,
	}
}

// Upload accepts a document as a multipart file or a JSON body, persists it
// as pending, and returns immediately. Ingestion runs asynchronously; the
// document becomes visible to retrieval only when its status reaches indexed.
func (h *DocumentHandler) Upload(c *fiber.Ctx) error {
	projectID := c.Query("project_id")
	if projectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "project_id query parameter is required",
		})
	}

	raw, sourceRef, contentType, err := readUpload(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if len(raw) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "document content is empty",
		})
	}

	now := time.Now()
	doc := &models.Document{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		SourceRef: sourceRef,
		Status:    models.DocumentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.InsertDocument(c.Context(), doc); err != nil {
		logger.Error("Failed to persist document", zap.Error(err))
		return errorResponse(c, err)
	}

	go func() {
		if err := h.pipeline.Ingest(context.Background(), doc, raw, contentType); err != nil {
			logger.Error("Ingestion failed",
				zap.String("document_id", doc.ID),
				zap.Error(err),
			)
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"document_id": doc.ID,
		"status":      doc.Status,
	})
}

// GetDocument reports ingestion progress for one document, including the
// failing stage and reason when ingestion failed.
func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.store.GetDocument(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}

	resp := fiber.Map{
		"document_id": doc.ID,
		"project_id":  doc.ProjectID,
		"source_ref":  doc.SourceRef,
		"status":      doc.Status,
		"chunk_count": doc.ChunkCount,
		"created_at":  doc.CreatedAt,
		"updated_at":  doc.UpdatedAt,
	}
	if doc.Status == models.DocumentFailed {
		resp["failed_stage"] = doc.FailedStage
		resp["error"] = doc.ErrorMsg
	}

	return c.JSON(resp)
}

func readUpload(c *fiber.Ctx) ([]byte, string, string, error) {
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, "", "", err
		}
		defer f.Close()

		raw, err := io.ReadAll(f)
		if err != nil {
			return nil, "", "", err
		}
		return raw, file.Filename, file.Header.Get("Content-Type"), nil
	}

	var req struct {
		SourceRef string `json:"source_ref"`
		Content   string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return nil, "", "", err
	}
	return []byte(req.Content), req.SourceRef, c.Get("Content-Type"), nil
}
