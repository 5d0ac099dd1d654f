package handlers

import (
	"database/sql"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/docuflow/backend/pkg/errs"
)

// errorResponse maps the error taxonomy onto HTTP statuses. Internal detail
// stays out of client responses except for validation messages, which are
// safe and actionable.
func errorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "not found",
		})
	case errors.Is(err, errs.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.Is(err, errs.ErrCapacity):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "request exceeds capacity limits",
		})
	case errors.Is(err, errs.ErrContent):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "content rejected",
		})
	case errors.Is(err, errs.ErrTransientProvider):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "upstream provider unavailable, retry later",
		})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal error",
		})
	}
}
