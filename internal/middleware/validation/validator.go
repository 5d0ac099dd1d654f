package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/docuflow/backend/pkg/logger"
)

// Identifier params (project ids, element ids, execution ids) are opaque
// tokens, never free text.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9:_-]{1,64}$`)

type Config struct {
	MaxBodyBytes        int
	AllowedContentTypes []string
}

// Middleware rejects malformed requests before they reach a handler: wrong
// content type, oversized body, or identifier params that are not plain
// tokens. Field-level validation stays in the handlers.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 20 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "multipart/form-data", "text/plain", "text/html"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get("Content-Type")
			if contentType != "" && !typeAllowed(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "unsupported content type",
				})
			}

			if len(c.Body()) > cfg.MaxBodyBytes {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "request body exceeds maximum size",
				})
			}
		}

		for _, param := range c.Route().Params {
			value := c.Params(param)
			if value != "" && !identifierPattern.MatchString(value) {
				logger.Warn("Rejected malformed identifier",
					zap.String("param", param),
					zap.String("path", c.Path()),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "invalid identifier in path",
				})
			}
		}

		if projectID := c.Query("project_id"); projectID != "" && !identifierPattern.MatchString(projectID) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid project_id",
			})
		}

		return c.Next()
	}
}

func typeAllowed(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}
