package transport

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/observability"
	"go.uber.org/zap"
)

// StatusCode maps an error family onto its HTTP status.
func StatusCode(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyInProgress), errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrInvalidState):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		code := StatusCode(err)

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", code),
			zap.Error(err),
		}
		requestLogger := observability.WithContextLogger(logger, c.UserContext())
		if code >= fiber.StatusInternalServerError {
			requestLogger.Error("request error", fields...)
		} else {
			requestLogger.Warn("request rejected", fields...)
		}

		message := err.Error()
		if code == fiber.StatusInternalServerError {
			message = "internal server error"
		}

		body := fiber.Map{"error": message}
		if correlationID, ok := observability.CorrelationIDFromContext(c.UserContext()); ok {
			body["correlationId"] = correlationID
		}
		return c.Status(code).JSON(body)
	}
}

// CorrelationID copies the request id into the request context so every
// log line of the request carries it.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(fiber.HeaderXRequestID)
		if id == "" {
			if local, ok := c.Locals("requestid").(string); ok {
				id = local
			}
		}
		if id != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
			c.Set(fiber.HeaderXRequestID, id)
		}
		return c.Next()
	}
}
