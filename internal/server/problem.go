package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
)

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// errorResponse maps a domain error to a problem response.
func errorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, perrors.ErrInvalidSignature):
		return problemResponse(c, fiber.StatusUnauthorized, "invalid_signature", "Unauthorized", err.Error())
	case errors.Is(err, perrors.ErrInvalidInput):
		return problemResponse(c, fiber.StatusBadRequest, "invalid_input", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrNotFound), errors.Is(err, perrors.ErrUnknownProject):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrNotConfigured):
		return problemResponse(c, fiber.StatusServiceUnavailable, "not_configured", "Service Unavailable", err.Error())
	}
	return err
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Unhandled error")

		if code == fiber.StatusInternalServerError {
			return problemResponse(c, code, "internal_error", "Internal Server Error", "An internal error occurred")
		}
		return problemResponse(c, code, "http_error", utils.StatusMessage(code), err.Error())
	}
}
