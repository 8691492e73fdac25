package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"grouper_server/core/port/out"
	"grouper_server/core/service/extraction"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/logger"
	"grouper_server/pkg/response"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ErrorHandler is the centralized error handler for Fiber.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		var fe *fiber.Error
		if errors.As(err, &fe) {
			return response.Error(c, fe.Code, mapHTTPStatusToCode(fe.Code), fe.Message, nil)
		}

		appErr := toAppError(err)
		log := logger.WithField("request_id", requestID).
			WithField("error_code", appErr.Code).
			WithError(err)

		if appErr.Status >= 500 {
			log.Error("request failed: %s", appErr.Message)
			capture(c, err, requestID)
		} else {
			log.Warn("client error: %s", appErr.Message)
		}

		if appErr.Code == apperr.CodeRateLimited {
			if secs, ok := appErr.Details["retry_after_seconds"].(int); ok {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
			}
		}
		return response.Error(c, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
	}
}

// toAppError maps domain and adapter errors onto the API error surface.
func toAppError(err error) *apperr.AppError {
	if ae := apperr.AsAppError(err); ae != nil {
		return ae
	}

	var ee *extraction.ExtractionError
	if errors.As(err, &ee) {
		return apperr.ExtractionFailed(ee.EmailID, err)
	}

	var pe *out.ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case out.ProviderErrRateLimit:
			return apperr.RateLimited(pe.Provider, pe.RetryAfter, err)
		case out.ProviderErrQuotaExceeded:
			return apperr.QuotaExceeded(pe.Provider, err)
		case out.ProviderErrAuth, out.ProviderErrTokenExpired:
			return apperr.Unauthorized("mail provider authorization expired").WithError(err)
		case out.ProviderErrNotFound:
			return apperr.NotFound("message").WithError(err)
		default:
			return apperr.ExternalError(pe.Provider, err)
		}
	}

	switch {
	case errors.Is(err, out.ErrNotFound):
		return apperr.NotFound("resource").WithError(err)
	case errors.Is(err, out.ErrDuplicate):
		return apperr.AlreadyExists("resource").WithError(err)
	}

	ae := apperr.InternalWithError(err)
	ae.Message = "An unexpected error occurred"
	return ae
}

func capture(c *fiber.Ctx, err error, requestID string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("request_id", requestID)
		scope.SetTag("path", c.Path())
		scope.SetTag("method", c.Method())
		if uid, ok := c.Locals("user_id").(uuid.UUID); ok {
			scope.SetUser(sentry.User{ID: uid.String()})
		}
		sentry.CaptureException(err)
	})
}

// RequestID middleware adds a unique request ID to each request.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// RequestLogger logs every request once the handler chain has returned.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// Let the error handler write the response so the status is final.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		requestID, _ := c.Locals("request_id").(string)
		status := c.Response().StatusCode()
		log := logger.WithFields(map[string]any{
			"request_id": requestID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"ip":         c.IP(),
		}).WithDuration(time.Since(start))

		if uid, ok := c.Locals("user_id").(uuid.UUID); ok {
			log = log.WithField("user_id", uid.String())
		}

		switch {
		case status >= 500:
			log.Error("%s %s -> %d", c.Method(), c.Path(), status)
		case status >= 400:
			log.Warn("%s %s -> %d", c.Method(), c.Path(), status)
		default:
			log.Info("%s %s -> %d", c.Method(), c.Path(), status)
		}
		return nil
	}
}

// Recover turns a handler panic into a 500 response.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)
				logger.WithFields(map[string]any{
					"request_id": requestID,
					"panic":      fmt.Sprintf("%v", r),
					"path":       c.Path(),
					"method":     c.Method(),
					"stack":      string(debug.Stack()),
				}).Error("panic recovered")

				perr := fmt.Errorf("panic: %v", r)
				capture(c, perr, requestID)
				err = response.Error(c, fiber.StatusInternalServerError,
					apperr.CodeInternalError, "An unexpected error occurred", nil)
			}
		}()
		return c.Next()
	}
}

func mapHTTPStatusToCode(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return apperr.CodeBadRequest
	case fiber.StatusUnauthorized:
		return apperr.CodeUnauthorized
	case fiber.StatusForbidden:
		return apperr.CodeForbidden
	case fiber.StatusNotFound:
		return apperr.CodeNotFound
	case fiber.StatusConflict:
		return apperr.CodeConflict
	case fiber.StatusUnprocessableEntity:
		return apperr.CodeValidationFailed
	case fiber.StatusTooManyRequests:
		return apperr.CodeRateLimited
	case fiber.StatusRequestTimeout, fiber.StatusGatewayTimeout:
		return apperr.CodeTimeout
	default:
		return apperr.CodeInternalError
	}
}
