package middleware

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"grouper_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const auditStream = "audit:events"

// AuditEvent records an administrative or state-changing request.
type AuditEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id,omitempty"`
	Action     string    `json:"action"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	IP         string    `json:"ip"`
	StatusCode int       `json:"status_code"`
	Duration   int64     `json:"duration_ms"`
	RequestID  string    `json:"request_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// AuditLogger appends audit events to a Redis stream. A nil client disables it.
type AuditLogger struct {
	redis  *redis.Client
	maxLen int64
}

func NewAuditLogger(client *redis.Client) *AuditLogger {
	if client == nil {
		logger.Warn("redis client not provided, audit logging disabled")
	}
	return &AuditLogger{redis: client, maxLen: 100000}
}

// Log writes event to the audit stream.
func (a *AuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	if a == nil || a.redis == nil {
		return nil
	}
	event.ID = uuid.NewString()
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return a.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: auditStream,
		Values: map[string]any{"event": string(data)},
		MaxLen: a.maxLen,
		Approx: true,
	}).Err()
}

// Audit records the request under action once the handler has run.
func (a *AuditLogger) Audit(action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = toAppError(err).Status
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		requestID, _ := c.Locals("request_id").(string)
		event := &AuditEvent{
			Action:     action,
			Method:     c.Method(),
			Path:       c.Path(),
			IP:         c.IP(),
			StatusCode: status,
			Duration:   time.Since(start).Milliseconds(),
			RequestID:  requestID,
			Success:    status < 400,
		}
		if uid, ok := c.Locals("user_id").(uuid.UUID); ok {
			event.UserID = uid.String()
		}
		if err != nil {
			event.Error = err.Error()
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if logErr := a.Log(ctx, event); logErr != nil {
				logger.WithError(logErr).Warn("failed to write audit event")
			}
		}()
		return err
	}
}
