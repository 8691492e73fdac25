// Package response provides the JSON envelope every API handler returns.
package response

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// Response is the standard API response structure.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Meta      *Meta      `json:"meta,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Timestamp string     `json:"timestamp"`
}

// ErrorInfo contains error details.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta contains pagination metadata.
type Meta struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit,omitempty"`
	HasMore bool `json:"has_more,omitempty"`
}

func envelope(c *fiber.Ctx) Response {
	requestID, _ := c.Locals("request_id").(string)
	return Response{
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// OK returns a successful response.
func OK(c *fiber.Ctx, data any) error {
	r := envelope(c)
	r.Success, r.Data = true, data
	return c.JSON(r)
}

// OKWithMeta returns a successful response with metadata.
func OKWithMeta(c *fiber.Ctx, data any, meta *Meta) error {
	r := envelope(c)
	r.Success, r.Data, r.Meta = true, data, meta
	return c.JSON(r)
}

// Created returns a 201 created response.
func Created(c *fiber.Ctx, data any) error {
	r := envelope(c)
	r.Success, r.Data = true, data
	return c.Status(fiber.StatusCreated).JSON(r)
}

// Accepted returns a 202 response for queued work.
func Accepted(c *fiber.Ctx, data any) error {
	r := envelope(c)
	r.Success, r.Data = true, data
	return c.Status(fiber.StatusAccepted).JSON(r)
}

// NoContent returns a 204 no content response.
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

// Error returns an error response.
func Error(c *fiber.Ctx, status int, code, message string, details map[string]any) error {
	r := envelope(c)
	r.Error = &ErrorInfo{Code: code, Message: message, Details: details}
	return c.Status(status).JSON(r)
}
