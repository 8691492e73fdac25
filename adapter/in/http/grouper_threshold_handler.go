package http

import (
	"grouper_server/core/domain"
	in "grouper_server/core/port/in"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// ThresholdHandler serves the confidence threshold table.
type ThresholdHandler struct {
	service in.ThresholdService
}

func NewThresholdHandler(service in.ThresholdService) *ThresholdHandler {
	return &ThresholdHandler{service: service}
}

// Register registers threshold routes. admin guards the update route.
func (h *ThresholdHandler) Register(router fiber.Router, admin ...fiber.Handler) {
	router.Get("/thresholds", h.Get)
	router.Put("/thresholds", chain(admin, h.Update)...)
	router.Post("/thresholds/evaluate", h.Evaluate)
}

func (h *ThresholdHandler) Get(c *fiber.Ctx) error {
	return response.OK(c, h.service.GetThresholds(c.UserContext()))
}

// Update applies a partial threshold update to every later decision.
// @Summary Update confidence thresholds
// @Tags Thresholds
// @Accept json
// @Produce json
// @Router /api/v1/thresholds [put]
func (h *ThresholdHandler) Update(c *fiber.Ctx) error {
	var req domain.ThresholdUpdate
	if err := parseBody(c, &req); err != nil {
		return err
	}
	next, err := h.service.UpdateThresholds(c.UserContext(), req)
	if err != nil {
		return err
	}
	return response.OK(c, next)
}

type evaluateRequest struct {
	Confidence *float64 `json:"confidence"`
}

func (h *ThresholdHandler) Evaluate(c *fiber.Ctx) error {
	var req evaluateRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Confidence == nil {
		return apperr.MissingField("confidence")
	}
	return response.OK(c, h.service.Evaluate(c.UserContext(), *req.Confidence))
}
