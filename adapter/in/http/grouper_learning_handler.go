package http

import (
	in "grouper_server/core/port/in"
	"grouper_server/core/port/out"
	"grouper_server/core/service/learning"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/logger"
	"grouper_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

const defaultLearnLimit = 100

// LearningHandler exposes the correction and feedback loop.
type LearningHandler struct {
	service in.LearningService
	queue   out.LearnJobPublisher
}

// NewLearningHandler creates a new LearningHandler. Without a queue, learning
// runs inline on the request.
func NewLearningHandler(service in.LearningService, queue out.LearnJobPublisher) *LearningHandler {
	return &LearningHandler{service: service, queue: queue}
}

// Register registers learning routes
func (h *LearningHandler) Register(router fiber.Router, audited ...fiber.Handler) {
	router.Post("/corrections", chain(audited, h.RecordCorrection)...)
	router.Get("/corrections/analysis", h.Analyze)
	router.Post("/corrections/processed", h.MarkProcessed)
	router.Post("/feedback", h.SubmitFeedback)

	router.Post("/learning/run", h.Learn)
	router.Get("/learning/patterns", h.Patterns)
}

// RecordCorrection stores a user's correction of a grouping decision.
// @Summary Record a grouping correction
// @Tags Learning
// @Accept json
// @Produce json
// @Router /api/v1/corrections [post]
func (h *LearningHandler) RecordCorrection(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req learning.CorrectionInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	req.UserID = uid
	correction, err := h.service.RecordCorrection(c.UserContext(), req)
	if err != nil {
		return err
	}
	return response.Created(c, correction)
}

func (h *LearningHandler) SubmitFeedback(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req learning.FeedbackInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	req.UserID = uid
	fb, err := h.service.SubmitFeedback(c.UserContext(), req)
	if err != nil {
		return err
	}
	return response.Created(c, fb)
}

// Analyze summarizes unprocessed corrections without marking them.
func (h *LearningHandler) Analyze(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	analysis, err := h.service.AnalyzeCorrections(c.UserContext(), uid, limitParam(c, defaultLearnLimit))
	if err != nil {
		return err
	}
	return response.OK(c, analysis)
}

type markProcessedRequest struct {
	IDs []int64 `json:"correction_ids"`
}

func (h *LearningHandler) MarkProcessed(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req markProcessedRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if len(req.IDs) == 0 {
		return apperr.MissingField("correction_ids")
	}
	n, err := h.service.MarkProcessed(c.UserContext(), uid, req.IDs)
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"updated": n})
}

// Learn mines patterns from pending corrections, on the worker when a queue
// is configured.
func (h *LearningHandler) Learn(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	limit := limitParam(c, defaultLearnLimit)

	if h.queue != nil {
		if err := h.queue.PublishLearnJob(c.UserContext(), &out.LearnJobMessage{UserID: uid, Limit: limit}); err != nil {
			return err
		}
		logger.WithField("user_id", uid.String()).Debug("learning run queued")
		return response.Accepted(c, fiber.Map{"queued": true})
	}

	analysis, err := h.service.Learn(c.UserContext(), uid, limit)
	if err != nil {
		return err
	}
	return response.OK(c, analysis)
}

func (h *LearningHandler) Patterns(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	patterns, err := h.service.Patterns(c.UserContext(), uid)
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, patterns, &response.Meta{Total: len(patterns)})
}
