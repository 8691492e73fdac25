package http

import (
	"grouper_server/core/domain"
	in "grouper_server/core/port/in"
	"grouper_server/core/service/scan"
	"grouper_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// ScanHandler manages batch scans over the user's mailbox.
type ScanHandler struct {
	service in.ScanService
}

func NewScanHandler(service in.ScanService) *ScanHandler {
	return &ScanHandler{service: service}
}

// Register registers scan routes
func (h *ScanHandler) Register(router fiber.Router, audited ...fiber.Handler) {
	scans := router.Group("/scans")

	// Configuration routes come before /:id.
	scans.Get("/config", h.GetConfig)
	scans.Put("/config", h.SaveConfig)

	scans.Post("/", chain(audited, h.Create)...)
	scans.Get("/", h.List)
	scans.Get("/:id", h.Get)
	scans.Post("/:id/cancel", chain(audited, h.Cancel)...)
	scans.Post("/:id/resume", h.Resume)
}

// Create stores a pending scan job and queues it.
// @Summary Start a mailbox scan
// @Tags Scans
// @Accept json
// @Produce json
// @Router /api/v1/scans [post]
func (h *ScanHandler) Create(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req scan.CreateJobInput
	if err := parseBody(c, &req); err != nil {
		return err
	}
	req.UserID = uid
	job, err := h.service.CreateJob(c.UserContext(), req)
	if err != nil {
		return err
	}
	return response.Created(c, job)
}

func (h *ScanHandler) List(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	jobs, err := h.service.ListJobs(c.UserContext(), uid, limitParam(c, 20))
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, jobs, &response.Meta{Total: len(jobs)})
}

func (h *ScanHandler) Get(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	job, err := h.service.GetJob(c.UserContext(), uid, id)
	if err != nil {
		return err
	}
	return response.OK(c, job)
}

// Cancel stops a pending or running scan; progress so far is kept.
func (h *ScanHandler) Cancel(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	job, err := h.service.CancelJob(c.UserContext(), uid, id)
	if err != nil {
		return err
	}
	return response.OK(c, job)
}

// Resume requeues a paused or failed scan from its checkpoint.
func (h *ScanHandler) Resume(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	job, err := h.service.ResumeJob(c.UserContext(), uid, id)
	if err != nil {
		return err
	}
	return response.Accepted(c, job)
}

func (h *ScanHandler) GetConfig(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	cfg, err := h.service.GetScanConfig(c.UserContext(), uid)
	if err != nil {
		return err
	}
	return response.OK(c, cfg)
}

func (h *ScanHandler) SaveConfig(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var cfg domain.ScanConfiguration
	if err := parseBody(c, &cfg); err != nil {
		return err
	}
	cfg.UserID = uid
	if err := h.service.SaveScanConfig(c.UserContext(), &cfg); err != nil {
		return err
	}
	return response.OK(c, cfg)
}
