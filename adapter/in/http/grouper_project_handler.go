package http

import (
	"strings"

	"grouper_server/core/domain"
	in "grouper_server/core/port/in"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// ProjectHandler handles HTTP requests for project management.
type ProjectHandler struct {
	service in.ProjectService
}

// NewProjectHandler creates a new ProjectHandler
func NewProjectHandler(service in.ProjectService) *ProjectHandler {
	return &ProjectHandler{service: service}
}

// Register registers project routes
func (h *ProjectHandler) Register(router fiber.Router) {
	projects := router.Group("/projects")
	projects.Get("/", h.List)
	projects.Get("/:id", h.Get)
	projects.Post("/:id/aliases", h.AddAlias)
	projects.Put("/:id/status", h.SetStatus)
	projects.Post("/:id/review/clear", h.ClearReview)
	projects.Post("/:id/emails", h.AssignEmail)
	projects.Delete("/:id/emails/:emailId", h.RemoveEmail)

	router.Get("/emails/:emailId/projects", h.EmailMappings)
}

// List lists projects with filters
// @Summary List projects
// @Tags Projects
// @Produce json
// @Param status query string false "Filter by status"
// @Param needs_review query bool false "Only projects flagged for review"
// @Param limit query int false "Limit (default 50)"
// @Param offset query int false "Offset"
// @Router /api/v1/projects [get]
func (h *ProjectHandler) List(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}

	filter := domain.ProjectFilter{
		Limit:  limitParam(c, defaultLimit),
		Offset: c.QueryInt("offset", 0),
	}
	if status := c.Query("status"); status != "" {
		s := domain.ProjectStatus(status)
		if !s.Valid() {
			return apperr.InvalidInput("status", status)
		}
		filter.Status = &s
	}
	if review := c.Query("needs_review"); review != "" {
		v := c.QueryBool("needs_review")
		filter.NeedsReview = &v
	}

	projects, err := h.service.ListProjects(c.UserContext(), uid, filter)
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, projects, &response.Meta{
		Total:   len(projects),
		Limit:   filter.Limit,
		HasMore: len(projects) == filter.Limit,
	})
}

func (h *ProjectHandler) Get(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	p, err := h.service.GetProject(c.UserContext(), uid, c.Params("id"))
	if err != nil {
		return err
	}
	return response.OK(c, p)
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

// AddAlias is idempotent; added reports whether the alias was new.
func (h *ProjectHandler) AddAlias(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req aliasRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	added, err := h.service.AddAlias(c.UserContext(), uid, c.Params("id"), req.Alias)
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"added": added})
}

type statusRequest struct {
	Status domain.ProjectStatus `json:"status"`
}

func (h *ProjectHandler) SetStatus(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	p, err := h.service.SetStatus(c.UserContext(), uid, c.Params("id"), req.Status)
	if err != nil {
		return err
	}
	return response.OK(c, p)
}

// ClearReview is the only path that clears needs_review.
func (h *ProjectHandler) ClearReview(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	p, err := h.service.ClearReview(c.UserContext(), uid, c.Params("id"))
	if err != nil {
		return err
	}
	return response.OK(c, p)
}

type assignRequest struct {
	EmailID    string   `json:"email_id"`
	ThreadID   string   `json:"thread_id,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// AssignEmail maps an email to the project by hand.
func (h *ProjectHandler) AssignEmail(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	req.EmailID = strings.TrimSpace(req.EmailID)
	if req.EmailID == "" {
		return apperr.MissingField("email_id")
	}
	conf := 1.0
	if req.Confidence != nil {
		conf = *req.Confidence
	}
	m, err := h.service.AssignEmail(c.UserContext(), uid, c.Params("id"),
		&domain.EntityRecord{EmailID: req.EmailID, ThreadID: req.ThreadID, Confidence: conf},
		conf, domain.AssociationManual)
	if err != nil {
		return err
	}
	return response.Created(c, m)
}

func (h *ProjectHandler) RemoveEmail(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	if err := h.service.RemoveEmail(c.UserContext(), uid, c.Params("id"), c.Params("emailId")); err != nil {
		return err
	}
	return response.NoContent(c)
}

func (h *ProjectHandler) EmailMappings(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	mappings, err := h.service.EmailMappings(c.UserContext(), uid, c.Params("emailId"))
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, mappings, &response.Meta{Total: len(mappings)})
}
