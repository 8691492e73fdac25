package http

import (
	"grouper_server/core/domain"
	in "grouper_server/core/port/in"
	"grouper_server/core/port/out"
	"grouper_server/core/service/grouping"
	"grouper_server/core/service/project"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

const maxBatchEmails = 100

// GroupingHandler serves extraction, comparison, detection and batch grouping.
type GroupingHandler struct {
	extraction in.ExtractionService
	similarity in.SimilarityService
	projects   in.ProjectService
	grouping   in.GroupingService
	logs       out.ExtractionLogReader
}

// NewGroupingHandler creates a new GroupingHandler. logs may be nil.
func NewGroupingHandler(
	extraction in.ExtractionService,
	similarity in.SimilarityService,
	projects in.ProjectService,
	grouping in.GroupingService,
	logs out.ExtractionLogReader,
) *GroupingHandler {
	return &GroupingHandler{
		extraction: extraction,
		similarity: similarity,
		projects:   projects,
		grouping:   grouping,
		logs:       logs,
	}
}

// Register registers grouping routes. limited wraps the routes that call the
// language model.
func (h *GroupingHandler) Register(router fiber.Router, limited ...fiber.Handler) {
	router.Post("/extraction", chain(limited, h.Extract)...)
	router.Post("/extraction/batch", chain(limited, h.ExtractBatch)...)
	router.Get("/extraction/log/:emailId", h.ExtractionLog)
	router.Post("/similarity/compare", chain(limited, h.Compare)...)
	router.Post("/emails/detect", chain(limited, h.Detect)...)
	router.Post("/grouping/batch", chain(limited, h.GroupBatch)...)
}

type extractRequest struct {
	Email *domain.EmailContent `json:"email"`
}

// Extract runs entity extraction for one email.
// @Summary Extract project entities from an email
// @Tags Extraction
// @Accept json
// @Produce json
// @Router /api/v1/extraction [post]
func (h *GroupingHandler) Extract(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req extractRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Email == nil {
		return apperr.MissingField("email")
	}
	record, err := h.extraction.Extract(c.UserContext(), uid, req.Email)
	if err != nil {
		return err
	}
	return response.OK(c, record)
}

type extractBatchRequest struct {
	Emails []*domain.EmailContent `json:"emails"`
}

// ExtractBatch extracts every email independently; failures are reported
// per item.
func (h *GroupingHandler) ExtractBatch(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req extractBatchRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if err := checkBatch(len(req.Emails)); err != nil {
		return err
	}
	items := h.extraction.ExtractBatch(c.UserContext(), uid, req.Emails)
	failed := 0
	for i := range items {
		if items[i].Err != nil {
			items[i].Error = items[i].Err.Error()
			failed++
		}
	}
	return response.OK(c, fiber.Map{
		"items":  items,
		"total":  len(items),
		"failed": failed,
	})
}

// ExtractionLog lists stored extraction attempts for an email.
func (h *GroupingHandler) ExtractionLog(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	if h.logs == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "extraction log is not configured")
	}
	entries, err := h.logs.List(c.UserContext(), uid, c.Params("emailId"), limitParam(c, 20))
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, entries, &response.Meta{Total: len(entries)})
}

type compareRequest struct {
	A     *domain.EntityRecord  `json:"email_a"`
	B     *domain.EntityRecord  `json:"email_b"`
	Known []domain.EntityRecord `json:"known_projects,omitempty"`
}

// Compare decides whether two extracted records belong to the same project.
func (h *GroupingHandler) Compare(c *fiber.Ctx) error {
	var req compareRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.A == nil || req.B == nil {
		return apperr.MissingField("email_a/email_b")
	}
	result, err := h.similarity.Compare(c.UserContext(), req.A, req.B, req.Known)
	if err != nil {
		return err
	}
	return response.OK(c, result)
}

type detectRequest struct {
	Email      *domain.EmailContent `json:"email,omitempty"`
	Record     *domain.EntityRecord `json:"record,omitempty"`
	AutoCreate *bool                `json:"auto_create,omitempty"`
	Threshold  *float64             `json:"confidence_threshold,omitempty"`
}

// Detect matches an email to a project, creating one when allowed. Either a
// raw email (extracted first) or an already extracted record is accepted.
// @Summary Detect the project for an email
// @Tags Projects
// @Accept json
// @Produce json
// @Router /api/v1/emails/detect [post]
func (h *GroupingHandler) Detect(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req detectRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Threshold != nil && (*req.Threshold < 0 || *req.Threshold > 1) {
		return apperr.InvalidInput("confidence_threshold", "must be between 0 and 1")
	}

	record, method := req.Record, domain.AssociationAuto
	if record == nil {
		method = domain.AssociationAI
		if req.Email == nil {
			return apperr.MissingField("email")
		}
		record, err = h.extraction.Extract(c.UserContext(), uid, req.Email)
		if err != nil {
			return err
		}
	}

	autoCreate := true
	if req.AutoCreate != nil {
		autoCreate = *req.AutoCreate
	}
	result, err := h.projects.DetectProjectForEmail(c.UserContext(), project.DetectInput{
		UserID:     uid,
		Record:     record,
		AutoCreate: autoCreate,
		Threshold:  req.Threshold,
		Method:     method,
	})
	if err != nil {
		return err
	}
	return response.OK(c, result)
}

type groupBatchRequest struct {
	Emails  []*domain.EmailContent `json:"emails,omitempty"`
	Records []domain.EntityRecord  `json:"records,omitempty"`
	Options grouping.Options       `json:"options"`
}

// GroupBatch clusters a batch of emails (or extracted records) into projects.
// @Summary Group a batch of emails into projects
// @Tags Grouping
// @Accept json
// @Produce json
// @Router /api/v1/grouping/batch [post]
func (h *GroupingHandler) GroupBatch(c *fiber.Ctx) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	// Options left out of the body keep their defaults.
	req := groupBatchRequest{Options: grouping.DefaultOptions()}
	if err := parseBody(c, &req); err != nil {
		return err
	}
	opts := req.Options

	var result *domain.GroupingResult
	switch {
	case len(req.Records) > 0:
		if err := checkBatch(len(req.Records)); err != nil {
			return err
		}
		result, err = h.grouping.GroupBatch(c.UserContext(), uid, req.Records, opts)
	default:
		if err := checkBatch(len(req.Emails)); err != nil {
			return err
		}
		result, err = h.grouping.GroupEmails(c.UserContext(), uid, req.Emails, opts)
	}
	if err != nil {
		return err
	}
	return response.OK(c, result)
}

func checkBatch(n int) error {
	switch {
	case n == 0:
		return apperr.MissingField("emails")
	case n > maxBatchEmails:
		return apperr.InvalidInput("emails", "at most 100 per request")
	}
	return nil
}
