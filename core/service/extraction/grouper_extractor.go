// Package extraction turns raw emails into structured entity records.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"grouper_server/core/agent/llm"
	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/pkg/logger"
	"grouper_server/pkg/metrics"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// ExtractionError reports that no entity record could be produced for an
// email, either because the model call failed or its output was unusable.
type ExtractionError struct {
	EmailID string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for email %s: %v", e.EmailID, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IsExtractionError reports whether err is or wraps an ExtractionError.
func IsExtractionError(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// HintSource supplies known project names and learned name variations for
// a user, offered to the model as extraction context.
type HintSource interface {
	NameHints(ctx context.Context, userID uuid.UUID) ([]string, error)
}

type Config struct {
	Temperature float32
	MaxTokens   int
	CacheTTL    time.Duration
	Concurrency int
}

func DefaultConfig() Config {
	return Config{
		Temperature: 0.3,
		MaxTokens:   2500,
		CacheTTL:    300 * time.Second,
		Concurrency: 4,
	}
}

// Deps holds the collaborators of an Extractor. Only LLM is required.
type Deps struct {
	LLM   out.LLMClient
	Log   out.ExtractionLog
	Hints HintSource
	Model string
}

type Extractor struct {
	llm   out.LLMClient
	log   out.ExtractionLog
	hints HintSource
	model string
	cache *gocache.Cache
	cfg   Config
}

func NewExtractor(deps Deps, cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.Temperature == 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Extractor{
		llm:   deps.LLM,
		log:   deps.Log,
		hints: deps.Hints,
		model: deps.Model,
		cache: gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		cfg:   cfg,
	}
}

// Extract produces the entity record for one email. It never synthesizes a
// record: any failure is returned as *ExtractionError.
func (e *Extractor) Extract(ctx context.Context, userID uuid.UUID, email *domain.EmailContent) (*domain.EntityRecord, error) {
	if email == nil {
		return nil, &ExtractionError{Err: errors.New("nil email")}
	}

	key := cacheKey(userID, email.ID)
	if v, ok := e.cache.Get(key); ok {
		metrics.Extractions.WithLabelValues("cached").Inc()
		return v.(*domain.EntityRecord), nil
	}

	var hints []string
	if e.hints != nil {
		h, err := e.hints.NameHints(ctx, userID)
		if err != nil {
			logger.WithError(err).WithField("user_id", userID).Warn("failed to load name hints")
		}
		hints = h
	}

	system, prompt := llm.ExtractionPrompt(email, hints)
	started := time.Now()
	raw, err := llm.Observe(ctx, e.llm, "extraction", system, prompt, out.CompletionOptions{
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
	})
	if err != nil {
		metrics.Extractions.WithLabelValues("call_error").Inc()
		e.record(ctx, userID, email.ID, raw, nil, err, started)
		return nil, &ExtractionError{EmailID: email.ID, Err: err}
	}

	var resp entityResponse
	if err := llm.EntitySchema.Decode(raw, &resp); err != nil {
		metrics.Extractions.WithLabelValues("parse_error").Inc()
		e.record(ctx, userID, email.ID, raw, nil, err, started)
		return nil, &ExtractionError{EmailID: email.ID, Err: err}
	}

	record := resp.toRecord(email)
	metrics.Extractions.WithLabelValues("ok").Inc()
	e.record(ctx, userID, email.ID, raw, record, nil, started)
	e.cache.SetDefault(key, record)
	return record, nil
}

// Forget drops a cached extraction so the next call asks the model again.
func (e *Extractor) Forget(userID uuid.UUID, emailID string) {
	e.cache.Delete(cacheKey(userID, emailID))
}

func (e *Extractor) record(ctx context.Context, userID uuid.UUID, emailID, raw string, rec *domain.EntityRecord, err error, started time.Time) {
	if e.log == nil {
		return
	}
	entry := &out.ExtractionLogEntry{
		UserID:      userID,
		EmailID:     emailID,
		Model:       e.model,
		RawResponse: raw,
		Record:      rec,
		Latency:     time.Since(started),
		CreatedAt:   time.Now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := e.log.Record(ctx, entry); logErr != nil {
		logger.WithError(logErr).WithField("email_id", emailID).Warn("failed to store extraction log")
	}
}

func cacheKey(userID uuid.UUID, emailID string) string {
	return userID.String() + ":" + emailID
}

type addressResponse struct {
	FullAddress *string `json:"full_address"`
	Street      *string `json:"street"`
	Suburb      *string `json:"suburb"`
	State       *string `json:"state"`
	Postcode    *string `json:"postcode"`
}

type clientResponse struct {
	Name    *string `json:"name"`
	Email   *string `json:"email"`
	Phone   *string `json:"phone"`
	Company *string `json:"company"`
}

type entityResponse struct {
	ProjectName     *string          `json:"project_name"`
	Address         *addressResponse `json:"address"`
	JobNumbers      []string         `json:"job_numbers"`
	ClientInfo      *clientResponse  `json:"client_info"`
	ProjectType     *string          `json:"project_type"`
	KeyDates        *domain.KeyDates `json:"key_dates"`
	ProjectKeywords []string         `json:"project_keywords"`
	Confidence      float64          `json:"confidence"`
	Reasoning       *string          `json:"reasoning"`
}

func (r *entityResponse) toRecord(email *domain.EmailContent) *domain.EntityRecord {
	rec := &domain.EntityRecord{
		EmailID:      email.ID,
		ThreadID:     email.ThreadID,
		ProjectName:  domain.StringPtr(value(r.ProjectName)),
		JobNumbers:   cleanList(r.JobNumbers),
		ProjectType:  domain.StringPtr(value(r.ProjectType)),
		KeyDates:     r.KeyDates,
		Keywords:     cleanList(r.ProjectKeywords),
		Confidence:   r.Confidence,
		Reasoning:    value(r.Reasoning),
		Participants: email.Participants(),
	}
	if !email.ReceivedAt.IsZero() {
		at := email.ReceivedAt
		rec.ReceivedAt = &at
	}
	if r.Address != nil {
		addr := &domain.Address{
			FullAddress: value(r.Address.FullAddress),
			Street:      value(r.Address.Street),
			Suburb:      value(r.Address.Suburb),
			State:       value(r.Address.State),
			Postcode:    value(r.Address.Postcode),
		}
		if !addr.IsEmpty() {
			rec.Address = addr
		}
	}
	if r.ClientInfo != nil {
		ci := &domain.ClientInfo{
			Name:    value(r.ClientInfo.Name),
			Email:   value(r.ClientInfo.Email),
			Phone:   value(r.ClientInfo.Phone),
			Company: value(r.ClientInfo.Company),
		}
		if !ci.IsEmpty() {
			rec.ClientInfo = ci
		}
	}
	return rec
}

// value dereferences a model string, treating textual nulls as absent.
func value(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.TrimSpace(*s)
	switch strings.ToLower(v) {
	case "null", "none", "n/a", "unknown":
		return ""
	}
	return v
}

func cleanList(values []string) []string {
	var out []string
	for i := range values {
		if v := value(&values[i]); v != "" {
			out = append(out, v)
		}
	}
	return out
}
