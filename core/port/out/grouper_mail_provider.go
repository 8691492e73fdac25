package out

import (
	"context"
	"errors"
	"time"

	"grouper_server/core/domain"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// MessageRef identifies a message returned by a listing.
type MessageRef struct {
	ID       string
	ThreadID string
}

// ListResult is one page of a message listing.
type ListResult struct {
	Messages           []MessageRef
	NextPageToken      string
	ResultSizeEstimate int64
}

// MailLabel is a provider label.
type MailLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// MailProvider is the mail transport consumed by scans.
type MailProvider interface {
	ListMessages(ctx context.Context, token *oauth2.Token, query string, maxResults int, pageToken string) (*ListResult, error)
	GetMessage(ctx context.Context, token *oauth2.Token, id string) (*domain.EmailContent, error)
	ListLabels(ctx context.Context, token *oauth2.Token) ([]MailLabel, error)
	CreateLabel(ctx context.Context, token *oauth2.Token, name string) (*MailLabel, error)
	DeleteLabel(ctx context.Context, token *oauth2.Token, labelID string) error
	ModifyMessage(ctx context.Context, token *oauth2.Token, id string, addLabels, removeLabels []string) error
}

// TokenStore returns the stored mail credentials for a user.
type TokenStore interface {
	GetToken(ctx context.Context, userID uuid.UUID) (*oauth2.Token, error)
}

// TokenSaver persists refreshed or newly granted mail credentials.
type TokenSaver interface {
	SaveToken(ctx context.Context, userID uuid.UUID, token *oauth2.Token) error
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth          ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired  ProviderErrorCode = "token_expired"
	ProviderErrRateLimit     ProviderErrorCode = "rate_limit"
	ProviderErrQuotaExceeded ProviderErrorCode = "quota_exceeded"
	ProviderErrNotFound      ProviderErrorCode = "not_found"
	ProviderErrNetwork       ProviderErrorCode = "network_error"
	ProviderErrServer        ProviderErrorCode = "server_error"
	ProviderErrInvalidInput  ProviderErrorCode = "invalid_input"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider   string
	Code       ProviderErrorCode
	Message    string
	Err        error
	Retryable  bool
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the call may be retried with backoff.
func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// RetryAfterDelay is the wait the provider asked for, if any.
func (e *ProviderError) RetryAfterDelay() time.Duration {
	return e.RetryAfter
}

// IsRateLimited reports a provider rate-limit error, which is retried.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == ProviderErrRateLimit
}

// IsQuotaExceeded reports a provider quota error, which stops work for now.
func IsQuotaExceeded(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == ProviderErrQuotaExceeded
}

// IsRetryableProviderError reports whether err may be retried with backoff.
func IsRetryableProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable && pe.Code != ProviderErrQuotaExceeded
}
