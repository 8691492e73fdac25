package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAsAppError(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"plain error", base, CodeInternalError, http.StatusInternalServerError},
		{"wrapped app error", fmt.Errorf("ctx: %w", NotFound("project")), CodeNotFound, http.StatusNotFound},
		{"rate limited", RateLimited("gmail", 2*time.Second, base), CodeRateLimited, http.StatusTooManyRequests},
		{"quota", QuotaExceeded("gmail", base), CodeQuotaExceeded, http.StatusServiceUnavailable},
		{"extraction", ExtractionFailed("m1", base), CodeExtractionFailed, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AsAppError(tt.err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantStatus, GetHTTPStatus(tt.err))
		})
	}
}

func TestWithDetailDoesNotMutateShared(t *testing.T) {
	e := ErrRateLimited.WithDetail("retry_after_seconds", 5)

	assert.Equal(t, 5, e.Details["retry_after_seconds"])
	assert.Nil(t, ErrRateLimited.Details)
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("scan: %w", QuotaExceeded("gmail", nil))

	assert.True(t, HasCode(err, CodeQuotaExceeded))
	assert.False(t, HasCode(err, CodeRateLimited))
	assert.False(t, HasCode(errors.New("x"), CodeQuotaExceeded))
}
