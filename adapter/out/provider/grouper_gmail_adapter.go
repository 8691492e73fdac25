// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/pkg/resilience"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const gmailProvider = "gmail"

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Endpoint overrides the API base URL.
	Endpoint string
	// HTTPClient replaces the OAuth transport. The token is then ignored.
	HTTPClient *http.Client
	// BaseClient carries the OAuth transport when HTTPClient is nil.
	BaseClient *http.Client
}

// GmailAdapter implements out.MailProvider for Gmail.
type GmailAdapter struct {
	config     *oauth2.Config
	endpoint   string
	httpClient *http.Client
	baseClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	return &GmailAdapter{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailModifyScope,
				gmail.GmailLabelsScope,
			},
			Endpoint: google.Endpoint,
		},
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		baseClient: cfg.BaseClient,
		cb:         resilience.NewBreaker("gmail-api"),
	}
}

// =============================================================================
// Authentication
// =============================================================================

// AuthURL returns the consent URL for state.
func (a *GmailAdapter) AuthURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode trades an authorization code for a token.
func (a *GmailAdapter) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, out.NewProviderError(gmailProvider, out.ProviderErrAuth, "failed to exchange code", err, false)
	}
	return token, nil
}

// RefreshToken returns a valid token, refreshing it when expired.
func (a *GmailAdapter) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	fresh, err := a.config.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, out.NewProviderError(gmailProvider, out.ProviderErrTokenExpired, "failed to refresh token", err, false)
	}
	return fresh, nil
}

// =============================================================================
// Messages
// =============================================================================

func (a *GmailAdapter) ListMessages(ctx context.Context, token *oauth2.Token, query string, maxResults int, pageToken string) (*out.ListResult, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = 100
	}

	req := svc.Users.Messages.List("me").MaxResults(int64(maxResults))
	if query != "" {
		req = req.Q(query)
	}
	if pageToken != "" {
		req = req.PageToken(pageToken)
	}

	var resp *gmail.ListMessagesResponse
	err = a.call(func() error {
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to list messages")
	}

	result := &out.ListResult{
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
		Messages:           make([]out.MessageRef, 0, len(resp.Messages)),
	}
	for _, m := range resp.Messages {
		result.Messages = append(result.Messages, out.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return result, nil
}

func (a *GmailAdapter) GetMessage(ctx context.Context, token *oauth2.Token, id string) (*domain.EmailContent, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	err = a.call(func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to get message")
	}
	return convertMessage(msg), nil
}

func (a *GmailAdapter) ModifyMessage(ctx context.Context, token *oauth2.Token, id string, addLabels, removeLabels []string) error {
	svc, err := a.service(ctx, token)
	if err != nil {
		return err
	}
	req := &gmail.ModifyMessageRequest{AddLabelIds: addLabels, RemoveLabelIds: removeLabels}
	err = a.call(func() error {
		_, apiErr := svc.Users.Messages.Modify("me", id, req).Context(ctx).Do()
		return apiErr
	})
	return wrapError(err, "failed to modify message")
}

// =============================================================================
// Labels
// =============================================================================

func (a *GmailAdapter) ListLabels(ctx context.Context, token *oauth2.Token) ([]out.MailLabel, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}
	var resp *gmail.ListLabelsResponse
	err = a.call(func() error {
		var apiErr error
		resp, apiErr = svc.Users.Labels.List("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to list labels")
	}
	labels := make([]out.MailLabel, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		labels = append(labels, out.MailLabel{ID: l.Id, Name: l.Name, Type: l.Type})
	}
	return labels, nil
}

func (a *GmailAdapter) CreateLabel(ctx context.Context, token *oauth2.Token, name string) (*out.MailLabel, error) {
	svc, err := a.service(ctx, token)
	if err != nil {
		return nil, err
	}
	label := &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}
	var created *gmail.Label
	err = a.call(func() error {
		var apiErr error
		created, apiErr = svc.Users.Labels.Create("me", label).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to create label")
	}
	return &out.MailLabel{ID: created.Id, Name: created.Name, Type: created.Type}, nil
}

func (a *GmailAdapter) DeleteLabel(ctx context.Context, token *oauth2.Token, labelID string) error {
	svc, err := a.service(ctx, token)
	if err != nil {
		return err
	}
	err = a.call(func() error {
		return svc.Users.Labels.Delete("me", labelID).Context(ctx).Do()
	})
	return wrapError(err, "failed to delete label")
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (a *GmailAdapter) service(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	var opts []option.ClientOption
	if a.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(a.httpClient))
	} else {
		tctx := ctx
		if a.baseClient != nil {
			tctx = context.WithValue(ctx, oauth2.HTTPClient, a.baseClient)
		}
		opts = append(opts, option.WithHTTPClient(oauth2.NewClient(tctx, a.config.TokenSource(tctx, token))))
	}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, out.NewProviderError(gmailProvider, out.ProviderErrNetwork, "failed to create gmail client", err, false)
	}
	return svc, nil
}

// call runs fn through the breaker. Client errors and quota errors do not
// count toward opening it.
func (a *GmailAdapter) call(fn func() error) error {
	return resilience.Execute(a.cb, tripsBreaker, fn)
}

func tripsBreaker(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return !isQuotaReason(apiErr)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

var (
	rateLimitReasons = map[string]bool{"rateLimitExceeded": true, "userRateLimitExceeded": true}
	quotaReasons     = map[string]bool{"quotaExceeded": true, "dailyLimitExceeded": true}
)

func isQuotaReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if quotaReasons[item.Reason] {
			return true
		}
	}
	return false
}

func isRateLimitReason(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if rateLimitReasons[item.Reason] {
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "rate limit")
}

// retryAfter reads the Retry-After header in seconds.
func retryAfter(apiErr *googleapi.Error) time.Duration {
	if apiErr.Header == nil {
		return 0
	}
	secs, err := strconv.Atoi(apiErr.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// wrapError maps Gmail API failures onto provider error codes. Quota
// exhaustion is not retryable; rate limiting is.
func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out.NewProviderError(gmailProvider, out.ProviderErrServer, "gmail circuit open", err, true)
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return out.NewProviderError(gmailProvider, out.ProviderErrNetwork, defaultMsg, err, true)
	}

	var pe *out.ProviderError
	switch {
	case isQuotaReason(apiErr):
		pe = out.NewProviderError(gmailProvider, out.ProviderErrQuotaExceeded, "quota exceeded", err, false)
	case apiErr.Code == http.StatusTooManyRequests,
		apiErr.Code == http.StatusForbidden && isRateLimitReason(apiErr):
		pe = out.NewProviderError(gmailProvider, out.ProviderErrRateLimit, "rate limit exceeded", err, true)
	case apiErr.Code == http.StatusUnauthorized:
		pe = out.NewProviderError(gmailProvider, out.ProviderErrTokenExpired, "token expired", err, false)
	case apiErr.Code == http.StatusForbidden:
		pe = out.NewProviderError(gmailProvider, out.ProviderErrAuth, "access denied", err, false)
	case apiErr.Code == http.StatusNotFound:
		pe = out.NewProviderError(gmailProvider, out.ProviderErrNotFound, "not found", err, false)
	case apiErr.Code == http.StatusBadRequest:
		pe = out.NewProviderError(gmailProvider, out.ProviderErrInvalidInput, "invalid request", err, false)
	case apiErr.Code >= 500:
		pe = out.NewProviderError(gmailProvider, out.ProviderErrServer, "server error", err, true)
	default:
		pe = out.NewProviderError(gmailProvider, out.ProviderErrServer, defaultMsg, err, false)
	}
	pe.RetryAfter = retryAfter(apiErr)
	return pe
}

// =============================================================================
// Message conversion
// =============================================================================

func convertMessage(msg *gmail.Message) *domain.EmailContent {
	email := &domain.EmailContent{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		LabelIDs: msg.LabelIds,
	}
	if msg.InternalDate > 0 {
		email.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return email
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			email.Subject = h.Value
		case "from":
			if addr, err := mail.ParseAddress(h.Value); err == nil {
				email.FromEmail = addr.Address
				email.FromName = addr.Name
			} else {
				email.FromEmail = strings.TrimSpace(h.Value)
			}
		case "to":
			email.To = parseAddressList(h.Value)
		case "cc":
			email.CC = parseAddressList(h.Value)
		case "bcc":
			email.BCC = parseAddressList(h.Value)
		case "date":
			if email.ReceivedAt.IsZero() {
				if t, err := mail.ParseDate(h.Value); err == nil {
					email.ReceivedAt = t.UTC()
				}
			}
		}
	}

	var plain, html string
	collectBody(msg.Payload, &plain, &html)
	switch {
	case plain != "":
		email.Body = plain
	case html != "":
		email.Body = stripHTML(html)
	}
	return email
}

func parseAddressList(value string) []string {
	list, err := mail.ParseAddressList(value)
	if err != nil {
		var addrs []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				addrs = append(addrs, part)
			}
		}
		return addrs
	}
	addrs := make([]string, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, a.Address)
	}
	return addrs
}

// collectBody keeps the first text/plain and text/html parts found.
func collectBody(part *gmail.MessagePart, plain, html *string) {
	if part == nil {
		return
	}
	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		switch part.MimeType {
		case "text/plain":
			if *plain == "" {
				*plain = decodePart(part.Body.Data)
			}
		case "text/html":
			if *html == "" {
				*html = decodePart(part.Body.Data)
			}
		}
	}
	for _, p := range part.Parts {
		collectBody(p, plain, html)
	}
}

func decodePart(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

var (
	htmlDropRe  = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlBreakRe = regexp.MustCompile(`(?i)<(br|/p|/div|/li|/tr)[^>]*>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
	blankRe     = regexp.MustCompile(`\n{3,}`)
)

func stripHTML(s string) string {
	s = htmlDropRe.ReplaceAllString(s, "")
	s = htmlBreakRe.ReplaceAllString(s, "\n")
	s = htmlTagRe.ReplaceAllString(s, "")
	r := strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'")
	s = r.Replace(s)
	return strings.TrimSpace(blankRe.ReplaceAllString(s, "\n\n"))
}

var _ out.MailProvider = (*GmailAdapter)(nil)
