package domain

import "time"

// EmailContent is the raw email material handed to the extractor.
type EmailContent struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	FromEmail  string    `json:"from_email"`
	FromName   string    `json:"from_name,omitempty"`
	To         []string  `json:"to,omitempty"`
	CC         []string  `json:"cc,omitempty"`
	BCC        []string  `json:"bcc,omitempty"`
	LabelIDs   []string  `json:"label_ids,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Text returns the body, falling back to the snippet.
func (e *EmailContent) Text() string {
	if e.Body != "" {
		return e.Body
	}
	return e.Snippet
}

// Participants returns the envelope addresses.
func (e *EmailContent) Participants() Participants {
	return Participants{From: e.FromEmail, To: e.To, CC: e.CC, BCC: e.BCC}
}
