package domain

import (
	"strings"
	"time"
)

// Address is a structured postal address pulled out of an email.
type Address struct {
	FullAddress string `json:"full_address,omitempty"`
	Street      string `json:"street,omitempty"`
	Suburb      string `json:"suburb,omitempty"`
	State       string `json:"state,omitempty"`
	Postcode    string `json:"postcode,omitempty"`
}

// String returns the full address, composing it from parts when missing.
func (a *Address) String() string {
	if a == nil {
		return ""
	}
	if s := strings.TrimSpace(a.FullAddress); s != "" {
		return s
	}
	var parts []string
	for _, p := range []string{a.Street, a.Suburb, a.State, a.Postcode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// IsEmpty reports whether no address component is present.
func (a *Address) IsEmpty() bool {
	return a.String() == ""
}

// ClientInfo identifies the client mentioned in an email.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

// IsEmpty reports whether no client field is present.
func (c *ClientInfo) IsEmpty() bool {
	return c == nil || (c.Name == "" && c.Email == "" && c.Phone == "" && c.Company == "")
}

// KeyDates holds free-form dates the model found in an email.
type KeyDates struct {
	StartDate   *string `json:"start_date,omitempty"`
	Deadline    *string `json:"deadline,omitempty"`
	MeetingDate *string `json:"meeting_date,omitempty"`
}

// Participants lists every address on an email.
type Participants struct {
	From string   `json:"from,omitempty"`
	To   []string `json:"to,omitempty"`
	CC   []string `json:"cc,omitempty"`
	BCC  []string `json:"bcc,omitempty"`
}

// All returns the case-folded, de-duplicated participant addresses.
func (p Participants) All() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		addr = Normalize(addr)
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	add(p.From)
	for _, list := range [][]string{p.To, p.CC, p.BCC} {
		for _, addr := range list {
			add(addr)
		}
	}
	return out
}

// EntityRecord is the structured extraction produced for one email.
// It is created once per email and never mutated afterwards.
type EntityRecord struct {
	EmailID     string      `json:"email_id"`
	ThreadID    string      `json:"thread_id,omitempty"`
	ProjectName *string     `json:"project_name,omitempty"`
	Address     *Address    `json:"address,omitempty"`
	JobNumbers  []string    `json:"job_numbers,omitempty"`
	ClientInfo  *ClientInfo `json:"client_info,omitempty"`
	ProjectType *string     `json:"project_type,omitempty"`
	KeyDates    *KeyDates   `json:"key_dates,omitempty"`
	Keywords    []string    `json:"keywords,omitempty"`
	Confidence  float64     `json:"confidence"`
	Reasoning   string      `json:"reasoning,omitempty"`

	// Envelope data carried alongside the extraction.
	Participants Participants `json:"participants,omitempty"`
	ReceivedAt   *time.Time   `json:"received_at,omitempty"`
}

// Name returns the trimmed project name or "".
func (e *EntityRecord) Name() string {
	if e.ProjectName == nil {
		return ""
	}
	return strings.TrimSpace(*e.ProjectName)
}

// NormalizedName returns the case-folded project name.
func (e *EntityRecord) NormalizedName() string {
	return Normalize(e.Name())
}

// NormalizedAddress returns the case-folded full address.
func (e *EntityRecord) NormalizedAddress() string {
	return Normalize(e.Address.String())
}

// NormalizedJobNumbers returns case-folded, de-duplicated job numbers.
func (e *EntityRecord) NormalizedJobNumbers() []string {
	return NormalizeSet(e.JobNumbers)
}

// ClientEmail returns the case-folded client email or "".
func (e *EntityRecord) ClientEmail() string {
	if e.ClientInfo == nil {
		return ""
	}
	return Normalize(e.ClientInfo.Email)
}

// HasSignals reports whether the record carries any groupable signal.
func (e *EntityRecord) HasSignals() bool {
	return e.Name() != "" || !e.Address.IsEmpty() || len(e.JobNumbers) > 0 || e.ClientEmail() != ""
}

// Normalize case-folds and trims a value for comparison.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeSet normalizes values and drops empties and duplicates, keeping order.
func NormalizeSet(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		n := Normalize(v)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// StringPtr returns a pointer to s, or nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
