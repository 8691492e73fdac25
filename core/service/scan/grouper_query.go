package scan

import (
	"strings"
	"time"

	"grouper_server/core/domain"
)

const queryDateLayout = "2006/01/02"

// BuildQuery renders a mail search query for a date range and the user's
// scan filters. Nil bounds and a nil configuration are omitted.
func BuildQuery(start, end *time.Time, cfg *domain.ScanConfiguration) string {
	var parts []string
	if start != nil {
		parts = append(parts, "after:"+start.Format(queryDateLayout))
	}
	if end != nil {
		parts = append(parts, "before:"+end.Format(queryDateLayout))
	}
	if cfg == nil {
		return strings.Join(parts, " ")
	}

	var include []string
	for _, l := range cfg.IncludeLabels {
		if l = labelTerm(l); l != "" {
			include = append(include, "label:"+l)
		}
	}
	switch len(include) {
	case 0:
	case 1:
		parts = append(parts, include[0])
	default:
		parts = append(parts, "("+strings.Join(include, " OR ")+")")
	}
	for _, l := range cfg.ExcludeLabels {
		if l = labelTerm(l); l != "" {
			parts = append(parts, "-label:"+l)
		}
	}
	for _, s := range cfg.ExcludedSenders {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, "-from:"+s)
		}
	}
	for _, d := range cfg.ExcludedDomains {
		d = strings.TrimPrefix(strings.TrimSpace(d), "@")
		if d != "" {
			parts = append(parts, "-from:*@"+d)
		}
	}
	return strings.Join(parts, " ")
}

// labelTerm writes a label name the way the search syntax expects it.
func labelTerm(name string) string {
	return strings.Join(strings.Fields(name), "-")
}
