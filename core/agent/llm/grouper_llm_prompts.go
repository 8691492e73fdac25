package llm

import (
	"fmt"
	"strings"

	"grouper_server/core/domain"
)

const (
	extractionBodyLimit = 3000
	maxContextProjects  = 5
	maxHints            = 20
)

const extractionSystemPrompt = `You are an AI assistant extracting structured information from emails for Australian builders and carpenters.

Analyze the email and extract all relevant project information. Return ONLY a JSON object:
{
    "project_name": "primary project name or null",
    "address": {
        "full_address": "complete address or null",
        "street": "street address",
        "suburb": "suburb/town",
        "state": "state abbreviation",
        "postcode": "postcode"
    },
    "job_numbers": ["all job numbers, quote numbers, or reference codes"],
    "client_info": {
        "name": "client/customer name",
        "email": "client email if different from sender",
        "phone": "phone number if mentioned",
        "company": "company name if mentioned"
    },
    "project_type": "renovation|new_build|maintenance|quote|variation|payment|completion|other",
    "key_dates": {
        "start_date": "project start date if mentioned",
        "deadline": "deadline or due date",
        "meeting_date": "meeting or site visit date"
    },
    "project_keywords": ["keywords that identify this project"],
    "confidence": 0.0-1.0,
    "reasoning": "brief explanation of extracted information"
}

Use null for any fields that cannot be determined from the email.`

const similaritySystemPrompt = `You are an AI assistant determining if two emails belong to the same project/job for Australian builders and carpenters.

Compare the two extractions based on project name, property address, job numbers, client information and project type. Return ONLY a JSON object:
{
    "same_project": true/false,
    "confidence": 0.0-1.0,
    "matching_indicators": {
        "project_name_match": "same|partial|different plus a short description",
        "address_match": "same|partial|different plus a short description",
        "job_number_match": "same|different plus a short description",
        "client_match": "same|different plus a short description",
        "content_similarity": "short description"
    },
    "suggested_project_name": "unified project name if same_project is true, else null",
    "reasoning": "why the emails are or aren't the same project"
}

Consider:
- Different senders but same address = likely same project
- Same project name mentioned = likely same project
- Different job numbers = might be different projects or variations
- Similar content but different addresses = likely different projects`

// ExtractionPrompt builds the system and user prompts for one email. Hints
// are known project names and learned variations offered as context.
func ExtractionPrompt(email *domain.EmailContent, hints []string) (string, string) {
	sender := email.FromEmail
	if email.FromName != "" {
		sender = fmt.Sprintf("%s (%s)", email.FromName, email.FromEmail)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Email Subject: %s\n", email.Subject)
	fmt.Fprintf(&b, "Sender: %s\n", sender)
	fmt.Fprintf(&b, "Email Content:\n%s", truncateBody(email.Text(), extractionBodyLimit))

	if len(hints) > 0 {
		if len(hints) > maxHints {
			hints = hints[:maxHints]
		}
		fmt.Fprintf(&b, "\n\nKnown projects and name variations for this user: %s", strings.Join(hints, ", "))
		b.WriteString("\nPrefer one of these names when the email clearly refers to it.")
	}
	return extractionSystemPrompt, b.String()
}

// SimilarityPrompt builds the prompts comparing two extractions, with up to
// five known projects for disambiguation.
func SimilarityPrompt(first, second *domain.EntityRecord, known []domain.EntityRecord) (string, string) {
	var b strings.Builder
	b.WriteString("Email 1:\n")
	writeRecord(&b, first)
	b.WriteString("\nEmail 2:\n")
	writeRecord(&b, second)

	if len(known) > 0 {
		b.WriteString("\nExisting Projects:\n")
		for i, p := range known {
			if i == maxContextProjects {
				break
			}
			addr := p.Address.String()
			if addr == "" {
				addr = "N/A"
			}
			fmt.Fprintf(&b, "- %s: %s\n", p.Name(), addr)
		}
	}
	return similaritySystemPrompt, b.String()
}

func writeRecord(b *strings.Builder, r *domain.EntityRecord) {
	fmt.Fprintf(b, "Project name: %s\n", orNA(r.Name()))
	fmt.Fprintf(b, "Address: %s\n", orNA(r.Address.String()))
	fmt.Fprintf(b, "Job numbers: %s\n", orNA(strings.Join(r.JobNumbers, ", ")))
	if r.ClientInfo != nil {
		fmt.Fprintf(b, "Client: %s %s\n", r.ClientInfo.Name, r.ClientInfo.Email)
	}
	if r.ProjectType != nil {
		fmt.Fprintf(b, "Type: %s\n", *r.ProjectType)
	}
	if len(r.Keywords) > 0 {
		fmt.Fprintf(b, "Keywords: %s\n", strings.Join(r.Keywords, ", "))
	}
	if p := r.Participants.From; p != "" {
		fmt.Fprintf(b, "From: %s\n", p)
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func truncateBody(body string, maxLen int) string {
	if len(body) <= maxLen {
		return body
	}
	return body[:maxLen] + "..."
}
