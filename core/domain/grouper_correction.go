package domain

import (
	"time"

	"github.com/google/uuid"
)

// CorrectionType classifies a user correction.
type CorrectionType string

const (
	CorrectionProjectAssignment CorrectionType = "project_assignment"
	CorrectionMerge             CorrectionType = "merge"
	CorrectionSplit             CorrectionType = "split"
	CorrectionRename            CorrectionType = "rename"
)

// Valid reports whether t is a known correction type.
func (t CorrectionType) Valid() bool {
	switch t {
	case CorrectionProjectAssignment, CorrectionMerge, CorrectionSplit, CorrectionRename:
		return true
	}
	return false
}

// GroupingSnapshot captures a grouping decision before or after correction.
type GroupingSnapshot struct {
	ProjectID   string      `json:"project_id,omitempty"`
	ProjectName string      `json:"project_name,omitempty"`
	Address     string      `json:"address,omitempty"`
	JobNumbers  []string    `json:"job_numbers,omitempty"`
	ClientInfo  *ClientInfo `json:"client_info,omitempty"`
	EmailIDs    []string    `json:"email_ids,omitempty"`
	Confidence  float64     `json:"confidence,omitempty"`
}

// FieldDiff is one field's before and after value.
type FieldDiff struct {
	Original  any `json:"original"`
	Corrected any `json:"corrected"`
}

// LearningFeatures is the structural diff mined by the learning loop.
type LearningFeatures struct {
	OriginalProjectName  string               `json:"original_project_name,omitempty"`
	CorrectedProjectName string               `json:"corrected_project_name,omitempty"`
	OriginalAddress      string               `json:"original_address,omitempty"`
	CorrectedAddress     string               `json:"corrected_address,omitempty"`
	OriginalJobNumbers   []string             `json:"original_job_numbers,omitempty"`
	CorrectedJobNumbers  []string             `json:"corrected_job_numbers,omitempty"`
	Differences          map[string]FieldDiff `json:"differences"`
}

// Correction is a write-once record of a user fixing a grouping decision.
type Correction struct {
	ID               int64            `json:"id"`
	UserID           uuid.UUID        `json:"user_id"`
	CorrectionType   CorrectionType   `json:"correction_type"`
	EmailID          *string          `json:"email_id,omitempty"`
	ProjectID        *string          `json:"project_id,omitempty"`
	OriginalResult   GroupingSnapshot `json:"original_result"`
	CorrectedResult  GroupingSnapshot `json:"corrected_result"`
	LearningFeatures LearningFeatures `json:"learning_features"`
	Reason           string           `json:"reason,omitempty"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// IsProcessed reports whether the learning loop has mined this correction.
func (c *Correction) IsProcessed() bool {
	return c.ProcessedAt != nil
}

// PatternType names a kind of learned pattern.
type PatternType string

const (
	PatternNameVariation  PatternType = "project_name_variation"
	PatternAddressFormat  PatternType = "address_format"
	PatternCorrectionType PatternType = "correction_type"
)

// LearningPattern is a recurring correction surfaced by pattern mining.
type LearningPattern struct {
	ID          int64       `json:"id"`
	UserID      uuid.UUID   `json:"user_id"`
	PatternType PatternType `json:"pattern_type"`
	// Key identifies the pattern within its type, e.g. the correction type or canonical name.
	Key         string      `json:"key"`
	Occurrences int         `json:"occurrences"`
	Examples    []FieldDiff `json:"examples"`
	Variations  []string    `json:"variations,omitempty"`
	Confidence  float64     `json:"confidence"`
	UsageCount  int         `json:"usage_count"`
	IsActive    bool        `json:"is_active"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ModelFeedback is a user rating of a model decision.
type ModelFeedback struct {
	ID           int64     `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	CorrectionID *int64    `json:"correction_id,omitempty"`
	EmailID      *string   `json:"email_id,omitempty"`
	FeedbackType string    `json:"feedback_type"`
	Rating       int       `json:"rating"`
	Comments     string    `json:"comments,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NameVariation is one observed rename from the model's name to the user's.
type NameVariation struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
}

// CorrectionAnalysis summarizes unprocessed corrections.
type CorrectionAnalysis struct {
	TotalCorrections int                    `json:"total_corrections"`
	CorrectionTypes  map[CorrectionType]int `json:"correction_types"`
	NameVariations   []NameVariation        `json:"name_variations"`
	AddressPatterns  []FieldDiff            `json:"address_patterns"`
	Patterns         []LearningPattern      `json:"patterns"`
	CorrectionIDs    []int64                `json:"correction_ids"`
}
