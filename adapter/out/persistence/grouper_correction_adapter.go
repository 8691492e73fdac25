package persistence

import (
	"context"
	"fmt"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CorrectionAdapter implements out.CorrectionRepository on PostgreSQL.
type CorrectionAdapter struct {
	db *sqlx.DB
}

func NewCorrectionAdapter(db *sqlx.DB) *CorrectionAdapter {
	return &CorrectionAdapter{db: db}
}

// =============================================================================
// Corrections
// =============================================================================

const correctionColumns = `
	id, user_id, correction_type, email_id, project_id,
	original_result, corrected_result, learning_features,
	reason, processed_at, created_at`

type correctionRow struct {
	ID               int64      `db:"id"`
	UserID           uuid.UUID  `db:"user_id"`
	CorrectionType   string     `db:"correction_type"`
	EmailID          *string    `db:"email_id"`
	ProjectID        *string    `db:"project_id"`
	OriginalResult   []byte     `db:"original_result"`
	CorrectedResult  []byte     `db:"corrected_result"`
	LearningFeatures []byte     `db:"learning_features"`
	Reason           string     `db:"reason"`
	ProcessedAt      *time.Time `db:"processed_at"`
	CreatedAt        time.Time  `db:"created_at"`
}

func (r *correctionRow) toDomain() (*domain.Correction, error) {
	c := &domain.Correction{
		ID:             r.ID,
		UserID:         r.UserID,
		CorrectionType: domain.CorrectionType(r.CorrectionType),
		EmailID:        r.EmailID,
		ProjectID:      r.ProjectID,
		Reason:         r.Reason,
		ProcessedAt:    r.ProcessedAt,
		CreatedAt:      r.CreatedAt,
	}
	if err := json.Unmarshal(r.OriginalResult, &c.OriginalResult); err != nil {
		return nil, fmt.Errorf("decode original_result: %w", err)
	}
	if err := json.Unmarshal(r.CorrectedResult, &c.CorrectedResult); err != nil {
		return nil, fmt.Errorf("decode corrected_result: %w", err)
	}
	if err := json.Unmarshal(r.LearningFeatures, &c.LearningFeatures); err != nil {
		return nil, fmt.Errorf("decode learning_features: %w", err)
	}
	return c, nil
}

func (a *CorrectionAdapter) CreateCorrection(ctx context.Context, c *domain.Correction) error {
	original, err := json.Marshal(c.OriginalResult)
	if err != nil {
		return fmt.Errorf("encode original_result: %w", err)
	}
	corrected, err := json.Marshal(c.CorrectedResult)
	if err != nil {
		return fmt.Errorf("encode corrected_result: %w", err)
	}
	features, err := json.Marshal(c.LearningFeatures)
	if err != nil {
		return fmt.Errorf("encode learning_features: %w", err)
	}

	query := `
		INSERT INTO grouping_corrections (
			user_id, correction_type, email_id, project_id,
			original_result, corrected_result, learning_features, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	err = a.db.QueryRowxContext(ctx, query,
		c.UserID, string(c.CorrectionType), c.EmailID, c.ProjectID,
		original, corrected, features, c.Reason,
	).Scan(&c.ID, &c.CreatedAt)
	return wrapErr(err, "create correction")
}

func (a *CorrectionAdapter) GetCorrection(ctx context.Context, userID uuid.UUID, id int64) (*domain.Correction, error) {
	query := `SELECT ` + correctionColumns + ` FROM grouping_corrections WHERE user_id = $1 AND id = $2`

	var row correctionRow
	if err := a.db.GetContext(ctx, &row, query, userID, id); err != nil {
		return nil, wrapErr(err, "get correction")
	}
	return row.toDomain()
}

// ListUnprocessed returns unprocessed corrections, newest first.
func (a *CorrectionAdapter) ListUnprocessed(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Correction, error) {
	query := `SELECT ` + correctionColumns + ` FROM grouping_corrections
		WHERE user_id = $1 AND processed_at IS NULL
		ORDER BY created_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []correctionRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrapErr(err, "list corrections")
	}
	list := make([]*domain.Correction, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("correction %d: %w", rows[i].ID, err)
		}
		list = append(list, c)
	}
	return list, nil
}

// MarkProcessed stamps the given corrections. Already processed ones keep
// their first timestamp and are not counted.
func (a *CorrectionAdapter) MarkProcessed(ctx context.Context, userID uuid.UUID, ids []int64, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := a.db.ExecContext(ctx, `
		UPDATE grouping_corrections SET processed_at = $3
		WHERE user_id = $1 AND id = ANY($2) AND processed_at IS NULL`,
		userID, pq.Array(ids), at)
	if err != nil {
		return 0, wrapErr(err, "mark corrections processed")
	}
	n, err := res.RowsAffected()
	return int(n), wrapErr(err, "mark corrections processed")
}

// =============================================================================
// Patterns
// =============================================================================

type patternRow struct {
	ID          int64          `db:"id"`
	UserID      uuid.UUID      `db:"user_id"`
	PatternType string         `db:"pattern_type"`
	PatternKey  string         `db:"pattern_key"`
	Occurrences int            `db:"occurrences"`
	Examples    []byte         `db:"examples"`
	Variations  pq.StringArray `db:"variations"`
	Confidence  float64        `db:"confidence"`
	UsageCount  int            `db:"usage_count"`
	IsActive    bool           `db:"is_active"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *patternRow) toDomain() (*domain.LearningPattern, error) {
	p := &domain.LearningPattern{
		ID:          r.ID,
		UserID:      r.UserID,
		PatternType: domain.PatternType(r.PatternType),
		Key:         r.PatternKey,
		Occurrences: r.Occurrences,
		Variations:  []string(r.Variations),
		Confidence:  r.Confidence,
		UsageCount:  r.UsageCount,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Examples) > 0 {
		if err := json.Unmarshal(r.Examples, &p.Examples); err != nil {
			return nil, fmt.Errorf("decode examples: %w", err)
		}
	}
	return p, nil
}

// UpsertPattern inserts or replaces the pattern identified by user, type and key.
func (a *CorrectionAdapter) UpsertPattern(ctx context.Context, p *domain.LearningPattern) error {
	examples, err := json.Marshal(p.Examples)
	if err != nil {
		return fmt.Errorf("encode examples: %w", err)
	}
	query := `
		INSERT INTO learning_patterns (
			user_id, pattern_type, pattern_key, occurrences, examples,
			variations, confidence, usage_count, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, pattern_type, pattern_key) DO UPDATE SET
			occurrences = EXCLUDED.occurrences,
			examples    = EXCLUDED.examples,
			variations  = EXCLUDED.variations,
			confidence  = EXCLUDED.confidence,
			usage_count = EXCLUDED.usage_count,
			is_active   = EXCLUDED.is_active,
			updated_at  = now()
		RETURNING id, created_at, updated_at`

	err = a.db.QueryRowxContext(ctx, query,
		p.UserID, string(p.PatternType), p.Key, p.Occurrences, examples,
		stringArray(p.Variations), p.Confidence, p.UsageCount, p.IsActive,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return wrapErr(err, "upsert pattern")
}

// ListPatterns returns active patterns. An empty type lists every type.
func (a *CorrectionAdapter) ListPatterns(ctx context.Context, userID uuid.UUID, patternType domain.PatternType) ([]*domain.LearningPattern, error) {
	query := `
		SELECT id, user_id, pattern_type, pattern_key, occurrences, examples,
		       variations, confidence, usage_count, is_active, created_at, updated_at
		FROM learning_patterns
		WHERE user_id = $1 AND is_active AND ($2 = '' OR pattern_type = $2)
		ORDER BY occurrences DESC, id`

	var rows []patternRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, string(patternType)); err != nil {
		return nil, wrapErr(err, "list patterns")
	}
	list := make([]*domain.LearningPattern, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", rows[i].ID, err)
		}
		list = append(list, p)
	}
	return list, nil
}

// =============================================================================
// Feedback
// =============================================================================

func (a *CorrectionAdapter) CreateFeedback(ctx context.Context, f *domain.ModelFeedback) error {
	query := `
		INSERT INTO model_feedback (user_id, correction_id, email_id, feedback_type, rating, comments)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	err := a.db.QueryRowxContext(ctx, query,
		f.UserID, f.CorrectionID, f.EmailID, f.FeedbackType, f.Rating, f.Comments,
	).Scan(&f.ID, &f.CreatedAt)
	return wrapErr(err, "create feedback")
}

var _ out.CorrectionRepository = (*CorrectionAdapter)(nil)
