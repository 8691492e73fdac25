package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ProjectAdapter implements out.ProjectRepository on PostgreSQL.
type ProjectAdapter struct {
	db *sqlx.DB
}

func NewProjectAdapter(db *sqlx.DB) *ProjectAdapter {
	return &ProjectAdapter{db: db}
}

const projectColumns = `
	id, project_id, user_id, project_name, name_aliases,
	address_full, address_street, address_suburb, address_state, address_postcode,
	client_name, client_email, client_phone, client_company,
	project_type, job_numbers, keywords, status, email_count, last_email_at,
	confidence_score, needs_review, created_from_email_id, created_at, updated_at`

type projectRow struct {
	ID                 int64          `db:"id"`
	ProjectID          string         `db:"project_id"`
	UserID             uuid.UUID      `db:"user_id"`
	ProjectName        string         `db:"project_name"`
	NameAliases        pq.StringArray `db:"name_aliases"`
	AddressFull        string         `db:"address_full"`
	AddressStreet      string         `db:"address_street"`
	AddressSuburb      string         `db:"address_suburb"`
	AddressState       string         `db:"address_state"`
	AddressPostcode    string         `db:"address_postcode"`
	ClientName         string         `db:"client_name"`
	ClientEmail        string         `db:"client_email"`
	ClientPhone        string         `db:"client_phone"`
	ClientCompany      string         `db:"client_company"`
	ProjectType        string         `db:"project_type"`
	JobNumbers         pq.StringArray `db:"job_numbers"`
	Keywords           pq.StringArray `db:"keywords"`
	Status             string         `db:"status"`
	EmailCount         int            `db:"email_count"`
	LastEmailAt        *time.Time     `db:"last_email_at"`
	ConfidenceScore    float64        `db:"confidence_score"`
	NeedsReview        bool           `db:"needs_review"`
	CreatedFromEmailID string         `db:"created_from_email_id"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r *projectRow) toDomain() *domain.Project {
	return &domain.Project{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		UserID:      r.UserID,
		ProjectName: r.ProjectName,
		NameAliases: []string(r.NameAliases),
		Address: domain.Address{
			FullAddress: r.AddressFull,
			Street:      r.AddressStreet,
			Suburb:      r.AddressSuburb,
			State:       r.AddressState,
			Postcode:    r.AddressPostcode,
		},
		ClientName:         r.ClientName,
		ClientEmail:        r.ClientEmail,
		ClientPhone:        r.ClientPhone,
		ClientCompany:      r.ClientCompany,
		ProjectType:        r.ProjectType,
		JobNumbers:         []string(r.JobNumbers),
		Keywords:           []string(r.Keywords),
		Status:             domain.ProjectStatus(r.Status),
		EmailCount:         r.EmailCount,
		LastEmailAt:        r.LastEmailAt,
		ConfidenceScore:    r.ConfidenceScore,
		NeedsReview:        r.NeedsReview,
		CreatedFromEmailID: r.CreatedFromEmailID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func stringArray(values []string) pq.StringArray {
	if values == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(values)
}

// =============================================================================
// Projects
// =============================================================================

func (a *ProjectAdapter) Create(ctx context.Context, p *domain.Project) error {
	if p.Status == "" {
		p.Status = domain.ProjectActive
	}
	query := `
		INSERT INTO projects (
			project_id, user_id, project_name, name_aliases,
			address_full, address_street, address_suburb, address_state, address_postcode, address_key,
			client_name, client_email, client_phone, client_company,
			project_type, job_numbers, keywords, status,
			confidence_score, needs_review, created_from_email_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING id, created_at, updated_at`

	err := a.db.QueryRowxContext(ctx, query,
		p.ProjectID, p.UserID, p.ProjectName, stringArray(p.NameAliases),
		p.Address.FullAddress, p.Address.Street, p.Address.Suburb, p.Address.State, p.Address.Postcode,
		domain.Normalize(p.Address.String()),
		p.ClientName, p.ClientEmail, p.ClientPhone, p.ClientCompany,
		p.ProjectType, stringArray(p.JobNumbers), stringArray(p.Keywords), string(p.Status),
		p.ConfidenceScore, p.NeedsReview, p.CreatedFromEmailID,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return wrapErr(err, "create project")
}

// Update writes the descriptive fields. Aliases, job numbers and email
// statistics have their own operations.
func (a *ProjectAdapter) Update(ctx context.Context, p *domain.Project) error {
	query := `
		UPDATE projects SET
			project_name = $3,
			address_full = $4, address_street = $5, address_suburb = $6,
			address_state = $7, address_postcode = $8, address_key = $9,
			client_name = $10, client_email = $11, client_phone = $12, client_company = $13,
			project_type = $14, keywords = $15, status = $16, needs_review = $17,
			updated_at = now()
		WHERE user_id = $1 AND project_id = $2`

	res, err := a.db.ExecContext(ctx, query,
		p.UserID, p.ProjectID, p.ProjectName,
		p.Address.FullAddress, p.Address.Street, p.Address.Suburb,
		p.Address.State, p.Address.Postcode, domain.Normalize(p.Address.String()),
		p.ClientName, p.ClientEmail, p.ClientPhone, p.ClientCompany,
		p.ProjectType, stringArray(p.Keywords), string(p.Status), p.NeedsReview,
	)
	return affected(res, err, "update project")
}

func (a *ProjectAdapter) GetByProjectID(ctx context.Context, userID uuid.UUID, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE user_id = $1 AND project_id = $2`

	var row projectRow
	if err := a.db.GetContext(ctx, &row, query, userID, projectID); err != nil {
		return nil, wrapErr(err, "get project")
	}
	return row.toDomain(), nil
}

func (a *ProjectAdapter) ListActive(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error) {
	status := domain.ProjectActive
	return a.List(ctx, userID, domain.ProjectFilter{Status: &status})
}

func (a *ProjectAdapter) List(ctx context.Context, userID uuid.UUID, filter domain.ProjectFilter) ([]*domain.Project, error) {
	conditions := []string{"user_id = $1"}
	args := []interface{}{userID}
	argIdx := 2

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(*filter.Status))
		argIdx++
	}
	if filter.NeedsReview != nil {
		conditions = append(conditions, fmt.Sprintf("needs_review = $%d", argIdx))
		args = append(args, *filter.NeedsReview)
		argIdx++
	}

	query := `SELECT ` + projectColumns + ` FROM projects WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY last_email_at DESC NULLS LAST, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	var rows []projectRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrapErr(err, "list projects")
	}
	projects := make([]*domain.Project, len(rows))
	for i := range rows {
		projects[i] = rows[i].toDomain()
	}
	return projects, nil
}

// findActive returns the most recently active project matching cond, or nil.
func (a *ProjectAdapter) findActive(ctx context.Context, op, cond string, args ...interface{}) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects
		WHERE user_id = $1 AND status = 'active' AND ` + cond + `
		ORDER BY last_email_at DESC NULLS LAST, id DESC
		LIMIT 1`

	var row projectRow
	if err := a.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr(err, op)
	}
	return row.toDomain(), nil
}

func (a *ProjectAdapter) FindByName(ctx context.Context, userID uuid.UUID, name string) (*domain.Project, error) {
	n := domain.Normalize(name)
	if n == "" {
		return nil, nil
	}
	return a.findActive(ctx, "find project by name",
		`(lower(btrim(project_name)) = $2 OR EXISTS (SELECT 1 FROM unnest(name_aliases) al WHERE lower(btrim(al)) = $2))`,
		userID, n)
}

func (a *ProjectAdapter) FindByAddress(ctx context.Context, userID uuid.UUID, address string) (*domain.Project, error) {
	n := domain.Normalize(address)
	if n == "" {
		return nil, nil
	}
	return a.findActive(ctx, "find project by address", `address_key = $2`, userID, n)
}

func (a *ProjectAdapter) FindByJobNumber(ctx context.Context, userID uuid.UUID, jobNumber string) (*domain.Project, error) {
	n := domain.Normalize(jobNumber)
	if n == "" {
		return nil, nil
	}
	return a.findActive(ctx, "find project by job number",
		`EXISTS (SELECT 1 FROM unnest(job_numbers) j WHERE lower(btrim(j)) = $2)`,
		userID, n)
}

// lockProject loads a project row for update inside tx.
func lockProject(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE user_id = $1 AND project_id = $2 FOR UPDATE`

	var row projectRow
	if err := tx.GetContext(ctx, &row, query, userID, projectID); err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// withTx runs fn in a transaction, committing on success.
func (a *ProjectAdapter) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr(err, op)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return wrapErr(err, op)
	}
	return wrapErr(tx.Commit(), op)
}

func (a *ProjectAdapter) AddAlias(ctx context.Context, userID uuid.UUID, projectID, alias string) (bool, error) {
	added := false
	err := a.withTx(ctx, "add alias", func(tx *sqlx.Tx) error {
		p, err := lockProject(ctx, tx, userID, projectID)
		if err != nil {
			return err
		}
		if !p.AddAlias(alias) {
			return nil
		}
		added = true
		_, err = tx.ExecContext(ctx,
			`UPDATE projects SET name_aliases = $3, updated_at = now() WHERE user_id = $1 AND project_id = $2`,
			userID, projectID, stringArray(p.NameAliases))
		return err
	})
	return added, err
}

func (a *ProjectAdapter) MergeJobNumbers(ctx context.Context, userID uuid.UUID, projectID string, jobNumbers []string) error {
	return a.withTx(ctx, "merge job numbers", func(tx *sqlx.Tx) error {
		p, err := lockProject(ctx, tx, userID, projectID)
		if err != nil {
			return err
		}
		if !p.MergeJobNumbers(jobNumbers) {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE projects SET job_numbers = $3, updated_at = now() WHERE user_id = $1 AND project_id = $2`,
			userID, projectID, stringArray(p.JobNumbers))
		return err
	})
}

func (a *ProjectAdapter) SetStatus(ctx context.Context, userID uuid.UUID, projectID string, status domain.ProjectStatus) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE projects SET status = $3, updated_at = now() WHERE user_id = $1 AND project_id = $2`,
		userID, projectID, string(status))
	return affected(res, err, "set project status")
}

func (a *ProjectAdapter) SetNeedsReview(ctx context.Context, userID uuid.UUID, projectID string, needsReview bool) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE projects SET needs_review = $3, updated_at = now() WHERE user_id = $1 AND project_id = $2`,
		userID, projectID, needsReview)
	return affected(res, err, "set needs review")
}

// =============================================================================
// Mappings
// =============================================================================

const mappingColumns = `
	id, user_id, email_id, thread_id, project_id, confidence,
	association_method, is_active, created_at, updated_at`

type mappingRow struct {
	ID                int64     `db:"id"`
	UserID            uuid.UUID `db:"user_id"`
	EmailID           string    `db:"email_id"`
	ThreadID          string    `db:"thread_id"`
	ProjectID         string    `db:"project_id"`
	Confidence        float64   `db:"confidence"`
	AssociationMethod string    `db:"association_method"`
	IsActive          bool      `db:"is_active"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *mappingRow) toDomain() *domain.EmailProjectMapping {
	return &domain.EmailProjectMapping{
		ID:                r.ID,
		UserID:            r.UserID,
		EmailID:           r.EmailID,
		ThreadID:          r.ThreadID,
		ProjectID:         r.ProjectID,
		Confidence:        r.Confidence,
		AssociationMethod: domain.AssociationMethod(r.AssociationMethod),
		IsActive:          r.IsActive,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// recount refreshes email_count from the active mappings.
func recount(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, projectID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE projects SET
			email_count = (
				SELECT count(*) FROM email_project_mappings
				WHERE user_id = $1 AND project_id = $2 AND is_active
			),
			updated_at = now()
		WHERE user_id = $1 AND project_id = $2`,
		userID, projectID)
	return err
}

// AssignEmail maps an email to a project. The project row is locked so the
// count and last_email_at move together with the mapping.
func (a *ProjectAdapter) AssignEmail(ctx context.Context, params out.AssignEmailParams) (*domain.EmailProjectMapping, bool, error) {
	var (
		row     mappingRow
		created bool
	)
	at := params.EmailAt
	if at.IsZero() {
		at = time.Now()
	}
	err := a.withTx(ctx, "assign email", func(tx *sqlx.Tx) error {
		if _, err := lockProject(ctx, tx, params.UserID, params.ProjectID); err != nil {
			return err
		}

		insert := `
			INSERT INTO email_project_mappings (user_id, email_id, thread_id, project_id, confidence, association_method)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, email_id, project_id) WHERE is_active DO NOTHING
			RETURNING ` + mappingColumns
		err := tx.GetContext(ctx, &row, insert,
			params.UserID, params.EmailID, params.ThreadID, params.ProjectID,
			params.Confidence, string(params.Method))
		switch {
		case err == nil:
			created = true
		case errors.Is(err, sql.ErrNoRows):
			existing := `SELECT ` + mappingColumns + ` FROM email_project_mappings
				WHERE user_id = $1 AND email_id = $2 AND project_id = $3 AND is_active`
			if err := tx.GetContext(ctx, &row, existing, params.UserID, params.EmailID, params.ProjectID); err != nil {
				return err
			}
		default:
			return err
		}

		if err := recount(ctx, tx, params.UserID, params.ProjectID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE projects SET last_email_at = $3
			WHERE user_id = $1 AND project_id = $2 AND (last_email_at IS NULL OR last_email_at < $3)`,
			params.UserID, params.ProjectID, at)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return row.toDomain(), created, nil
}

func (a *ProjectAdapter) RemoveEmail(ctx context.Context, userID uuid.UUID, projectID, emailID string) error {
	return a.withTx(ctx, "remove email", func(tx *sqlx.Tx) error {
		if _, err := lockProject(ctx, tx, userID, projectID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE email_project_mappings SET is_active = FALSE, updated_at = now()
			WHERE user_id = $1 AND project_id = $2 AND email_id = $3 AND is_active`,
			userID, projectID, emailID)
		if err := affected(res, err, "deactivate mapping"); err != nil {
			return err
		}
		return recount(ctx, tx, userID, projectID)
	})
}

func (a *ProjectAdapter) ActiveMappings(ctx context.Context, userID uuid.UUID, emailID string) ([]*domain.EmailProjectMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM email_project_mappings
		WHERE user_id = $1 AND email_id = $2 AND is_active
		ORDER BY id`

	var rows []mappingRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, emailID); err != nil {
		return nil, wrapErr(err, "list mappings")
	}
	mappings := make([]*domain.EmailProjectMapping, len(rows))
	for i := range rows {
		mappings[i] = rows[i].toDomain()
	}
	return mappings, nil
}

func (a *ProjectAdapter) MappedEmails(ctx context.Context, userID uuid.UUID, emailIDs []string) (map[string]bool, error) {
	mapped := make(map[string]bool)
	if len(emailIDs) == 0 {
		return mapped, nil
	}
	var ids []string
	err := a.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT email_id FROM email_project_mappings
		WHERE user_id = $1 AND email_id = ANY($2) AND is_active`,
		userID, pq.Array(emailIDs))
	if err != nil {
		return nil, wrapErr(err, "mapped emails")
	}
	for _, id := range ids {
		mapped[id] = true
	}
	return mapped, nil
}

func (a *ProjectAdapter) CountActiveMappings(ctx context.Context, userID uuid.UUID, projectID string) (int, error) {
	var n int
	err := a.db.GetContext(ctx, &n, `
		SELECT count(*) FROM email_project_mappings
		WHERE user_id = $1 AND project_id = $2 AND is_active`,
		userID, projectID)
	return n, wrapErr(err, "count mappings")
}

// affected turns a zero-row update into ErrNotFound.
func affected(res sql.Result, err error, op string) error {
	if err != nil {
		return wrapErr(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err, op)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

var _ out.ProjectRepository = (*ProjectAdapter)(nil)
