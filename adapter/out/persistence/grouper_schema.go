package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id                    BIGSERIAL PRIMARY KEY,
		project_id            TEXT NOT NULL UNIQUE,
		user_id               UUID NOT NULL,
		project_name          TEXT NOT NULL,
		name_aliases          TEXT[] NOT NULL DEFAULT '{}',
		address_full          TEXT NOT NULL DEFAULT '',
		address_street        TEXT NOT NULL DEFAULT '',
		address_suburb        TEXT NOT NULL DEFAULT '',
		address_state         TEXT NOT NULL DEFAULT '',
		address_postcode      TEXT NOT NULL DEFAULT '',
		address_key           TEXT NOT NULL DEFAULT '',
		client_name           TEXT NOT NULL DEFAULT '',
		client_email          TEXT NOT NULL DEFAULT '',
		client_phone          TEXT NOT NULL DEFAULT '',
		client_company        TEXT NOT NULL DEFAULT '',
		project_type          TEXT NOT NULL DEFAULT '',
		job_numbers           TEXT[] NOT NULL DEFAULT '{}',
		keywords              TEXT[] NOT NULL DEFAULT '{}',
		status                TEXT NOT NULL DEFAULT 'active',
		email_count           INT NOT NULL DEFAULT 0,
		last_email_at         TIMESTAMPTZ,
		confidence_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
		needs_review          BOOLEAN NOT NULL DEFAULT FALSE,
		created_from_email_id TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_projects_user_status ON projects (user_id, status, last_email_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_projects_user_name ON projects (user_id, lower(project_name))`,
	`CREATE INDEX IF NOT EXISTS idx_projects_user_address ON projects (user_id, address_key)`,

	`CREATE TABLE IF NOT EXISTS email_project_mappings (
		id                 BIGSERIAL PRIMARY KEY,
		user_id            UUID NOT NULL,
		email_id           TEXT NOT NULL,
		thread_id          TEXT NOT NULL DEFAULT '',
		project_id         TEXT NOT NULL REFERENCES projects (project_id),
		confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
		association_method TEXT NOT NULL,
		is_active          BOOLEAN NOT NULL DEFAULT TRUE,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_mappings_active
		ON email_project_mappings (user_id, email_id, project_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_mappings_project ON email_project_mappings (user_id, project_id) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS grouping_corrections (
		id                BIGSERIAL PRIMARY KEY,
		user_id           UUID NOT NULL,
		correction_type   TEXT NOT NULL,
		email_id          TEXT,
		project_id        TEXT,
		original_result   JSONB NOT NULL,
		corrected_result  JSONB NOT NULL,
		learning_features JSONB NOT NULL,
		reason            TEXT NOT NULL DEFAULT '',
		processed_at      TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_corrections_unprocessed
		ON grouping_corrections (user_id, created_at DESC) WHERE processed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS learning_patterns (
		id           BIGSERIAL PRIMARY KEY,
		user_id      UUID NOT NULL,
		pattern_type TEXT NOT NULL,
		pattern_key  TEXT NOT NULL,
		occurrences  INT NOT NULL DEFAULT 0,
		examples     JSONB NOT NULL DEFAULT '[]',
		variations   TEXT[] NOT NULL DEFAULT '{}',
		confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
		usage_count  INT NOT NULL DEFAULT 0,
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, pattern_type, pattern_key)
	)`,

	`CREATE TABLE IF NOT EXISTS model_feedback (
		id            BIGSERIAL PRIMARY KEY,
		user_id       UUID NOT NULL,
		correction_id BIGINT REFERENCES grouping_corrections (id),
		email_id      TEXT,
		feedback_type TEXT NOT NULL,
		rating        INT NOT NULL CHECK (rating BETWEEN 1 AND 5),
		comments      TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS scan_jobs (
		id                   BIGSERIAL PRIMARY KEY,
		user_id              UUID NOT NULL,
		job_type             TEXT NOT NULL,
		date_range_start     TIMESTAMPTZ,
		date_range_end       TIMESTAMPTZ,
		query                TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL,
		total_items          INT NOT NULL DEFAULT 0,
		processed_items      INT NOT NULL DEFAULT 0,
		failed_items         INT NOT NULL DEFAULT 0,
		batch_size           INT NOT NULL DEFAULT 50,
		page_token           TEXT NOT NULL DEFAULT '',
		page_offset          INT NOT NULL DEFAULT 0,
		auto_create          BOOLEAN NOT NULL DEFAULT FALSE,
		confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
		result_summary       JSONB NOT NULL DEFAULT '{}',
		error_message        TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at           TIMESTAMPTZ,
		completed_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_jobs_user ON scan_jobs (user_id, id DESC)`,

	`CREATE TABLE IF NOT EXISTS scan_configurations (
		user_id          UUID PRIMARY KEY,
		include_labels   TEXT[] NOT NULL DEFAULT '{}',
		exclude_labels   TEXT[] NOT NULL DEFAULT '{}',
		excluded_senders TEXT[] NOT NULL DEFAULT '{}',
		excluded_domains TEXT[] NOT NULL DEFAULT '{}',
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS mail_connections (
		user_id       UUID NOT NULL,
		provider      TEXT NOT NULL,
		email         TEXT NOT NULL DEFAULT '',
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		token_type    TEXT NOT NULL DEFAULT 'Bearer',
		expires_at    TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, provider)
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
