package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	"grouper_server/core/port/out"

	"github.com/jackc/pgx/v5/pgconn"
)

// Persistence errors are the port's sentinels so services can match them
// without importing this package.
var (
	ErrNotFound  = out.ErrNotFound
	ErrDuplicate = out.ErrDuplicate
)

const pgUniqueViolation = "23505"

// wrapErr maps driver errors onto the persistence sentinels.
func wrapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}
