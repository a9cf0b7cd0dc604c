package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories branch on.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
)

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsPgDuplicateError reports whether err is a unique constraint violation.
// For live rows the partial unique indexes are the conflict source, so this
// usually means a name or coordinate collision.
func IsPgDuplicateError(err error) bool {
	return pgErrCode(err) == sqlstateUniqueViolation
}

// IsPgForeignKeyError reports whether err is a foreign key violation,
// typically a reference to a study or project row that does not exist.
func IsPgForeignKeyError(err error) bool {
	return pgErrCode(err) == sqlstateForeignKeyViolation
}

// IsPgNoRowsError reports whether err is pgx's empty-result sentinel.
func IsPgNoRowsError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
