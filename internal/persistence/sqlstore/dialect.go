package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Driver name constants, matching the teacher's internal/db/dialect package.
const (
	DriverSQLite = "sqlite3"
	DriverPGX    = "pgx"
)

func isPostgres(driver string) bool {
	return driver == DriverPGX
}

// insertReturningID executes an INSERT and returns the newly-assigned
// rowid: Postgres via RETURNING, SQLite via LastInsertId.
func insertReturningID(ctx context.Context, db *sqlx.DB, query string, args ...any) (int64, error) {
	if isPostgres(db.DriverName()) {
		var id int64
		if err := db.QueryRowContext(ctx, db.Rebind(query+" RETURNING rowid"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert returning rowid: %w", err)
		}
		return id, nil
	}
	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// upsertClause returns the dialect-specific "on conflict do update" tail
// for a single-column primary key.
func upsertClause(driver, conflictCol string, setCols []string) string {
	var sets string
	for i, col := range setCols {
		if i > 0 {
			sets += ", "
		}
		sets += fmt.Sprintf("%s = excluded.%s", col, col)
	}
	if isPostgres(driver) {
		return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictCol, sets)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflictCol, sets)
}
