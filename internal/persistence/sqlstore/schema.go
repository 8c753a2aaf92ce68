package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// jsonColumnType returns the dialect-appropriate column type for storing
// arbitrary JSON-encoded text.
func jsonColumnType(driver string) string {
	if isPostgres(driver) {
		return "JSONB"
	}
	return "TEXT"
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	driver := db.DriverName()
	jsonType := jsonColumnType(driver)

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			session_id          TEXT PRIMARY KEY,
			architecture         TEXT NOT NULL,
			agent_profile_ref    TEXT NOT NULL,
			session_options      %s,
			created_at           BIGINT NOT NULL,
			last_activity        BIGINT,
			name                 TEXT,
			metadata             %s,
			transcript_main      TEXT,
			transcript_subagents %s
		)`, jsonType, jsonType, jsonType),

		`CREATE TABLE IF NOT EXISTS workspace_files (
			session_id TEXT NOT NULL,
			path       TEXT NOT NULL,
			content    TEXT,
			PRIMARY KEY (session_id, path)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_profiles (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			architecture TEXT NOT NULL,
			definition   %s
		)`, jsonType),
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}
