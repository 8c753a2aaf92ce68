// Package sqlstore implements persistence.Adapter over database/sql + sqlx,
// dialect-switched between SQLite and PostgreSQL (grounded on the teacher's
// internal/db and internal/persistence packages).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/config"
	"github.com/kandev/agentsession/internal/persistence"
	"github.com/kandev/agentsession/internal/sessionstate"
)

// pool mirrors the teacher's db.Pool: a writer connection (single-conn for
// SQLite to avoid SQLITE_BUSY) and a reader pool (same *sqlx.DB for
// Postgres, which manages pooling internally).
type pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func (p *pool) Close() error {
	werr := p.writer.Close()
	if p.reader != p.writer {
		if rerr := p.reader.Close(); rerr != nil && werr == nil {
			return rerr
		}
	}
	return werr
}

// Store implements persistence.Adapter.
type Store struct {
	pool   *pool
	driver string
}

// New opens (and migrates) a Store per cfg.Driver ("sqlite" or "pgx").
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	var p *pool

	switch cfg.Driver {
	case "", "sqlite":
		writer, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLite(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		reader.SetMaxOpenConns(4)
		reader.SetMaxIdleConns(4)
		p = &pool{writer: writer, reader: reader}

	case "pgx":
		dsn := buildPostgresDSN(cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
		db, err := openPostgres(dsn, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		p = &pool{writer: db, reader: db}

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	if err := migrate(ctx, p.writer); err != nil {
		_ = p.Close()
		return nil, err
	}

	return &Store{pool: p, driver: p.writer.DriverName()}, nil
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

type sessionRow struct {
	SessionID           string         `db:"session_id"`
	Architecture        string         `db:"architecture"`
	AgentProfileRef      string         `db:"agent_profile_ref"`
	SessionOptions       sql.NullString `db:"session_options"`
	CreatedAt            int64          `db:"created_at"`
	LastActivity         sql.NullInt64  `db:"last_activity"`
	Name                 sql.NullString `db:"name"`
	Metadata             sql.NullString `db:"metadata"`
	TranscriptMain       sql.NullString `db:"transcript_main"`
	TranscriptSubagents  sql.NullString `db:"transcript_subagents"`
}

func (s *Store) ListAllSessions(ctx context.Context) ([]sessionstate.PersistedListData, error) {
	var rows []sessionRow
	err := s.pool.reader.SelectContext(ctx, &rows,
		`SELECT session_id, architecture, agent_profile_ref, session_options, created_at, last_activity, name, metadata, transcript_main, transcript_subagents FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	out := make([]sessionstate.PersistedListData, 0, len(rows))
	for _, r := range rows {
		out = append(out, sessionstate.PersistedListData{
			SessionID:    r.SessionID,
			Architecture: blocks.Architecture(r.Architecture),
			Name:         nullStringPtr(r.Name),
			CreatedAt:    r.CreatedAt,
			LastActivity: nullInt64Ptr(r.LastActivity),
		})
	}
	return out, nil
}

func (s *Store) LoadSession(ctx context.Context, id string) (*sessionstate.Snapshot, error) {
	var r sessionRow
	err := s.pool.reader.GetContext(ctx, &r,
		s.pool.reader.Rebind(`SELECT session_id, architecture, agent_profile_ref, session_options, created_at, last_activity, name, metadata, transcript_main, transcript_subagents FROM sessions WHERE session_id = ?`),
		id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}

	snapshot := sessionstate.Snapshot{
		SessionID:       r.SessionID,
		Architecture:    blocks.Architecture(r.Architecture),
		AgentProfileRef: r.AgentProfileRef,
		CreatedAt:       r.CreatedAt,
		LastActivity:    nullInt64Ptr(r.LastActivity),
		Name:            nullStringPtr(r.Name),
	}
	if r.SessionOptions.Valid {
		snapshot.SessionOptions = decodeJSONMap(r.SessionOptions.String)
	}
	if r.Metadata.Valid {
		snapshot.Metadata = decodeJSONMap(r.Metadata.String)
	}
	if r.TranscriptMain.Valid {
		env := blocks.Envelope{Main: r.TranscriptMain.String}
		if r.TranscriptSubagents.Valid {
			_ = json.Unmarshal([]byte(r.TranscriptSubagents.String), &env.Subagents)
		}
		snapshot.RawTranscript = &env
	}

	var files []struct {
		Path    string         `db:"path"`
		Content sql.NullString `db:"content"`
	}
	if err := s.pool.reader.SelectContext(ctx, &files,
		s.pool.reader.Rebind(`SELECT path, content FROM workspace_files WHERE session_id = ?`), id); err != nil {
		return nil, fmt.Errorf("loading workspace files for %s: %w", id, err)
	}
	for _, f := range files {
		snapshot.WorkspaceFiles = append(snapshot.WorkspaceFiles, blocks.WorkspaceFile{
			Path: f.Path, Content: nullStringPtr(f.Content),
		})
	}

	return &snapshot, nil
}

func (s *Store) CreateSessionRecord(ctx context.Context, snapshot sessionstate.Snapshot) error {
	query := s.pool.writer.Rebind(`INSERT INTO sessions
		(session_id, architecture, agent_profile_ref, session_options, created_at, last_activity, name, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.pool.writer.ExecContext(ctx, query,
		snapshot.SessionID, string(snapshot.Architecture), snapshot.AgentProfileRef,
		encodeJSONMap(snapshot.SessionOptions), snapshot.CreatedAt, snapshot.LastActivity,
		snapshot.Name, encodeJSONMap(snapshot.Metadata))
	if err != nil {
		return fmt.Errorf("creating session record %s: %w", snapshot.SessionID, err)
	}
	return nil
}

func (s *Store) UpdateSessionRecord(ctx context.Context, id string, partial map[string]interface{}) error {
	if len(partial) == 0 {
		return nil
	}

	setClause := ""
	args := make([]interface{}, 0, len(partial)+1)
	i := 0
	for col, val := range partial {
		if i > 0 {
			setClause += ", "
		}
		setClause += col + " = ?"
		args = append(args, val)
		i++
	}
	args = append(args, id)

	query := s.pool.writer.Rebind(fmt.Sprintf(`UPDATE sessions SET %s WHERE session_id = ?`, setClause))
	if _, err := s.pool.writer.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating session record %s: %w", id, err)
	}
	return nil
}

func (s *Store) SaveTranscript(ctx context.Context, sessionID string, envelope blocks.Envelope) error {
	subagentsJSON, err := json.Marshal(envelope.Subagents)
	if err != nil {
		return fmt.Errorf("encoding subagent transcripts: %w", err)
	}

	query := s.pool.writer.Rebind(`UPDATE sessions SET transcript_main = ?, transcript_subagents = ? WHERE session_id = ?`)
	if _, err := s.pool.writer.ExecContext(ctx, query, envelope.Main, string(subagentsJSON), sessionID); err != nil {
		return fmt.Errorf("saving transcript for %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) SaveWorkspaceFile(ctx context.Context, sessionID string, file blocks.WorkspaceFile) error {
	// workspace_files has a composite primary key, so the conflict target
	// is spelled out directly rather than through the single-column
	// upsertClause helper.
	var query string
	if isPostgres(s.driver) {
		query = `INSERT INTO workspace_files (session_id, path, content) VALUES (?, ?, ?)
			ON CONFLICT (session_id, path) DO UPDATE SET content = excluded.content`
	} else {
		query = `INSERT INTO workspace_files (session_id, path, content) VALUES (?, ?, ?)
			ON CONFLICT(session_id, path) DO UPDATE SET content = excluded.content`
	}

	if _, err := s.pool.writer.ExecContext(ctx, s.pool.writer.Rebind(query), sessionID, file.Path, file.Content); err != nil {
		return fmt.Errorf("saving workspace file %s/%s: %w", sessionID, file.Path, err)
	}
	return nil
}

func (s *Store) DeleteSessionFile(ctx context.Context, sessionID string, path string) error {
	query := s.pool.writer.Rebind(`DELETE FROM workspace_files WHERE session_id = ? AND path = ?`)
	if _, err := s.pool.writer.ExecContext(ctx, query, sessionID, path); err != nil {
		return fmt.Errorf("deleting workspace file %s/%s: %w", sessionID, path, err)
	}
	return nil
}

func (s *Store) ListAgentProfiles(ctx context.Context) ([]persistence.AgentProfileSummary, error) {
	var rows []struct {
		ID   string `db:"id"`
		Name string `db:"name"`
	}
	if err := s.pool.reader.SelectContext(ctx, &rows, `SELECT id, name FROM agent_profiles ORDER BY name`); err != nil {
		return nil, fmt.Errorf("listing agent profiles: %w", err)
	}
	out := make([]persistence.AgentProfileSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, persistence.AgentProfileSummary{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

func (s *Store) LoadAgentProfile(ctx context.Context, id string) (*persistence.AgentProfile, error) {
	var row struct {
		ID           string `db:"id"`
		Name         string `db:"name"`
		Architecture string `db:"architecture"`
		Definition   string `db:"definition"`
	}
	err := s.pool.reader.GetContext(ctx, &row,
		s.pool.reader.Rebind(`SELECT id, name, architecture, definition FROM agent_profiles WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent profile %s: %w", id, err)
	}

	return &persistence.AgentProfile{
		ID:           row.ID,
		Name:         row.Name,
		Architecture: blocks.Architecture(row.Architecture),
		Definition:   decodeJSONMap(row.Definition),
	}, nil
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func encodeJSONMap(m map[string]interface{}) *string {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func decodeJSONMap(raw string) map[string]interface{} {
	if raw == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
