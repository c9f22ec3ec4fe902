// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Audit and turn-usage persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a SQLite store at the given path. The schema is
// created if it doesn't exist, parent directories too.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);

		CREATE TABLE IF NOT EXISTS turn_usage (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			backend_id    TEXT NOT NULL,
			credential_id TEXT,
			class         TEXT NOT NULL,
			degraded      INTEGER NOT NULL DEFAULT 0,
			attempts      INTEGER NOT NULL DEFAULT 1,
			duration_ms   INTEGER NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_backend_created
			ON turn_usage(backend_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_usage_user
			ON turn_usage(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// AppendAudit appends an entry to the audit log. Generates ID and Timestamp
// when not set.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		e.Action,
		e.TargetType,
		e.TargetID,
		e.Timestamp.UTC().Format(time.RFC3339),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// ListAudit returns audit entries matching the filter, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	query := `
		SELECT audit_id, actor, action, target_type, target_id, ts, detail_json
		FROM audit_log
		WHERE 1=1
	`
	args := []any{}

	if f.Since != nil {
		query += " AND ts >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if f.Until != nil {
		query += " AND ts <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	if f.Actor != nil {
		query += " AND actor = ?"
		args = append(args, *f.Actor)
	}
	if f.Action != nil {
		query += " AND action = ?"
		args = append(args, string(*f.Action))
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var actionStr, tsStr string
		var detailJSON sql.NullString

		if err := rows.Scan(&e.ID, &e.Actor, &actionStr, &e.TargetType, &e.TargetID, &tsStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(actionStr)
		e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON.Valid {
			if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

// RecordTurn stores one turn outcome. Generates ID and CreatedAt when not set.
func (s *SQLiteStore) RecordTurn(ctx context.Context, u *TurnUsage) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO turn_usage (id, user_id, backend_id, credential_id, class, degraded, attempts, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		u.ID,
		u.UserID,
		u.BackendID,
		nullString(u.CredentialID),
		u.Class,
		boolToInt(u.Degraded),
		u.Attempts,
		u.Duration.Milliseconds(),
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting turn usage: %w", err)
	}

	s.logger.Debug("recorded turn",
		"user", u.UserID,
		"backend", u.BackendID,
		"class", u.Class,
		"attempts", u.Attempts,
	)
	return nil
}

// ListTurns returns usage rows matching the filter, newest first.
func (s *SQLiteStore) ListTurns(ctx context.Context, f UsageFilter) ([]*TurnUsage, error) {
	query := `
		SELECT id, user_id, backend_id, credential_id, class, degraded, attempts, duration_ms, created_at
		FROM turn_usage
		WHERE 1=1
	`
	args := []any{}
	query, args = applyUsageFilter(query, args, f)
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turn usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	usages := []*TurnUsage{}
	for rows.Next() {
		var u TurnUsage
		var credentialID sql.NullString
		var degraded, durationMs int64
		var createdAtStr string

		if err := rows.Scan(&u.ID, &u.UserID, &u.BackendID, &credentialID, &u.Class, &degraded, &u.Attempts, &durationMs, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning turn usage: %w", err)
		}
		u.CredentialID = credentialID.String
		u.Degraded = degraded != 0
		u.Duration = time.Duration(durationMs) * time.Millisecond
		u.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		usages = append(usages, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return usages, nil
}

// Stats returns aggregated turn counters matching the filter.
func (s *SQLiteStore) Stats(ctx context.Context, f UsageFilter) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN class = 'ok' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(degraded), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM turn_usage
		WHERE 1=1
	`
	args := []any{}
	query, args = applyUsageFilter(query, args, f)

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Turns,
		&stats.Succeeded,
		&stats.Degraded,
		&stats.AvgDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return &stats, nil
}

func applyUsageFilter(query string, args []any, f UsageFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(query)
	if f.BackendID != nil {
		b.WriteString(" AND backend_id = ?")
		args = append(args, *f.BackendID)
	}
	if f.UserID != nil {
		b.WriteString(" AND user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.Since != nil {
		b.WriteString(" AND created_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if f.Until != nil {
		b.WriteString(" AND created_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	return b.String(), args
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
