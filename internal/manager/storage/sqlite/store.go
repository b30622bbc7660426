// Package sqlite provides the SQLite-backed work-queue store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/botfleet/botfleet/internal/manager/storage"
	"github.com/botfleet/botfleet/internal/manager/storage/sqlite/migrations"
	"github.com/botfleet/botfleet/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for the session manager.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the manager SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// EnqueuePending inserts one pending session. A session with the same ID
// fails with storage.ErrDuplicatePending; it is never overwritten.
func (s *Store) EnqueuePending(ctx context.Context, session storage.PendingSession) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	session.ID = strings.TrimSpace(session.ID)
	session.Phone = strings.TrimSpace(session.Phone)
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if len(session.Credentials) == 0 {
		return fmt.Errorf("session credentials are required")
	}
	if session.EnqueuedAt.IsZero() {
		session.EnqueuedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_sessions (id, credentials, phone, enqueued_at)
VALUES (?, ?, ?, ?)
`,
		session.ID,
		session.Credentials,
		session.Phone,
		session.EnqueuedAt.UTC().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("enqueue pending %s: %w", session.ID, storage.ErrDuplicatePending)
		}
		return fmt.Errorf("enqueue pending: %w", err)
	}
	return nil
}

// ListPending returns pending sessions oldest-first.
func (s *Store) ListPending(ctx context.Context) ([]storage.PendingSession, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, credentials, phone, enqueued_at
FROM pending_sessions
ORDER BY enqueued_at ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var sessions []storage.PendingSession
	for rows.Next() {
		var session storage.PendingSession
		var enqueuedAt int64
		if err := rows.Scan(&session.ID, &session.Credentials, &session.Phone, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		session.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return sessions, nil
}

// RemovePending deletes one pending session. Removing an absent session is
// a no-op.
func (s *Store) RemovePending(ctx context.Context, sessionID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pending_sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("remove pending: %w", err)
	}
	return nil
}

// Authorize records one identity as allowed to run a session. Authorizing
// an already-authorized identity is a no-op.
func (s *Store) Authorize(ctx context.Context, externalID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return fmt.Errorf("external id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO authorized_identities (external_id, authorized_at)
VALUES (?, ?)
`, externalID, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("authorize identity: %w", err)
	}
	return nil
}

// IsAuthorized reports whether the identity may run a session.
func (s *Store) IsAuthorized(ctx context.Context, externalID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return false, fmt.Errorf("external id is required")
	}
	var found int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM authorized_identities WHERE external_id = ?`, externalID)
	if err := row.Scan(&found); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check authorized: %w", err)
	}
	return true, nil
}

// ListAuthorized lists authorized identities oldest-first.
func (s *Store) ListAuthorized(ctx context.Context) ([]storage.AuthorizedIdentity, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT external_id, authorized_at
FROM authorized_identities
ORDER BY authorized_at ASC, external_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list authorized: %w", err)
	}
	defer rows.Close()

	var identities []storage.AuthorizedIdentity
	for rows.Next() {
		var identity storage.AuthorizedIdentity
		var authorizedAt int64
		if err := rows.Scan(&identity.ExternalID, &authorizedAt); err != nil {
			return nil, fmt.Errorf("scan authorized: %w", err)
		}
		identity.AuthorizedAt = time.UnixMilli(authorizedAt).UTC()
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate authorized: %w", err)
	}
	return identities, nil
}

// RecordExpired appends one expiry audit record.
func (s *Store) RecordExpired(ctx context.Context, record storage.ExpiredRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	record.Subject = strings.TrimSpace(record.Subject)
	if record.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	switch record.Reason {
	case storage.ExpireReasonNotAuthorized, storage.ExpireReasonLoggedOut, storage.ExpireReasonProcessingError:
	default:
		return fmt.Errorf("unknown expire reason %q", record.Reason)
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO expired_records (subject, reason, recorded_at)
VALUES (?, ?, ?)
`, record.Subject, string(record.Reason), record.RecordedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record expired: %w", err)
	}
	return nil
}

// ListExpired lists newest-first expiry records.
func (s *Store) ListExpired(ctx context.Context, limit int) ([]storage.ExpiredRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT subject, reason, recorded_at
FROM expired_records
ORDER BY recorded_at DESC, id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	defer rows.Close()

	var records []storage.ExpiredRecord
	for rows.Next() {
		var record storage.ExpiredRecord
		var reason string
		var recordedAt int64
		if err := rows.Scan(&record.Subject, &reason, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		record.Reason = storage.ExpireReason(reason)
		record.RecordedAt = time.UnixMilli(recordedAt).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired: %w", err)
	}
	return records, nil
}

// AddRunning inserts one running-bot row. A second row for the same
// external identity fails with storage.ErrDuplicateRunning.
func (s *Store) AddRunning(ctx context.Context, bot storage.RunningBot) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	bot.ExternalID = strings.TrimSpace(bot.ExternalID)
	bot.BotID = strings.TrimSpace(bot.BotID)
	if bot.ExternalID == "" {
		return fmt.Errorf("external id is required")
	}
	if bot.BotID == "" {
		return fmt.Errorf("bot id is required")
	}
	if bot.StartedAt.IsZero() {
		bot.StartedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO running_bots (external_id, bot_id, started_at)
VALUES (?, ?, ?)
`, bot.ExternalID, bot.BotID, bot.StartedAt.UTC().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("add running %s: %w", bot.ExternalID, storage.ErrDuplicateRunning)
		}
		return fmt.Errorf("add running: %w", err)
	}
	return nil
}

// RemoveRunning deletes the running row for an identity. Removing an absent
// row is a no-op.
func (s *Store) RemoveRunning(ctx context.Context, externalID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return fmt.Errorf("external id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM running_bots WHERE external_id = ?`, externalID); err != nil {
		return fmt.Errorf("remove running: %w", err)
	}
	return nil
}

// ListRunning lists running bots oldest-first.
func (s *Store) ListRunning(ctx context.Context) ([]storage.RunningBot, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT external_id, bot_id, started_at
FROM running_bots
ORDER BY started_at ASC, external_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list running: %w", err)
	}
	defer rows.Close()

	var bots []storage.RunningBot
	for rows.Next() {
		var bot storage.RunningBot
		var startedAt int64
		if err := rows.Scan(&bot.ExternalID, &bot.BotID, &startedAt); err != nil {
			return nil, fmt.Errorf("scan running: %w", err)
		}
		bot.StartedAt = time.UnixMilli(startedAt).UTC()
		bots = append(bots, bot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running: %w", err)
	}
	return bots, nil
}

// CountRunning returns the number of running-bot rows.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var count int
	row := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM running_bots`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return count, nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
