// Package storage defines the durable work-queue records consumed by the
// session manager: pending sessions, authorized identities, running bots,
// and the append-only expiry audit log.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicatePending is returned when a pending session with the same
// identifier already exists.
var ErrDuplicatePending = errors.New("pending session already exists")

// ErrDuplicateRunning is returned when a running row already exists for the
// external identity. At most one bot may run per identity; hitting this in
// normal operation is a logic fault, not a retryable condition.
var ErrDuplicateRunning = errors.New("bot already running for identity")

// ExpireReason classifies why an identity was expired.
type ExpireReason string

const (
	ExpireReasonNotAuthorized   ExpireReason = "not-authorized"
	ExpireReasonLoggedOut       ExpireReason = "logged-out"
	ExpireReasonProcessingError ExpireReason = "processing-error"
)

// PendingSession is one submitted session waiting for admission. Phone is
// operator-declared and untrusted; the real identity comes from the provider.
type PendingSession struct {
	ID          string
	Credentials []byte
	Phone       string
	EnqueuedAt  time.Time
}

// AuthorizedIdentity is one identity allowed to run a session.
type AuthorizedIdentity struct {
	ExternalID   string
	AuthorizedAt time.Time
}

// ExpiredRecord is one append-only audit entry for a terminated or rejected
// identity. The manager only writes these; they are read by operators.
type ExpiredRecord struct {
	Subject    string
	Reason     ExpireReason
	RecordedAt time.Time
}

// RunningBot is the durable twin of one live bot handle.
type RunningBot struct {
	ExternalID string
	BotID      string
	StartedAt  time.Time
}

// Store persists the session manager's work queue. Implementations must
// enforce pending-session and running-bot uniqueness and keep RemovePending
// and RemoveRunning idempotent.
type Store interface {
	EnqueuePending(ctx context.Context, session PendingSession) error
	ListPending(ctx context.Context) ([]PendingSession, error)
	RemovePending(ctx context.Context, sessionID string) error

	Authorize(ctx context.Context, externalID string) error
	IsAuthorized(ctx context.Context, externalID string) (bool, error)
	ListAuthorized(ctx context.Context) ([]AuthorizedIdentity, error)

	RecordExpired(ctx context.Context, record ExpiredRecord) error
	ListExpired(ctx context.Context, limit int) ([]ExpiredRecord, error)

	AddRunning(ctx context.Context, bot RunningBot) error
	RemoveRunning(ctx context.Context, externalID string) error
	ListRunning(ctx context.Context) ([]RunningBot, error)
	CountRunning(ctx context.Context) (int, error)
}
