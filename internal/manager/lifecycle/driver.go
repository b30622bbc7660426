// Package lifecycle drives one admitted session through its state machine:
// credential persistence, connection establishment, identity confirmation,
// authorization, steady-state message handling, and termination.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/botfleet/botfleet/internal/manager/admission"
	"github.com/botfleet/botfleet/internal/manager/domain"
	"github.com/botfleet/botfleet/internal/manager/pool"
	"github.com/botfleet/botfleet/internal/manager/provider"
	"github.com/botfleet/botfleet/internal/manager/storage"
	"github.com/botfleet/botfleet/internal/platform/id"
)

// State is one position in the session state machine.
type State string

const (
	StateAdmitted         State = "admitted"
	StateConnecting       State = "connecting"
	StateAwaitingIdentity State = "awaiting-identity"
	StateAuthCheck        State = "auth-check"
	StateActive           State = "active"
	StateClosing          State = "closing"
	StateTerminal         State = "terminal"
)

const defaultConnectTimeout = 30 * time.Second

// Deps are the collaborators a driver needs.
type Deps struct {
	Store    storage.Store
	Provider provider.Provider
	Registry *pool.Registry
	Control  *admission.Controller
	// Handler consumes inbound messages while the session is active.
	// Optional; messages are dropped when nil.
	Handler domain.MessageHandler
}

// Config controls driver behavior.
type Config struct {
	// CredentialsDir receives one credential file per bot at admission.
	CredentialsDir string
	// ConnectTimeout bounds the wait for the provider to attach.
	ConnectTimeout time.Duration
	// Logf receives operational log lines. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

func (c Config) normalized() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Driver owns one session's lifecycle. Past admission it runs
// independently of the scheduler pass that created it.
type Driver struct {
	deps   Deps
	record storage.PendingSession
	cfg    Config
	botID  string
	conn   provider.Conn
	done   chan struct{}

	mu         sync.Mutex
	state      State
	externalID domain.ExternalID
}

// NewDriver creates a driver for one pending session and assigns it a
// fresh bot identifier.
func NewDriver(deps Deps, record storage.PendingSession, cfg Config) (*Driver, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Control == nil {
		return nil, fmt.Errorf("admission controller is required")
	}
	if record.ID == "" {
		return nil, fmt.Errorf("pending session id is required")
	}
	botID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("new bot id: %w", err)
	}
	return &Driver{
		deps:   deps,
		record: record,
		cfg:    cfg.normalized(),
		botID:  botID,
		done:   make(chan struct{}),
		state:  StateAdmitted,
	}, nil
}

// BotID returns the driver's bot identifier.
func (d *Driver) BotID() string {
	return d.botID
}

// ExternalID returns the confirmed identity, or empty before confirmation.
func (d *Driver) ExternalID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.externalID.String()
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Close terminates the live connection, if any. The event loop observes
// the resulting disconnect and performs terminal bookkeeping.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Done is closed once an activated session has finished its terminal
// bookkeeping. It never closes for sessions that fail before activation.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Start drives the session from admission to activation. On success the
// session is registered, durably recorded as running, its pending record is
// consumed, and the event loop continues in the background. Failures before
// activation convert to a terminal state plus an audit record; they never
// propagate as panics or abort the caller's drain pass.
func (d *Driver) Start(ctx context.Context) error {
	if err := d.writeCredentials(); err != nil {
		return d.expire(ctx, fmt.Errorf("write credentials: %w", err))
	}

	d.setState(StateConnecting)
	conn, err := d.deps.Provider.Open(ctx, d.botID, d.record.Credentials)
	if err != nil {
		return d.expire(ctx, fmt.Errorf("open connection: %w", err))
	}
	d.conn = conn

	d.setState(StateAwaitingIdentity)
	if err := d.awaitAttach(ctx); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			// Shutdown during admission: leave the record for a later pass.
			return err
		}
		return d.expire(ctx, err)
	}
	externalID, err := domain.ParseExternalID(conn.ExternalID())
	if err != nil {
		_ = conn.Close()
		return d.expire(ctx, fmt.Errorf("confirm identity: %w", err))
	}
	d.setExternalID(externalID)

	d.setState(StateAuthCheck)
	decision, err := d.deps.Control.Authorize(ctx, externalID.String())
	if err != nil {
		// Transient store failure: release the slot and leave the pending
		// record for the next pass.
		_ = conn.Close()
		return err
	}
	if decision == admission.RejectUnauthorized {
		return d.reject(ctx)
	}

	return d.activate(ctx)
}

func (d *Driver) activate(ctx context.Context) error {
	externalID := d.ExternalID()
	err := d.deps.Store.AddRunning(ctx, storage.RunningBot{
		ExternalID: externalID,
		BotID:      d.botID,
	})
	if err != nil {
		_ = d.conn.Close()
		d.setState(StateTerminal)
		if errors.Is(err, storage.ErrDuplicateRunning) {
			// Logic fault: a live bot already serves this identity. Never
			// replace it; consume the pending record and surface the fault.
			if removeErr := d.deps.Store.RemovePending(ctx, d.record.ID); removeErr != nil {
				d.cfg.Logf("remove pending %s: %v", d.record.ID, removeErr)
			}
		}
		return fmt.Errorf("activate session %s: %w", d.record.ID, err)
	}
	if err := d.deps.Registry.Register(d); err != nil {
		if removeErr := d.deps.Store.RemoveRunning(ctx, externalID); removeErr != nil {
			d.cfg.Logf("remove running %s: %v", externalID, removeErr)
		}
		_ = d.conn.Close()
		d.setState(StateTerminal)
		return fmt.Errorf("register bot %s: %w", d.botID, err)
	}
	if err := d.deps.Store.RemovePending(ctx, d.record.ID); err != nil {
		d.cfg.Logf("remove pending %s: %v", d.record.ID, err)
	}
	if err := d.conn.Send(ctx, externalID, domain.NoticeConnected); err != nil {
		d.cfg.Logf("send connected notice to %s: %v", externalID, err)
	}
	d.setState(StateActive)
	d.cfg.Logf("session %s active: bot %s serving %s", d.record.ID, d.botID, externalID)

	go d.serve(ctx)
	return nil
}

// serve consumes the connection's event stream until it closes, then runs
// terminal bookkeeping.
func (d *Driver) serve(ctx context.Context) {
	defer close(d.done)

	reason := provider.CloseReasonNone
	events := d.conn.Events()
	cancel := ctx.Done()
	for {
		select {
		case <-cancel:
			_ = d.conn.Close()
			cancel = nil
		case evt, ok := <-events:
			if !ok {
				d.finish(reason)
				return
			}
			switch evt.Kind {
			case provider.EventMessage:
				if d.deps.Handler == nil {
					continue
				}
				msg := domain.Message{Sender: evt.Sender, Text: evt.Text}
				if err := d.deps.Handler.HandleMessage(ctx, d.conn, msg); err != nil {
					d.cfg.Logf("handle message from %s: %v", evt.Sender, err)
				}
			case provider.EventStatus:
				if evt.State == provider.StateDisconnected {
					reason = evt.CloseReason
				}
			}
		}
	}
}

// finish runs the Closing and Terminal transitions for an active session.
// Bookkeeping uses a background context so shutdown cancellation cannot
// leave stale running rows behind.
func (d *Driver) finish(reason provider.CloseReason) {
	d.setState(StateClosing)
	ctx := context.Background()
	externalID := d.ExternalID()

	if reason == provider.CloseReasonLoggedOut {
		record := storage.ExpiredRecord{
			Subject: domain.ExternalID(externalID).Phone(),
			Reason:  storage.ExpireReasonLoggedOut,
		}
		if err := d.deps.Store.RecordExpired(ctx, record); err != nil {
			d.cfg.Logf("record logged-out expiry for %s: %v", externalID, err)
		}
		d.cfg.Logf("bot %s logged out, session will not be re-established", d.botID)
	}

	d.setState(StateTerminal)
	d.deps.Registry.Unregister(d.botID)
	if err := d.deps.Store.RemoveRunning(ctx, externalID); err != nil {
		d.cfg.Logf("remove running %s: %v", externalID, err)
	}
	if err := d.deps.Store.RemovePending(ctx, d.record.ID); err != nil {
		d.cfg.Logf("remove pending %s: %v", d.record.ID, err)
	}
}

// reject terminates an unauthorized session. It is an expected outcome, so
// the returned error is nil.
func (d *Driver) reject(ctx context.Context) error {
	externalID := d.ExternalID()
	if err := d.conn.Send(ctx, externalID, domain.NoticeRejected); err != nil {
		d.cfg.Logf("send rejection notice to %s: %v", externalID, err)
	}
	_ = d.conn.Close()
	d.setState(StateTerminal)

	record := storage.ExpiredRecord{
		Subject: externalID,
		Reason:  storage.ExpireReasonNotAuthorized,
	}
	if err := d.deps.Store.RecordExpired(ctx, record); err != nil {
		d.cfg.Logf("record not-authorized expiry for %s: %v", externalID, err)
	}
	if err := d.deps.Store.RemovePending(ctx, d.record.ID); err != nil {
		d.cfg.Logf("remove pending %s: %v", d.record.ID, err)
	}
	d.cfg.Logf("session %s rejected: %s is not authorized", d.record.ID, externalID)
	return nil
}

// expire converts a definitive pre-activation failure into a terminal
// state, one processing-error audit record, and pending-record removal.
func (d *Driver) expire(ctx context.Context, cause error) error {
	d.setState(StateTerminal)

	record := storage.ExpiredRecord{
		Subject: d.expireSubject(),
		Reason:  storage.ExpireReasonProcessingError,
	}
	if err := d.deps.Store.RecordExpired(ctx, record); err != nil {
		d.cfg.Logf("record processing-error expiry for %s: %v", record.Subject, err)
	}
	if err := d.deps.Store.RemovePending(ctx, d.record.ID); err != nil {
		d.cfg.Logf("remove pending %s: %v", d.record.ID, err)
	}
	return cause
}

// expireSubject picks the audit subject for a pre-activation failure: the
// confirmed identity's phone when known, the declared phone when present,
// and the session identifier as a last resort.
func (d *Driver) expireSubject() string {
	if externalID := d.ExternalID(); externalID != "" {
		return domain.ExternalID(externalID).Phone()
	}
	if d.record.Phone != "" {
		return d.record.Phone
	}
	return d.record.ID
}

// awaitAttach waits for the provider to report the connection attached.
func (d *Driver) awaitAttach(ctx context.Context) error {
	timer := time.NewTimer(d.cfg.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timed out waiting for connection attach")
		case evt, ok := <-d.conn.Events():
			if !ok {
				return fmt.Errorf("connection closed before attach")
			}
			if evt.Kind != provider.EventStatus {
				continue
			}
			if evt.State == provider.StateConnected {
				return nil
			}
			return fmt.Errorf("connection reported %s before attach", evt.State)
		}
	}
}

func (d *Driver) writeCredentials() error {
	if d.cfg.CredentialsDir == "" {
		return fmt.Errorf("credentials dir is required")
	}
	if err := os.MkdirAll(d.cfg.CredentialsDir, 0o755); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	path := filepath.Join(d.cfg.CredentialsDir, d.botID+".creds")
	if err := os.WriteFile(path, d.record.Credentials, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

func (d *Driver) setState(state State) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

func (d *Driver) setExternalID(externalID domain.ExternalID) {
	d.mu.Lock()
	d.externalID = externalID
	d.mu.Unlock()
}
