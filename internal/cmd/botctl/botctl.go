// Package botctl implements the administrative CLI for the session
// manager's work queue: submitting sessions, authorizing identities, and
// inspecting queue state.
package botctl

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/botfleet/botfleet/internal/manager/app"
	"github.com/botfleet/botfleet/internal/manager/domain"
	"github.com/botfleet/botfleet/internal/manager/storage"
	managersqlite "github.com/botfleet/botfleet/internal/manager/storage/sqlite"
	entrypoint "github.com/botfleet/botfleet/internal/platform/cmd"
	"github.com/botfleet/botfleet/internal/platform/discovery"
	platformgrpc "github.com/botfleet/botfleet/internal/platform/grpc"
	"github.com/botfleet/botfleet/internal/platform/timeouts"
)

type commonConfig struct {
	DBPath string `env:"BOTFLEET_MANAGER_DB_PATH" envDefault:"data/manager.db"`
}

const usage = `usage: botctl <command> [flags]

commands:
  submit     enqueue a pending session from a credential file
  authorize  allow an external identity to run a session
  pending    list pending sessions
  running    list running bots
  expired    list expiry audit records
  health     check that the manager service is serving
`

// Run dispatches one botctl command.
func Run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return errors.New("command is required")
	}
	switch args[0] {
	case "submit":
		return runSubmit(ctx, args[1:], stdout)
	case "authorize":
		return runAuthorize(ctx, args[1:], stdout)
	case "pending":
		return runPending(ctx, args[1:], stdout)
	case "running":
		return runRunning(ctx, args[1:], stdout)
	case "expired":
		return runExpired(ctx, args[1:], stdout)
	case "health":
		return runHealth(ctx, args[1:], stdout)
	default:
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runSubmit(ctx context.Context, args []string, stdout io.Writer) error {
	var cfg commonConfig
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return err
	}
	fs := flag.NewFlagSet("botctl submit", flag.ContinueOnError)
	dbPath := fs.String("db-path", cfg.DBPath, "The manager SQLite database path")
	sessionID := fs.String("id", "", "Unique session identifier")
	credsFile := fs.String("creds-file", "", "Path to the credential payload file")
	phone := fs.String("phone", "", "Declared phone number (unverified)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*sessionID) == "" {
		return errors.New("-id is required")
	}
	if strings.TrimSpace(*credsFile) == "" {
		return errors.New("-creds-file is required")
	}

	credentials, err := os.ReadFile(*credsFile)
	if err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.EnqueuePending(ctx, storage.PendingSession{
		ID:          *sessionID,
		Credentials: credentials,
		Phone:       *phone,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicatePending) {
			return fmt.Errorf("session %q is already pending", *sessionID)
		}
		return err
	}
	fmt.Fprintf(stdout, "submitted session %s\n", *sessionID)
	return nil
}

func runAuthorize(ctx context.Context, args []string, stdout io.Writer) error {
	var cfg commonConfig
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return err
	}
	fs := flag.NewFlagSet("botctl authorize", flag.ContinueOnError)
	dbPath := fs.String("db-path", cfg.DBPath, "The manager SQLite database path")
	jid := fs.String("jid", "", "External identity to authorize (user@server)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	externalID, err := domain.ParseExternalID(*jid)
	if err != nil {
		return err
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Authorize(ctx, externalID.String()); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "authorized %s\n", externalID)
	return nil
}

func runPending(ctx context.Context, args []string, stdout io.Writer) error {
	var cfg commonConfig
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return err
	}
	fs := flag.NewFlagSet("botctl pending", flag.ContinueOnError)
	dbPath := fs.String("db-path", cfg.DBPath, "The manager SQLite database path")
	jsonOutput := fs.Bool("json", false, "Emit JSON")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListPending(ctx)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(stdout, sessions)
	}
	for _, session := range sessions {
		fmt.Fprintf(stdout, "%s\tphone=%s\tenqueued=%s\n", session.ID, session.Phone, session.EnqueuedAt.Format("2006-01-02T15:04:05Z"))
	}
	fmt.Fprintf(stdout, "%d pending session(s)\n", len(sessions))
	return nil
}

func runRunning(ctx context.Context, args []string, stdout io.Writer) error {
	var cfg commonConfig
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return err
	}
	fs := flag.NewFlagSet("botctl running", flag.ContinueOnError)
	dbPath := fs.String("db-path", cfg.DBPath, "The manager SQLite database path")
	jsonOutput := fs.Bool("json", false, "Emit JSON")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	bots, err := store.ListRunning(ctx)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(stdout, bots)
	}
	for _, bot := range bots {
		fmt.Fprintf(stdout, "%s\tbot=%s\tstarted=%s\n", bot.ExternalID, bot.BotID, bot.StartedAt.Format("2006-01-02T15:04:05Z"))
	}
	fmt.Fprintf(stdout, "%d running bot(s)\n", len(bots))
	return nil
}

func runExpired(ctx context.Context, args []string, stdout io.Writer) error {
	var cfg commonConfig
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return err
	}
	fs := flag.NewFlagSet("botctl expired", flag.ContinueOnError)
	dbPath := fs.String("db-path", cfg.DBPath, "The manager SQLite database path")
	limit := fs.Int("limit", 50, "Maximum records to list")
	jsonOutput := fs.Bool("json", false, "Emit JSON")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	store, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListExpired(ctx, *limit)
	if err != nil {
		return err
	}
	if *jsonOutput {
		return writeJSON(stdout, records)
	}
	for _, record := range records {
		fmt.Fprintf(stdout, "%s\treason=%s\trecorded=%s\n", record.Subject, record.Reason, record.RecordedAt.Format("2006-01-02T15:04:05Z"))
	}
	fmt.Fprintf(stdout, "%d expiry record(s)\n", len(records))
	return nil
}

func runHealth(ctx context.Context, args []string, stdout io.Writer) error {
	var cfg struct {
		Addr string `env:"BOTFLEET_MANAGER_ADDR"`
	}
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return err
	}
	fs := flag.NewFlagSet("botctl health", flag.ContinueOnError)
	addr := fs.String("addr", discovery.OrDefaultGRPCAddr(cfg.Addr, discovery.ServiceManager), "The manager gRPC address")
	timeout := fs.Duration("timeout", timeouts.GRPCDial, "Dial and health-check timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return err
	}

	conn, err := platformgrpc.DialWithHealth(ctx, nil, *addr, app.HealthService, *timeout, nil, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		return fmt.Errorf("manager at %s is not serving: %w", *addr, err)
	}
	defer conn.Close()

	fmt.Fprintf(stdout, "manager at %s is serving\n", *addr)
	return nil
}

func openStore(path string) (*managersqlite.Store, error) {
	store, err := managersqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manager store: %w", err)
	}
	return store, nil
}

func writeJSON(stdout io.Writer, value any) error {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
