// Package manager parses manager command flags and launches the runtime.
package manager

import (
	"context"
	"flag"
	"time"

	"github.com/botfleet/botfleet/internal/manager/app"
	entrypoint "github.com/botfleet/botfleet/internal/platform/cmd"
)

// Config holds manager command configuration.
type Config struct {
	Port           int           `env:"BOTFLEET_MANAGER_PORT" envDefault:"8091"`
	DBPath         string        `env:"BOTFLEET_MANAGER_DB_PATH" envDefault:"data/manager.db"`
	CredentialsDir string        `env:"BOTFLEET_MANAGER_CREDENTIALS_DIR" envDefault:"data/credentials"`
	Provider       string        `env:"BOTFLEET_MANAGER_PROVIDER" envDefault:"loopback"`
	MaxBots        int           `env:"BOTFLEET_MANAGER_MAX_BOTS" envDefault:"15"`
	PollInterval   time.Duration `env:"BOTFLEET_MANAGER_POLL_INTERVAL" envDefault:"30s"`
	InitialDelay   time.Duration `env:"BOTFLEET_MANAGER_INITIAL_DELAY" envDefault:"2s"`
	PacingDelay    time.Duration `env:"BOTFLEET_MANAGER_PACING_DELAY" envDefault:"3s"`
	ConnectTimeout time.Duration `env:"BOTFLEET_MANAGER_CONNECT_TIMEOUT" envDefault:"30s"`
	ShutdownGrace  time.Duration `env:"BOTFLEET_MANAGER_SHUTDOWN_GRACE" envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The manager health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The manager SQLite database path")
	fs.StringVar(&cfg.CredentialsDir, "credentials-dir", cfg.CredentialsDir, "Directory for per-bot credential files")
	fs.StringVar(&cfg.Provider, "provider", cfg.Provider, "Connection provider name")
	fs.IntVar(&cfg.MaxBots, "max-bots", cfg.MaxBots, "Maximum concurrent bot sessions")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Pending queue poll interval")
	fs.DurationVar(&cfg.InitialDelay, "initial-delay", cfg.InitialDelay, "Delay before the first drain pass")
	fs.DurationVar(&cfg.PacingDelay, "pacing-delay", cfg.PacingDelay, "Delay between successive admissions")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Provider attach timeout")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period for closing live sessions")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the manager runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceManager, func(context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			Port:           cfg.Port,
			DBPath:         cfg.DBPath,
			CredentialsDir: cfg.CredentialsDir,
			Provider:       cfg.Provider,
			MaxBots:        cfg.MaxBots,
			PollInterval:   cfg.PollInterval,
			InitialDelay:   cfg.InitialDelay,
			PacingDelay:    cfg.PacingDelay,
			ConnectTimeout: cfg.ConnectTimeout,
			ShutdownGrace:  cfg.ShutdownGrace,
		})
	})
}
