// Package app wires the manager runtime: storage, connection provider,
// admission control, the scheduler loop, and the health gRPC lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/botfleet/botfleet/internal/manager/admission"
	"github.com/botfleet/botfleet/internal/manager/domain"
	"github.com/botfleet/botfleet/internal/manager/lifecycle"
	"github.com/botfleet/botfleet/internal/manager/pool"
	"github.com/botfleet/botfleet/internal/manager/provider"
	"github.com/botfleet/botfleet/internal/manager/provider/loopback"
	"github.com/botfleet/botfleet/internal/manager/scheduler"
	managersqlite "github.com/botfleet/botfleet/internal/manager/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls manager startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port           int
	DBPath         string
	CredentialsDir string
	Provider       string
	MaxBots        int
	PollInterval   time.Duration
	InitialDelay   time.Duration
	PacingDelay    time.Duration
	ConnectTimeout time.Duration
	ShutdownGrace  time.Duration
}

// HealthService is the named gRPC health service the manager reports on,
// alongside the blank default.
const HealthService = "manager.runtime"

const (
	defaultManagerPort    = 8091
	defaultManagerDB      = "data/manager.db"
	defaultCredentialsDir = "data/credentials"
	defaultManagerMaxBots = 15
	providerLoopback      = "loopback"
)

// Run starts manager runtime dependencies and the scheduler loop. Storage
// being unreachable here is fatal; the process must not run without it.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultManagerPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultManagerDB
	}
	if strings.TrimSpace(cfg.CredentialsDir) == "" {
		cfg.CredentialsDir = defaultCredentialsDir
	}
	if cfg.MaxBots <= 0 {
		cfg.MaxBots = defaultManagerMaxBots
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create manager storage dir: %w", err)
		}
	}

	store, err := managersqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open manager sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close manager sqlite store: %v", closeErr)
		}
	}()

	prov, err := newProvider(cfg.Provider)
	if err != nil {
		return err
	}

	control, err := admission.NewController(store, store, cfg.MaxBots)
	if err != nil {
		return fmt.Errorf("new admission controller: %w", err)
	}

	registry := pool.NewRegistry()
	loop := scheduler.New(store, prov, registry, control, domain.CommandHandler{}, scheduler.Config{
		PollInterval:  cfg.PollInterval,
		InitialDelay:  cfg.InitialDelay,
		PacingDelay:   cfg.PacingDelay,
		ShutdownGrace: cfg.ShutdownGrace,
	}, lifecycle.Config{
		CredentialsDir: cfg.CredentialsDir,
		ConnectTimeout: cfg.ConnectTimeout,
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on manager port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("manager server listening at %v", listener.Addr())
	return loop.Run(ctx)
}

func newProvider(name string) (provider.Provider, error) {
	switch strings.TrimSpace(name) {
	case "", providerLoopback:
		return loopback.New(), nil
	default:
		return nil, fmt.Errorf("unknown connection provider %q", name)
	}
}
