// Package timeouts defines shared timeout constants used across commands.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer, health check
// included.
const GRPCDial = 2 * time.Second

// Shutdown limits how long background machinery (telemetry exporters and
// the like) gets during graceful shutdown.
const Shutdown = 5 * time.Second
