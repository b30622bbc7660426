// Package admission decides whether pending sessions may be promoted into
// running bots: a global capacity gate checked before each record, and an
// authorization check applied once the provider has confirmed the true
// account identity.
package admission

import (
	"context"
	"fmt"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	// Proceed admits the record.
	Proceed Decision = iota
	// DeferCapacity leaves the record pending because the fleet is full.
	// The scheduler stops the current drain pass so earlier-enqueued
	// records are never starved by later ones.
	DeferCapacity
	// RejectUnauthorized rejects the confirmed identity permanently.
	RejectUnauthorized
)

// String names the decision for logs.
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case DeferCapacity:
		return "defer-capacity"
	case RejectUnauthorized:
		return "reject-unauthorized"
	default:
		return "unknown"
	}
}

// CapacityStore counts durable running-bot rows.
type CapacityStore interface {
	CountRunning(ctx context.Context) (int, error)
}

// AuthorizationStore checks identity authorization.
type AuthorizationStore interface {
	IsAuthorized(ctx context.Context, externalID string) (bool, error)
}

// Controller applies the admission policy for a bounded fleet.
type Controller struct {
	capacity CapacityStore
	auth     AuthorizationStore
	maxBots  int
}

// NewController creates a controller admitting at most maxBots concurrent
// sessions.
func NewController(capacity CapacityStore, auth AuthorizationStore, maxBots int) (*Controller, error) {
	if capacity == nil {
		return nil, fmt.Errorf("capacity store is required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authorization store is required")
	}
	if maxBots <= 0 {
		return nil, fmt.Errorf("max bots must be greater than zero")
	}
	return &Controller{capacity: capacity, auth: auth, maxBots: maxBots}, nil
}

// MaxBots returns the concurrency cap.
func (c *Controller) MaxBots() int {
	return c.maxBots
}

// Admit checks the global capacity gate. It is called immediately before
// each record so the count reflects admissions made earlier in the same
// drain pass.
func (c *Controller) Admit(ctx context.Context) (Decision, error) {
	count, err := c.capacity.CountRunning(ctx)
	if err != nil {
		return DeferCapacity, fmt.Errorf("count running: %w", err)
	}
	if count >= c.maxBots {
		return DeferCapacity, nil
	}
	return Proceed, nil
}

// Authorize checks whether a confirmed identity may run a session. It is
// only meaningful after the provider has confirmed the identity; declared
// metadata on a pending session must never be passed here.
func (c *Controller) Authorize(ctx context.Context, externalID string) (Decision, error) {
	ok, err := c.auth.IsAuthorized(ctx, externalID)
	if err != nil {
		return RejectUnauthorized, fmt.Errorf("check authorized: %w", err)
	}
	if !ok {
		return RejectUnauthorized, nil
	}
	return Proceed, nil
}
