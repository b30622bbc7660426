// Package pool maintains the in-memory registry of live bots. The registry
// is the in-process twin of the running_bots table; the two are kept
// consistent on every lifecycle transition.
package pool

import (
	"errors"
	"sync"
)

// ErrDuplicateBot is returned when a bot identifier is already registered.
// Hitting this in normal operation is a logic fault.
var ErrDuplicateBot = errors.New("bot already registered")

// Bot is one live managed connection. Lifecycle drivers implement it.
type Bot interface {
	BotID() string
	ExternalID() string
	Close() error
}

// Registry tracks live bots under a single lock. All registration,
// removal, and counting goes through this lock so concurrent lifecycle
// drivers cannot race past the capacity gate.
type Registry struct {
	mu   sync.Mutex
	bots map[string]Bot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bots: make(map[string]Bot)}
}

// Register adds a bot keyed by its identifier. A second registration with
// the same identifier fails with ErrDuplicateBot.
func (r *Registry) Register(bot Bot) error {
	if bot == nil {
		return errors.New("bot is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bots[bot.BotID()]; exists {
		return ErrDuplicateBot
	}
	r.bots[bot.BotID()] = bot
	return nil
}

// Unregister removes a bot. Removing an absent identifier is a no-op.
func (r *Registry) Unregister(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bots, botID)
}

// Count returns the number of registered bots.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bots)
}

// ForEach visits every registered bot until fn returns false. The snapshot
// is taken under the lock; fn runs outside it so visitors may call back
// into the registry.
func (r *Registry) ForEach(fn func(bot Bot) bool) {
	r.mu.Lock()
	snapshot := make([]Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		snapshot = append(snapshot, bot)
	}
	r.mu.Unlock()

	for _, bot := range snapshot {
		if !fn(bot) {
			return
		}
	}
}
