package pool

import (
	"errors"
	"testing"
)

type stubBot struct {
	id       string
	identity string
	closed   bool
}

func (b *stubBot) BotID() string      { return b.id }
func (b *stubBot) ExternalID() string { return b.identity }
func (b *stubBot) Close() error {
	b.closed = true
	return nil
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register(&stubBot{id: "bot-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := registry.Register(&stubBot{id: "bot-1"})
	if !errors.Is(err, ErrDuplicateBot) {
		t.Fatalf("duplicate register error = %v, want ErrDuplicateBot", err)
	}
	if registry.Count() != 1 {
		t.Fatalf("count = %d, want 1", registry.Count())
	}
}

func TestRegisterRejectsNilBot(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(nil); err == nil {
		t.Fatal("expected nil bot error")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register(&stubBot{id: "bot-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	registry.Unregister("bot-1")
	registry.Unregister("bot-1")
	registry.Unregister("never-registered")

	if registry.Count() != 0 {
		t.Fatalf("count = %d, want 0", registry.Count())
	}
}

func TestForEachVisitsAllUntilStopped(t *testing.T) {
	registry := NewRegistry()
	for _, id := range []string{"bot-1", "bot-2", "bot-3"} {
		if err := registry.Register(&stubBot{id: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	visited := 0
	registry.ForEach(func(Bot) bool {
		visited++
		return true
	})
	if visited != 3 {
		t.Fatalf("visited = %d, want 3", visited)
	}

	visited = 0
	registry.ForEach(func(Bot) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Fatalf("visited with early stop = %d, want 1", visited)
	}
}

func TestForEachAllowsReentrantUnregister(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(&stubBot{id: "bot-1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	registry.ForEach(func(bot Bot) bool {
		registry.Unregister(bot.BotID())
		return true
	})
	if registry.Count() != 0 {
		t.Fatalf("count = %d, want 0", registry.Count())
	}
}
