// Package loopback provides an in-process connection provider. It confirms
// the account identity from the credential payload itself and records sends
// instead of delivering them, which makes it the development provider and
// the scripted double for lifecycle tests. The real messaging-network
// transport lives outside this repository.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/botfleet/botfleet/internal/manager/provider"
)

const eventBuffer = 16

// Credentials is the payload accepted by the loopback provider.
type Credentials struct {
	JID   string `json:"jid"`
	Token string `json:"token"`
}

// SentMessage is one outbound message recorded by a loopback connection.
type SentMessage struct {
	Target string
	Text   string
}

// Provider opens loopback connections and retains them for inspection.
type Provider struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// New creates a loopback provider.
func New() *Provider {
	return &Provider{conns: make(map[string]*Conn)}
}

// Open decodes the credential payload and returns an attached connection.
// The connection immediately emits a connected status event.
func (p *Provider) Open(_ context.Context, botID string, credentials []byte) (provider.Conn, error) {
	var creds Credentials
	if err := json.Unmarshal(credentials, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}

	conn := &Conn{
		botID:  botID,
		jid:    creds.JID,
		events: make(chan provider.Event, eventBuffer),
	}
	conn.events <- provider.Event{Kind: provider.EventStatus, State: provider.StateConnected}

	p.mu.Lock()
	p.conns[botID] = conn
	p.mu.Unlock()
	return conn, nil
}

// Conn returns the live connection opened for a bot, if any.
func (p *Provider) Conn(botID string) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[botID]
	return conn, ok
}

// Conn is one loopback connection.
type Conn struct {
	botID string
	jid   string

	mu     sync.Mutex
	sent   []SentMessage
	closed bool
	events chan provider.Event
}

// ExternalID returns the identity taken from the credential payload.
func (c *Conn) ExternalID() string {
	return c.jid
}

// Send records one outbound message.
func (c *Conn) Send(_ context.Context, target, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection is closed")
	}
	c.sent = append(c.sent, SentMessage{Target: target, Text: text})
	return nil
}

// Sent returns a copy of all recorded outbound messages.
func (c *Conn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Events returns the connection event stream.
func (c *Conn) Events() <-chan provider.Event {
	return c.events
}

// Close terminates the connection locally, emitting a final disconnect with
// no close reason.
func (c *Conn) Close() error {
	c.finish(provider.CloseReasonNone)
	return nil
}

// Disconnect simulates the remote end dropping the connection with the
// given reason.
func (c *Conn) Disconnect(reason provider.CloseReason) {
	c.finish(reason)
}

// Deliver injects one inbound message event.
func (c *Conn) Deliver(sender, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- provider.Event{Kind: provider.EventMessage, Sender: sender, Text: text}
}

func (c *Conn) finish(reason provider.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- provider.Event{
		Kind:        provider.EventStatus,
		State:       provider.StateDisconnected,
		CloseReason: reason,
	}
	close(c.events)
}
