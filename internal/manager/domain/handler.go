package domain

import (
	"context"
	"strings"
)

// Notices sent on the live connection during lifecycle transitions.
const (
	NoticeConnected = "session is active"
	NoticeRejected  = "this account is not authorized to run a session"
)

// Replier sends a text message to a target identity on a live connection.
type Replier interface {
	Send(ctx context.Context, target, text string) error
}

// Message is one inbound message delivered while a session is active.
type Message struct {
	Sender string
	Text   string
}

// MessageHandler consumes inbound messages on an active session. Handler
// errors are logged by the caller and never terminate the session.
type MessageHandler interface {
	HandleMessage(ctx context.Context, reply Replier, msg Message) error
}

// CommandHandler is the reference message behavior: it answers a small set
// of text commands and ignores everything else.
type CommandHandler struct{}

// HandleMessage replies to recognized commands from the sender.
func (CommandHandler) HandleMessage(ctx context.Context, reply Replier, msg Message) error {
	if reply == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(msg.Text)) {
	case "!ping":
		return reply.Send(ctx, msg.Sender, "pong")
	case "!help":
		return reply.Send(ctx, msg.Sender, "commands: !ping, !help")
	default:
		return nil
	}
}
