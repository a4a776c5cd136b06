// Package transport defines the chat-delivery boundary. The daemon only ever
// sends and edits messages; the command-handling side of the chat integration
// is a separate process (two long-pollers on one bot token fight each other),
// so there is no update/inbound surface here.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChatTarget addresses a chat and, optionally, a forum topic thread.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a sent message so later runs can edit it in place.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// Encode renders the ref as "chatID:threadID:messageID" for persistence.
func (r MessageRef) Encode() string {
	return fmt.Sprintf("%d:%d:%d", r.ChatID, r.ThreadID, r.MessageID)
}

// IsZero reports whether the ref points at nothing.
func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

// ParseMessageRef reverses Encode.
func ParseMessageRef(s string) (MessageRef, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return MessageRef{}, fmt.Errorf("bad message ref %q", s)
	}
	chat, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return MessageRef{}, fmt.Errorf("bad message ref %q: %w", s, err)
	}
	thread, err := strconv.Atoi(parts[1])
	if err != nil {
		return MessageRef{}, fmt.Errorf("bad message ref %q: %w", s, err)
	}
	msg, err := strconv.Atoi(parts[2])
	if err != nil {
		return MessageRef{}, fmt.Errorf("bad message ref %q: %w", s, err)
	}
	return MessageRef{ChatID: chat, ThreadID: thread, MessageID: msg}, nil
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one rendered message bound for a channel. Kind labels what
// it is ("death_alert", "summary", ...) for logs and metrics.
type Notification struct {
	Kind    string
	Target  ChatTarget
	Text    string
	Options *SendOptions
}

// Adapter is implemented per chat platform.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// RetryAfterError wraps a delivery failure that carries a server-provided
// wait hint (e.g. Telegram flood control). Retry loops should honor After
// instead of their own backoff step.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }
