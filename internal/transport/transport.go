// ABOUTME: TransportSession contract shared by the text (SSE) and duplex (WebSocket) variants
// ABOUTME: One cancellable stream of discriminated events per open; failures surface via OnError only

package transport

import (
	"context"

	"github.com/2389/coven-chat/internal/stream"
)

// Message is one prior turn included in the outgoing request, trimmed to
// role and content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries one outgoing turn.
type Request struct {
	Messages    []Message `json:"messages"`
	SessionID   string    `json:"session_id,omitempty"`
	Stream      bool      `json:"stream"`
	ToolUse     bool      `json:"tool_use"`
	ExpectAudio bool      `json:"expect_audio,omitempty"`
	Language    string    `json:"language,omitempty"`
	Model       string    `json:"model,omitempty"`
}

// Session is one logical transport channel. At most one stream is open
// per Session at a time: Open aborts any prior stream itself, the caller
// never has to. Transport failures are reported exactly once through the
// handlers' OnError and never returned from Open's call stack.
type Session interface {
	// Open starts a new event stream for the request. Cancelling ctx
	// aborts the stream cooperatively.
	Open(ctx context.Context, req Request, h stream.Handlers)

	// Close aborts the current stream if any. Safe to call repeatedly.
	Close() error

	// IsActive reports whether a stream is currently open.
	IsActive() bool
}

// TrimHistory bounds the prior-message history included in a request,
// keeping the most recent messages.
func TrimHistory(msgs []Message, limit int) []Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
