// Package transport connects to the chat backend over SSE and WebSocket.
//
// # Overview
//
// Two Session implementations cover the two conversation modes:
//
//   - TextSession: one HTTP POST per turn, reply streamed as
//     Server-Sent Events
//   - DuplexSession: one long-lived WebSocket carrying turn requests,
//     streamed events, TTS control messages, and raw audio frames
//
// Both satisfy the Session interface consumed by the conversation
// controller:
//
//	type Session interface {
//	    Open(ctx context.Context, req Request, h stream.Handlers)
//	    Close() error
//	    IsActive() bool
//	}
//
// Open never blocks on the stream; events are delivered through the
// handlers from a background goroutine. Opening a session that is already
// active aborts the previous turn first.
//
// # Text Streaming
//
// TextSession posts the request to /api/chat/stream and consumes the SSE
// response line by line. A done or error event ends the stream. Context
// cancellation is a normal abort, not a failure.
//
// # Duplex Streaming
//
// DuplexSession dials the WebSocket once and reuses the connection across
// turns. A single connection-lifetime read loop routes binary frames to the
// audio sink and text frames to either TTS control handling or the current
// turn's handlers. Turn handlers attach on Open and detach on terminal
// events, so the connection survives turn boundaries.
//
// Microphone audio is sent as fixed-size binary frames between audio_start
// and audio_end control messages.
package transport
