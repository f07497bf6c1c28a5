// ABOUTME: Text transport: unidirectional SSE stream over a chunked HTTP response
// ABOUTME: Each event frame is parsed into one StreamEvent; cancellation rides the request context

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/2389/coven-chat/internal/stream"
)

// streamPath is the chat endpoint relative to the configured base URL.
const streamPath = "/api/chat/stream"

// TextSession streams one turn at a time over a chunked SSE response.
type TextSession struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTextSession creates a text transport against the given base URL.
// A nil client falls back to http.DefaultClient.
func NewTextSession(baseURL string, client *http.Client, logger *slog.Logger) *TextSession {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TextSession{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With("component", "transport", "variant", "text"),
	}
}

// Open starts a new stream, aborting any stream still open on this
// session first. Failures are reported exactly once via h.OnError; Open
// itself never surfaces them.
func (t *TextSession) Open(ctx context.Context, req Request, h stream.Handlers) {
	t.abortAndWait()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		t.run(ctx, req, h)
	}()
}

// Close aborts the current stream if any. Safe to call repeatedly; never
// returns an error.
func (t *TextSession) Close() error {
	t.abortAndWait()
	return nil
}

// IsActive reports whether a stream is currently open.
func (t *TextSession) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// abortAndWait cancels the in-flight stream and waits for its read loop
// to exit, so two streams never run concurrently on one session.
func (t *TextSession) abortAndWait() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// run performs the request and consumes the SSE body until done, error
// or cancellation.
func (t *TextSession) run(ctx context.Context, req Request, h stream.Handlers) {
	body, err := json.Marshal(req)
	if err != nil {
		h.Fail(fmt.Sprintf("encoding request: %v", err))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+streamPath, bytes.NewReader(body))
	if err != nil {
		h.Fail(fmt.Sprintf("creating request: %v", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return // caller cancelled, not a failure
		}
		h.Fail(fmt.Sprintf("connecting: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.Fail(fmt.Sprintf("server returned status %d", resp.StatusCode))
		return
	}

	if err := t.consume(ctx, resp.Body, h); err != nil {
		if ctx.Err() != nil {
			return
		}
		h.Fail(err.Error())
	}
}

// consume reads SSE frames until the stream ends. A done or error event
// terminates the stream; the server closing the body after done is
// normal completion.
func (t *TextSession) consume(ctx context.Context, body io.Reader, h stream.Handlers) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" {
				data := strings.Join(dataLines, "\n")
				ev, err := stream.ParseSSE(eventType, data)
				if err != nil {
					return err
				}
				h.Dispatch(ev)
				if ev.Kind == stream.KindDone || ev.Kind == stream.KindError {
					return nil
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}
