// ABOUTME: ConversationController orchestrates one request/response turn end to end
// ABOUTME: Wires transport events into the scheduler, reducer and thread store, and owns cancellation

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/schedule"
	"github.com/2389/coven-chat/internal/stream"
	"github.com/2389/coven-chat/internal/thread"
	"github.com/2389/coven-chat/internal/toolrun"
	"github.com/2389/coven-chat/internal/transport"
)

// Mode selects which transport variant carries the next turn.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// Notify is the non-blocking sink for user-visible notifications. Errors
// from transport and persistence surface here instead of propagating.
type Notify func(level, msg string)

// Options configure a Controller.
type Options struct {
	Store        *thread.Store
	Text         transport.Session
	Voice        transport.Session
	Frame        schedule.FrameFunc
	HistoryLimit int
	Model        string
	Language     string
	ToolUse      bool
	Notify       Notify
	Logger       *slog.Logger

	// OnStream, when set, observes every flushed streaming-text value
	// for the in-flight turn. OnTurnEnd fires once per turn, whether it
	// completed, failed or was stopped. Both are for UI collaborators;
	// the engine's own state flows through the thread store.
	OnStream  func(full string)
	OnTurnEnd func()
}

// Controller coordinates a single conversational turn: it opens a
// transport session, feeds tokens to the scheduler and tool events to
// the reducer, finalizes the assistant message, and triggers
// persistence. Construct one per chat session and pass it by reference
// to whatever consumes it.
type Controller struct {
	store        *thread.Store
	text         transport.Session
	voice        transport.Session
	scheduler    *schedule.TokenScheduler
	reducer      *toolrun.Reducer
	historyLimit int
	model        string
	language     string
	toolUse      bool
	notify       Notify
	logger       *slog.Logger
	onStream     func(full string)
	onTurnEnd    func()

	mu            sync.Mutex
	mode          Mode
	turnCancel    context.CancelFunc
	assistantID   string
	lastHeartbeat time.Time
}

// New creates a controller. The scheduler's flush feeds both the live
// streaming-text view and the in-place assistant message.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Notify == nil {
		opts.Notify = func(level, msg string) {}
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 40
	}

	c := &Controller{
		store:        opts.Store,
		text:         opts.Text,
		voice:        opts.Voice,
		reducer:      toolrun.New(),
		historyLimit: opts.HistoryLimit,
		model:        opts.Model,
		language:     opts.Language,
		toolUse:      opts.ToolUse,
		notify:       opts.Notify,
		logger:       logger.With("component", "conversation"),
		onStream:     opts.OnStream,
		onTurnEnd:    opts.OnTurnEnd,
		mode:         ModeText,
	}
	c.scheduler = schedule.New(opts.Frame, c.onFlush)
	c.reducer.Seed(opts.Store.ActiveThread().ToolRuns)
	return c
}

// onFlush publishes the accumulated streaming text to the live view and
// mutates the streaming assistant message in place.
func (c *Controller) onFlush(full string) {
	c.mu.Lock()
	id := c.assistantID
	c.mu.Unlock()

	if id == "" {
		return
	}
	c.store.SetStreamingText(full)
	c.store.UpdateMessage(context.Background(), id, full)
	if c.onStream != nil {
		c.onStream(full)
	}
}

// SetMode switches between text and voice turns, closing the other
// variant's session so two live streams never update the same thread.
func (c *Controller) SetMode(mode Mode) {
	c.mu.Lock()
	prev := c.mode
	c.mode = mode
	c.mu.Unlock()

	if prev == mode {
		return
	}
	switch mode {
	case ModeText:
		if c.voice != nil {
			c.voice.Close()
		}
	case ModeVoice:
		if c.text != nil {
			c.text.Close()
		}
	}
}

// session returns the transport for the current mode.
func (c *Controller) session() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeVoice && c.voice != nil {
		return c.voice
	}
	return c.text
}

// SubmitTurn sends one user message and streams the assistant response
// into the active thread. It returns once the stream is open; events are
// handled asynchronously.
func (c *Controller) SubmitTurn(ctx context.Context, text string) {
	c.store.AppendMessage(ctx, thread.ChatMessage{Role: thread.RoleUser, Content: text})
	sessionID := c.store.EnsureSession(ctx)

	assistant := c.store.AppendMessage(ctx, thread.ChatMessage{Role: thread.RoleAssistant})

	c.scheduler.Reset()
	c.reducer.Seed(c.store.ActiveThread().ToolRuns)

	turnCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	c.turnCancel = cancel
	c.assistantID = assistant.ID
	mode := c.mode
	c.mu.Unlock()

	c.store.SetStreaming(true)

	req := transport.Request{
		Messages:    c.history(assistant.ID),
		SessionID:   sessionID,
		Stream:      true,
		ToolUse:     c.toolUse,
		ExpectAudio: mode == ModeVoice,
		Language:    c.language,
		Model:       c.model,
	}

	c.session().Open(turnCtx, req, c.handlers(ctx, assistant.ID))
}

// history collects the prior messages for the outgoing request, skipping
// the just-created empty assistant message and trimming to the bounded
// history length.
func (c *Controller) history(excludeID string) []transport.Message {
	active := c.store.ActiveThread()
	msgs := make([]transport.Message, 0, len(active.Messages))
	for _, m := range active.Messages {
		if m.ID == excludeID {
			continue
		}
		msgs = append(msgs, transport.Message{Role: string(m.Role), Content: m.Content})
	}
	return transport.TrimHistory(msgs, c.historyLimit)
}

// handlers wires stream events for one turn into the engine.
func (c *Controller) handlers(ctx context.Context, assistantID string) stream.Handlers {
	return stream.Handlers{
		OnToken: func(fragment string) {
			c.scheduler.Append(fragment)
		},
		OnTool: func(payload *stream.Tool) {
			runs := c.reducer.Apply(payload)
			c.store.SetToolRuns(ctx, runs)
		},
		OnLog: func(level, msg string) {
			c.logger.Info("server log", "level", level, "msg", msg)
			c.notify(level, msg)
		},
		OnHeartbeat: func() {
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()
		},
		OnDone: func(final *stream.Done) {
			c.finishTurn(ctx, assistantID, final, nil)
		},
		OnError: func(failure *stream.Failure) {
			c.finishTurn(ctx, assistantID, nil, failure)
		},
	}
}

// finishTurn finalizes the assistant message for both the done and error
// paths. The scheduler is force-flushed first so no buffered text is
// lost; on failure the message keeps whatever partial text had been
// flushed. In-flight tool runs are left as reported: outcomes come from
// the backend, never inferred client-side.
func (c *Controller) finishTurn(ctx context.Context, assistantID string, final *stream.Done, failure *stream.Failure) {
	c.scheduler.Flush()

	c.mu.Lock()
	if c.assistantID != assistantID {
		// a newer turn superseded this one
		c.mu.Unlock()
		return
	}
	c.assistantID = ""
	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
	c.mu.Unlock()

	text := c.scheduler.Text()
	if final != nil && final.Text() != "" {
		text = final.Text()
	}
	c.store.UpdateMessage(ctx, assistantID, text)

	if final != nil && final.Metadata != nil {
		c.store.SetMetadata(ctx, final.Metadata)
	}
	c.store.SetStreaming(false)

	if failure != nil {
		c.logger.Warn("turn failed", "error", failure.Message)
		c.notify("error", failure.Message)
	}
	if c.onTurnEnd != nil {
		c.onTurnEnd()
	}
}

// Stop aborts the in-flight turn: the transport is closed, one final
// flush preserves buffered text, and the active message is marked
// no-longer-streaming. Tool runs still running keep their last known
// state.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.turnCancel
	assistantID := c.assistantID
	c.turnCancel = nil
	c.assistantID = ""
	mode := c.mode
	c.mu.Unlock()

	if mode == ModeVoice {
		if d, ok := c.voice.(*transport.DuplexSession); ok {
			if err := d.ControlBargeIn(context.Background(), "cancel"); err != nil {
				c.logger.Debug("barge-in failed", "error", err)
			}
		}
	}
	c.session().Close()
	if cancel != nil {
		cancel()
	}

	c.scheduler.Flush()
	if assistantID != "" {
		text := c.scheduler.Text()
		c.store.UpdateMessage(context.Background(), assistantID, text)
		// onFlush skipped the detached turn, so publish the tail here.
		if c.onStream != nil {
			c.onStream(text)
		}
		if c.onTurnEnd != nil {
			c.onTurnEnd()
		}
	}
	c.store.SetStreaming(false)
}

// SelectThread activates another thread, resetting the streaming view
// and reseeding the reducer with that thread's persisted tool timeline.
func (c *Controller) SelectThread(ctx context.Context, id string) {
	c.Stop()
	c.store.SetActiveThreadID(ctx, id)
	c.scheduler.Reset()
	c.reducer.Seed(c.store.ActiveThread().ToolRuns)
}

// CreateThread starts a fresh conversation and activates it.
func (c *Controller) CreateThread(ctx context.Context) thread.Thread {
	c.Stop()
	t := c.store.CreateThread(ctx)
	c.scheduler.Reset()
	c.reducer.Seed(nil)
	return t
}

// DeleteThread removes a thread; the store guarantees one remains.
func (c *Controller) DeleteThread(ctx context.Context, id string) {
	active := c.store.ActiveID() == id
	if active {
		c.Stop()
	}
	c.store.DeleteThread(ctx, id)
	if active {
		c.scheduler.Reset()
		c.reducer.Seed(c.store.ActiveThread().ToolRuns)
	}
}

// RenameThread sets a user-chosen title.
func (c *Controller) RenameThread(ctx context.Context, id, title string) {
	c.store.RenameThread(ctx, id, title)
}

// View exposes the read-only snapshot UI consumers render from.
func (c *Controller) View() thread.Snapshot {
	return c.store.View()
}

// LastHeartbeat reports the last liveness signal from the server for the
// current turn.
func (c *Controller) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}
