// ABOUTME: Tests for turn orchestration: finalization, stop semantics and thread switching
// ABOUTME: Uses a scripted fake transport and a manual frame scheduler for determinism

package conversation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/kv"
	"github.com/2389/coven-chat/internal/stream"
	"github.com/2389/coven-chat/internal/thread"
	"github.com/2389/coven-chat/internal/transport"
)

// fakeSession records requests and hands the handlers back to the test
// so it can script the event stream synchronously.
type fakeSession struct {
	mu       sync.Mutex
	requests []transport.Request
	handlers stream.Handlers
	active   bool
	closed   int
}

func (f *fakeSession) Open(ctx context.Context, req transport.Request, h stream.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.handlers = h
	f.active = true
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.closed++
	return nil
}

func (f *fakeSession) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeSession) emit(ev stream.Event) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.Dispatch(ev)
}

// manualFrame lets the test decide when a scheduled flush fires.
type manualFrame struct {
	mu      sync.Mutex
	pending []func()
}

func (m *manualFrame) schedule(flush func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, flush)
}

func (m *manualFrame) fire() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, flush := range pending {
		flush()
	}
}

func newTestController(t *testing.T) (*Controller, *fakeSession, *manualFrame, *thread.Store) {
	t.Helper()

	store := thread.NewStore(kv.NewMemory(), nil)
	require.NoError(t, store.Hydrate(t.Context()))

	session := &fakeSession{}
	frame := &manualFrame{}
	ctrl := New(Options{
		Store: store,
		Text:  session,
		Frame: frame.schedule,
	})
	return ctrl, session, frame, store
}

func TestSubmitTurn_AppendsUserAndAssistantMessages(t *testing.T) {
	ctrl, session, _, store := newTestController(t)

	ctrl.SubmitTurn(t.Context(), "Hi")

	msgs := store.ActiveThread().Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, thread.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, thread.RoleAssistant, msgs[1].Role)
	assert.Empty(t, msgs[1].Content)
	assert.True(t, store.View().IsStreaming)

	require.Len(t, session.requests, 1)
	req := session.requests[0]
	assert.True(t, req.Stream)
	assert.Equal(t, store.ActiveThread().SessionID, req.SessionID)
	// the pending assistant message is excluded from history
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "Hi", req.Messages[0].Content)
}

func TestSubmitTurn_TitleDerivedFromUserMessage(t *testing.T) {
	ctrl, _, _, store := newTestController(t)

	ctrl.SubmitTurn(t.Context(), "Hi")
	assert.Equal(t, "Hi", store.ActiveThread().Title)
}

func TestTokensFlowThroughSchedulerIntoMessage(t *testing.T) {
	ctrl, session, frame, store := newTestController(t)

	ctrl.SubmitTurn(t.Context(), "Hi")
	session.emit(stream.Event{Kind: stream.KindToken, Token: &stream.Token{Text: "He"}})
	session.emit(stream.Event{Kind: stream.KindToken, Token: &stream.Token{Text: "llo"}})

	// nothing visible until the frame fires
	assert.Empty(t, store.View().StreamingText)

	frame.fire()
	view := store.View()
	assert.Equal(t, "Hello", view.StreamingText)
	assert.Equal(t, "Hello", view.Messages[1].Content)
}

func TestDone_FinalizesWithFinalText(t *testing.T) {
	ctrl, session, frame, store := newTestController(t)

	ctrl.SubmitTurn(t.Context(), "Hi")
	session.emit(stream.Event{Kind: stream.KindToken, Token: &stream.Token{Text: "Hel"}})
	frame.fire()
	session.emit(stream.Event{Kind: stream.KindDone, Done: &stream.Done{
		FinalText: "Hello there",
		Metadata:  map[string]any{"model": "m1"},
	}})

	view := store.View()
	assert.False(t, view.IsStreaming)
	assert.Equal(t, "Hello there", view.Messages[1].Content)
	assert.Equal(t, "m1", view.Metadata["model"])
}

func TestDone_FallsBackToAccumulatedText(t *testing.T) {
	ctrl, session, frame, store := newTestController(t)

	ctrl.SubmitTurn(t.Context(), "Hi")
	session.emit(stream.Event{Kind: stream.KindToken, Token: &stream.Token{Text: "streamed"}})
	frame.fire()
	session.emit(stream.Event{Kind: stream.KindDone, Done: &stream.Done{}})

	assert.Equal(t, "streamed", store.View().Messages[1].Content)
}

func TestDone_BufferedTextNotLost(t *testing.T) {
	ctrl, session, _, store := newTestController(t)

	ctrl.SubmitTurn(t.Context(), "Hi")
	// tokens arrive but the frame never fires before done
	session.emit(stream.Event{Kind: stream.KindToken, Token: &stream.Token{Text: "buffered"}})
	session.emit(stream.Event{Kind: stream.KindDone, Done: &stream.Done{}})

	assert.Equal(t, "buffered", store.View().Messages[1].Content)
}

func TestError_KeepsPartialTextAndNotifies(t *testing.T) {
	store := thread.NewStore(kv.NewMemory(), nil)
	require.NoError(t, store.Hydrate(t.Context()))

	session := &fakeSession{}
	frame := &manualFrame{}
	var notices []string
	ctrl := New(Options{
		Store: store,
		Text:  session,
		Frame: frame.schedule,
		Notify: func(level, msg string) {
			notices = append(notices, level+":"+msg)
		},
	})

	ctrl.SubmitTurn(t.Context(), "Hi")
	session.emit(stream.Event{Kind: stream.KindToken, Token: &stream.Token{Text: "part"}})
	session.emit(stream.Event{Kind: stream.KindError, Error: &stream.Failure{Message: "connection lost"}})

	view := store.View()
	assert.False(t, view.IsStreaming)
	assert.Equal(t, "part", view.Messages[1].Content)
	assert.Equal(t, []string{"error:connection lost"}, notices)
}

func TestToolEventsFoldIntoThread(t *testing.T) {
	ctrl, session, _, store := newTestController(t)

	ctrl.SubmitTurn(t.Context(), "Hi")
	session.emit(stream.Event{Kind: stream.KindTool, Tool: &stream.Tool{RunID: "r1", Status: "start", Tool: "search"}})
	session.emit(stream.Event{Kind: stream.KindTool, Tool: &stream.Tool{RunID: "r1", Status: "end"}})

	runs := store.View().ToolRuns
	require.Len(t, runs, 1)
	assert.Equal(t, thread.ToolRunSuccess, runs[0].Status)
	assert.Len(t, runs[0].Updates, 2)
}

func TestStop_FlushesAndLeavesToolRunsRunning(t *testing.T) {
	ctrl, session, _, store := newTestController(t)

	ctrl.SubmitTurn(t.Context(), "Hi")
	session.emit(stream.Event{Kind: stream.KindTool, Tool: &stream.Tool{RunID: "r1", Status: "start", Tool: "search"}})
	session.emit(stream.Event{Kind: stream.KindToken, Token: &stream.Token{Text: "partial"}})

	ctrl.Stop()

	view := store.View()
	assert.False(t, view.IsStreaming)
	assert.Equal(t, "partial", view.Messages[1].Content)
	// interrupted tool calls keep their last known state
	require.Len(t, view.ToolRuns, 1)
	assert.Equal(t, thread.ToolRunRunning, view.ToolRuns[0].Status)
	assert.GreaterOrEqual(t, session.closed, 1)
}

func TestStop_PublishesBufferedTailToStreamHook(t *testing.T) {
	store := thread.NewStore(kv.NewMemory(), nil)
	require.NoError(t, store.Hydrate(t.Context()))

	session := &fakeSession{}
	frame := &manualFrame{}

	var mu sync.Mutex
	var streamed []string
	ctrl := New(Options{
		Store: store,
		Text:  session,
		Frame: frame.schedule,
		OnStream: func(full string) {
			mu.Lock()
			streamed = append(streamed, full)
			mu.Unlock()
		},
	})

	ctrl.SubmitTurn(t.Context(), "Hi")
	session.emit(stream.Event{Kind: stream.KindToken, Token: &stream.Token{Text: "partial"}})

	// stop before any frame fires: the tail only exists in the buffer
	ctrl.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, streamed, "stopped turn never surfaced its buffered text")
	assert.Equal(t, "partial", streamed[len(streamed)-1])
}

func TestStop_WithoutTurnIsSafe(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	assert.NotPanics(t, ctrl.Stop)
}

func TestSelectThread_ResetsViewAndLoadsMessages(t *testing.T) {
	ctrl, session, frame, store := newTestController(t)
	ctx := t.Context()

	ctrl.SubmitTurn(ctx, "first thread message")
	session.emit(stream.Event{Kind: stream.KindToken, Token: &stream.Token{Text: "str"}})
	frame.fire()
	original := store.ActiveID()

	ctrl.CreateThread(ctx)
	ctrl.SelectThread(ctx, original)

	view := store.View()
	assert.Empty(t, view.StreamingText)
	assert.False(t, view.IsStreaming)
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "first thread message", view.Messages[0].Content)
}

func TestDeleteThread_ActiveThreadNeverMissing(t *testing.T) {
	ctrl, _, _, store := newTestController(t)
	ctx := t.Context()

	ctrl.DeleteThread(ctx, store.ActiveID())
	assert.Len(t, store.Threads(), 1)
	assert.NotEmpty(t, store.ActiveID())
}

func TestStaleDoneFromSupersededTurnIgnored(t *testing.T) {
	ctrl, session, _, store := newTestController(t)
	ctx := t.Context()

	ctrl.SubmitTurn(ctx, "first")
	firstHandlers := session.handlers

	ctrl.SubmitTurn(ctx, "second")
	firstHandlers.Dispatch(stream.Event{Kind: stream.KindDone, Done: &stream.Done{FinalText: "stale"}})

	// the second turn is still streaming; the stale done must not finalize it
	assert.True(t, store.View().IsStreaming)
}
