// ABOUTME: Tests for ThreadStore hydration, activation, mutation and persistence invariants
// ABOUTME: Uses the in-memory KeyValueStore backend throughout

package thread

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/kv"
)

func newTestStore(t *testing.T) (*Store, *kv.Memory) {
	t.Helper()
	backend := kv.NewMemory()
	s := NewStore(backend, nil)
	require.NoError(t, s.Hydrate(t.Context()))
	return s, backend
}

func TestHydrate_EmptyStorageCreatesOneActiveThread(t *testing.T) {
	s, _ := newTestStore(t)

	threads := s.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, threads[0].ID, s.ActiveID())
	assert.Equal(t, DefaultTitle, threads[0].Title)
}

func TestHydrate_LoadsPersistedThreads(t *testing.T) {
	ctx := t.Context()
	backend := kv.NewMemory()

	first := NewStore(backend, nil)
	require.NoError(t, first.Hydrate(ctx))
	first.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "remember me"})
	created := first.CreateThread(ctx)

	second := NewStore(backend, nil)
	require.NoError(t, second.Hydrate(ctx))

	threads := second.Threads()
	require.Len(t, threads, 2)
	assert.Equal(t, created.ID, second.ActiveID())
	assert.Equal(t, "remember me", threads[1].Messages[0].Content)
}

func TestHydrate_CorruptRecordStartsFresh(t *testing.T) {
	ctx := t.Context()
	backend := kv.NewMemory()
	require.NoError(t, backend.Set(ctx, "coven-chat:threads:v1", []byte("not json")))

	s := NewStore(backend, nil)
	require.NoError(t, s.Hydrate(ctx))
	assert.Len(t, s.Threads(), 1)
}

func TestEnsureSession_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	first := s.EnsureSession(ctx)
	second := s.EnsureSession(ctx)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestDeleteThread_NeverLeavesStoreEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	only := s.ActiveID()
	s.DeleteThread(ctx, only)

	threads := s.Threads()
	require.Len(t, threads, 1)
	assert.NotEqual(t, only, threads[0].ID)
	assert.Equal(t, threads[0].ID, s.ActiveID())
}

func TestDeleteThread_ActivatesFirstRemaining(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	original := s.ActiveID()
	created := s.CreateThread(ctx)
	require.Equal(t, created.ID, s.ActiveID())

	s.DeleteThread(ctx, created.ID)
	assert.Equal(t, original, s.ActiveID())
}

func TestDeleteThread_InactiveKeepsActive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	original := s.ActiveID()
	created := s.CreateThread(ctx)

	s.DeleteThread(ctx, original)
	assert.Equal(t, created.ID, s.ActiveID())
	assert.Len(t, s.Threads(), 1)
}

func TestSetActiveThreadID_ResetsStreamingView(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "hello there"})
	other := s.ActiveID()
	s.CreateThread(ctx)

	s.SetStreaming(true)
	s.SetStreamingText("in flight")

	s.SetActiveThreadID(ctx, other)

	view := s.View()
	assert.Empty(t, view.StreamingText)
	assert.False(t, view.IsStreaming)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "hello there", view.Messages[0].Content)
}

func TestSetActiveThreadID_UnknownIDIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)

	active := s.ActiveID()
	s.SetActiveThreadID(t.Context(), "missing")
	assert.Equal(t, active, s.ActiveID())
}

func TestTitleDerivation_FirstUserMessage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "Hi"})
	assert.Equal(t, "Hi", s.ActiveThread().Title)
}

func TestTitleDerivation_TruncatesTo60RunesWithEllipsis(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	long := strings.Repeat("a", 80)
	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: long})

	title := s.ActiveThread().Title
	assert.Equal(t, strings.Repeat("a", 60)+"…", title)
}

func TestTitleDerivation_CollapsesWhitespace(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "  what\n\tis   up  "})
	assert.Equal(t, "what is up", s.ActiveThread().Title)
}

func TestTitleDerivation_AssistantMessagesKeepPlaceholder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	s.AppendMessage(ctx, ChatMessage{Role: RoleAssistant, Content: "greetings"})
	assert.Equal(t, DefaultTitle, s.ActiveThread().Title)
}

func TestUpdateMessage_MutatesInPlace(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	msg := s.AppendMessage(ctx, ChatMessage{Role: RoleAssistant})
	s.UpdateMessage(ctx, msg.ID, "partial")
	s.UpdateMessage(ctx, msg.ID, "partial plus more")

	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "partial plus more", msgs[0].Content)
}

func TestRenameThread_SetsUserTitle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	s.RenameThread(ctx, s.ActiveID(), "  my project  ")
	assert.Equal(t, "my project", s.ActiveThread().Title)
}

func TestRenameThread_TitleSurvivesLaterMessages(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "first question"})
	s.RenameThread(ctx, s.ActiveID(), "my project")

	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "follow-up"})
	msg := s.AppendMessage(ctx, ChatMessage{Role: RoleAssistant})
	s.UpdateMessage(ctx, msg.ID, "an answer")

	assert.Equal(t, "my project", s.ActiveThread().Title)
}

func TestRenameThread_PinSurvivesReload(t *testing.T) {
	ctx := t.Context()
	backend := kv.NewMemory()

	first := NewStore(backend, nil)
	require.NoError(t, first.Hydrate(ctx))
	first.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "first question"})
	first.RenameThread(ctx, first.ActiveID(), "my project")

	second := NewStore(backend, nil)
	require.NoError(t, second.Hydrate(ctx))
	second.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "follow-up"})

	assert.Equal(t, "my project", second.ActiveThread().Title)
}

func TestCreateThread_TitleDerivesAfterPriorRename(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	s.RenameThread(ctx, s.ActiveID(), "my project")
	s.CreateThread(ctx)

	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "fresh start"})
	assert.Equal(t, "fresh start", s.ActiveThread().Title)
}

func TestPersistence_WritesVersionedKeyAfterMutation(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := t.Context()

	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "persist me"})

	data, err := backend.Get(ctx, "coven-chat:threads:v1")
	require.NoError(t, err)

	var rec struct {
		Threads  []Thread `json:"threads"`
		ActiveID string   `json:"activeId"`
	}
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Len(t, rec.Threads, 1)
	assert.Equal(t, s.ActiveID(), rec.ActiveID)
	assert.Equal(t, "persist me", rec.Threads[0].Messages[0].Content)
}

func TestPersistence_FailureKeepsInMemoryState(t *testing.T) {
	ctx := t.Context()
	backend := &failingKV{Memory: kv.NewMemory()}
	s := NewStore(backend, nil)
	require.NoError(t, s.Hydrate(ctx))

	backend.failSet = true
	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "still here"})

	msgs := s.ActiveThread().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "still here", msgs[0].Content)
}

func TestView_CopiesAreIsolated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := t.Context()

	s.AppendMessage(ctx, ChatMessage{Role: RoleUser, Content: "original"})
	view := s.View()
	view.Messages[0].Content = "mutated"

	assert.Equal(t, "original", s.ActiveThread().Messages[0].Content)
}

// failingKV wraps the in-memory store with a switchable Set failure.
type failingKV struct {
	*kv.Memory
	failSet bool
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return assert.AnError
	}
	return f.Memory.Set(ctx, key, value)
}
