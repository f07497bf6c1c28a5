// ABOUTME: ThreadStore is the single source of truth for conversation threads
// ABOUTME: Owns the active thread, its live streaming view, and KeyValueStore synchronization

package thread

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/kv"
)

// storageKey is versioned so future record formats can coexist with old
// stored data.
const storageKey = "coven-chat:threads:v1"

// DefaultTitle is the placeholder for threads with no user message yet.
const DefaultTitle = "New conversation"

// maxTitleRunes bounds derived thread titles.
const maxTitleRunes = 60

// record is the persisted KeyValueStore value.
type record struct {
	Threads  []Thread `json:"threads"`
	ActiveID string   `json:"activeId"`
}

// Snapshot is the read-only view UI consumers render from.
type Snapshot struct {
	Messages      []ChatMessage
	StreamingText string
	IsStreaming   bool
	ToolRuns      []ToolRun
	Metadata      map[string]any
}

// Store owns all threads and which one is active. Every mutation is an
// atomic replacement under the lock; persistence is best-effort and
// strictly ordered after the in-memory commit.
type Store struct {
	mu       sync.RWMutex
	kv       kv.Store
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	hydrated bool

	threads  []*Thread
	activeID string

	// live view of the active thread's in-flight turn
	streamingText string
	isStreaming   bool
}

// NewStore creates a thread store backed by the given key/value store.
func NewStore(store kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     store,
		logger: logger.With("component", "threads"),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Hydrate loads persisted threads once at startup. An empty or unreadable
// store yields exactly one fresh active thread; in-memory state is
// authoritative from that point on.
func (s *Store) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hydrated {
		return nil
	}

	data, err := s.kv.Get(ctx, storageKey)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		// first run
	case err != nil:
		s.logger.Warn("hydration read failed, starting fresh", "error", err)
	default:
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("stored threads unreadable, starting fresh", "error", err)
		} else {
			for i := range rec.Threads {
				t := rec.Threads[i]
				s.threads = append(s.threads, &t)
			}
			s.activeID = rec.ActiveID
		}
	}

	if len(s.threads) == 0 {
		t := s.buildThread()
		s.threads = []*Thread{t}
		s.applyActiveThreadLocked(t)
	} else if s.lookupLocked(s.activeID) == nil {
		s.applyActiveThreadLocked(s.threads[0])
	} else {
		s.applyActiveThreadLocked(s.lookupLocked(s.activeID))
	}

	s.hydrated = true
	s.persistLocked(ctx)
	return nil
}

// buildThread constructs a fresh thread with a new id and session id.
func (s *Store) buildThread() *Thread {
	now := s.now()
	return &Thread{
		ID:        s.newID(),
		SessionID: s.newID(),
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []ChatMessage{},
		ToolRuns:  []ToolRun{},
	}
}

// applyActiveThreadLocked is the single authoritative setter every other
// operation goes through when the active thread changes. It swaps all
// derived session state together so a consumer never observes a thread's
// messages paired with another thread's streaming text.
func (s *Store) applyActiveThreadLocked(t *Thread) {
	s.activeID = t.ID
	s.streamingText = ""
	s.isStreaming = false
}

// CreateThread builds a fresh thread, inserts it at the front of the
// list, activates it and returns a copy.
func (s *Store) CreateThread(ctx context.Context) Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.buildThread()
	s.threads = append([]*Thread{t}, s.threads...)
	s.applyActiveThreadLocked(t)
	s.persistLocked(ctx)
	return t.Clone()
}

// SetActiveThreadID activates the thread with the given id. Unknown ids
// are a no-op.
func (s *Store) SetActiveThreadID(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookupLocked(id)
	if t == nil {
		return
	}
	s.applyActiveThreadLocked(t)
	s.persistLocked(ctx)
}

// DeleteThread removes the thread with the given id. The store is never
// left empty: deleting the last thread synthesizes a replacement. If the
// deleted thread was active, the first remaining thread becomes active.
func (s *Store) DeleteThread(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, t := range s.threads {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	wasActive := s.threads[idx].ID == s.activeID
	s.threads = append(s.threads[:idx], s.threads[idx+1:]...)

	if len(s.threads) == 0 {
		t := s.buildThread()
		s.threads = []*Thread{t}
		s.applyActiveThreadLocked(t)
	} else if wasActive {
		s.applyActiveThreadLocked(s.threads[0])
	}
	s.persistLocked(ctx)
}

// RenameThread sets a user-chosen title on the thread with the given id.
func (s *Store) RenameThread(ctx context.Context, id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.lookupLocked(id)
	if t == nil {
		return
	}
	t.Title = strings.TrimSpace(title)
	t.TitleUserSet = true
	t.UpdatedAt = s.now()
	s.persistLocked(ctx)
}

// EnsureSession returns the active thread's session id, lazily assigning
// one on first use. Idempotent: repeated calls on an unchanged active
// thread return the same id.
func (s *Store) EnsureSession(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.activeLocked()
	if t.SessionID == "" {
		t.SessionID = s.newID()
		t.UpdatedAt = s.now()
		s.persistLocked(ctx)
	}
	return t.SessionID
}

// AppendMessage appends a message to the active thread and re-derives
// the title. Returns the stored message (with assigned id and timestamp
// if the caller left them zero).
func (s *Store) AppendMessage(ctx context.Context, msg ChatMessage) ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = s.newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	t := s.activeLocked()
	t.Messages = append(t.Messages, msg)
	s.deriveTitleLocked(t)
	t.UpdatedAt = s.now()
	s.persistLocked(ctx)
	return msg
}

// UpdateMessage replaces the content of the message with the given id on
// the active thread. Streaming assistant messages are mutated in place
// through here until finalized.
func (s *Store) UpdateMessage(ctx context.Context, id, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.activeLocked()
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			t.Messages[i].Content = content
			break
		}
	}
	s.deriveTitleLocked(t)
	t.UpdatedAt = s.now()
	s.persistLocked(ctx)
}

// SetMetadata replaces the active thread's turn metadata.
func (s *Store) SetMetadata(ctx context.Context, md map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.activeLocked()
	t.Metadata = md
	t.UpdatedAt = s.now()
	s.persistLocked(ctx)
}

// SetToolRuns replaces the active thread's tool timeline.
func (s *Store) SetToolRuns(ctx context.Context, runs []ToolRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.activeLocked()
	t.ToolRuns = runs
	t.UpdatedAt = s.now()
	s.persistLocked(ctx)
}

// SetStreaming updates the live view's streaming flag.
func (s *Store) SetStreaming(streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isStreaming = streaming
	if !streaming {
		s.streamingText = ""
	}
}

// SetStreamingText replaces the live view's in-flight assistant text.
func (s *Store) SetStreamingText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamingText = text
}

// ActiveThread returns a copy of the active thread.
func (s *Store) ActiveThread() Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeLocked().Clone()
}

// ActiveID returns the active thread's id.
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeID
}

// Threads returns copies of all threads in list order (newest first).
func (s *Store) Threads() []Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Thread, len(s.threads))
	for i, t := range s.threads {
		out[i] = t.Clone()
	}
	return out
}

// View returns the read-only snapshot UI consumers render from.
func (s *Store) View() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.activeLocked().Clone()
	return Snapshot{
		Messages:      t.Messages,
		StreamingText: s.streamingText,
		IsStreaming:   s.isStreaming,
		ToolRuns:      t.ToolRuns,
		Metadata:      t.Metadata,
	}
}

// activeLocked returns the active thread, falling back to the first
// thread if the active id dangles. Must be called with mu held.
func (s *Store) activeLocked() *Thread {
	if t := s.lookupLocked(s.activeID); t != nil {
		return t
	}
	return s.threads[0]
}

func (s *Store) lookupLocked(id string) *Thread {
	for _, t := range s.threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// deriveTitleLocked recomputes the thread title from the first user
// message with non-empty content: whitespace collapsed, truncated to 60
// runes with an ellipsis. A renamed title is pinned and never re-derived;
// with no user message the previous title (or the default placeholder)
// is kept.
func (s *Store) deriveTitleLocked(t *Thread) {
	if t.TitleUserSet {
		return
	}
	for _, msg := range t.Messages {
		if msg.Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(msg.Content), " ")
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) > maxTitleRunes {
			text = string(runes[:maxTitleRunes]) + "…"
		}
		t.Title = text
		return
	}
	if t.Title == "" {
		t.Title = DefaultTitle
	}
}

// persistLocked writes the whole record through the KeyValueStore.
// Best-effort: a failed write is logged and the next successful mutation
// retries; it never runs before hydration so a default store cannot
// clobber stored state.
func (s *Store) persistLocked(ctx context.Context) {
	if !s.hydrated {
		return
	}

	rec := record{ActiveID: s.activeID}
	rec.Threads = make([]Thread, len(s.threads))
	for i, t := range s.threads {
		rec.Threads[i] = *t
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("encoding threads failed", "error", err)
		return
	}
	if err := s.kv.Set(ctx, storageKey, data); err != nil {
		s.logger.Warn("persisting threads failed", "error", err)
	}
}
