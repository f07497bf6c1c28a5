// ABOUTME: TokenScheduler coalesces rapid text fragments into frame-aligned flushes
// ABOUTME: The frame-scheduling function is injectable so tests can drive flushes deterministically

package schedule

import (
	"strings"
	"sync"
	"time"
)

// FrameInterval approximates one rendering frame at 60Hz. Used by the
// default frame function; callers with a real rendering loop inject
// their own.
const FrameInterval = 16 * time.Millisecond

// FrameFunc schedules flush to run at the next rendering opportunity.
// It must invoke flush exactly once, asynchronously or not.
type FrameFunc func(flush func())

// DefaultFrame schedules the flush one frame interval out.
func DefaultFrame(flush func()) {
	time.AfterFunc(FrameInterval, flush)
}

// TokenScheduler absorbs many small appends and emits at most one flush
// per frame. The flushed value is always the exact concatenation of every
// fragment appended since the previous flush, appended to the text
// already emitted this turn.
type TokenScheduler struct {
	mu        sync.Mutex
	frame     FrameFunc
	onFlush   func(full string)
	buf       strings.Builder
	emitted   strings.Builder
	scheduled bool
}

// New creates a scheduler that delivers the accumulated streaming text
// to onFlush. A nil frame falls back to DefaultFrame.
func New(frame FrameFunc, onFlush func(full string)) *TokenScheduler {
	if frame == nil {
		frame = DefaultFrame
	}
	return &TokenScheduler{frame: frame, onFlush: onFlush}
}

// Append buffers one fragment. The first append after a flush schedules
// exactly one frame-aligned flush; further appends before it fires only
// grow the buffer.
func (s *TokenScheduler) Append(fragment string) {
	s.mu.Lock()
	s.buf.WriteString(fragment)
	if s.scheduled {
		s.mu.Unlock()
		return
	}
	s.scheduled = true
	s.mu.Unlock()

	s.frame(s.Flush)
}

// Flush drains the buffer into the visible streaming text and clears the
// scheduled flag. Safe to call with an empty buffer (no-op). Callers
// must force one final Flush on stream termination so no buffered text
// is lost.
func (s *TokenScheduler) Flush() {
	s.mu.Lock()
	s.scheduled = false
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return
	}
	s.emitted.WriteString(s.buf.String())
	s.buf.Reset()
	full := s.emitted.String()
	onFlush := s.onFlush
	s.mu.Unlock()

	if onFlush != nil {
		onFlush(full)
	}
}

// Text returns the streaming text emitted so far (excluding any
// still-buffered fragments).
func (s *TokenScheduler) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted.String()
}

// Reset clears all state for the next turn.
func (s *TokenScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.emitted.Reset()
	s.scheduled = false
}
