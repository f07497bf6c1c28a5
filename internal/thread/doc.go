// Package thread stores conversation threads and the active streaming view.
//
// # Overview
//
// The thread package owns every piece of conversation state: the ordered
// list of threads, the active thread selection, per-thread messages and
// tool runs, and the transient streaming view shown while a reply is in
// flight.
//
// # Store
//
// All mutations go through the Store, which persists after every change:
//
//	store := thread.NewStore(kvStore, logger)
//	if err := store.Hydrate(ctx); err != nil { ... }
//
// Key operations:
//
//   - Hydrate(ctx): Load persisted threads or start fresh
//   - CreateThread / DeleteThread / RenameThread / SetActiveThreadID
//   - AppendMessage / UpdateMessage / SetMetadata / SetToolRuns
//   - SetStreaming / SetStreamingText: The transient streaming view
//   - View(): An isolated snapshot for rendering
//
// # Invariants
//
// The store never holds zero threads: deleting the last thread replaces it
// with a fresh one. Switching the active thread always resets the streaming
// view, so stale partial output from a previous thread can never bleed into
// the new selection.
//
// # Titles
//
// A thread's title derives from the first non-empty user message,
// whitespace collapsed and truncated to 60 runes with a trailing
// ellipsis. Renaming pins the title: later messages never re-derive it.
//
// # Persistence
//
// State is stored under a versioned key so future format changes can
// migrate or discard old records. Corrupt or missing records hydrate to a
// fresh single-thread state rather than failing. Persistence failures after
// hydration are logged and do not fail the mutation.
package thread
