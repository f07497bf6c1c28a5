// ABOUTME: Folds partial tool-invocation stream events into bounded ToolRun aggregates
// ABOUTME: Map plus insertion-order list gives O(1) lookup and O(1) FIFO eviction at the cap

package toolrun

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/stream"
	"github.com/2389/coven-chat/internal/thread"
)

// Reducer folds a stream of partial tool events into a bounded list of
// ToolRun aggregates. Events for the same run are applied in arrival
// order; events across runs may interleave freely. The list holds at
// most thread.MaxToolRuns runs, evicting the oldest by first-seen order.
type Reducer struct {
	mu    sync.Mutex
	runs  map[string]*entry
	order *list.List // run keys in first-seen order, oldest at front
	cap   int
	now   func() time.Time
}

type entry struct {
	run     thread.ToolRun
	element *list.Element
}

// New creates a reducer with the standard cap.
func New() *Reducer {
	return &Reducer{
		runs:  make(map[string]*entry),
		order: list.New(),
		cap:   thread.MaxToolRuns,
		now:   time.Now,
	}
}

// Seed preloads the reducer with a thread's persisted runs, in order.
// Used when resuming a conversation so eviction ordering survives
// restarts.
func (r *Reducer) Seed(runs []thread.ToolRun) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs = make(map[string]*entry, len(runs))
	r.order.Init()
	for _, run := range runs {
		e := &entry{run: run}
		e.element = r.order.PushBack(run.ID)
		r.runs[run.ID] = e
	}
}

// Apply folds one tool event into the aggregate state and returns the
// full run list (copies, first-seen order). A terminal event for a run
// never seen before implicitly creates that run; an unrecognized status
// string leaves the status unchanged. Either way the raw event is
// appended to the run's audit trail.
func (r *Reducer) Apply(ev *stream.Tool) []thread.ToolRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := runKey(ev)
	e, ok := r.runs[key]
	if !ok {
		e = &entry{run: thread.ToolRun{
			ID:        key,
			Tool:      ev.Tool,
			Status:    thread.ToolRunRunning,
			StartedAt: ev.Timestamp(),
		}}
		e.element = r.order.PushBack(key)
		r.runs[key] = e
		r.evictLocked()
	}

	run := &e.run
	ts := ev.Timestamp()

	switch ev.Status {
	case "start":
		// re-start tolerated: refresh start time and tool name
		run.Status = thread.ToolRunRunning
		run.StartedAt = ts
		if ev.Tool != "" {
			run.Tool = ev.Tool
		}
	case "end", "ok":
		run.Status = thread.ToolRunSuccess
		r.completeLocked(run, ev, ts)
	case "error":
		run.Status = thread.ToolRunError
		r.completeLocked(run, ev, ts)
	case "cached":
		run.Status = thread.ToolRunCached
		completed := ts
		run.CompletedAt = &completed
	default:
		// unrecognized status: no transition, event still logged below
	}

	if ev.Tool != "" && run.Tool == "" {
		run.Tool = ev.Tool
	}

	update := thread.ToolUpdate{
		Status:     ev.Status,
		Tool:       ev.Tool,
		ReceivedAt: r.now(),
		LatencyMS:  ev.LatencyMS,
	}
	if ev.ResultPreview != nil {
		update.ResultPreview = *ev.ResultPreview
	}
	run.Updates = append(run.Updates, update)

	return r.runsLocked()
}

// completeLocked records terminal fields shared by success and error
// transitions.
func (r *Reducer) completeLocked(run *thread.ToolRun, ev *stream.Tool, ts time.Time) {
	completed := ts
	run.CompletedAt = &completed

	if ev.LatencyMS != nil {
		run.LatencyMS = ev.LatencyMS
	} else if !run.StartedAt.IsZero() {
		ms := completed.Sub(run.StartedAt).Milliseconds()
		run.LatencyMS = &ms
	}
	if ev.ResultPreview != nil {
		run.ResultPreview = *ev.ResultPreview
	}
}

// evictLocked drops the oldest run when the list exceeds the cap.
func (r *Reducer) evictLocked() {
	for len(r.runs) > r.cap {
		front := r.order.Front()
		if front == nil {
			return
		}
		key, _ := front.Value.(string)
		r.order.Remove(front)
		delete(r.runs, key)
	}
}

// Runs returns copies of all runs in first-seen order.
func (r *Reducer) Runs() []thread.ToolRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.runsLocked()
}

func (r *Reducer) runsLocked() []thread.ToolRun {
	out := make([]thread.ToolRun, 0, len(r.runs))
	for el := r.order.Front(); el != nil; el = el.Next() {
		key, _ := el.Value.(string)
		if e, ok := r.runs[key]; ok {
			run := e.run
			run.Updates = append([]thread.ToolUpdate(nil), e.run.Updates...)
			out = append(out, run)
		}
	}
	return out
}

// runKey correlates partial events to a run: run_id when present, then
// tool_call_id, then the tool name.
func runKey(ev *stream.Tool) string {
	if ev.RunID != "" {
		return ev.RunID
	}
	if ev.ToolCallID != "" {
		return ev.ToolCallID
	}
	return ev.Tool
}
