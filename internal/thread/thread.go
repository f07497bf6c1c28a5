// ABOUTME: Thread, ChatMessage and ToolRun data types for conversation persistence
// ABOUTME: JSON tags match the versioned record written through the KeyValueStore

package thread

import (
	"time"
)

// Role identifies the author of a ChatMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolRunStatus is the lifecycle state of one tool invocation.
type ToolRunStatus string

const (
	ToolRunRunning ToolRunStatus = "running"
	ToolRunSuccess ToolRunStatus = "success"
	ToolRunError   ToolRunStatus = "error"
	ToolRunCached  ToolRunStatus = "cached"
)

// MaxToolRuns bounds a thread's tool timeline. Oldest runs (first-seen
// order) are evicted when the cap is exceeded; a run's updates log is
// never truncated independently of the run.
const MaxToolRuns = 50

// Thread is one persisted conversation.
type Thread struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId,omitempty"` // lazily assigned, immutable once set
	Title        string         `json:"title"`
	TitleUserSet bool           `json:"titleUserSet,omitempty"` // rename pins the title against derivation
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Messages     []ChatMessage  `json:"messages"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ToolRuns     []ToolRun      `json:"toolEvents"`
}

// ChatMessage is one entry in a thread's history. A streaming assistant
// message is mutated in place until finalized, never duplicated.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToolRun is the aggregate state of one assistant-invoked tool call,
// folded incrementally from partial stream events.
type ToolRun struct {
	ID            string        `json:"id"`
	Tool          string        `json:"tool"`
	Status        ToolRunStatus `json:"status"`
	StartedAt     time.Time     `json:"startedAt"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	LatencyMS     *int64        `json:"latencyMs,omitempty"`
	ResultPreview string        `json:"resultPreview,omitempty"`
	Updates       []ToolUpdate  `json:"updates"` // full audit trail, append-only
}

// ToolUpdate is one raw event recorded on a run's audit trail. Every
// incoming event is appended, whether or not it changed the run's status.
type ToolUpdate struct {
	Status        string    `json:"status,omitempty"`
	Tool          string    `json:"tool,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
	LatencyMS     *int64    `json:"latencyMs,omitempty"`
	ResultPreview string    `json:"resultPreview,omitempty"`
}

// Clone returns a deep copy so callers can hand threads to consumers
// without exposing the store's internal slices.
func (t *Thread) Clone() Thread {
	out := *t
	out.Messages = append([]ChatMessage(nil), t.Messages...)
	out.ToolRuns = make([]ToolRun, len(t.ToolRuns))
	for i, run := range t.ToolRuns {
		out.ToolRuns[i] = run
		out.ToolRuns[i].Updates = append([]ToolUpdate(nil), run.Updates...)
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
