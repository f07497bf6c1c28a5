// ABOUTME: StreamEvent tagged union for the conversation wire protocol
// ABOUTME: One case per event kind, decoded from {"event": kind, "data": {...}} frames

package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates stream event variants.
type Kind string

const (
	KindToken     Kind = "token"
	KindTool      Kind = "tool"
	KindLog       Kind = "log"
	KindHeartbeat Kind = "heartbeat"
	KindDone      Kind = "done"
	KindError     Kind = "error"
)

// Event is one decoded frame from a conversation stream. Exactly one of
// the payload pointers is non-nil, matching Kind. Events are ephemeral:
// only their effects on thread state are persisted.
type Event struct {
	Kind  Kind
	Token *Token
	Tool  *Tool
	Log   *Log
	Done  *Done
	Error *Failure
}

// Token carries one text fragment of the assistant response.
type Token struct {
	Text string `json:"text"`
}

// Tool is a partial tool-invocation payload. RunID may be empty; consumers
// fall back to ToolCallID, then tool name, when correlating events.
type Tool struct {
	RunID         string  `json:"run_id,omitempty"`
	ToolCallID    string  `json:"tool_call_id,omitempty"`
	Tool          string  `json:"tool,omitempty"`
	Status        string  `json:"status,omitempty"`
	TS            float64 `json:"ts,omitempty"`
	LatencyMS     *int64  `json:"latency_ms,omitempty"`
	ResultPreview *string `json:"result_preview,omitempty"`
}

// Log is a server-side diagnostic line forwarded over the stream.
type Log struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

// Done is the terminal frame of a successful turn.
type Done struct {
	FinalText     string         `json:"final_text,omitempty"`
	Content       string         `json:"content,omitempty"` // legacy field name for final_text
	Metadata      map[string]any `json:"metadata,omitempty"`
	Transcript    string         `json:"transcript,omitempty"`
	STTConfidence *float64       `json:"stt_confidence,omitempty"`
	STTLanguage   string         `json:"stt_language,omitempty"`
	Audio         []byte         `json:"audio,omitempty"`
}

// Text returns the final assistant text, preferring final_text over the
// legacy content field.
func (d *Done) Text() string {
	if d.FinalText != "" {
		return d.FinalText
	}
	return d.Content
}

// Failure describes a server-reported or transport-level stream failure.
type Failure struct {
	Message string `json:"message"`
}

// frame is the wire envelope around every event.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParseFrame decodes one wire frame into an Event. Unknown event kinds
// and malformed payloads are errors; the transport reports them once via
// OnError and terminates the stream.
func ParseFrame(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, fmt.Errorf("malformed frame: %w", err)
	}
	return parsePayload(f.Event, f.Data)
}

// ParseSSE decodes one Server-Sent Event (event name + data payload) into
// an Event.
func ParseSSE(event, data string) (Event, error) {
	return parsePayload(event, json.RawMessage(data))
}

func parsePayload(kind string, data json.RawMessage) (Event, error) {
	decode := func(v any) error {
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("malformed %s payload: %w", kind, err)
		}
		return nil
	}

	switch Kind(kind) {
	case KindToken:
		var t Token
		if err := decode(&t); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindToken, Token: &t}, nil
	case KindTool:
		var t Tool
		if err := decode(&t); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindTool, Tool: &t}, nil
	case KindLog:
		var l Log
		if err := decode(&l); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindLog, Log: &l}, nil
	case KindHeartbeat:
		return Event{Kind: KindHeartbeat}, nil
	case KindDone:
		var d Done
		if err := decode(&d); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindDone, Done: &d}, nil
	case KindError:
		var e Failure
		if err := decode(&e); err != nil {
			return Event{}, err
		}
		return Event{Kind: KindError, Error: &e}, nil
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
}

// Timestamp converts the tool event's epoch-seconds ts into a time.Time,
// falling back to now when the server omitted it.
func (t *Tool) Timestamp() time.Time {
	if t.TS <= 0 {
		return time.Now()
	}
	sec := int64(t.TS)
	nsec := int64((t.TS - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
