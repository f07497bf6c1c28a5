// ABOUTME: Per-event-kind callback set consumed by transport sessions
// ABOUTME: Dispatch routes a decoded Event to the matching handler, tolerating nil callbacks

package stream

// Handlers is the fixed callback set a caller passes to a transport
// session. Nil members are skipped; the event is otherwise exhaustively
// dispatched by kind.
type Handlers struct {
	OnToken     func(fragment string)
	OnTool      func(payload *Tool)
	OnLog       func(level, msg string)
	OnHeartbeat func()
	OnDone      func(final *Done)
	OnError     func(failure *Failure)
}

// Dispatch routes ev to the matching handler.
func (h Handlers) Dispatch(ev Event) {
	switch ev.Kind {
	case KindToken:
		if h.OnToken != nil && ev.Token != nil {
			h.OnToken(ev.Token.Text)
		}
	case KindTool:
		if h.OnTool != nil && ev.Tool != nil {
			h.OnTool(ev.Tool)
		}
	case KindLog:
		if h.OnLog != nil && ev.Log != nil {
			h.OnLog(ev.Log.Level, ev.Log.Msg)
		}
	case KindHeartbeat:
		if h.OnHeartbeat != nil {
			h.OnHeartbeat()
		}
	case KindDone:
		if h.OnDone != nil && ev.Done != nil {
			h.OnDone(ev.Done)
		}
	case KindError:
		if h.OnError != nil && ev.Error != nil {
			h.OnError(ev.Error)
		}
	}
}

// Fail invokes OnError with a transport-level failure message.
func (h Handlers) Fail(message string) {
	if h.OnError != nil {
		h.OnError(&Failure{Message: message})
	}
}
