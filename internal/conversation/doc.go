// Package conversation orchestrates chat turns end to end.
//
// # Overview
//
// The conversation package sits between the CLI front end and the transport
// layer, tying together the thread store, the token scheduler, and the tool
// run reducer into a single Controller.
//
// # Controller
//
// The Controller owns the lifecycle of a turn:
//
//	ctrl, err := conversation.New(conversation.Options{
//	    Store: store,
//	    Text:  textSession,
//	    Voice: voiceSession,
//	})
//
// Key operations:
//
//   - SubmitTurn(ctx, text): Append the user message and stream the reply
//   - Stop(): Abort the in-flight turn, keeping partial output
//   - SelectThread / CreateThread / DeleteThread / RenameThread
//   - SetMode(mode): Switch between text and voice transports
//
// # Turn Lifecycle
//
// When a turn is submitted:
//
//  1. The user message is appended to the active thread
//  2. An empty assistant message is appended as the streaming target
//  3. The transport session opens with handlers wired to the scheduler
//     and reducer
//  4. Tokens accumulate in the scheduler and flush on frame boundaries
//  5. A done or error event finalizes the assistant message
//
// # Stop Semantics
//
// Stop closes the active session, flushes any buffered tokens into the
// assistant message, and ends the turn. Tool runs that were still running
// are left in their last reported state; only the backend reports tool
// outcomes.
//
// # Stale Events
//
// Each turn records the ID of its assistant message. Terminal events
// arriving after the turn was superseded (a new submit, a thread switch,
// or Stop) are ignored so a slow stream cannot clobber a newer turn.
package conversation
