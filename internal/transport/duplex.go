// ABOUTME: Duplex transport: persistent WebSocket carrying turn events, raw audio and TTS control
// ABOUTME: One connection per conversation mode; turns attach and detach handlers on a single read loop

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/stream"
)

// SampleRate is the PCM sample rate recorded audio is framed at.
const SampleRate = 16000

// audioFrameBytes is 20ms of 16-bit mono PCM at SampleRate.
const audioFrameBytes = SampleRate / 50 * 2

// TTSHandlers receive lifecycle callbacks for one synthesized-speech
// sub-session.
type TTSHandlers struct {
	OnTTSConnect func(ttsID string)
	OnTTSDone    func(ttsID string)
	OnTTSError   func(ttsID string, message string)
}

// control is the JSON envelope for outbound and inbound sub-protocol
// commands on the duplex channel.
type control struct {
	Type   string `json:"type"`
	TTSID  string `json:"tts_id,omitempty"`
	Text   string `json:"text,omitempty"`
	Action string `json:"action,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DuplexSession is a persistent bidirectional channel opened once per
// conversation mode, multiplexing stream events, raw audio frames and
// the TTS sub-protocol. Turns come and go on the same connection: Open
// attaches the turn's handlers to the connection-lifetime read loop and
// detaches (aborting) any prior turn first.
type DuplexSession struct {
	url       string
	logger    *slog.Logger
	audioSink func(pcm []byte)

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	handlers   *stream.Handlers // nil between turns
	turnCancel context.CancelFunc
	recording  bool
	ttsID      string
	tts        TTSHandlers
}

// NewDuplexSession creates a duplex transport against the given
// WebSocket URL. audioSink, when non-nil, receives inbound synthesized
// audio frames; playback itself is a collaborator concern.
func NewDuplexSession(url string, audioSink func(pcm []byte), logger *slog.Logger) *DuplexSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplexSession{
		url:       url,
		audioSink: audioSink,
		logger:    logger.With("component", "transport", "variant", "duplex"),
	}
}

// Open starts a new turn: it aborts any turn still streaming on this
// session, dials the channel on first use, sends the turn request and
// attaches the handlers. Failures surface exactly once via h.OnError.
// Cancelling ctx aborts the turn (not the channel).
func (d *DuplexSession) Open(ctx context.Context, req Request, h stream.Handlers) {
	d.abortTurn()

	conn, err := d.ensureConn()
	if err != nil {
		h.Fail(fmt.Sprintf("dialing %s: %v", d.url, err))
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)

	// Attach before sending: the read loop is already running, so a reply
	// racing the write must find the handlers registered.
	d.mu.Lock()
	d.handlers = &h
	d.turnCancel = cancel
	d.mu.Unlock()

	if err := wsjson.Write(ctx, conn, req); err != nil {
		d.abortTurn()
		d.dropConn(conn)
		h.Fail(fmt.Sprintf("sending turn request: %v", err))
		return
	}

	// Detach the turn when its context is cancelled.
	go func() {
		<-turnCtx.Done()
		d.mu.Lock()
		if d.turnCancel != nil && d.handlers == &h {
			d.handlers = nil
			d.turnCancel = nil
		}
		d.mu.Unlock()
	}()
}

// ensureConn returns the live connection, dialing and starting the read
// loop on first use. The read loop lives as long as the connection.
func (d *DuplexSession) ensureConn() (*websocket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return d.conn, nil
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn, _, err := websocket.Dial(connCtx, d.url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	// Audio frames can be large
	conn.SetReadLimit(1 << 20)

	d.conn = conn
	d.connCancel = cancel
	go d.readLoop(connCtx, conn)
	return conn, nil
}

// dropConn discards a connection that failed mid-use; the next Open
// re-dials.
func (d *DuplexSession) dropConn(conn *websocket.Conn) {
	conn.Close(websocket.StatusInternalError, "connection failed")

	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
		if d.connCancel != nil {
			d.connCancel()
			d.connCancel = nil
		}
	}
	d.mu.Unlock()
}

// abortTurn detaches the current turn's handlers; events arriving
// afterwards are dropped. The connection stays open for the next turn.
func (d *DuplexSession) abortTurn() {
	d.mu.Lock()
	cancel := d.turnCancel
	d.handlers = nil
	d.turnCancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Close aborts the current turn and tears down the channel. Safe to call
// repeatedly; never returns an error.
func (d *DuplexSession) Close() error {
	d.abortTurn()

	d.mu.Lock()
	conn := d.conn
	cancel := d.connCancel
	d.conn = nil
	d.connCancel = nil
	d.recording = false
	d.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// IsActive reports whether a turn is currently streaming.
func (d *DuplexSession) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers != nil
}

// currentHandlers snapshots the attached turn handlers, if any.
func (d *DuplexSession) currentHandlers() *stream.Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers
}

// readLoop consumes inbound frames for the connection's lifetime: text
// frames are either TTS control messages or stream event envelopes;
// binary frames are synthesized audio.
func (d *DuplexSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			d.mu.Lock()
			h := d.handlers
			d.handlers = nil
			d.turnCancel = nil
			if d.conn == conn {
				d.conn = nil
			}
			d.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && h != nil {
				h.Fail(fmt.Sprintf("reading channel: %v", err))
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if d.audioSink != nil {
				d.audioSink(data)
			}
		case websocket.MessageText:
			if d.handleControl(data) {
				continue
			}
			h := d.currentHandlers()
			if h == nil {
				continue // no turn attached, drop
			}
			ev, err := stream.ParseFrame(data)
			if err != nil {
				h.Fail(err.Error())
				d.abortTurn()
				continue
			}
			if ev.Kind == stream.KindDone || ev.Kind == stream.KindError {
				d.abortTurn()
			}
			h.Dispatch(ev)
		}
	}
}

// handleControl routes TTS sub-protocol messages. Returns true when the
// frame was a control message.
func (d *DuplexSession) handleControl(data []byte) bool {
	var c control
	if err := json.Unmarshal(data, &c); err != nil || c.Type == "" {
		return false
	}

	d.mu.Lock()
	tts := d.tts
	ttsID := d.ttsID
	d.mu.Unlock()

	switch c.Type {
	case "tts_connect":
		if tts.OnTTSConnect != nil {
			tts.OnTTSConnect(ttsID)
		}
	case "tts_done":
		if tts.OnTTSDone != nil {
			tts.OnTTSDone(ttsID)
		}
	case "tts_error":
		if tts.OnTTSError != nil {
			tts.OnTTSError(ttsID, c.Error)
		}
	default:
		return false
	}
	return true
}

// OpenTTS starts a per-turn synthesized-speech sub-session and returns
// its identifier, so playback state can be correlated with a specific
// turn.
func (d *DuplexSession) OpenTTS(ctx context.Context, h TTSHandlers) (string, error) {
	d.mu.Lock()
	conn := d.conn
	if conn == nil {
		d.mu.Unlock()
		return "", fmt.Errorf("channel not open")
	}
	id := uuid.New().String()
	d.ttsID = id
	d.tts = h
	d.mu.Unlock()

	if err := wsjson.Write(ctx, conn, control{Type: "tts_open", TTSID: id}); err != nil {
		d.mu.Lock()
		if d.ttsID == id {
			d.ttsID = ""
			d.tts = TTSHandlers{}
		}
		d.mu.Unlock()
		return "", fmt.Errorf("opening tts session: %w", err)
	}
	return id, nil
}

// SendSynthesize requests synthesis of the given text on the current
// TTS sub-session.
func (d *DuplexSession) SendSynthesize(ctx context.Context, text string) error {
	d.mu.Lock()
	conn := d.conn
	id := d.ttsID
	d.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("channel not open")
	}
	if err := wsjson.Write(ctx, conn, control{Type: "synthesize", TTSID: id, Text: text}); err != nil {
		return fmt.Errorf("requesting synthesis: %w", err)
	}
	return nil
}

// ControlBargeIn interrupts in-flight synthesis/playback, e.g. when the
// user begins speaking or stops the turn.
func (d *DuplexSession) ControlBargeIn(ctx context.Context, action string) error {
	d.mu.Lock()
	conn := d.conn
	id := d.ttsID
	d.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("channel not open")
	}
	if err := wsjson.Write(ctx, conn, control{Type: "barge_in", TTSID: id, Action: action}); err != nil {
		return fmt.Errorf("sending barge-in: %w", err)
	}
	return nil
}

// StartRecording announces an outbound audio segment. Raw PCM is then
// forwarded through WriteAudio until StopRecording.
func (d *DuplexSession) StartRecording(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("channel not open")
	}
	if err := wsjson.Write(ctx, conn, control{Type: "audio_start"}); err != nil {
		return fmt.Errorf("starting recording: %w", err)
	}

	d.mu.Lock()
	d.recording = true
	d.mu.Unlock()
	return nil
}

// WriteAudio frames raw PCM (16-bit mono at SampleRate) into fixed-size
// binary messages and forwards them. Calls outside a recording segment
// are dropped.
func (d *DuplexSession) WriteAudio(ctx context.Context, pcm []byte) error {
	d.mu.Lock()
	conn := d.conn
	recording := d.recording
	d.mu.Unlock()

	if conn == nil || !recording {
		return nil
	}

	for len(pcm) > 0 {
		n := audioFrameBytes
		if n > len(pcm) {
			n = len(pcm)
		}
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[:n]); err != nil {
			return fmt.Errorf("writing audio frame: %w", err)
		}
		pcm = pcm[n:]
	}
	return nil
}

// StopRecording closes the outbound audio segment.
func (d *DuplexSession) StopRecording(ctx context.Context) error {
	d.mu.Lock()
	conn := d.conn
	d.recording = false
	d.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := wsjson.Write(ctx, conn, control{Type: "audio_end"}); err != nil {
		return fmt.Errorf("stopping recording: %w", err)
	}
	return nil
}

// TTSID returns the identifier of the current TTS sub-session, if any.
func (d *DuplexSession) TTSID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ttsID
}
