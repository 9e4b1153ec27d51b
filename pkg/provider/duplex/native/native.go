// Package native implements [duplex.Dialer] for the service's own tagged JSON
// protocol over a WebSocket.
//
// Every message is a JSON text frame whose "type" field is the tag. Audio and
// images travel base64-encoded. The first outbound message is always "init";
// the remote answers with "session-ready" once it is prepared to receive
// media.
package native

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brightpath/livelink/internal/observe"
	"github.com/brightpath/livelink/pkg/provider/duplex"
)

// Compile-time assertions that Dialer and channel satisfy the duplex interfaces.
var _ duplex.Dialer = (*Dialer)(nil)
var _ duplex.Channel = (*channel)(nil)

const (
	// defaultReadLimit bounds a single inbound message. Assistant audio
	// chunks are a few hundred milliseconds of base64 PCM, well past the
	// websocket library's 32 KiB default.
	defaultReadLimit = 4 << 20

	defaultWriteTimeout = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithAPIKey sends key as a bearer token on the upgrade request.
func WithAPIKey(key string) Option {
	return func(d *Dialer) {
		if key != "" {
			d.header.Set("Authorization", "Bearer "+key)
		}
	}
}

// WithHeader adds an HTTP header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(d *Dialer) { d.header.Add(key, value) }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dialer) { d.metrics = m }
}

// WithReadLimit overrides the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) { d.readLimit = n }
}

// WithWriteTimeout bounds every outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(dl *Dialer) { dl.writeTimeout = d }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements duplex.Dialer for the native protocol.
type Dialer struct {
	url          string
	header       http.Header
	metrics      *observe.Metrics
	readLimit    int64
	writeTimeout time.Duration
}

// New creates a Dialer for the WebSocket endpoint at url.
func New(url string, opts ...Option) *Dialer {
	d := &Dialer{
		url:          url,
		header:       http.Header{},
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Dial opens the WebSocket, sends init and starts the receive loop.
func (d *Dialer) Dial(ctx context.Context, init duplex.InitPayload, h duplex.Handler) (_ duplex.Channel, err error) {
	ctx, span := observe.StartSpan(ctx, "duplex.dial",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(observe.AttrTransport.String("native")),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conn, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPHeader: d.header,
	})
	if err != nil {
		return nil, fmt.Errorf("native: dial: %w", err)
	}
	conn.SetReadLimit(d.readLimit)

	chCtx, chCancel := context.WithCancel(context.Background())
	c := &channel{
		conn:         conn,
		handler:      h,
		metrics:      d.metrics,
		writeTimeout: d.writeTimeout,
		state:        duplex.StateConnected,
		ctx:          chCtx,
		cancel:       chCancel,
	}

	if err := c.writeJSON(initMessage{Type: "init", InitPayload: init}); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "init failed")
		return nil, fmt.Errorf("native: send init: %w", err)
	}
	d.metrics.RecordFrameSent(ctx, observe.KindControl)

	go c.receiveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type initMessage struct {
	Type string `json:"type"`
	duplex.InitPayload
}

type audioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type imageMessage struct {
	Type     string `json:"type"`
	Image    string `json:"image"` // base64-encoded JPEG
	MIMEType string `json:"mime_type"`
}

type controlMessage struct {
	Type string `json:"type"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// user-transcript / assistant-transcript-delta
	Text string `json:"text,omitempty"`

	// assistant-audio-chunk
	Audio string `json:"audio,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// connection-closed
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// decode converts one wire frame into an Event. ok is false for tags this
// client does not understand.
func decode(data []byte) (ev duplex.Event, ok bool, err error) {
	var raw serverEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return duplex.Event{}, false, fmt.Errorf("%w: %w", duplex.ErrMalformed, err)
	}
	ev = duplex.Event{Type: duplex.EventType(raw.Type), Received: time.Now()}

	switch ev.Type {
	case duplex.EventSessionReady, duplex.EventSessionUpdated,
		duplex.EventSpeechStarted, duplex.EventSpeechStopped,
		duplex.EventResponseStarted, duplex.EventResponseDone:
	case duplex.EventUserTranscript, duplex.EventTranscriptDelta:
		ev.Text = raw.Text
	case duplex.EventAudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(raw.Audio)
		if err != nil {
			return duplex.Event{}, false, fmt.Errorf("%w: audio payload: %w", duplex.ErrMalformed, err)
		}
		ev.Audio = pcm
	case duplex.EventError:
		ev.Message = raw.Message
	case duplex.EventConnectionClosed:
		ev.Code = raw.Code
		ev.Reason = raw.Reason
	default:
		return duplex.Event{}, false, nil
	}
	return ev, true, nil
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn         *websocket.Conn
	handler      duplex.Handler
	metrics      *observe.Metrics
	writeTimeout time.Duration

	mu    sync.Mutex
	state duplex.State

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("native: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// send writes v unless the channel has left the connected state, in which
// case the frame is dropped and counted.
func (c *channel) send(kind string, v any) error {
	if c.State() != duplex.StateConnected {
		c.metrics.RecordFrameDropped(context.Background(), kind, "not_open")
		return nil
	}
	if err := c.writeJSON(v); err != nil {
		if c.ctx.Err() != nil {
			// Disconnected while the write was in flight.
			c.metrics.RecordFrameDropped(context.Background(), kind, "not_open")
			return nil
		}
		return fmt.Errorf("native: send %s: %w", kind, err)
	}
	c.metrics.RecordFrameSent(context.Background(), kind)
	return nil
}

// receiveLoop reads frames until the transport fails or Disconnect is
// called, delivering each decoded event to the handler in order.
func (c *channel) receiveLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.terminate(closedEvent(err))
			return
		}

		ev, ok, err := decode(data)
		if err != nil {
			slog.Warn("native: dropping malformed message", "err", err, "bytes", len(data))
			c.metrics.RecordInboundEvent(c.ctx, "malformed")
			c.deliver(duplex.Event{
				Type:     duplex.EventError,
				Message:  "received a malformed message from the server",
				Err:      err,
				Received: time.Now(),
			})
			continue
		}
		if !ok {
			slog.Debug("native: ignoring unknown message type", "bytes", len(data))
			continue
		}
		c.metrics.RecordInboundEvent(c.ctx, string(ev.Type))

		if ev.Type == duplex.EventConnectionClosed {
			c.terminate(ev)
			return
		}
		c.deliver(ev)
	}
}

// deliver invokes the handler unless the channel has been disconnected.
func (c *channel) deliver(ev duplex.Event) {
	if c.ctx.Err() != nil || c.handler == nil {
		return
	}
	c.handler(ev)
}

// terminate moves to the closed state, delivers the final event and
// releases the connection.
func (c *channel) terminate(ev duplex.Event) {
	c.setState(duplex.StateClosed)
	c.deliver(ev)
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "")
	})
}

// closedEvent converts a read error into a connection-closed event.
func closedEvent(err error) duplex.Event {
	ev := duplex.Event{
		Type:     duplex.EventConnectionClosed,
		Code:     duplex.CloseNoStatus,
		Received: time.Now(),
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		ev.Code = int(ce.Code)
		ev.Reason = ce.Reason
		if ev.Code != duplex.CloseNormal && ev.Code != duplex.CloseGoingAway {
			ev.Err = err
		}
		return ev
	}
	ev.Reason = "transport error"
	ev.Err = err
	return ev
}

func (c *channel) setState(s duplex.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio sends one PCM16 frame.
func (c *channel) SendAudio(pcm []byte) error {
	return c.send(observe.KindAudio, audioMessage{
		Type:  "audio",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendImage sends one JPEG still.
func (c *channel) SendImage(jpeg []byte) error {
	return c.send(observe.KindImage, imageMessage{
		Type:     "image",
		Image:    base64.StdEncoding.EncodeToString(jpeg),
		MIMEType: "image/jpeg",
	})
}

// SendControl sends a turn-taking control message.
func (c *channel) SendControl(ctrl duplex.Control) error {
	if !ctrl.Valid() {
		return fmt.Errorf("native: %w: %q", duplex.ErrInvalidControl, ctrl)
	}
	return c.send(observe.KindControl, controlMessage{Type: string(ctrl)})
}

// State returns the lifecycle state.
func (c *channel) State() duplex.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnect closes the channel. Idempotent.
func (c *channel) Disconnect() error {
	c.setState(duplex.StateClosed)
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return nil
}
