// Package openai implements [duplex.Dialer] on top of OpenAI's Realtime API.
//
// It translates the live channel's vocabulary to Realtime events: the init
// payload becomes session instructions, audio frames are resampled to the
// API's 24 kHz input rate and appended to the input buffer, stills become
// input_image conversation items, and a commit closes the user turn and asks
// for a response. Server-side turn detection is disabled because the client
// runs its own VAD.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brightpath/livelink/internal/observe"
	"github.com/brightpath/livelink/pkg/audio"
	"github.com/brightpath/livelink/pkg/provider/duplex"
)

// Compile-time assertions that Dialer and session satisfy the duplex interfaces.
var _ duplex.Dialer = (*Dialer)(nil)
var _ duplex.Channel = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "sage"

	// apiSampleRate is the PCM16 rate the Realtime API expects and produces.
	apiSampleRate = 24000

	readLimit    = 4 << 20
	writeTimeout = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) {
		if model != "" {
			d.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) {
		if url != "" {
			d.baseURL = url
		}
	}
}

// WithVoice selects the synthesised voice.
func WithVoice(voice string) Option {
	return func(d *Dialer) { d.voice = voice }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dialer) { d.metrics = m }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements duplex.Dialer for OpenAI's Realtime API.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
	voice   string
	metrics *observe.Metrics
}

// New creates a new OpenAI Realtime Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		voice:   defaultVoice,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Dial establishes a Realtime session and configures it from init.
func (d *Dialer) Dial(ctx context.Context, init duplex.InitPayload, h duplex.Handler) (_ duplex.Channel, err error) {
	ctx, span := observe.StartSpan(ctx, "duplex.dial",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(observe.AttrTransport.String("openai")),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, d.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		handler: h,
		metrics: d.metrics,
		state:   duplex.StateConnected,
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSessionUpdate(d.voice, Instructions(init)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	d.metrics.RecordFrameSent(ctx, observe.KindControl)

	go sess.receiveLoop()

	return sess, nil
}

// Instructions renders the init payload as system instructions.
func Instructions(init duplex.InitPayload) string {
	var b strings.Builder
	b.WriteString("You are a warm, patient companion talking with a child. Speak simply and kindly, in short sentences.")

	c := init.Child
	if c.Name != "" {
		fmt.Fprintf(&b, "\nThe child's name is %s.", c.Name)
	}
	if c.Age > 0 {
		fmt.Fprintf(&b, " They are %d years old.", c.Age)
	}
	if len(c.Interests) > 0 {
		fmt.Fprintf(&b, " They enjoy %s.", strings.Join(c.Interests, ", "))
	}
	if c.Notes != "" {
		fmt.Fprintf(&b, "\nNotes from caregivers: %s", c.Notes)
	}

	a := init.Activity
	if a.Title != "" {
		fmt.Fprintf(&b, "\nCurrent activity: %s.", a.Title)
	}
	if a.Goal != "" {
		fmt.Fprintf(&b, " Goal: %s.", a.Goal)
	}
	if a.Instructions != "" {
		fmt.Fprintf(&b, "\n%s", a.Instructions)
	}

	if len(init.History.Recent) > 0 {
		b.WriteString("\nEarlier sessions:")
		for _, r := range init.History.Recent {
			fmt.Fprintf(&b, "\n- %s", r.Summary)
		}
	}
	return b.String()
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`

	// TurnDetection is always sent as null to disable server VAD.
	TurnDetection *struct{} `json:"turn_detection"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	handler duplex.Handler
	metrics *observe.Metrics

	mu             sync.Mutex
	state          duplex.State
	ready          bool
	responseActive bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures voice, instructions, audio formats and
// transcription, and disables server-side turn detection.
func (s *session) sendSessionUpdate(voice, instructions string) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:              []string{"text", "audio"},
			Voice:                   voice,
			Instructions:            instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &inputAudioTranscription{Model: "whisper-1"},
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// send writes each message in order unless the session has left the
// connected state.
func (s *session) send(kind string, msgs ...any) error {
	if s.State() != duplex.StateConnected {
		s.metrics.RecordFrameDropped(context.Background(), kind, "not_open")
		return nil
	}
	for _, m := range msgs {
		if err := s.writeJSON(m); err != nil {
			if s.ctx.Err() != nil {
				s.metrics.RecordFrameDropped(context.Background(), kind, "not_open")
				return nil
			}
			return fmt.Errorf("openai: send %s: %w", kind, err)
		}
	}
	s.metrics.RecordFrameSent(context.Background(), kind)
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.terminate(closedEvent(err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai: dropping malformed event", "err", err, "bytes", len(data))
			s.metrics.RecordInboundEvent(s.ctx, "malformed")
			s.deliver(duplex.Event{
				Type:     duplex.EventError,
				Message:  "received a malformed message from the server",
				Err:      fmt.Errorf("%w: %w", duplex.ErrMalformed, err),
				Received: time.Now(),
			})
			continue
		}

		if ev, ok := s.translate(&evt); ok {
			s.metrics.RecordInboundEvent(s.ctx, string(ev.Type))
			s.deliver(ev)
		}
	}
}

// translate maps a Realtime server event onto the duplex event union.
func (s *session) translate(evt *serverEvent) (duplex.Event, bool) {
	ev := duplex.Event{Received: time.Now()}

	switch evt.Type {
	case "session.updated":
		s.mu.Lock()
		first := !s.ready
		s.ready = true
		s.mu.Unlock()
		ev.Type = duplex.EventSessionUpdated
		if first {
			ev.Type = duplex.EventSessionReady
		}

	case "input_audio_buffer.speech_started":
		ev.Type = duplex.EventSpeechStarted

	case "input_audio_buffer.speech_stopped":
		ev.Type = duplex.EventSpeechStopped

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return ev, false
		}
		ev.Type = duplex.EventUserTranscript
		ev.Text = evt.Transcript

	case "response.created":
		s.setResponseActive(true)
		ev.Type = duplex.EventResponseStarted

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return ev, false
		}
		ev.Type = duplex.EventTranscriptDelta
		ev.Text = evt.Delta

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			ev.Type = duplex.EventError
			ev.Message = "received undecodable audio from the server"
			ev.Err = fmt.Errorf("%w: audio delta: %w", duplex.ErrMalformed, err)
			return ev, true
		}
		if len(pcm) == 0 {
			return ev, false
		}
		ev.Type = duplex.EventAudioChunk
		ev.Audio = pcm

	case "response.done":
		s.setResponseActive(false)
		ev.Type = duplex.EventResponseDone

	case "error":
		ev.Type = duplex.EventError
		ev.Message = "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			ev.Message = evt.Error.Message
		}

	default:
		slog.Debug("openai: ignoring server event", "type", evt.Type)
		return ev, false
	}
	return ev, true
}

func (s *session) setResponseActive(v bool) {
	s.mu.Lock()
	s.responseActive = v
	s.mu.Unlock()
}

// deliver invokes the handler unless the session has been disconnected.
func (s *session) deliver(ev duplex.Event) {
	if s.ctx.Err() != nil || s.handler == nil {
		return
	}
	s.handler(ev)
}

func (s *session) terminate(ev duplex.Event) {
	s.mu.Lock()
	s.state = duplex.StateClosed
	s.mu.Unlock()
	s.deliver(ev)
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "")
	})
}

// closedEvent converts a read error into a connection-closed event.
func closedEvent(err error) duplex.Event {
	ev := duplex.Event{
		Type:     duplex.EventConnectionClosed,
		Code:     duplex.CloseNoStatus,
		Reason:   "transport error",
		Err:      err,
		Received: time.Now(),
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		ev.Code = int(ce.Code)
		ev.Reason = ce.Reason
		if ev.Code == duplex.CloseNormal || ev.Code == duplex.CloseGoingAway {
			ev.Err = nil
		}
	}
	return ev
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio resamples a 16 kHz PCM16 frame to 24 kHz and appends it to the
// input audio buffer.
func (s *session) SendAudio(pcm []byte) error {
	up := audio.ResampleMono16(pcm, audio.CaptureSampleRate, apiSampleRate)
	return s.send(observe.KindAudio, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(up),
	})
}

// SendImage adds the still to the conversation as an input_image item.
func (s *session) SendImage(jpeg []byte) error {
	return s.send(observe.KindImage, createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{{
				Type:     "input_image",
				ImageURL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg),
			}},
		},
	})
}

// SendControl maps turn-taking controls onto Realtime events. speech_start
// cancels an in-flight response; speech_end has no Realtime counterpart;
// commit closes the input buffer and requests a response.
func (s *session) SendControl(ctrl duplex.Control) error {
	switch ctrl {
	case duplex.ControlSpeechStart:
		s.mu.Lock()
		active := s.responseActive
		s.mu.Unlock()
		if !active {
			return nil
		}
		return s.send(observe.KindControl, map[string]string{"type": "response.cancel"})
	case duplex.ControlSpeechEnd:
		return nil
	case duplex.ControlCommit:
		return s.send(observe.KindControl,
			map[string]string{"type": "input_audio_buffer.commit"},
			map[string]string{"type": "response.create"},
		)
	default:
		return fmt.Errorf("openai: %w: %q", duplex.ErrInvalidControl, ctrl)
	}
}

// State returns the lifecycle state.
func (s *session) State() duplex.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Disconnect terminates the session and releases all resources. Idempotent.
func (s *session) Disconnect() error {
	s.mu.Lock()
	s.state = duplex.StateClosed
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
