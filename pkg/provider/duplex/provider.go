// Package duplex defines the live channel between the client and the remote
// conversational model.
//
// A [Channel] is a persistent, bidirectional, message-framed connection. The
// client streams microphone audio, camera stills and turn-taking control
// messages; the remote streams back transcripts, synthesised audio and
// lifecycle events. Every inbound message is decoded into an [Event] and
// delivered to the [Handler] supplied at dial time, on a single goroutine, in
// arrival order.
//
// Channels never reconnect. When the transport fails the handler receives a
// final [EventConnectionClosed] and the caller decides what to do next.
//
// All implementations must be safe for concurrent use.
package duplex

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a [Channel].
type State int

const (
	// StateDisconnected is the state before Dial has been attempted.
	StateDisconnected State = iota

	// StateConnecting is the state while the transport is being opened.
	StateConnecting

	// StateConnected means the transport is open and sends are delivered.
	StateConnected

	// StateClosed is terminal: the channel was disconnected or the transport
	// failed.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventType tags an inbound [Event]. The values are the wire tags of the
// native protocol.
type EventType string

const (
	EventSessionReady     EventType = "session-ready"
	EventSessionUpdated   EventType = "session-updated"
	EventSpeechStarted    EventType = "speech-started"
	EventSpeechStopped    EventType = "speech-stopped"
	EventUserTranscript   EventType = "user-transcript"
	EventResponseStarted  EventType = "response-started"
	EventTranscriptDelta  EventType = "assistant-transcript-delta"
	EventAudioChunk       EventType = "assistant-audio-chunk"
	EventResponseDone     EventType = "response-done"
	EventError            EventType = "error"
	EventConnectionClosed EventType = "connection-closed"
)

// Event is one decoded inbound message. Which fields are set depends on Type.
type Event struct {
	Type EventType

	// Text carries the transcript for EventUserTranscript and the fragment
	// for EventTranscriptDelta.
	Text string

	// Audio carries decoded 16-bit little-endian PCM for EventAudioChunk.
	Audio []byte

	// Message is the remote's human-readable error for EventError.
	Message string

	// Code and Reason describe the close for EventConnectionClosed. Code is
	// the websocket close status, or -1 when the transport failed without a
	// close frame.
	Code   int
	Reason string

	// Err is set on EventConnectionClosed when the transport failed, and on
	// EventError when an inbound message could not be decoded (wrapping
	// [ErrMalformed]).
	Err error

	// Received is when the message was read off the transport.
	Received time.Time
}

// Abnormal reports whether a connection-closed event was caused by a
// transport failure or a non-normal close code.
func (e Event) Abnormal() bool {
	return e.Type == EventConnectionClosed && (e.Err != nil || (e.Code != CloseNormal && e.Code != CloseGoingAway))
}

// Close codes reported in [Event.Code].
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseNoStatus  = -1
)

// Handler receives inbound events. It is invoked on the channel's receive
// goroutine and may call any Channel method, including Disconnect.
type Handler func(Event)

// Control is an outbound turn-taking message.
type Control string

const (
	ControlSpeechStart Control = "speech_start"
	ControlSpeechEnd   Control = "speech_end"
	ControlCommit      Control = "commit"
)

// Valid reports whether c is one of the known controls.
func (c Control) Valid() bool {
	switch c {
	case ControlSpeechStart, ControlSpeechEnd, ControlCommit:
		return true
	}
	return false
}

// ── Init payload ───────────────────────────────────────────────────────────────

// ChildProfile summarises the child the session is for.
type ChildProfile struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	Age       int      `json:"age,omitempty"`
	Interests []string `json:"interests,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// ActivityContext describes the activity the session takes place in.
type ActivityContext struct {
	ID           string `json:"id,omitempty"`
	Title        string `json:"title"`
	Goal         string `json:"goal,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// RecentSession is a short summary of an earlier conversation.
type RecentSession struct {
	SessionID string    `json:"session_id"`
	Activity  string    `json:"activity,omitempty"`
	EndedAt   time.Time `json:"ended_at"`
	Summary   string    `json:"summary"`
}

// HistorySummary is what the remote model is told about earlier sessions.
type HistorySummary struct {
	Recent []RecentSession `json:"recent,omitempty"`
}

// InitPayload is sent as the first message on every channel.
type InitPayload struct {
	Child    ChildProfile    `json:"child"`
	Activity ActivityContext `json:"activity"`
	History  HistorySummary  `json:"history"`
}

// ── Interfaces ─────────────────────────────────────────────────────────────────

// Channel is an open live channel. It is an interface so that test code can
// supply mock implementations without a live transport.
//
// Send methods never block on the remote: when the channel is not connected
// the frame is dropped and nil is returned. A non-nil error means the
// transport failed while writing.
type Channel interface {
	// SendAudio sends one frame of 16-bit little-endian mono PCM at 16 kHz.
	SendAudio(pcm []byte) error

	// SendImage sends one JPEG still.
	SendImage(jpeg []byte) error

	// SendControl sends a turn-taking control message.
	SendControl(c Control) error

	// Disconnect closes the channel. It is idempotent and safe to call from
	// the Handler. Once it returns, the handler is not invoked again apart
	// from a delivery that was already in progress. A caller-initiated
	// disconnect does not produce EventConnectionClosed.
	Disconnect() error

	// State returns the current lifecycle state.
	State() State
}

// Dialer opens channels.
type Dialer interface {
	// Dial opens the transport, immediately sends init as the first message
	// and starts delivering events to h. It returns once the transport is
	// open; it does not wait for EventSessionReady.
	//
	// Returns an error if the transport cannot be opened or the init message
	// cannot be written. The caller owns the Channel and must call
	// Disconnect.
	Dial(ctx context.Context, init InitPayload, h Handler) (Channel, error)
}

// ErrMalformed wraps decode failures of inbound messages.
var ErrMalformed = errors.New("duplex: malformed inbound message")

// ErrInvalidControl is returned by SendControl for unknown controls.
var ErrInvalidControl = errors.New("duplex: invalid control")
