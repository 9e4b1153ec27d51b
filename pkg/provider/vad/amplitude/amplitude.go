// Package amplitude implements a [vad.Engine] that classifies frames by their
// peak absolute amplitude and debounces transitions with consecutive-frame
// counters.
//
// A session enters the speaking state on the SpeechFrames-th consecutive
// frame at or above the threshold and leaves it on the SilenceFrames-th
// consecutive frame below it. A single frame on the wrong side of the
// threshold resets the opposing counter, so short clicks and short pauses do
// not flip the state.
package amplitude

import (
	"fmt"
	"sync"

	"github.com/brightpath/livelink/pkg/audio"
	"github.com/brightpath/livelink/pkg/provider/vad"
)

// Compile-time interface assertions.
var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine creates amplitude VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine]. Zero fields in cfg take the package
// defaults from [vad.Config.WithDefaults].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("amplitude: new session: %w", err)
	}
	return &Session{cfg: cfg}, nil
}

// Session is one debounced detector. It is safe for concurrent use; State
// may be read from another goroutine while frames are processed.
type Session struct {
	cfg vad.Config

	mu     sync.Mutex
	state  vad.State
	closed bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	level := audio.PeakAmplitude(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}

	loud := level > s.cfg.SpeechThreshold
	st := &s.state
	if st.Speaking {
		if loud {
			st.SilenceFrames = 0
			return vad.VADEvent{Type: vad.VADSpeechContinue, Level: level}, nil
		}
		st.SilenceFrames++
		if st.SilenceFrames >= s.cfg.SilenceFrames {
			*st = vad.State{}
			return vad.VADEvent{Type: vad.VADSpeechEnd, Level: level}, nil
		}
		return vad.VADEvent{Type: vad.VADSpeechContinue, Level: level}, nil
	}

	if !loud {
		st.SpeechFrames = 0
		return vad.VADEvent{Type: vad.VADSilence, Level: level}, nil
	}
	st.SpeechFrames++
	if st.SpeechFrames >= s.cfg.SpeechFrames {
		*st = vad.State{Speaking: true}
		return vad.VADEvent{Type: vad.VADSpeechStart, Level: level}, nil
	}
	return vad.VADEvent{Type: vad.VADSilence, Level: level}, nil
}

// State returns a snapshot of the debounce counters.
func (s *Session) State() vad.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	s.state = vad.State{}
	s.mu.Unlock()
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
