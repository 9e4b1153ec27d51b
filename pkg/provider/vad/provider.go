// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine turns a stream of PCM frames into a debounced speaking /
// silent state. Each session keeps its own counters so that independent
// streams never influence one another. Sessions never hold a reference to
// the live channel: the caller decides what to send on each transition.
//
// ProcessFrame is synchronous and cheap, so it can run inline in the capture
// loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// Default tuning. The threshold is a peak normalised amplitude; the frame
// counts are consecutive capture blocks.
const (
	DefaultSpeechThreshold = 0.05
	DefaultSpeechFrames    = 3
	DefaultSilenceFrames   = 4
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// SpeechThreshold is the level above which a frame counts as speech.
	// Range: (0.0, 1.0].
	SpeechThreshold float64

	// SpeechFrames is how many consecutive above-threshold frames it takes to
	// enter the speaking state.
	SpeechFrames int

	// SilenceFrames is how many consecutive below-threshold frames it takes
	// to leave the speaking state.
	SilenceFrames int
}

// WithDefaults returns c with zero fields replaced by the package defaults.
func (c Config) WithDefaults() Config {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.SpeechFrames == 0 {
		c.SpeechFrames = DefaultSpeechFrames
	}
	if c.SilenceFrames == 0 {
		c.SilenceFrames = DefaultSilenceFrames
	}
	return c
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold must be in (0, 1], got %g", c.SpeechThreshold))
	}
	if c.SpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: speech frames must be at least 1, got %d", c.SpeechFrames))
	}
	if c.SilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: silence frames must be at least 1, got %d", c.SilenceFrames))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Reset clears the detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of 16-bit little-endian PCM and
	// returns the detection result. Frames may be of any even length.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset returns the session to the silent state with zeroed counters.
	Reset()

	// Close releases the session. After Close, ProcessFrame returns
	// [ErrClosed]. Calling Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new session in the silent state. Returns an error
	// if cfg fails [Config.Validate].
	NewSession(cfg Config) (SessionHandle, error)
}

// ErrClosed is returned by ProcessFrame after the session has been closed.
var ErrClosed = errors.New("vad: session closed")
