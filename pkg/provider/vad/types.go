package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Level is the frame's peak normalised amplitude (0.0–1.0).
	Level float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String implements fmt.Stringer.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// State is a snapshot of a session's debounce counters.
type State struct {
	// Speaking is true between a VADSpeechStart and the following VADSpeechEnd.
	Speaking bool

	// SpeechFrames counts consecutive above-threshold frames while silent.
	SpeechFrames int

	// SilenceFrames counts consecutive below-threshold frames while speaking.
	SilenceFrames int
}
