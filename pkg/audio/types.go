// Package audio holds the PCM frame type and the pure transformations between
// captured float samples and the 16-bit little-endian wire format used by the
// live channel.
//
// Nothing in this package performs I/O. Capture devices live in
// [github.com/brightpath/livelink/pkg/capture]; output devices live in
// [github.com/brightpath/livelink/pkg/playback].
package audio

import "time"

const (
	// CaptureSampleRate is the rate of every frame sent on the live channel.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of the synthesised audio the remote
	// service streams back. It is fixed by the service, independently of the
	// capture rate.
	PlaybackSampleRate = 24000

	// BlockSize is the number of samples the capture tap hands over per frame.
	BlockSize = 4096

	// DefaultSilenceProbeBytes is how many leading bytes must be zero for a
	// frame to be treated as device warm-up silence.
	DefaultSilenceProbeBytes = 64

	// DefaultSilenceEpsilon is the peak normalised amplitude below which a
	// frame carries no usable audio.
	DefaultSilenceEpsilon = 1e-4
)

// AudioFrame is one block of mono PCM audio flowing from the capture tap to
// the channel. Frames are ephemeral: produced, inspected by VAD, sent, and
// dropped.
type AudioFrame struct {
	// Data is 16-bit signed little-endian PCM.
	Data []byte

	// SampleRate in Hz. Always [CaptureSampleRate] once a frame has passed
	// through a [FormatConverter].
	SampleRate int

	// Channels is 1 for every frame sent on the wire.
	Channels int

	// Timestamp is the capture offset relative to the start of the session.
	Timestamp time.Duration
}

// Samples returns the number of 16-bit samples in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
