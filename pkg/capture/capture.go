// Package capture defines the microphone and camera collaborators the
// session controller acquires at start.
//
// Devices hand out one track per kind. A track can be disabled without being
// released: a disabled microphone keeps delivering blocks, all zero, so the
// capture loop stays paced.
package capture

import (
	"context"
	"errors"
	"image"
)

// ErrPermissionDenied is returned (possibly wrapped) when the operating system
// or the user refuses access to a device.
var ErrPermissionDenied = errors.New("capture: permission denied")

// ErrClosed is returned by reads on a released track.
var ErrClosed = errors.New("capture: track closed")

// MicrophoneConfig selects and shapes the microphone stream.
type MicrophoneConfig struct {
	// Device names the input, e.g. "default" for PulseAudio.
	Device string

	// Format is the platform input format, e.g. "pulse", "alsa", "avfoundation".
	Format string

	// SampleRate is the requested rate in Hz. Defaults to 16000.
	SampleRate int

	// Channels is 1 or 2. Defaults to 1. Stereo blocks are interleaved.
	Channels int
}

// CameraConfig selects the camera.
type CameraConfig struct {
	// Device names the input, e.g. "/dev/video0".
	Device string

	// Format is the platform input format, e.g. "v4l2".
	Format string
}

// Microphone is a live mono audio track.
type Microphone interface {
	// Read fills buf with the next len(buf) samples in [-1, 1] and returns
	// the number written. It blocks until a full block is available.
	Read(buf []float32) (int, error)

	// SetEnabled toggles the track. A disabled track yields silence.
	SetEnabled(enabled bool)

	// Close releases the device. Close is idempotent.
	Close() error
}

// Camera is a live video track sampled by snapshot.
type Camera interface {
	// Snapshot returns the current frame.
	Snapshot(ctx context.Context) (image.Image, error)

	// Close releases the device. Close is idempotent.
	Close() error
}

// Devices opens capture tracks.
type Devices interface {
	OpenMicrophone(ctx context.Context, cfg MicrophoneConfig) (Microphone, error)
	OpenCamera(ctx context.Context, cfg CameraConfig) (Camera, error)
}
