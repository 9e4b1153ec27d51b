// Package mock provides in-memory capture devices for tests.
package mock

import (
	"context"
	"image"
	"sync"

	"github.com/brightpath/livelink/pkg/capture"
)

var (
	_ capture.Devices    = (*Devices)(nil)
	_ capture.Microphone = (*Microphone)(nil)
	_ capture.Camera     = (*Camera)(nil)
)

// Devices hands out the configured Microphone and Camera, or the configured
// errors.
type Devices struct {
	mu sync.Mutex

	Mic *Microphone
	Cam *Camera

	// MicErr and CamErr, when set, are returned by the corresponding Open.
	MicErr error
	CamErr error

	// OnOpenMicrophone, when set, runs at the start of OpenMicrophone,
	// before any lock is taken.
	OnOpenMicrophone func()

	micOpens int
	camOpens int
}

// NewDevices returns Devices with a fresh microphone and a camera serving a
// 64x48 black frame.
func NewDevices() *Devices {
	return &Devices{
		Mic: NewMicrophone(),
		Cam: &Camera{Frame: image.NewRGBA(image.Rect(0, 0, 64, 48))},
	}
}

// OpenMicrophone implements capture.Devices.
func (d *Devices) OpenMicrophone(_ context.Context, _ capture.MicrophoneConfig) (capture.Microphone, error) {
	if d.OnOpenMicrophone != nil {
		d.OnOpenMicrophone()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.micOpens++
	if d.MicErr != nil {
		return nil, d.MicErr
	}
	return d.Mic, nil
}

// OpenCamera implements capture.Devices.
func (d *Devices) OpenCamera(_ context.Context, _ capture.CameraConfig) (capture.Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.camOpens++
	if d.CamErr != nil {
		return nil, d.CamErr
	}
	return d.Cam, nil
}

// Opens returns how many times each Open method was called.
func (d *Devices) Opens() (mic, cam int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.micOpens, d.camOpens
}

// ── Microphone ─────────────────────────────────────────────────────────────────

// Microphone delivers blocks pushed by the test. Read blocks until a block
// is pushed or the microphone is closed.
type Microphone struct {
	frames chan []float32
	done   chan struct{}

	mu         sync.Mutex
	enabled    bool
	closed     bool
	closeCalls int
}

// NewMicrophone returns an enabled Microphone.
func NewMicrophone() *Microphone {
	return &Microphone{
		frames:  make(chan []float32, 256),
		done:    make(chan struct{}),
		enabled: true,
	}
}

// Push queues one block for Read. Push never blocks past Close.
func (m *Microphone) Push(block []float32) {
	select {
	case m.frames <- block:
	case <-m.done:
	}
}

// Read implements capture.Microphone.
func (m *Microphone) Read(buf []float32) (int, error) {
	select {
	case <-m.done:
		return 0, capture.ErrClosed
	case block := <-m.frames:
		m.mu.Lock()
		enabled := m.enabled
		m.mu.Unlock()
		if !enabled {
			clear(buf)
			return len(buf), nil
		}
		n := copy(buf, block)
		clear(buf[n:])
		return len(buf), nil
	}
}

// Pending returns the number of pushed blocks not yet read.
func (m *Microphone) Pending() int { return len(m.frames) }

// SetEnabled implements capture.Microphone.
func (m *Microphone) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// Close implements capture.Microphone.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Closed reports whether Close has been called.
func (m *Microphone) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ── Camera ─────────────────────────────────────────────────────────────────────

// Camera returns Frame from every Snapshot.
type Camera struct {
	mu sync.Mutex

	Frame image.Image

	// SnapshotErr, when set, is returned by Snapshot.
	SnapshotErr error

	snapshots int
	closed    bool
}

// Snapshot implements capture.Camera.
func (c *Camera) Snapshot(_ context.Context) (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, capture.ErrClosed
	}
	c.snapshots++
	if c.SnapshotErr != nil {
		return nil, c.SnapshotErr
	}
	return c.Frame, nil
}

// Close implements capture.Camera.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Snapshots returns the number of successful-or-failed Snapshot calls made
// while open.
func (c *Camera) Snapshots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshots
}

// Closed reports whether Close has been called.
func (c *Camera) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
