// Package ffmpeg implements capture.Devices on top of ffmpeg child
// processes: a long-running one streaming raw float PCM for the microphone,
// and a one-shot PNG grab per camera snapshot.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brightpath/livelink/pkg/audio"
	"github.com/brightpath/livelink/pkg/capture"
)

var _ capture.Devices = (*Devices)(nil)

const (
	defaultCommand     = "ffmpeg"
	defaultStartupWait = 250 * time.Millisecond
	stopGrace          = 1200 * time.Millisecond
)

// Option configures [Devices].
type Option func(*Devices)

// WithCommand sets the ffmpeg binary. Defaults to "ffmpeg" on PATH.
func WithCommand(command string) Option {
	return func(d *Devices) {
		if command != "" {
			d.command = command
		}
	}
}

// WithStartupWait sets how long OpenMicrophone watches for an early exit
// before treating the stream as live. Defaults to 250ms.
func WithStartupWait(wait time.Duration) Option {
	return func(d *Devices) {
		if wait > 0 {
			d.startupWait = wait
		}
	}
}

// Devices opens ffmpeg-backed capture tracks.
type Devices struct {
	command     string
	startupWait time.Duration
}

// New returns ffmpeg Devices.
func New(opts ...Option) *Devices {
	d := &Devices{command: defaultCommand, startupWait: defaultStartupWait}
	for _, o := range opts {
		o(d)
	}
	return d
}

// MicrophoneArgs returns the ffmpeg arguments for cfg with defaults applied.
func MicrophoneArgs(cfg capture.MicrophoneConfig) []string {
	if cfg.Format == "" {
		cfg.Format = "pulse"
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.CaptureSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.Format,
		"-i", cfg.Device,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "f32le",
		"-",
	}
}

// CameraArgs returns the ffmpeg arguments grabbing one PNG frame for cfg.
func CameraArgs(cfg capture.CameraConfig) []string {
	if cfg.Format == "" {
		cfg.Format = "v4l2"
	}
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-f", cfg.Format,
		"-i", cfg.Device,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	}
}

// ── Microphone ─────────────────────────────────────────────────────────────────

// OpenMicrophone starts streaming from the configured input. It fails if
// ffmpeg exits within the startup window, wrapping
// [capture.ErrPermissionDenied] when ffmpeg reports an access error.
func (d *Devices) OpenMicrophone(ctx context.Context, cfg capture.MicrophoneConfig) (capture.Microphone, error) {
	cmd := exec.Command(d.command, MicrophoneArgs(cfg)...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: microphone stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start microphone: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		return nil, exitError("microphone", err, stderr.String())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-time.After(d.startupWait):
	}

	m := &microphone{
		stdout:  stdout,
		stderr:  stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}
	m.enabled.Store(true)
	return m, nil
}

type microphone struct {
	stdout  io.ReadCloser
	stderr  *lockedBuffer
	process *os.Process
	waitErr <-chan error
	enabled atomic.Bool

	raw []byte

	stopOnce sync.Once
	stopErr  error
	closed   atomic.Bool
}

func (m *microphone) Read(buf []float32) (int, error) {
	if m.closed.Load() {
		return 0, capture.ErrClosed
	}
	need := len(buf) * 4
	if cap(m.raw) < need {
		m.raw = make([]byte, need)
	}
	raw := m.raw[:need]
	if _, err := io.ReadFull(m.stdout, raw); err != nil {
		if m.closed.Load() {
			return 0, capture.ErrClosed
		}
		return 0, fmt.Errorf("ffmpeg: read microphone: %w", err)
	}
	if !m.enabled.Load() {
		clear(buf)
		return len(buf), nil
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return len(buf), nil
}

func (m *microphone) SetEnabled(enabled bool) { m.enabled.Store(enabled) }

func (m *microphone) Close() error {
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		if m.process != nil {
			_ = m.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-m.waitErr:
			if ok {
				m.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if m.process != nil {
				_ = m.process.Kill()
			}
			if err, ok := <-m.waitErr; ok {
				m.stopErr = normalizeStopErr(err)
			}
		}

		if err := m.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && m.stopErr == nil {
			m.stopErr = err
		}
		if m.stopErr != nil {
			if s := m.stderr.String(); s != "" {
				m.stopErr = fmt.Errorf("%w: %s", m.stopErr, s)
			}
		}
	})
	return m.stopErr
}

// ── Camera ─────────────────────────────────────────────────────────────────────

// OpenCamera verifies the camera by taking one snapshot.
func (d *Devices) OpenCamera(ctx context.Context, cfg capture.CameraConfig) (capture.Camera, error) {
	c := &camera{command: d.command, args: CameraArgs(cfg)}
	if _, err := c.Snapshot(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

type camera struct {
	command string
	args    []string
	closed  atomic.Bool
}

func (c *camera) Snapshot(ctx context.Context) (image.Image, error) {
	if c.closed.Load() {
		return nil, capture.ErrClosed
	}
	cmd := exec.CommandContext(ctx, c.command, c.args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, exitError("camera", err, stderr.String())
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: decode snapshot: %w", err)
	}
	return img, nil
}

func (c *camera) Close() error {
	c.closed.Store(true)
	return nil
}

// ── helpers ────────────────────────────────────────────────────────────────────

// exitError describes an ffmpeg process that failed before delivering data.
func exitError(track string, err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if IsPermissionMessage(stderr) {
		return fmt.Errorf("ffmpeg: open %s: %w: %s", track, capture.ErrPermissionDenied, stderr)
	}
	if err == nil {
		return fmt.Errorf("ffmpeg: %s exited before capture started", track)
	}
	if stderr != "" {
		return fmt.Errorf("ffmpeg: %s exited before capture started: %w: %s", track, err, stderr)
	}
	return fmt.Errorf("ffmpeg: %s exited before capture started: %w", track, err)
}

// IsPermissionMessage reports whether ffmpeg's stderr indicates an access
// refusal rather than a missing or busy device.
func IsPermissionMessage(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "permission denied") ||
		strings.Contains(s, "operation not permitted") ||
		strings.Contains(s, "not authorized")
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// lockedBuffer is a bytes.Buffer safe for the exec copy goroutine and
// readers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
