// Package ffplay renders playback audio through an ffplay child process.
//
// The process reads raw 32-bit float mono PCM on stdin. Because ffplay
// buffers internally, the [Speaker] tracks a wall-clock playhead to know when
// written audio has actually finished, and flushes an interrupted unit by
// restarting the process.
package ffplay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/brightpath/livelink/pkg/playback"
)

var _ playback.Device = (*Speaker)(nil)

const (
	defaultPath   = "ffplay"
	defaultVolume = 80

	// lead lets Play return slightly before the playhead so the next unit
	// is written before the device runs dry.
	lead = 40 * time.Millisecond
)

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("ffplay: speaker closed")

// Option configures a [Speaker].
type Option func(*Speaker)

// WithPath sets the ffplay binary. Defaults to "ffplay" on PATH.
func WithPath(path string) Option {
	return func(s *Speaker) {
		if path != "" {
			s.path = path
		}
	}
}

// WithVolume sets the ffplay volume (0-100). Defaults to 80.
func WithVolume(v int) Option {
	return func(s *Speaker) {
		if v > 0 && v <= 100 {
			s.volume = v
		}
	}
}

// Speaker is a playback.Device backed by ffplay. The process is started
// lazily by the first Play call.
type Speaker struct {
	path   string
	volume int

	playMu sync.Mutex // serialises Play

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	rate     int
	playhead time.Time
	closed   bool
}

// New returns a Speaker. No process is started until the first Play.
func New(opts ...Option) *Speaker {
	s := &Speaker{path: defaultPath, volume: defaultVolume}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Play implements playback.Device. It writes samples to ffplay and blocks
// until they have been played or ctx is cancelled. Cancellation kills the
// process so that buffered audio stops at once.
func (s *Speaker) Play(ctx context.Context, samples []float32, sampleRate int) error {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cmd != nil && s.rate != sampleRate {
		s.stopLocked()
	}
	if s.cmd == nil {
		if err := s.startLocked(sampleRate); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	stdin := s.stdin
	now := time.Now()
	if s.playhead.Before(now) {
		s.playhead = now
	}
	s.playhead = s.playhead.Add(duration(len(samples), sampleRate))
	until := s.playhead.Add(-lead)
	s.mu.Unlock()

	if _, err := stdin.Write(EncodeF32LE(samples)); err != nil {
		s.Restart()
		return fmt.Errorf("ffplay: write: %w", err)
	}

	wait := time.Until(until)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		s.Restart()
		return ctx.Err()
	}
}

// Restart kills the running process, discarding anything it has buffered.
// The next Play starts a fresh one.
func (s *Speaker) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Close stops ffplay. Close is idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopLocked()
	return nil
}

// Args returns the ffplay arguments for mono f32le input at sampleRate.
func (s *Speaker) Args(sampleRate int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-autoexit",
		"-volume", strconv.Itoa(s.volume),
		"-nodisp",
		"-f", "f32le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(sampleRate),
		"-i", "-",
	}
}

func (s *Speaker) startLocked(sampleRate int) error {
	cmd := exec.Command(s.path, s.Args(sampleRate)...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may otherwise pick a silent dummy backend.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffplay: stdin pipe: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("ffplay: start %s: %w", s.path, err)
	}
	slog.Debug("ffplay: started", "pid", cmd.Process.Pid, "sample_rate", sampleRate)

	s.cmd = cmd
	s.stdin = stdin
	s.rate = sampleRate
	s.playhead = time.Time{}

	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *Speaker) stopLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
	s.playhead = time.Time{}
}

// EncodeF32LE converts samples to little-endian IEEE-754 bytes.
func EncodeF32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
