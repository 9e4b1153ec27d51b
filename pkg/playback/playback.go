// Package playback renders streamed assistant audio one chunk at a time and
// supports immediate interruption.
//
// The [Engine] is an explicit two-state machine. In [Idle] nothing is
// audible and no worker runs. [Engine.Enqueue] appends a chunk and, when
// idle, starts a single drain worker that moves to [Playing], renders the
// head of the queue on the output [Device], waits for it to finish and
// repeats until the queue is empty. [Engine.Interrupt] cancels the unit being
// rendered, drops everything queued and returns to Idle at once.
//
// At most one unit is ever rendering, and units render in arrival order.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/brightpath/livelink/internal/observe"
	"github.com/brightpath/livelink/pkg/audio"
)

// Device renders float samples on an audio output.
type Device interface {
	// Play renders samples at sampleRate and blocks until they have
	// finished playing or ctx is cancelled. On cancellation the device must
	// stop audible output immediately and return ctx.Err().
	Play(ctx context.Context, samples []float32, sampleRate int) error
}

// State is the playback state.
type State int

const (
	// Idle means nothing is rendering and the queue is empty.
	Idle State = iota

	// Playing means one unit is rendering on the device.
	Playing
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == Playing {
		return "playing"
	}
	return "idle"
}

// InterruptReason records why playback was cut short.
type InterruptReason int

const (
	// BargeIn means the user started speaking over the assistant.
	BargeIn InterruptReason = iota

	// TurnReplaced means a new response started and the previous one's
	// audio is obsolete.
	TurnReplaced

	// Shutdown means the session is ending.
	Shutdown
)

// String implements fmt.Stringer.
func (r InterruptReason) String() string {
	switch r {
	case BargeIn:
		return "barge_in"
	case TurnReplaced:
		return "turn_replaced"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("playback: engine closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithSampleRate sets the rate every chunk is rendered at. Defaults to
// [audio.PlaybackSampleRate].
func WithSampleRate(rate int) Option {
	return func(e *Engine) {
		if rate > 0 {
			e.sampleRate = rate
		}
	}
}

// WithLevelFunc registers fn to receive the RMS level of each unit as it
// starts rendering. fn is called on the drain worker and must not block.
func WithLevelFunc(fn func(level float64)) Option {
	return func(e *Engine) { e.level = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// ── Engine ─────────────────────────────────────────────────────────────────────

// Engine schedules chunks of 16-bit PCM onto a Device.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	device     Device
	sampleRate int
	level      func(float64)
	metrics    *observe.Metrics

	mu      sync.Mutex
	queue   [][]byte
	state   State
	gen     uint64             // bumped by every interrupt; stale workers exit
	running bool               // a drain worker owns the current generation
	cancel  context.CancelFunc // cancels the rendering unit
	done    chan struct{}      // closed when the latest worker returns
	closed  bool
}

// New creates an Engine that renders on device. No goroutine runs until the
// first Enqueue.
func New(device Device, opts ...Option) *Engine {
	e := &Engine{
		device:     device,
		sampleRate: audio.PlaybackSampleRate,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Enqueue appends one chunk of 16-bit little-endian PCM to the queue and
// starts the drain worker if the engine is idle.
func (e *Engine) Enqueue(chunk []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	e.queue = append(e.queue, chunk)

	if !e.running {
		e.running = true
		prev := e.done
		e.done = make(chan struct{})
		go e.drain(e.gen, prev, e.done)
	}
	return nil
}

// Interrupt stops the rendering unit immediately, drops every queued chunk
// and returns to Idle. It is a no-op when nothing is playing or queued.
// Interrupt is idempotent, and the engine accepts new chunks as soon as it
// returns.
func (e *Engine) Interrupt(reason InterruptReason) {
	e.mu.Lock()
	hit := e.interruptLocked()
	e.mu.Unlock()

	if hit {
		e.metrics.RecordInterrupt(context.Background(), reason.String())
		slog.Debug("playback: interrupted", "reason", reason.String())
	}
}

// interruptLocked cancels the rendering unit and clears the queue. It reports
// whether there was anything to interrupt. Must be called with e.mu held.
func (e *Engine) interruptLocked() bool {
	if e.state == Idle && len(e.queue) == 0 && !e.running {
		return false
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.queue = nil
	e.state = Idle
	e.running = false
	e.gen++
	return true
}

// State returns the current playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Queued returns the number of chunks waiting behind the rendering unit.
func (e *Engine) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close interrupts playback and rejects further chunks. Close is idempotent;
// subsequent calls are no-ops and return nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	hit := e.interruptLocked()
	e.mu.Unlock()

	if hit {
		e.metrics.RecordInterrupt(context.Background(), Shutdown.String())
	}
	return nil
}

// drain renders queued chunks until the queue is empty or the generation it
// was started for has been interrupted. A worker started after an interrupt
// waits for the previous one to leave the device first.
func (e *Engine) drain(gen uint64, prev <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	for {
		e.mu.Lock()
		if e.gen != gen {
			e.mu.Unlock()
			return
		}
		if len(e.queue) == 0 {
			e.state = Idle
			e.running = false
			e.cancel = nil
			e.mu.Unlock()
			return
		}
		chunk := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.state = Playing
		e.mu.Unlock()

		e.render(ctx, chunk)
		cancel()
	}
}

// render decodes and plays one unit. Errors are logged and counted; the unit
// is skipped.
func (e *Engine) render(ctx context.Context, chunk []byte) {
	samples, err := audio.DecodePCM16(chunk)
	if err != nil {
		slog.Warn("playback: skipping undecodable chunk", "bytes", len(chunk), "err", err)
		e.metrics.PlaybackErrors.Add(ctx, 1)
		return
	}
	if len(samples) == 0 {
		return
	}
	if e.level != nil {
		e.level(audio.RMSLevel(samples))
	}

	err = e.device.Play(ctx, samples, e.sampleRate)
	if err == nil {
		e.metrics.PlaybackChunks.Add(context.Background(), 1)
		return
	}
	if ctx.Err() == nil {
		slog.Warn("playback: device failed, skipping chunk", "samples", len(samples), "err", err)
		e.metrics.PlaybackErrors.Add(context.Background(), 1)
	}
}
