// Package mock provides a recording playback.Device for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/brightpath/livelink/pkg/playback"
)

var _ playback.Device = (*Device)(nil)

// Call records one Play invocation.
type Call struct {
	// Samples is a copy of the samples passed to Play.
	Samples []float32

	// SampleRate is the rate passed to Play.
	SampleRate int

	// Start and End bracket the call.
	Start time.Time
	End   time.Time

	// Cancelled is true when Play returned because ctx was cancelled.
	Cancelled bool
}

// Device is a playback.Device that records calls and, when Delay is set,
// blocks for that long per call or until ctx is cancelled.
type Device struct {
	mu sync.Mutex

	// Delay is how long each Play call blocks.
	Delay time.Duration

	// Errs, when non-empty, supplies the return value of successive calls.
	// A nil entry means success.
	Errs []error

	calls  []Call
	active int
	peak   int
}

// Play implements playback.Device.
func (d *Device) Play(ctx context.Context, samples []float32, sampleRate int) error {
	d.mu.Lock()
	delay := d.Delay
	var err error
	if len(d.Errs) > 0 {
		err = d.Errs[0]
		d.Errs = d.Errs[1:]
	}
	d.active++
	d.peak = max(d.peak, d.active)
	d.mu.Unlock()

	call := Call{
		Samples:    append([]float32(nil), samples...),
		SampleRate: sampleRate,
		Start:      time.Now(),
	}

	if delay > 0 && err == nil {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			call.Cancelled = true
			err = ctx.Err()
		}
	}
	call.End = time.Now()

	d.mu.Lock()
	d.active--
	d.calls = append(d.calls, call)
	d.mu.Unlock()
	return err
}

// SetDelay changes Delay for subsequent calls.
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Delay = delay
}

// Calls returns a copy of the completed calls in completion order.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Active returns the number of Play calls currently blocked.
func (d *Device) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// PeakConcurrency returns the largest number of overlapping Play calls seen.
func (d *Device) PeakConcurrency() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}
