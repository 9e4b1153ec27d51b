package session_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brightpath/livelink/internal/session"
	"github.com/brightpath/livelink/pkg/capture"
	capturemock "github.com/brightpath/livelink/pkg/capture/mock"
	"github.com/brightpath/livelink/pkg/history"
	historymock "github.com/brightpath/livelink/pkg/history/mock"
	"github.com/brightpath/livelink/pkg/playback"
	playbackmock "github.com/brightpath/livelink/pkg/playback/mock"
	"github.com/brightpath/livelink/pkg/provider/duplex"
	duplexmock "github.com/brightpath/livelink/pkg/provider/duplex/mock"
	"github.com/brightpath/livelink/pkg/provider/vad"
	"github.com/brightpath/livelink/pkg/provider/vad/amplitude"
	vadmock "github.com/brightpath/livelink/pkg/provider/vad/mock"
)

const block = 160

func frame(v float32) []float32 {
	f := make([]float32, block)
	for i := range f {
		f[i] = v
	}
	return f
}

var (
	loud  = frame(0.5)
	quiet = frame(0.01)
	zero  = frame(0)
)

// fakePlayer records Enqueue and Interrupt calls.
type fakePlayer struct {
	mu         sync.Mutex
	enqueued   [][]byte
	interrupts []playback.InterruptReason
}

func (p *fakePlayer) Enqueue(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, chunk)
	return nil
}

func (p *fakePlayer) Interrupt(r playback.InterruptReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts = append(p.interrupts, r)
}

func (p *fakePlayer) Enqueued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued)
}

func (p *fakePlayer) Interrupts() []playback.InterruptReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.interrupts)
}

// recorder collects callback invocations.
type recorder struct {
	mu        sync.Mutex
	calls     []string
	completed []string
	errs      []error
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) count(s string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == s {
			n++
		}
	}
	return n
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recorder) Completed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.completed)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

func (r *recorder) callbacks() session.Callbacks {
	return session.Callbacks{
		OnConnected:                func() { r.add("connected") },
		OnSessionReady:             func() { r.add("ready") },
		OnUserTranscript:           func(string) { r.add("user") },
		OnAssistantTranscriptDelta: func(string) { r.add("delta") },
		OnAssistantAudioLevel:      func(float64) { r.add("level") },
		OnSpeechStarted:            func() { r.add("speech-started") },
		OnSpeechStopped:            func() { r.add("speech-stopped") },
		OnResponseStarted:          func() { r.add("response-started") },
		OnResponseCompleted: func(s string) {
			r.mu.Lock()
			r.completed = append(r.completed, s)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnDisconnected: func() { r.add("disconnected") },
	}
}

type harness struct {
	ch      *duplexmock.Channel
	dialer  *duplexmock.Dialer
	devices *capturemock.Devices
	store   *historymock.Store
	player  *fakePlayer
	rec     *recorder
	ctrl    *session.Controller
}

func newHarness(t *testing.T, mutate func(*session.Config)) *harness {
	t.Helper()
	h := &harness{
		ch:      &duplexmock.Channel{},
		devices: capturemock.NewDevices(),
		store:   &historymock.Store{},
		player:  &fakePlayer{},
		rec:     &recorder{},
	}
	h.dialer = &duplexmock.Dialer{Channel: h.ch}
	cfg := session.Config{
		Dialer:           h.dialer,
		VAD:              amplitude.New(),
		Player:           h.player,
		Devices:          h.devices,
		History:          h.store,
		BlockSize:        block,
		SnapshotInterval: time.Hour,
		Callbacks:        h.rec.callbacks(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := session.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Stop() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	err := h.ctrl.Start(context.Background(), session.Context{
		Child:    duplex.ChildProfile{ID: "child-1", Name: "Mia", Age: 6},
		Activity: duplex.ActivityContext{ID: "act-1", Title: "Drawing"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.start(t)
	h.ch.Emit(duplex.Event{Type: duplex.EventSessionReady})
}

// push queues frames on the microphone and waits until they have all been
// read and processed.
func (h *harness) push(t *testing.T, frames ...[]float32) {
	t.Helper()
	for _, f := range frames {
		h.devices.Mic.Push(f)
	}
	waitFor(t, time.Second, func() bool { return h.devices.Mic.Pending() == 0 })
	time.Sleep(20 * time.Millisecond)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func repeat(f []float32, n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = f
	}
	return out
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	_, err := session.New(session.Config{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"dialer", "vad", "player", "capture"} {
		if !strings.Contains(strings.ToLower(err.Error()), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestStart_SendsInitFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	msgs := h.ch.Messages()
	if len(msgs) == 0 || msgs[0].Kind != duplexmock.KindInit {
		t.Fatalf("first message = %+v, want init", msgs)
	}
	if msgs[0].Init.Child.Name != "Mia" || msgs[0].Init.Activity.Title != "Drawing" {
		t.Errorf("init payload = %+v", msgs[0].Init)
	}
	if h.ctrl.State() != duplex.StateConnected {
		t.Errorf("state = %v, want connected", h.ctrl.State())
	}
	if h.rec.count("connected") != 1 {
		t.Error("expected OnConnected once")
	}
	if h.ctrl.SessionID() == "" {
		t.Error("expected a session id")
	}
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	err := h.ctrl.Start(context.Background(), session.Context{})
	if !errors.Is(err, session.ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
}

func TestStart_RecentSessionsFromStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *session.Config) { c.RecentSessions = 2 })
	h.store.RecentResult = []history.SessionSummary{
		{SessionID: "s3", ActivityID: "act-1", Summary: "talked about trains"},
		{SessionID: "s2", Summary: "drew a cat"},
		{SessionID: "s1", Summary: "too old"},
	}
	h.start(t)

	init := h.dialer.Calls()[0].Init
	if len(init.History.Recent) != 2 {
		t.Fatalf("recent = %d, want 2", len(init.History.Recent))
	}
	if init.History.Recent[0].Summary != "talked about trains" || init.History.Recent[0].Activity != "act-1" {
		t.Errorf("recent[0] = %+v", init.History.Recent[0])
	}
	if got := h.store.RecentCalls(); len(got) != 1 || got[0] != "child-1" {
		t.Errorf("Recent calls = %v", got)
	}
}

func TestStart_ExplicitHistorySkipsStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	err := h.ctrl.Start(context.Background(), session.Context{
		Child:   duplex.ChildProfile{ID: "child-1"},
		History: &duplex.HistorySummary{Recent: []duplex.RecentSession{{SessionID: "x", Summary: "given"}}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := len(h.store.RecentCalls()); n != 0 {
		t.Errorf("Recent called %d times, want 0", n)
	}
	if got := h.dialer.Calls()[0].Init.History.Recent[0].Summary; got != "given" {
		t.Errorf("summary = %q", got)
	}
}

func TestStart_RecentErrorIsNotFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.store.RecentErr = errors.New("db down")
	h.start(t)
	if len(h.dialer.Calls()[0].Init.History.Recent) != 0 {
		t.Error("expected empty history")
	}
}

func TestStart_PermissionDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.devices.MicErr = fmt.Errorf("ffmpeg: open microphone: %w", capture.ErrPermissionDenied)

	err := h.ctrl.Start(context.Background(), session.Context{})
	var perr *session.PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *PermissionError", err)
	}
	if perr.Device != "microphone" || !perr.Retryable() {
		t.Errorf("perr = %+v", perr)
	}
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Error("expected errors.Is ErrPermissionDenied")
	}

	// The camera that did open is released; nothing was dialed.
	if _, cam := h.devices.Opens(); cam == 1 && !h.devices.Cam.Closed() {
		t.Error("camera not released")
	}
	if n := len(h.dialer.Calls()); n != 0 {
		t.Errorf("Dial calls = %d, want 0", n)
	}
	if errs := h.rec.Errors(); len(errs) != 1 {
		t.Errorf("OnError calls = %d, want 1", len(errs))
	}
	if h.rec.count("disconnected") != 0 {
		t.Error("OnDisconnected must not fire for a session that never connected")
	}
	if h.ctrl.State() != duplex.StateClosed {
		t.Errorf("state = %v, want closed", h.ctrl.State())
	}
}

func TestStart_CameraDeniedReleasesMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.devices.CamErr = capture.ErrPermissionDenied

	err := h.ctrl.Start(context.Background(), session.Context{})
	var perr *session.PermissionError
	if !errors.As(err, &perr) || perr.Device != "camera" {
		t.Fatalf("err = %v, want camera *PermissionError", err)
	}
	if !h.devices.Mic.Closed() {
		t.Error("microphone not released")
	}
}

func TestStart_VideoDisabledSkipsCamera(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *session.Config) { c.DisableVideo = true })
	h.devices.CamErr = capture.ErrPermissionDenied
	h.start(t)
	if _, cam := h.devices.Opens(); cam != 0 {
		t.Errorf("camera opened %d times, want 0", cam)
	}
}

func TestStart_DialFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.dialer.DialErr = errors.New("connection refused")

	err := h.ctrl.Start(context.Background(), session.Context{})
	var terr *session.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if !h.devices.Mic.Closed() || !h.devices.Cam.Closed() {
		t.Error("devices not released")
	}
	if len(h.rec.Errors()) != 1 || h.rec.count("disconnected") != 1 {
		t.Errorf("errors = %v, disconnected = %d", h.rec.Errors(), h.rec.count("disconnected"))
	}
	if h.ctrl.Err() == nil {
		t.Error("expected Err to report the transport failure")
	}
}

func TestSessionReadyFiresOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)
	h.ch.Emit(duplex.Event{Type: duplex.EventSessionReady})
	if n := h.rec.count("ready"); n != 1 {
		t.Errorf("OnSessionReady = %d, want 1", n)
	}
}

func TestStopDuringDeviceAcquisition(t *testing.T) {
	t.Parallel()
	sess := &vadmock.Session{}
	h := newHarness(t, func(c *session.Config) { c.VAD = &vadmock.Engine{Session: sess} })
	h.devices.OnOpenMicrophone = func() { _ = h.ctrl.Stop() }

	err := h.ctrl.Start(context.Background(), session.Context{})
	if !errors.Is(err, session.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if !h.devices.Mic.Closed() || !h.devices.Cam.Closed() {
		t.Errorf("devices not released: mic closed=%v cam closed=%v", h.devices.Mic.Closed(), h.devices.Cam.Closed())
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("vad Close calls = %d, want 1", sess.CloseCallCount)
	}
	if n := len(h.dialer.Calls()); n != 0 {
		t.Errorf("Dial calls = %d, want 0", n)
	}
	if h.ctrl.State() != duplex.StateClosed {
		t.Errorf("state = %v, want closed", h.ctrl.State())
	}
}

func TestReadyDuringDialFiresAfterConnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.dialer.OnConnect = func(ch *duplexmock.Channel) {
		ch.Emit(duplex.Event{Type: duplex.EventSessionReady})
	}
	h.start(t)

	var order []string
	for _, c := range h.rec.Calls() {
		if c == "connected" || c == "ready" {
			order = append(order, c)
		}
	}
	if want := []string{"connected", "ready"}; !slices.Equal(order, want) {
		t.Errorf("callback order = %v, want %v", order, want)
	}

	// The audio tap runs even though ready arrived before the channel was set.
	h.push(t, repeat(loud, 3)...)
	if n := h.ch.Count(duplexmock.KindAudio); n != 3 {
		t.Errorf("audio frames = %d, want 3", n)
	}
}

// ── Audio ──────────────────────────────────────────────────────────────────────

func TestAudioOnlyAfterReady(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	for _, f := range repeat(loud, 3) {
		h.devices.Mic.Push(f)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.ch.Count(duplexmock.KindAudio); n != 0 {
		t.Fatalf("audio sent before ready: %d", n)
	}

	h.ch.Emit(duplex.Event{Type: duplex.EventSessionReady})
	waitFor(t, time.Second, func() bool { return h.ch.Count(duplexmock.KindAudio) == 3 })

	msgs := h.ch.Messages()
	if msgs[0].Kind != duplexmock.KindInit {
		t.Errorf("first message = %s, want init", msgs[0].Kind)
	}
	if msgs[1].Kind != duplexmock.KindControl || msgs[1].Control != duplex.ControlSpeechStart {
		t.Errorf("second message = %+v, want speech_start", msgs[1])
	}
}

func TestSpeechEndSendsEndAndCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.push(t, append(repeat(loud, 3), repeat(quiet, 4)...)...)

	want := []duplex.Control{duplex.ControlSpeechStart, duplex.ControlSpeechEnd, duplex.ControlCommit}
	if got := h.ch.Controls(); !slices.Equal(got, want) {
		t.Errorf("controls = %v, want %v", got, want)
	}
	// Three onset frames plus three trailing quiet frames while still speaking.
	if n := h.ch.Count(duplexmock.KindAudio); n != 6 {
		t.Errorf("audio frames = %d, want 6", n)
	}
}

func TestStereoCaptureConvertedToWireFormat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *session.Config) {
		c.Microphone = capture.MicrophoneConfig{SampleRate: 32000, Channels: 2}
		c.BlockSize = 4 * block
	})
	h.ready(t)

	// 4*block interleaved stereo samples at 32 kHz become block mono
	// samples at 16 kHz.
	stereo := make([]float32, 4*block)
	for i := range stereo {
		stereo[i] = 0.5
	}
	h.push(t, stereo, stereo, stereo)

	var sizes []int
	for _, m := range h.ch.Messages() {
		if m.Kind == duplexmock.KindAudio {
			sizes = append(sizes, len(m.Data))
		}
	}
	if len(sizes) != 3 {
		t.Fatalf("audio frames = %d, want 3", len(sizes))
	}
	for i, n := range sizes {
		if n != block*2 {
			t.Errorf("frame %d = %d bytes, want %d", i, n, block*2)
		}
	}
}

func TestNoSpeechNoAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.push(t, loud, loud, quiet, loud, quiet, quiet)
	if n := h.ch.Count(duplexmock.KindAudio); n != 0 {
		t.Errorf("audio frames = %d, want 0", n)
	}
	if n := len(h.ch.Controls()); n != 0 {
		t.Errorf("controls = %d, want 0", n)
	}
}

func TestSilentFramesDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.push(t, loud, loud, loud, zero, zero, loud)
	if n := h.ch.Count(duplexmock.KindAudio); n != 4 {
		t.Errorf("audio frames = %d, want 4", n)
	}
}

func TestMutedSendsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.ctrl.SetMuted(true)
	if !h.ctrl.Muted() {
		t.Fatal("Muted = false")
	}
	h.push(t, append(repeat(loud, 5), repeat(quiet, 4)...)...)
	if n := h.ch.Count(duplexmock.KindAudio); n != 0 {
		t.Errorf("audio while muted = %d", n)
	}
	if n := len(h.ch.Controls()); n != 0 {
		t.Errorf("controls while muted = %d", n)
	}
	if n := len(h.player.Interrupts()); n != 0 {
		t.Errorf("interrupts while muted = %d", n)
	}

	h.ctrl.SetMuted(false)
	h.push(t, repeat(loud, 3)...)
	if got := h.ch.Controls(); !slices.Equal(got, []duplex.Control{duplex.ControlSpeechStart}) {
		t.Errorf("controls after unmute = %v", got)
	}
}

func TestMuteMidUtteranceStillCommits(t *testing.T) {
	t.Parallel()
	sess := &vadmock.Session{
		Script: []vad.VADEventType{
			vad.VADSpeechStart,
			vad.VADSpeechContinue,
			vad.VADSpeechContinue,
			vad.VADSpeechContinue,
			vad.VADSpeechEnd,
		},
		EventResult: vad.VADEvent{Type: vad.VADSilence},
	}
	h := newHarness(t, func(c *session.Config) { c.VAD = &vadmock.Engine{Session: sess} })
	h.ready(t)

	h.push(t, loud, loud)
	h.ctrl.SetMuted(true)
	h.push(t, loud, loud, loud)

	want := []duplex.Control{duplex.ControlSpeechStart, duplex.ControlSpeechEnd, duplex.ControlCommit}
	if got := h.ch.Controls(); !slices.Equal(got, want) {
		t.Errorf("controls = %v, want %v", got, want)
	}
	if n := h.ch.Count(duplexmock.KindAudio); n != 2 {
		t.Errorf("audio frames = %d, want 2", n)
	}
	if n := sess.FrameCount(); n != 5 {
		t.Errorf("vad frames = %d, want 5", n)
	}
}

func TestMuteMidUtteranceWithAmplitudeDetector(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.push(t, repeat(loud, 3)...)
	h.ctrl.SetMuted(true)
	h.push(t, repeat(quiet, 6)...)
	h.ctrl.SetMuted(false)

	want := []duplex.Control{duplex.ControlSpeechStart, duplex.ControlSpeechEnd, duplex.ControlCommit}
	if got := h.ch.Controls(); !slices.Equal(got, want) {
		t.Errorf("controls = %v, want %v", got, want)
	}
}

// ── Barge-in and responses ─────────────────────────────────────────────────────

func TestBargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.ch.Emit(duplex.Event{Type: duplex.EventResponseStarted})
	h.ch.Emit(duplex.Event{Type: duplex.EventAudioChunk, Audio: []byte{1, 0}})
	if n := h.player.Enqueued(); n != 1 {
		t.Fatalf("enqueued = %d, want 1", n)
	}

	h.push(t, repeat(loud, 3)...)

	interrupts := h.player.Interrupts()
	if !slices.Contains(interrupts, playback.BargeIn) {
		t.Errorf("interrupts = %v, want BargeIn", interrupts)
	}
	if got := h.ch.Controls(); len(got) == 0 || got[0] != duplex.ControlSpeechStart {
		t.Errorf("controls = %v, want speech_start first", got)
	}

	// Audio from the superseded response is suppressed.
	h.ch.Emit(duplex.Event{Type: duplex.EventAudioChunk, Audio: []byte{2, 0}})
	if n := h.player.Enqueued(); n != 1 {
		t.Errorf("enqueued after barge-in = %d, want 1", n)
	}

	// A new response lifts the suppression.
	h.ch.Emit(duplex.Event{Type: duplex.EventResponseStarted})
	h.ch.Emit(duplex.Event{Type: duplex.EventAudioChunk, Audio: []byte{3, 0}})
	if n := h.player.Enqueued(); n != 2 {
		t.Errorf("enqueued after new response = %d, want 2", n)
	}
}

func TestResponseStartedInterruptsPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.ch.Emit(duplex.Event{Type: duplex.EventResponseStarted})
	if got := h.player.Interrupts(); !slices.Equal(got, []playback.InterruptReason{playback.TurnReplaced}) {
		t.Errorf("interrupts = %v", got)
	}
	if h.rec.count("response-started") != 1 {
		t.Error("expected OnResponseStarted")
	}
}

func TestBargeInStopsRealPlayback(t *testing.T) {
	t.Parallel()

	dev := &playbackmock.Device{Delay: 5 * time.Second}
	engine := playback.New(dev)
	defer engine.Close()
	h := newHarness(t, func(c *session.Config) { c.Player = engine })
	h.ready(t)

	h.ch.Emit(duplex.Event{Type: duplex.EventResponseStarted})
	h.ch.Emit(duplex.Event{Type: duplex.EventAudioChunk, Audio: make([]byte, 480)})
	h.ch.Emit(duplex.Event{Type: duplex.EventAudioChunk, Audio: make([]byte, 480)})
	waitFor(t, time.Second, func() bool { return dev.Active() == 1 })

	h.push(t, repeat(loud, 3)...)

	waitFor(t, time.Second, func() bool { return dev.Active() == 0 })
	if engine.State() != playback.Idle || engine.Queued() != 0 {
		t.Errorf("engine state = %v queued = %d, want idle and empty", engine.State(), engine.Queued())
	}
	calls := dev.Calls()
	if len(calls) != 1 || !calls[0].Cancelled {
		t.Errorf("device calls = %+v, want one cancelled call", calls)
	}
}

func TestDeltasAccumulateIntoOneCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.ch.Emit(duplex.Event{Type: duplex.EventUserTranscript, Text: "Hi!"})
	h.ch.Emit(duplex.Event{Type: duplex.EventResponseStarted})
	for _, d := range []string{"Hel", "lo ", "there"} {
		h.ch.Emit(duplex.Event{Type: duplex.EventTranscriptDelta, Text: d})
	}
	h.ch.Emit(duplex.Event{Type: duplex.EventResponseDone})

	if got := h.rec.Completed(); !slices.Equal(got, []string{"Hello there"}) {
		t.Fatalf("completed = %q, want [Hello there]", got)
	}
	if n := h.rec.count("delta"); n != 3 {
		t.Errorf("deltas = %d, want 3", n)
	}

	// The accumulator starts empty for the next response.
	h.ch.Emit(duplex.Event{Type: duplex.EventResponseStarted})
	h.ch.Emit(duplex.Event{Type: duplex.EventTranscriptDelta, Text: "Bye"})
	h.ch.Emit(duplex.Event{Type: duplex.EventResponseDone})
	if got := h.rec.Completed(); !slices.Equal(got, []string{"Hello there", "Bye"}) {
		t.Errorf("completed = %q", got)
	}

	entries := h.ctrl.History()
	if len(entries) != 3 {
		t.Fatalf("history = %+v", entries)
	}
	if entries[0].Role != history.RoleUser || entries[0].Content != "Hi!" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Role != history.RoleAssistant || entries[1].Content != "Hello there" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestRemoteSpeechCallbacks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.ch.Emit(duplex.Event{Type: duplex.EventSpeechStarted})
	h.ch.Emit(duplex.Event{Type: duplex.EventSpeechStopped})
	h.ch.Emit(duplex.Event{Type: duplex.EventSessionUpdated})
	if h.rec.count("speech-started") != 1 || h.rec.count("speech-stopped") != 1 {
		t.Errorf("calls = %v", h.rec.calls)
	}
}

func TestReportAssistantLevel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	h.ctrl.ReportAssistantLevel(0.3)
	if h.rec.count("level") != 0 {
		t.Error("level reported before connect")
	}
	h.start(t)
	h.ctrl.ReportAssistantLevel(0.3)
	if h.rec.count("level") != 1 {
		t.Error("level not reported while connected")
	}
}

// ── Errors ─────────────────────────────────────────────────────────────────────

func TestProtocolErrorKeepsSessionOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.ch.Emit(duplex.Event{Type: duplex.EventError, Message: "rate limited"})

	errs := h.rec.Errors()
	var perr *session.ProtocolError
	if len(errs) != 1 || !errors.As(errs[0], &perr) || perr.Message != "rate limited" {
		t.Fatalf("errors = %v", errs)
	}
	if h.ctrl.State() != duplex.StateConnected {
		t.Errorf("state = %v, want connected", h.ctrl.State())
	}
}

func TestConnectionLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.ch.Emit(duplex.Event{Type: duplex.EventConnectionClosed, Code: 1011, Reason: "boom"})

	errs := h.rec.Errors()
	var terr *session.TransportError
	if len(errs) != 1 || !errors.As(errs[0], &terr) || terr.Code != 1011 {
		t.Fatalf("errors = %v", errs)
	}
	if h.ctrl.State() != duplex.StateClosed {
		t.Errorf("state = %v, want closed", h.ctrl.State())
	}
	if h.rec.count("disconnected") != 1 {
		t.Error("expected OnDisconnected once")
	}
	if h.ctrl.Err() == nil {
		t.Error("expected Err after abnormal close")
	}
	if !h.devices.Mic.Closed() {
		t.Error("microphone not released")
	}
}

func TestNormalRemoteCloseIsNotAnError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)

	h.ch.Emit(duplex.Event{Type: duplex.EventConnectionClosed, Code: duplex.CloseNormal})
	if n := len(h.rec.Errors()); n != 0 {
		t.Errorf("errors = %d, want 0", n)
	}
	if h.rec.count("disconnected") != 1 {
		t.Error("expected OnDisconnected")
	}
	if h.ctrl.Err() != nil {
		t.Errorf("Err = %v, want nil", h.ctrl.Err())
	}
}

// ── Stop ───────────────────────────────────────────────────────────────────────

func TestStopIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)
	h.ch.Emit(duplex.Event{Type: duplex.EventUserTranscript, Text: "hello"})

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if n := h.rec.count("disconnected"); n != 1 {
		t.Errorf("OnDisconnected = %d, want 1", n)
	}
	if n := h.ch.Disconnects(); n != 1 {
		t.Errorf("Disconnect calls = %d, want 1", n)
	}
	if !h.devices.Mic.Closed() || !h.devices.Cam.Closed() {
		t.Error("devices not released")
	}
	if got := h.player.Interrupts(); !slices.Contains(got, playback.Shutdown) {
		t.Errorf("interrupts = %v, want Shutdown", got)
	}

	saves := h.store.Saves()
	if len(saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(saves))
	}
	if saves[0].Key.SessionID != h.ctrl.SessionID() || saves[0].Key.ActivityID != "act-1" || saves[0].Key.ChildID != "child-1" {
		t.Errorf("save key = %+v", saves[0].Key)
	}
	if len(saves[0].Entries) != 1 {
		t.Errorf("saved entries = %d, want 1", len(saves[0].Entries))
	}
}

func TestStopFromCallback(t *testing.T) {
	t.Parallel()

	var ctrl *session.Controller
	done := make(chan struct{})
	h := newHarness(t, func(c *session.Config) {
		c.Callbacks.OnResponseCompleted = func(string) { _ = ctrl.Stop() }
		c.Callbacks.OnDisconnected = func() {
			_ = ctrl.Stop()
			close(done)
		}
	})
	ctrl = h.ctrl
	h.ready(t)

	h.ch.Emit(duplex.Event{Type: duplex.EventResponseDone})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop from callback did not complete")
	}
	if ctrl.State() != duplex.StateClosed {
		t.Errorf("state = %v, want closed", ctrl.State())
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.rec.count("disconnected") != 0 {
		t.Error("OnDisconnected fired for a session that never started")
	}
	if err := h.ctrl.Start(context.Background(), session.Context{}); !errors.Is(err, session.ErrSessionActive) {
		t.Errorf("Start after Stop: err = %v, want ErrSessionActive", err)
	}
}

func TestStopReturnsSaveError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.store.SaveErr = errors.New("disk full")
	h.ready(t)
	h.ch.Emit(duplex.Event{Type: duplex.EventUserTranscript, Text: "hello"})

	if err := h.ctrl.Stop(); err == nil {
		t.Fatal("expected save error")
	}
	if h.rec.count("disconnected") != 1 {
		t.Error("expected OnDisconnected despite save error")
	}
}

func TestStopSkipsSaveForEmptyHistory(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)
	_ = h.ctrl.Stop()
	if n := len(h.store.Saves()); n != 0 {
		t.Errorf("saves = %d, want 0", n)
	}
}

func TestSendsAfterStopAreDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)
	_ = h.ctrl.Stop()

	before := len(h.ch.Messages())
	h.devices.Mic.Push(loud)
	time.Sleep(20 * time.Millisecond)
	if after := len(h.ch.Messages()); after != before {
		t.Errorf("messages after Stop: %d -> %d", before, after)
	}
}

// ── Video ──────────────────────────────────────────────────────────────────────

func TestSnapshotLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *session.Config) { c.SnapshotInterval = 10 * time.Millisecond })
	h.start(t)

	time.Sleep(30 * time.Millisecond)
	if n := h.ch.Count(duplexmock.KindImage); n != 0 {
		t.Fatalf("images before ready = %d", n)
	}

	h.ch.Emit(duplex.Event{Type: duplex.EventSessionReady})
	waitFor(t, time.Second, func() bool { return h.ch.Count(duplexmock.KindImage) >= 2 })

	h.ctrl.SetVideoEnabled(false)
	if h.ctrl.VideoEnabled() {
		t.Error("VideoEnabled = true after disable")
	}
	time.Sleep(20 * time.Millisecond)
	stopped := h.ch.Count(duplexmock.KindImage)
	time.Sleep(50 * time.Millisecond)
	if n := h.ch.Count(duplexmock.KindImage); n != stopped {
		t.Errorf("images kept flowing after disable: %d -> %d", stopped, n)
	}
	if h.devices.Cam.Closed() {
		t.Error("camera closed by disabling video")
	}

	h.ctrl.SetVideoEnabled(true)
	waitFor(t, time.Second, func() bool { return h.ch.Count(duplexmock.KindImage) > stopped })
}

func TestCheckpointWritesWhileRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *session.Config) { c.CheckpointInterval = 20 * time.Millisecond })
	h.ready(t)
	h.ch.Emit(duplex.Event{Type: duplex.EventUserTranscript, Text: "I drew a dog"})

	waitFor(t, 2*time.Second, func() bool { return len(h.store.Saves()) >= 1 })
	first := h.store.Saves()[0]
	if first.Key.SessionID != h.ctrl.SessionID() || first.Key.ChildID != "child-1" {
		t.Errorf("checkpoint key = %+v", first.Key)
	}
	if len(first.Entries) != 1 {
		t.Errorf("checkpoint entries = %d, want 1", len(first.Entries))
	}

	// Unchanged history is not rewritten.
	time.Sleep(100 * time.Millisecond)
	if n := len(h.store.Saves()); n != 1 {
		t.Errorf("saves = %d after idle ticks, want 1", n)
	}

	h.ch.Emit(duplex.Event{Type: duplex.EventResponseStarted})
	h.ch.Emit(duplex.Event{Type: duplex.EventTranscriptDelta, Text: "What a nice dog!"})
	h.ch.Emit(duplex.Event{Type: duplex.EventResponseDone})
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	saves := h.store.Saves()
	last := saves[len(saves)-1]
	if len(last.Entries) != 2 {
		t.Errorf("final save entries = %d, want 2", len(last.Entries))
	}
}

func TestCheckpointDisabledByDefault(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.ready(t)
	h.ch.Emit(duplex.Event{Type: duplex.EventUserTranscript, Text: "hello"})

	time.Sleep(50 * time.Millisecond)
	if n := len(h.store.Saves()); n != 0 {
		t.Errorf("saves before Stop = %d, want 0", n)
	}
}
