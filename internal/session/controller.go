// Package session orchestrates one live observation session: it acquires the
// capture devices, opens the live channel, pumps microphone audio through
// voice activity detection, sends periodic camera stills, and routes inbound
// events to the playback engine and to caller callbacks.
//
// A [Controller] runs exactly one session. Its lifecycle is
//
//	disconnected → connecting → connected → closed
//
// and closed is terminal. Stop may be called at any time, from any
// goroutine, including from inside a callback.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/brightpath/livelink/internal/observe"
	"github.com/brightpath/livelink/pkg/audio"
	"github.com/brightpath/livelink/pkg/capture"
	"github.com/brightpath/livelink/pkg/history"
	"github.com/brightpath/livelink/pkg/playback"
	"github.com/brightpath/livelink/pkg/provider/duplex"
	"github.com/brightpath/livelink/pkg/provider/vad"
	"github.com/brightpath/livelink/pkg/video"
)

// Defaults applied by [Config.withDefaults].
const (
	DefaultSnapshotInterval = 5 * time.Second
	DefaultSaveTimeout      = 5 * time.Second
	DefaultRecentSessions   = 3
)

// Player is the part of the playback engine the controller drives.
// *playback.Engine satisfies it.
type Player interface {
	Enqueue(chunk []byte) error
	Interrupt(reason playback.InterruptReason)
}

var _ Player = (*playback.Engine)(nil)

// Callbacks receive session notifications. Every field is optional. They are
// invoked without the controller's lock held, so they may call any
// Controller method, Stop included. Callbacks triggered by inbound events
// run on the channel's receive goroutine and should return quickly.
type Callbacks struct {
	OnConnected                func()
	OnSessionReady             func()
	OnUserTranscript           func(text string)
	OnAssistantTranscriptDelta func(delta string)
	OnAssistantAudioLevel      func(level float64)
	OnSpeechStarted            func()
	OnSpeechStopped            func()
	OnResponseStarted          func()
	OnResponseCompleted        func(fullText string)
	OnError                    func(err error)
	OnDisconnected             func()
}

// Config wires a Controller to its collaborators.
type Config struct {
	// Dialer opens the live channel. Required.
	Dialer duplex.Dialer

	// VAD creates the per-session detector. Required.
	VAD vad.Engine

	// VADConfig tunes detection. Zero fields take the vad package defaults;
	// SampleRate is forced to the capture rate.
	VADConfig vad.Config

	// Player renders assistant audio. Required.
	Player Player

	// Devices opens the microphone and camera. Required.
	Devices capture.Devices

	// Microphone selects the input. Blocks captured at another rate or in
	// stereo are converted to 16 kHz mono before VAD.
	Microphone capture.MicrophoneConfig
	Camera     capture.CameraConfig

	// DisableVideo skips the camera entirely.
	DisableVideo bool

	// Encoder compresses camera stills.
	Encoder video.Encoder

	// History receives the conversation at stop and supplies recent-session
	// summaries at start. Optional.
	History history.Store

	// RecentSessions is how many earlier sessions are summarised in init.
	RecentSessions int

	// SaveTimeout bounds the history hand-off in Stop.
	SaveTimeout time.Duration

	// CheckpointInterval, when positive, also writes the conversation to
	// History periodically while the session runs.
	CheckpointInterval time.Duration

	// BlockSize is the number of samples per captured frame.
	BlockSize int

	// SnapshotInterval is the period of the camera still loop.
	SnapshotInterval time.Duration

	// SilenceProbeBytes and SilenceEpsilon tune the silent-frame filter; see
	// [audio.IsSilent].
	SilenceProbeBytes int
	SilenceEpsilon    float64

	Callbacks Callbacks

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Validate reports every missing collaborator at once.
func (c Config) Validate() error {
	var errs []error
	if c.Dialer == nil {
		errs = append(errs, errors.New("session: dialer is required"))
	}
	if c.VAD == nil {
		errs = append(errs, errors.New("session: vad engine is required"))
	}
	if c.Player == nil {
		errs = append(errs, errors.New("session: player is required"))
	}
	if c.Devices == nil {
		errs = append(errs, errors.New("session: capture devices are required"))
	}
	if c.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("session: block size must not be negative, got %d", c.BlockSize))
	}
	if c.Microphone.Channels > 2 {
		errs = append(errs, fmt.Errorf("session: microphone channels must be 1 or 2, got %d", c.Microphone.Channels))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.RecentSessions <= 0 {
		c.RecentSessions = DefaultRecentSessions
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	if c.BlockSize == 0 {
		c.BlockSize = audio.BlockSize
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SilenceProbeBytes <= 0 {
		c.SilenceProbeBytes = audio.DefaultSilenceProbeBytes
	}
	if c.SilenceEpsilon <= 0 {
		c.SilenceEpsilon = audio.DefaultSilenceEpsilon
	}
	if c.Microphone.SampleRate <= 0 {
		c.Microphone.SampleRate = audio.CaptureSampleRate
	}
	if c.Microphone.Channels <= 0 {
		c.Microphone.Channels = 1
	}
	c.VADConfig.SampleRate = audio.CaptureSampleRate
	c.VADConfig = c.VADConfig.WithDefaults()
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	return c
}

// Context is what the remote model is told about the session.
type Context struct {
	Child    duplex.ChildProfile
	Activity duplex.ActivityContext

	// History, when nil, is filled from the history store's recent
	// sessions for Child.ID.
	History *duplex.HistorySummary
}

// Controller runs one live session. All methods are safe for concurrent use.
type Controller struct {
	cfg       Config
	sessionID string
	hist      history.History

	mu    sync.Mutex
	state duplex.State
	key   history.Key

	ch      duplex.Channel
	mic     capture.Microphone
	cam     capture.Camera
	vadSess vad.SessionHandle

	loopCtx    context.Context
	loopCancel context.CancelFunc
	videoStop  context.CancelFunc
	checkpoint *checkpointer

	started      time.Time
	readySeen    bool // session-ready arrived
	readyPending bool // session-ready arrived before Dial returned
	loopsRunning bool // audio tap (and snapshot) loops started

	muted        bool
	videoEnabled bool

	// Turn state.
	transcript     strings.Builder
	responseActive bool
	suppressAudio  bool // drop audio of a response the user barged into
	announced      bool // speech_start sent for the current utterance
	commitAt       time.Time

	stopping bool
	termErr  error
}

// New validates cfg and returns a Controller in the disconnected state.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:          cfg,
		sessionID:    uuid.NewString(),
		state:        duplex.StateDisconnected,
		videoEnabled: !cfg.DisableVideo,
	}, nil
}

// SessionID returns the identifier the conversation is saved under.
func (c *Controller) SessionID() string { return c.sessionID }

// State returns the connection state.
func (c *Controller) State() duplex.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the transport error that ended the session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// History returns a copy of the conversation so far.
func (c *Controller) History() []history.Entry { return c.hist.Entries() }

// Muted reports whether outbound audio is muted.
func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// VideoEnabled reports whether camera stills are being sent.
func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled
}

// ── Start ──────────────────────────────────────────────────────────────────────

// Start acquires the capture devices, opens the live channel and sends the
// init payload built from sc. It returns once the channel is open; media
// starts flowing when the remote confirms with session-ready.
//
// A device failure is returned as a *PermissionError, a dial failure as a
// *TransportError. Both are also reported through OnError and leave the
// controller closed.
func (c *Controller) Start(ctx context.Context, sc Context) (err error) {
	c.mu.Lock()
	if c.state != duplex.StateDisconnected {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.state = duplex.StateConnecting
	c.key = history.Key{SessionID: c.sessionID, ActivityID: sc.Activity.ID, ChildID: sc.Child.ID}
	c.mu.Unlock()

	ctx = observe.WithSession(ctx, c.sessionID)
	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(observe.AttrActivityID.String(sc.Activity.ID)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := observe.Logger(ctx)

	mic, cam, err := c.acquire(ctx)
	if err != nil {
		c.abortStart(err, false)
		return err
	}

	vs, err := c.cfg.VAD.NewSession(c.cfg.VADConfig)
	if err != nil {
		closeDevices(mic, cam)
		err = fmt.Errorf("session: start vad: %w", err)
		c.abortStart(err, false)
		return err
	}

	init := duplex.InitPayload{
		Child:    sc.Child,
		Activity: sc.Activity,
		History:  c.historySummary(ctx, sc),
	}

	// Stop may have run while the devices were being acquired. It found
	// nothing to release, so they are released here.
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		closeDevices(mic, cam)
		_ = vs.Close()
		return ErrStopped
	}
	c.mic, c.cam, c.vadSess = mic, cam, vs
	c.loopCtx, c.loopCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	ch, err := c.cfg.Dialer.Dial(ctx, init, c.handle)
	if err != nil {
		if c.isStopping() {
			return ErrStopped
		}
		err = &TransportError{Err: err}
		c.abortStart(err, true)
		return err
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		_ = ch.Disconnect()
		return ErrStopped
	}
	c.ch = ch
	c.state = duplex.StateConnected
	c.started = time.Now()
	if c.readySeen && !c.loopsRunning {
		c.startLoopsLocked()
	}
	ready := c.readyPending
	c.readyPending = false
	c.mu.Unlock()

	c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	log.Info("session connected", "child_id", sc.Child.ID, "activity_id", sc.Activity.ID, "recent_sessions", len(init.History.Recent))
	call0(c.cfg.Callbacks.OnConnected)
	if ready {
		log.Info("session ready")
		call0(c.cfg.Callbacks.OnSessionReady)
	}
	return nil
}

func (c *Controller) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// acquire opens the microphone and (unless disabled) the camera
// concurrently. On failure every device that did open is released.
func (c *Controller) acquire(ctx context.Context) (capture.Microphone, capture.Camera, error) {
	var (
		mic capture.Microphone
		cam capture.Camera
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := c.cfg.Devices.OpenMicrophone(gctx, c.cfg.Microphone)
		if err != nil {
			return &PermissionError{Device: "microphone", Err: err}
		}
		mic = m
		return nil
	})
	if !c.cfg.DisableVideo {
		g.Go(func() error {
			cm, err := c.cfg.Devices.OpenCamera(gctx, c.cfg.Camera)
			if err != nil {
				return &PermissionError{Device: "camera", Err: err}
			}
			cam = cm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeDevices(mic, cam)
		return nil, nil, err
	}
	return mic, cam, nil
}

// historySummary returns sc.History, or recent sessions from the store.
func (c *Controller) historySummary(ctx context.Context, sc Context) duplex.HistorySummary {
	if sc.History != nil {
		return *sc.History
	}
	if c.cfg.History == nil || sc.Child.ID == "" {
		return duplex.HistorySummary{}
	}
	recent, err := c.cfg.History.Recent(ctx, sc.Child.ID, c.cfg.RecentSessions)
	if err != nil {
		observe.Logger(ctx).Warn("session: load recent sessions", "child_id", sc.Child.ID, "err", err)
		return duplex.HistorySummary{}
	}
	out := duplex.HistorySummary{Recent: make([]duplex.RecentSession, 0, len(recent))}
	for _, r := range recent {
		out.Recent = append(out.Recent, duplex.RecentSession{
			SessionID: r.SessionID,
			Activity:  r.ActivityID,
			EndedAt:   r.EndedAt,
			Summary:   r.Summary,
		})
	}
	return out
}

// abortStart reports a Start failure and closes the controller.
func (c *Controller) abortStart(err error, disconnected bool) {
	slog.Warn("session: start failed", "session_id", c.sessionID, "err", err)
	call1(c.cfg.Callbacks.OnError, err)
	if disconnected {
		var te *TransportError
		if errors.As(err, &te) {
			c.mu.Lock()
			c.termErr = err
			c.mu.Unlock()
		}
		_ = c.Stop()
		return
	}
	c.mu.Lock()
	c.stopping = true
	c.state = duplex.StateClosed
	mic, cam, vs := c.mic, c.cam, c.vadSess
	c.mic, c.cam, c.vadSess = nil, nil, nil
	c.mu.Unlock()
	closeDevices(mic, cam)
	if vs != nil {
		_ = vs.Close()
	}
}

// ── Loops ──────────────────────────────────────────────────────────────────────

// startLoopsLocked launches the audio tap and, if enabled, the snapshot loop.
// Must be called with c.mu held, once the channel is set.
func (c *Controller) startLoopsLocked() {
	c.loopsRunning = true
	go c.audioLoop(c.loopCtx, c.ch, c.mic, c.vadSess)
	if c.cfg.History != nil && c.cfg.CheckpointInterval > 0 {
		c.checkpoint = newCheckpointer(c.cfg.History, c.key, c.hist.Entries, c.cfg.CheckpointInterval, c.cfg.SaveTimeout)
		go c.checkpoint.run(c.loopCtx)
	}
	if c.videoEnabled && c.cam != nil {
		c.startVideoLocked()
	}
}

func (c *Controller) startVideoLocked() {
	ctx, cancel := context.WithCancel(c.loopCtx)
	c.videoStop = cancel
	go c.snapshotLoop(ctx, c.ch, c.cam)
}

// audioLoop reads fixed-size blocks from the microphone until ctx is
// cancelled or the microphone is released.
func (c *Controller) audioLoop(ctx context.Context, ch duplex.Channel, mic capture.Microphone, vs vad.SessionHandle) {
	buf := make([]float32, c.cfg.BlockSize)
	// The loud frames that precede a confirmed onset are held back and sent
	// right after speech_start.
	pre := &preroll{max: c.cfg.VADConfig.SpeechFrames - 1}
	conv := &audio.FormatConverter{Target: audio.WireFormat}
	rate, channels := c.cfg.Microphone.SampleRate, c.cfg.Microphone.Channels
	var captured int // per-channel samples read so far

	for {
		n, err := mic.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, capture.ErrClosed) {
				slog.Warn("session: microphone read failed", "session_id", c.sessionID, "err", err)
				call1(c.cfg.Callbacks.OnError, fmt.Errorf("session: microphone: %w", err))
			}
			return
		}
		frame := conv.Convert(audio.AudioFrame{
			Data:       audio.EncodeFloat32(buf[:n]),
			SampleRate: rate,
			Channels:   channels,
			Timestamp:  time.Duration(captured) * time.Second / time.Duration(rate),
		})
		captured += n / channels
		if len(frame.Data) == 0 {
			continue
		}
		c.processFrame(ctx, ch, vs, frame, pre)
	}
}

// preroll is a bounded FIFO of the most recent frames seen while silent.
type preroll struct {
	max    int
	frames [][]byte
}

func (p *preroll) push(pcm []byte) {
	if p.max <= 0 {
		return
	}
	if len(p.frames) == p.max {
		p.frames = append(p.frames[:0], p.frames[1:]...)
	}
	p.frames = append(p.frames, pcm)
}

func (p *preroll) drain() [][]byte {
	out := p.frames
	p.frames = nil
	return out
}

// processFrame runs one frame through VAD and sends what the transition
// calls for.
func (c *Controller) processFrame(ctx context.Context, ch duplex.Channel, vs vad.SessionHandle, frame audio.AudioFrame, pre *preroll) {
	pcm := frame.Data
	ev, err := vs.ProcessFrame(pcm)
	if err != nil {
		return
	}
	switch ev.Type {
	case vad.VADSilence:
		pre.push(pcm)

	case vad.VADSpeechStart:
		c.mu.Lock()
		muted := c.muted
		if !muted {
			c.announced = true
			if c.responseActive {
				c.suppressAudio = true
			}
		}
		c.mu.Unlock()
		held := pre.drain()
		if muted {
			c.cfg.Metrics.RecordFrameDropped(ctx, observe.KindAudio, "muted")
			return
		}

		slog.Debug("session: speech start", "session_id", c.sessionID, "offset", frame.Timestamp, "preroll", len(held))
		c.cfg.Player.Interrupt(playback.BargeIn)
		c.sendControl(ch, duplex.ControlSpeechStart)
		for _, f := range held {
			c.sendAudio(ctx, ch, f)
		}
		c.sendAudio(ctx, ch, pcm)

	case vad.VADSpeechContinue:
		c.mu.Lock()
		send := c.announced && !c.muted
		c.mu.Unlock()
		if !send {
			c.cfg.Metrics.RecordFrameDropped(ctx, observe.KindAudio, "muted")
			break
		}
		c.sendAudio(ctx, ch, pcm)

	case vad.VADSpeechEnd:
		c.mu.Lock()
		send := c.announced
		c.announced = false
		if send {
			c.commitAt = time.Now()
		}
		c.mu.Unlock()
		if send {
			c.sendControl(ch, duplex.ControlSpeechEnd)
			c.sendControl(ch, duplex.ControlCommit)
		}
	}
}

func (c *Controller) sendAudio(ctx context.Context, ch duplex.Channel, pcm []byte) {
	if audio.IsSilent(pcm, c.cfg.SilenceProbeBytes, c.cfg.SilenceEpsilon) {
		c.cfg.Metrics.RecordFrameDropped(ctx, observe.KindAudio, "silent")
		return
	}
	if err := ch.SendAudio(pcm); err != nil {
		slog.Debug("session: send audio failed", "session_id", c.sessionID, "err", err)
	}
}

func (c *Controller) sendControl(ch duplex.Channel, ctrl duplex.Control) {
	if err := ch.SendControl(ctrl); err != nil {
		slog.Debug("session: send control failed", "session_id", c.sessionID, "control", string(ctrl), "err", err)
	}
}

// snapshotLoop sends one still immediately and then one per interval.
func (c *Controller) snapshotLoop(ctx context.Context, ch duplex.Channel, cam capture.Camera) {
	t := time.NewTicker(c.cfg.SnapshotInterval)
	defer t.Stop()
	for {
		c.sendSnapshot(ctx, ch, cam)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *Controller) sendSnapshot(ctx context.Context, ch duplex.Channel, cam capture.Camera) {
	img, err := cam.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, capture.ErrClosed) {
			slog.Warn("session: camera snapshot failed", "session_id", c.sessionID, "err", err)
		}
		return
	}
	frame, err := c.cfg.Encoder.Encode(img)
	if err != nil {
		slog.Warn("session: encode snapshot failed", "session_id", c.sessionID, "err", err)
		c.cfg.Metrics.RecordFrameDropped(ctx, observe.KindImage, "encode")
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := ch.SendImage(frame.Data); err != nil {
		slog.Debug("session: send image failed", "session_id", c.sessionID, "err", err)
	}
}

// ── Inbound ────────────────────────────────────────────────────────────────────

// handle is the channel's event handler.
func (c *Controller) handle(ev duplex.Event) {
	cb := c.cfg.Callbacks
	switch ev.Type {
	case duplex.EventSessionReady:
		c.mu.Lock()
		if c.readySeen || c.stopping {
			c.mu.Unlock()
			return
		}
		c.readySeen = true
		if c.ch == nil {
			// Dial has not returned yet; Start fires OnSessionReady after
			// OnConnected.
			c.readyPending = true
			c.mu.Unlock()
			return
		}
		if !c.loopsRunning {
			c.startLoopsLocked()
		}
		c.mu.Unlock()
		slog.Info("session ready", "session_id", c.sessionID)
		call0(cb.OnSessionReady)

	case duplex.EventSessionUpdated:
		slog.Debug("session updated", "session_id", c.sessionID)

	case duplex.EventSpeechStarted:
		call0(cb.OnSpeechStarted)

	case duplex.EventSpeechStopped:
		call0(cb.OnSpeechStopped)

	case duplex.EventUserTranscript:
		c.hist.Append(history.RoleUser, ev.Text, ev.Received)
		call1(cb.OnUserTranscript, ev.Text)

	case duplex.EventResponseStarted:
		c.mu.Lock()
		c.transcript.Reset()
		c.responseActive = true
		c.suppressAudio = false
		c.mu.Unlock()
		c.cfg.Player.Interrupt(playback.TurnReplaced)
		call0(cb.OnResponseStarted)

	case duplex.EventTranscriptDelta:
		c.mu.Lock()
		c.transcript.WriteString(ev.Text)
		c.mu.Unlock()
		call1(cb.OnAssistantTranscriptDelta, ev.Text)

	case duplex.EventAudioChunk:
		c.mu.Lock()
		suppressed := c.suppressAudio
		var latency time.Duration
		if !suppressed && !c.commitAt.IsZero() {
			latency = time.Since(c.commitAt)
			c.commitAt = time.Time{}
		}
		c.mu.Unlock()
		if suppressed {
			return
		}
		if latency > 0 {
			c.cfg.Metrics.RecordResponseLatency(context.Background(), latency)
		}
		if err := c.cfg.Player.Enqueue(ev.Audio); err != nil {
			slog.Debug("session: enqueue audio", "session_id", c.sessionID, "err", err)
		}

	case duplex.EventResponseDone:
		c.mu.Lock()
		full := c.transcript.String()
		c.transcript.Reset()
		c.responseActive = false
		c.mu.Unlock()
		c.hist.Append(history.RoleAssistant, full, ev.Received)
		call1(cb.OnResponseCompleted, full)

	case duplex.EventError:
		err := &ProtocolError{Message: ev.Message, Err: ev.Err}
		slog.Warn("session: remote error", "session_id", c.sessionID, "err", err)
		call1(cb.OnError, error(err))

	case duplex.EventConnectionClosed:
		if ev.Abnormal() {
			err := &TransportError{Code: ev.Code, Reason: ev.Reason, Err: ev.Err}
			c.mu.Lock()
			c.termErr = err
			c.mu.Unlock()
			slog.Warn("session: connection lost", "session_id", c.sessionID, "code", ev.Code, "reason", ev.Reason, "err", ev.Err)
			call1(cb.OnError, error(err))
		} else {
			slog.Info("session: remote closed the connection", "session_id", c.sessionID, "code", ev.Code, "reason", ev.Reason)
		}
		_ = c.Stop()
	}
}

// ReportAssistantLevel forwards the level of the assistant audio currently
// playing to OnAssistantAudioLevel. Wire it to [playback.WithLevelFunc].
func (c *Controller) ReportAssistantLevel(level float64) {
	if c.State() != duplex.StateConnected {
		return
	}
	call1(c.cfg.Callbacks.OnAssistantAudioLevel, level)
}

// ── Controls ───────────────────────────────────────────────────────────────────

// SetMuted toggles outbound audio. While muted VAD keeps running but no
// audio or turn-taking messages are sent.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
}

// SetVideoEnabled starts or stops the snapshot loop. The camera stays open.
func (c *Controller) SetVideoEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoEnabled == enabled {
		return
	}
	c.videoEnabled = enabled
	if !c.loopsRunning || c.stopping || c.cam == nil {
		return
	}
	if enabled {
		c.startVideoLocked()
		return
	}
	if c.videoStop != nil {
		c.videoStop()
		c.videoStop = nil
	}
}

// ── Stop ───────────────────────────────────────────────────────────────────────

// Stop ends the session: loops are cancelled, devices released, the channel
// disconnected and playback interrupted. The conversation is then handed to
// the history store, bounded by Config.SaveTimeout, and OnDisconnected fires.
//
// Stop is idempotent and safe from any goroutine or callback. It returns the
// history store's error, if any. Apart from an in-flight checkpoint write it
// does not wait for the loop goroutines, which exit on their own once their
// devices are released.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	prev := c.state
	c.state = duplex.StateClosed
	cancel := c.loopCancel
	ch, mic, cam, vs := c.ch, c.mic, c.cam, c.vadSess
	c.ch, c.mic, c.cam, c.vadSess = nil, nil, nil, nil
	key := c.key
	started := c.started
	cp := c.checkpoint
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cp != nil {
		// A late checkpoint must not overwrite the final save.
		<-cp.exited
	}
	c.cfg.Player.Interrupt(playback.Shutdown)
	if ch != nil {
		if err := ch.Disconnect(); err != nil {
			slog.Debug("session: disconnect", "session_id", c.sessionID, "err", err)
		}
	}
	closeDevices(mic, cam)
	if vs != nil {
		_ = vs.Close()
	}

	if prev == duplex.StateDisconnected {
		return nil
	}
	if prev == duplex.StateConnected {
		c.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
		c.cfg.Metrics.SessionDuration.Record(context.Background(), time.Since(started).Seconds())
	}

	err := c.save(key)
	slog.Info("session stopped", "session_id", c.sessionID, "entries", c.hist.Len())
	call0(c.cfg.Callbacks.OnDisconnected)
	return err
}

func (c *Controller) save(key history.Key) error {
	if c.cfg.History == nil || c.hist.Len() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SaveTimeout)
	defer cancel()
	if err := c.cfg.History.Save(ctx, key, c.hist.Entries()); err != nil {
		slog.Warn("session: save history", "session_id", c.sessionID, "err", err)
		return fmt.Errorf("session: save history: %w", err)
	}
	return nil
}

func closeDevices(mic capture.Microphone, cam capture.Camera) {
	if mic != nil {
		if err := mic.Close(); err != nil {
			slog.Debug("session: close microphone", "err", err)
		}
	}
	if cam != nil {
		if err := cam.Close(); err != nil {
			slog.Debug("session: close camera", "err", err)
		}
	}
}

func call0(fn func()) {
	if fn != nil {
		fn()
	}
}

func call1[T any](fn func(T), v T) {
	if fn != nil {
		fn(v)
	}
}
