// Command livelink runs one live session: it captures the microphone and
// camera, streams them to the remote model and plays the assistant's voice.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brightpath/livelink/internal/config"
	"github.com/brightpath/livelink/internal/health"
	"github.com/brightpath/livelink/internal/observe"
	"github.com/brightpath/livelink/internal/resilience"
	"github.com/brightpath/livelink/internal/session"
	"github.com/brightpath/livelink/pkg/audio"
	"github.com/brightpath/livelink/pkg/capture"
	"github.com/brightpath/livelink/pkg/capture/ffmpeg"
	"github.com/brightpath/livelink/pkg/history"
	"github.com/brightpath/livelink/pkg/history/postgres"
	"github.com/brightpath/livelink/pkg/playback"
	"github.com/brightpath/livelink/pkg/playback/ffplay"
	"github.com/brightpath/livelink/pkg/provider/duplex"
	"github.com/brightpath/livelink/pkg/provider/vad"
	"github.com/brightpath/livelink/pkg/video"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "livelink.yaml", "path to the YAML configuration file")
	childID := flag.String("child", "", "child id; overrides context.child.id")
	activityID := flag.String("activity", "", "activity id; overrides context.activity.id")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livelink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livelink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("livelink starting",
		"config", *configPath,
		"transport", cfg.Channel.Transport,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cmp.Or(cfg.Telemetry.ServiceVersion, version),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, metrics)

	dialer, err := reg.CreateDialer(cfg.Channel)
	if err != nil {
		slog.Error("failed to create transport", "transport", cfg.Channel.Transport, "err", err)
		return 1
	}
	vadEngine, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		slog.Error("failed to create vad engine", "engine", cfg.VAD.Engine, "err", err)
		return 1
	}

	// ── History store (optional) ──────────────────────────────────────────────
	var (
		store    history.Store
		checkers []health.Checker
	)
	if cfg.History.PostgresDSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.History.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect history store", "err", err)
			return 1
		}
		defer pg.Close()
		guarded := resilience.NewGuardedStore(pg, resilience.BreakerConfig{
			MaxFailures: cfg.History.BreakerFailures,
			Cooldown:    cfg.History.BreakerCooldown,
		})
		store = guarded
		checkers = append(checkers, health.PingChecker("history", guarded))
	}

	// ── Session ───────────────────────────────────────────────────────────────
	sess, err := newApp(cfg, dialer, vadEngine, store, ffmpeg.New(ffmpeg.WithCommand(cmp.Or(cfg.Audio.FFmpegPath, "ffmpeg"))), metrics)
	if err != nil {
		slog.Error("failed to initialise session", "err", err)
		return 1
	}
	defer sess.close()
	checkers = append(checkers, health.SessionChecker(sess.ctrl.State, sess.ctrl.Err))

	printStartupSummary(cfg)

	sc := session.Context{
		Child:    cfg.Context.Child.Profile(),
		Activity: cfg.Context.Activity.Context(),
	}
	if *childID != "" {
		sc.Child.ID = *childID
	}
	if *activityID != "" {
		sc.Activity.ID = *activityID
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.Channel.DialTimeout)
	err = sess.ctrl.Start(startCtx, sc)
	cancel()
	if err != nil {
		var perm *session.PermissionError
		if errors.As(err, &perm) {
			fmt.Fprintf(os.Stderr, "livelink: %s access was denied; grant access and try again\n", perm.Device)
		}
		slog.Error("failed to start session", "err", err)
		return 1
	}

	// ── Run group ─────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	var admin *http.Server
	if cfg.Server.ListenAddr != "" {
		admin = newAdminServer(cfg.Server.ListenAddr, health.New(checkers...), metrics, telemetry.MetricsHandler())
		ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			slog.Error("failed to listen", "addr", cfg.Server.ListenAddr, "err", err)
			_ = sess.ctrl.Stop()
			return 1
		}
		g.Go(func() error {
			slog.Info("admin server listening", "addr", ln.Addr().String())
			if err := admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	commands := make(chan string)
	go readCommands(os.Stdin, commands)

	g.Go(func() error {
		defer stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sess.done:
				return nil
			case cmd, ok := <-commands:
				if !ok {
					// stdin closed; keep running until a signal arrives.
					commands = nil
					continue
				}
				if handleCommand(sess.ctrl, cmd, os.Stdout) {
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		if admin == nil {
			return nil
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return admin.Shutdown(sctx)
	})

	slog.Info("session running; type m (mute), v (video), q (quit)")
	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("stopping session…")
	exit := 0
	if err := sess.ctrl.Stop(); err != nil {
		slog.Error("session stop error", "err", err)
		exit = 1
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
		exit = 1
	}
	if err := sess.ctrl.Err(); err != nil {
		slog.Error("session ended with error", "err", err)
		exit = 1
	}
	slog.Info("goodbye")
	return exit
}

// app bundles the session controller with the devices it drives.
type app struct {
	ctrl    *session.Controller
	engine  *playback.Engine
	speaker *ffplay.Speaker
	done    chan struct{}
}

func newApp(cfg *config.Config, dialer duplex.Dialer, vadEngine vad.Engine, store history.Store, devices capture.Devices, metrics *observe.Metrics) (*app, error) {
	a := &app{done: make(chan struct{})}

	a.speaker = ffplay.New(
		ffplay.WithPath(cmp.Or(cfg.Audio.FFplayPath, "ffplay")),
		ffplay.WithVolume(cfg.Audio.PlaybackVolume),
	)

	// ctrl is assigned below, before Start; the level func only fires once
	// playback has begun.
	var (
		ctrlMu sync.RWMutex
		ctrl   *session.Controller
	)
	a.engine = playback.New(a.speaker,
		playback.WithSampleRate(cfg.Audio.PlaybackSampleRate),
		playback.WithMetrics(metrics),
		playback.WithLevelFunc(func(level float64) {
			ctrlMu.RLock()
			c := ctrl
			ctrlMu.RUnlock()
			if c != nil {
				c.ReportAssistantLevel(level)
			}
		}),
	)

	var once sync.Once
	cb := newConsole(os.Stdout).callbacks()
	printDisconnect := cb.OnDisconnected
	cb.OnDisconnected = func() {
		printDisconnect()
		once.Do(func() { close(a.done) })
	}

	c, err := session.New(session.Config{
		Dialer:    dialer,
		VAD:       vadEngine,
		VADConfig: cfg.VAD.Session(audio.CaptureSampleRate),
		Player:    a.engine,
		Devices:   devices,
		Microphone: capture.MicrophoneConfig{
			Device:     cfg.Audio.InputDevice,
			Format:     cfg.Audio.InputFormat,
			SampleRate: cfg.Audio.CaptureSampleRate,
			Channels:   cfg.Audio.CaptureChannels,
		},
		Camera: capture.CameraConfig{
			Device: cfg.Video.Device,
			Format: cfg.Video.InputFormat,
		},
		DisableVideo: !cfg.Video.IsEnabled(),
		Encoder: video.Encoder{
			Width:   cfg.Video.Width,
			Height:  cfg.Video.Height,
			Quality: cfg.Video.Quality,
		},
		History:            store,
		RecentSessions:     cfg.History.RecentSessions,
		SaveTimeout:        cfg.History.SaveTimeout,
		CheckpointInterval: cfg.History.CheckpointInterval,
		BlockSize:          cfg.Audio.BlockSize,
		SnapshotInterval:   cfg.Video.Interval,
		SilenceProbeBytes:  cfg.Audio.SilenceProbeBytes,
		Callbacks:          cb,
		Metrics:            metrics,
	})
	if err != nil {
		_ = a.engine.Close()
		_ = a.speaker.Close()
		return nil, err
	}
	ctrlMu.Lock()
	ctrl = c
	ctrlMu.Unlock()
	a.ctrl = c
	return a, nil
}

func (a *app) close() {
	if err := a.engine.Close(); err != nil {
		slog.Warn("playback close error", "err", err)
	}
	if err := a.speaker.Close(); err != nil {
		slog.Warn("speaker close error", "err", err)
	}
}

// ── Admin server ──────────────────────────────────────────────────────────────

func newAdminServer(addr string, h *health.Handler, metrics *observe.Metrics, scrape http.Handler) *http.Server {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", scrape)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        livelink — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", cfg.Channel.Transport)
	printRow("Endpoint", cmp.Or(cfg.Channel.URL, "(default)"))
	printRow("VAD", cfg.VAD.Engine)
	if cfg.Video.IsEnabled() {
		printRow("Video", fmt.Sprintf("%dx%d every %s", cfg.Video.Width, cfg.Video.Height, cfg.Video.Interval))
	} else {
		printRow("Video", "(disabled)")
	}
	if cfg.History.PostgresDSN != "" {
		printRow("History", "postgres")
	} else {
		printRow("History", "(not persisted)")
	}
	printRow("Child", cmp.Or(cfg.Context.Child.Name, "(unnamed)"))
	printRow("Activity", cmp.Or(cfg.Context.Activity.Title, "(none)"))
	if cfg.Server.ListenAddr != "" {
		printRow("Admin addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
