package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brightpath/livelink/pkg/audio"
	"github.com/brightpath/livelink/pkg/provider/vad"
	"github.com/brightpath/livelink/pkg/video"
)

// ValidProviderNames lists known implementation names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"transport": {TransportNative, TransportOpenAI},
	"vad":       {VADAmplitude},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":9090"
	DefaultDialTimeout    = 10 * time.Second
	DefaultSaveTimeout    = 5 * time.Second
	DefaultRecentSessions = 3
	DefaultVideoInterval  = 5 * time.Second
	DefaultServiceName    = "livelink"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Channel.Transport == "" {
		cfg.Channel.Transport = TransportNative
	}
	if cfg.Channel.DialTimeout == 0 {
		cfg.Channel.DialTimeout = DefaultDialTimeout
	}
	if cfg.Audio.CaptureSampleRate == 0 {
		cfg.Audio.CaptureSampleRate = audio.CaptureSampleRate
	}
	if cfg.Audio.CaptureChannels == 0 {
		cfg.Audio.CaptureChannels = 1
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = audio.BlockSize
	}
	if cfg.Audio.PlaybackSampleRate == 0 {
		cfg.Audio.PlaybackSampleRate = audio.PlaybackSampleRate
	}
	if cfg.Audio.SilenceProbeBytes == 0 {
		cfg.Audio.SilenceProbeBytes = audio.DefaultSilenceProbeBytes
	}
	if cfg.VAD.Engine == "" {
		cfg.VAD.Engine = VADAmplitude
	}
	if cfg.VAD.SpeechThreshold == 0 {
		cfg.VAD.SpeechThreshold = vad.DefaultSpeechThreshold
	}
	if cfg.VAD.SpeechFrames == 0 {
		cfg.VAD.SpeechFrames = vad.DefaultSpeechFrames
	}
	if cfg.VAD.SilenceFrames == 0 {
		cfg.VAD.SilenceFrames = vad.DefaultSilenceFrames
	}
	if cfg.Video.Width == 0 {
		cfg.Video.Width = video.DefaultWidth
	}
	if cfg.Video.Height == 0 {
		cfg.Video.Height = video.DefaultHeight
	}
	if cfg.Video.Quality == 0 {
		cfg.Video.Quality = video.DefaultQuality
	}
	if cfg.Video.Interval == 0 {
		cfg.Video.Interval = DefaultVideoInterval
	}
	if cfg.History.SaveTimeout == 0 {
		cfg.History.SaveTimeout = DefaultSaveTimeout
	}
	if cfg.History.RecentSessions == 0 {
		cfg.History.RecentSessions = DefaultRecentSessions
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Channel
	validateProviderName("transport", cfg.Channel.Transport)
	switch cfg.Channel.Transport {
	case TransportNative:
		if cfg.Channel.URL == "" {
			errs = append(errs, errors.New("channel.url is required for the native transport"))
		}
	case TransportOpenAI:
		if cfg.Channel.APIKey == "" {
			errs = append(errs, errors.New("channel.api_key is required for the openai transport"))
		}
	}
	if cfg.Channel.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("channel.dial_timeout %s must not be negative", cfg.Channel.DialTimeout))
	}

	// Audio
	if cfg.Audio.CaptureSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate %d must be positive", cfg.Audio.CaptureSampleRate))
	}
	if cfg.Audio.CaptureChannels < 0 || cfg.Audio.CaptureChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.capture_channels %d must be 1 or 2", cfg.Audio.CaptureChannels))
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}
	if cfg.Audio.PlaybackSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_sample_rate %d must be positive", cfg.Audio.PlaybackSampleRate))
	}
	if cfg.Audio.PlaybackVolume < 0 || cfg.Audio.PlaybackVolume > 100 {
		errs = append(errs, fmt.Errorf("audio.playback_volume %d is out of range [0, 100]", cfg.Audio.PlaybackVolume))
	}

	// VAD
	validateProviderName("vad", cfg.VAD.Engine)
	if cfg.VAD.SpeechThreshold < 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.3f is out of range (0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.SpeechFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.speech_frames %d must be at least 1", cfg.VAD.SpeechFrames))
	}
	if cfg.VAD.SilenceFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_frames %d must be at least 1", cfg.VAD.SilenceFrames))
	}

	// Video
	if cfg.Video.Width < 0 || cfg.Video.Height < 0 {
		errs = append(errs, fmt.Errorf("video size %dx%d must be positive", cfg.Video.Width, cfg.Video.Height))
	}
	if cfg.Video.Quality < 0 || cfg.Video.Quality > 100 {
		errs = append(errs, fmt.Errorf("video.quality %d is out of range [1, 100]", cfg.Video.Quality))
	}
	if cfg.Video.Interval < 0 {
		errs = append(errs, fmt.Errorf("video.interval %s must not be negative", cfg.Video.Interval))
	}

	// History
	if cfg.History.PostgresDSN == "" {
		slog.Warn("history.postgres_dsn is empty; conversations will not be persisted")
	}
	if cfg.History.RecentSessions < 0 {
		errs = append(errs, fmt.Errorf("history.recent_sessions %d must not be negative", cfg.History.RecentSessions))
	}

	if cfg.History.CheckpointInterval < 0 {
		errs = append(errs, fmt.Errorf("history.checkpoint_interval %s must not be negative", cfg.History.CheckpointInterval))
	}
	if cfg.History.BreakerFailures < 0 || cfg.History.BreakerCooldown < 0 {
		errs = append(errs, errors.New("history breaker settings must not be negative"))
	}

	// Context
	if cfg.Context.Child.Age < 0 {
		errs = append(errs, fmt.Errorf("context.child.age %d must not be negative", cfg.Context.Child.Age))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party implementation",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
