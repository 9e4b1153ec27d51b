// Package config provides the configuration schema, loader, and provider
// registry for the livelink client.
package config

import (
	"time"

	"github.com/brightpath/livelink/pkg/provider/duplex"
	"github.com/brightpath/livelink/pkg/provider/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Transport names understood by the default registry.
const (
	TransportNative = "native"
	TransportOpenAI = "openai"
)

// VADAmplitude is the name of the built-in amplitude VAD engine.
const VADAmplitude = "amplitude"

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Channel   ChannelConfig   `yaml:"channel"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Video     VideoConfig     `yaml:"video"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Context   ContextConfig   `yaml:"context"`
}

// ServerConfig holds the admin endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin server serving /metrics,
	// /healthz and /readyz (e.g., ":9090"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ChannelConfig selects and configures the live channel transport. The
// Transport field is used to look up the dialer factory in the [Registry].
type ChannelConfig struct {
	// Transport selects the registered implementation ("native", "openai").
	Transport string `yaml:"transport"`

	// URL is the websocket endpoint. For "openai" it overrides the default
	// realtime URL.
	URL string `yaml:"url"`

	// APIKey is sent as a bearer token.
	APIKey string `yaml:"api_key"`

	// Model selects the remote model where the transport supports it.
	Model string `yaml:"model"`

	// Voice selects the synthesised voice where the transport supports it.
	Voice string `yaml:"voice"`

	// DialTimeout bounds opening the transport and sending init.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Options holds transport-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig configures the capture and playback devices.
type AudioConfig struct {
	// FFmpegPath and FFplayPath locate the device binaries. Empty uses PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
	FFplayPath string `yaml:"ffplay_path"`

	// InputFormat and InputDevice select the microphone (e.g. "pulse",
	// "default").
	InputFormat string `yaml:"input_format"`
	InputDevice string `yaml:"input_device"`

	// CaptureSampleRate and CaptureChannels are what the microphone is
	// opened with. Anything other than 16 kHz mono is converted before VAD.
	CaptureSampleRate int `yaml:"capture_sample_rate"`
	CaptureChannels   int `yaml:"capture_channels"`

	// BlockSize is the number of samples per captured frame.
	BlockSize int `yaml:"block_size"`

	// PlaybackSampleRate is the rate of the assistant audio stream.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// PlaybackVolume is the ffplay volume, 1-100.
	PlaybackVolume int `yaml:"playback_volume"`

	// SilenceProbeBytes is the leading-zero window used to drop warm-up
	// frames.
	SilenceProbeBytes int `yaml:"silence_probe_bytes"`
}

// VADConfig tunes voice activity detection.
type VADConfig struct {
	// Engine selects the registered VAD engine. Defaults to "amplitude".
	Engine string `yaml:"engine"`

	SpeechThreshold float64 `yaml:"speech_threshold"`
	SpeechFrames    int     `yaml:"speech_frames"`
	SilenceFrames   int     `yaml:"silence_frames"`
}

// Session returns the per-session VAD parameters for audio at sampleRate.
func (v VADConfig) Session(sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:      sampleRate,
		SpeechThreshold: v.SpeechThreshold,
		SpeechFrames:    v.SpeechFrames,
		SilenceFrames:   v.SilenceFrames,
	}
}

// VideoConfig configures the camera still loop.
type VideoConfig struct {
	// Enabled turns the camera on. Defaults to true.
	Enabled *bool `yaml:"enabled"`

	Device      string        `yaml:"device"`
	InputFormat string        `yaml:"input_format"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	Quality     int           `yaml:"quality"`
	Interval    time.Duration `yaml:"interval"`
}

// IsEnabled reports whether video is on, treating an unset field as true.
func (v VideoConfig) IsEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// HistoryConfig configures conversation persistence.
type HistoryConfig struct {
	// PostgresDSN is the connection string. Empty disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`

	// SaveTimeout bounds the hand-off at session end.
	SaveTimeout time.Duration `yaml:"save_timeout"`

	// RecentSessions is how many earlier sessions are summarised in init.
	RecentSessions int `yaml:"recent_sessions"`

	// CheckpointInterval, when positive, saves the conversation
	// periodically during the session as well as at the end.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// BreakerFailures and BreakerCooldown tune the circuit breaker in front
	// of the store. Zero values take the resilience package defaults.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// ContextConfig holds the default child and activity used when none is
// given on the command line.
type ContextConfig struct {
	Child    ChildConfig    `yaml:"child"`
	Activity ActivityConfig `yaml:"activity"`
}

// ChildConfig describes the child profile sent in init.
type ChildConfig struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Age       int      `yaml:"age"`
	Interests []string `yaml:"interests"`
	Notes     string   `yaml:"notes"`
}

// Profile converts c to the wire type.
func (c ChildConfig) Profile() duplex.ChildProfile {
	return duplex.ChildProfile{
		ID:        c.ID,
		Name:      c.Name,
		Age:       c.Age,
		Interests: c.Interests,
		Notes:     c.Notes,
	}
}

// ActivityConfig describes the activity sent in init.
type ActivityConfig struct {
	ID           string `yaml:"id"`
	Title        string `yaml:"title"`
	Goal         string `yaml:"goal"`
	Instructions string `yaml:"instructions"`
}

// Context converts a to the wire type.
func (a ActivityConfig) Context() duplex.ActivityContext {
	return duplex.ActivityContext{
		ID:           a.ID,
		Title:        a.Title,
		Goal:         a.Goal,
		Instructions: a.Instructions,
	}
}
