package main

import (
	"errors"
	"log/slog"

	"github.com/brightpath/livelink/internal/config"
	"github.com/brightpath/livelink/internal/observe"
	"github.com/brightpath/livelink/pkg/provider/duplex"
	"github.com/brightpath/livelink/pkg/provider/duplex/native"
	"github.com/brightpath/livelink/pkg/provider/duplex/openai"
	"github.com/brightpath/livelink/pkg/provider/vad"
	"github.com/brightpath/livelink/pkg/provider/vad/amplitude"
)

// builtinProviders lists the implementations that ship with livelink. Used
// for startup logging.
var builtinProviders = map[string][]string{
	"transport": {config.TransportNative, config.TransportOpenAI},
	"vad":       {config.VADAmplitude},
}

// registerBuiltinProviders wires all built-in factories into reg.
func registerBuiltinProviders(reg *config.Registry, metrics *observe.Metrics) {
	// ── Transports ────────────────────────────────────────────────────────────

	reg.RegisterTransport(config.TransportNative, func(c config.ChannelConfig) (duplex.Dialer, error) {
		if c.URL == "" {
			return nil, errors.New("native transport: url is required")
		}
		opts := []native.Option{native.WithMetrics(metrics)}
		if c.APIKey != "" {
			opts = append(opts, native.WithAPIKey(c.APIKey))
		}
		for k, v := range optStringMap(c.Options, "headers") {
			opts = append(opts, native.WithHeader(k, v))
		}
		if n, ok := optInt(c.Options, "read_limit"); ok {
			opts = append(opts, native.WithReadLimit(int64(n)))
		}
		return native.New(c.URL, opts...), nil
	})

	reg.RegisterTransport(config.TransportOpenAI, func(c config.ChannelConfig) (duplex.Dialer, error) {
		if c.APIKey == "" {
			return nil, errors.New("openai transport: api_key is required")
		}
		opts := []openai.Option{openai.WithMetrics(metrics)}
		if c.Model != "" {
			opts = append(opts, openai.WithModel(c.Model))
		}
		if c.URL != "" {
			opts = append(opts, openai.WithBaseURL(c.URL))
		}
		if c.Voice != "" {
			opts = append(opts, openai.WithVoice(c.Voice))
		}
		return openai.New(c.APIKey, opts...), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD(config.VADAmplitude, func(config.VADConfig) (vad.Engine, error) {
		return amplitude.New(), nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// optStringMap extracts a map of strings from a provider Options map.
// Non-string values are skipped.
func optStringMap(opts map[string]any, key string) map[string]string {
	raw, ok := opts[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// optInt extracts an integer from a provider Options map. YAML decodes
// plain integers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	n, ok := opts[key].(int)
	return n, ok
}
