package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/brightpath/livelink/pkg/provider/duplex"
	"github.com/brightpath/livelink/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps implementation names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]func(ChannelConfig) (duplex.Dialer, error)
	vad        map[string]func(VADConfig) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]func(ChannelConfig) (duplex.Dialer, error)),
		vad:        make(map[string]func(VADConfig) (vad.Engine, error)),
	}
}

// RegisterTransport registers a live channel dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory func(ChannelConfig) (duplex.Dialer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateDialer instantiates a dialer using the factory registered under
// cfg.Transport. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateDialer(cfg ChannelConfig) (duplex.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, cfg.Transport)
	}
	return factory(cfg)
}

// CreateVAD instantiates a VAD engine using the factory registered under
// cfg.Engine.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}
