// Package mock provides test doubles for the duplex package interfaces.
//
// Use Dialer to verify Dial calls and hand out a controllable Channel. Use
// Channel to inspect every outbound message in order and to inject inbound
// events as if they had arrived from the remote.
//
// Example:
//
//	ch := &mock.Channel{}
//	d := &mock.Dialer{Channel: ch}
//	// ... code under test dials ...
//	ch.Emit(duplex.Event{Type: duplex.EventSessionReady})
//	msgs := ch.Messages()
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/brightpath/livelink/pkg/provider/duplex"
)

// Message kinds recorded by Channel.
const (
	KindInit    = "init"
	KindAudio   = "audio"
	KindImage   = "image"
	KindControl = "control"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Init is the payload passed to Dial.
	Init duplex.InitPayload
}

// Dialer is a mock implementation of duplex.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Channel is returned by Dial. If nil, Dial creates a new Channel.
	Channel *Channel

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall

	// OnConnect, when set, runs after the channel is open and before Dial
	// returns, so tests can deliver events the remote sends straight away.
	OnConnect func(ch *Channel)
}

// Dial records the call, connects Channel and records the init message on it.
func (d *Dialer) Dial(_ context.Context, init duplex.InitPayload, h duplex.Handler) (duplex.Channel, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, DialCall{Init: init})
	if d.DialErr != nil {
		d.mu.Unlock()
		return nil, d.DialErr
	}
	if d.Channel == nil {
		d.Channel = &Channel{}
	}
	ch, hook := d.Channel, d.OnConnect
	ch.open(init, h)
	d.mu.Unlock()

	if hook != nil {
		hook(ch)
	}
	return ch, nil
}

// Calls returns a copy of the recorded Dial calls. Thread-safe.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.DialCalls)
}

// Ensure Dialer implements duplex.Dialer at compile time.
var _ duplex.Dialer = (*Dialer)(nil)

// Message is one recorded outbound message.
type Message struct {
	// Kind is one of the Kind constants.
	Kind string

	// Data is a copy of the audio or image payload.
	Data []byte

	// Control is set for KindControl.
	Control duplex.Control

	// Init is set for KindInit.
	Init duplex.InitPayload
}

// Channel is a mock implementation of duplex.Channel.
type Channel struct {
	mu      sync.Mutex
	handler duplex.Handler
	state   duplex.State

	// SendErr, if non-nil, is returned by every send while connected.
	SendErr error

	// --- Call records ---

	// Sent records every delivered outbound message in order, starting with
	// the init message written by Dial.
	Sent []Message

	// Dropped counts sends made while not connected.
	Dropped int

	// DisconnectCallCount is the number of times Disconnect was called.
	DisconnectCallCount int
}

func (c *Channel) open(init duplex.InitPayload, h duplex.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	c.state = duplex.StateConnected
	c.Sent = append(c.Sent, Message{Kind: KindInit, Init: init})
}

func (c *Channel) record(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != duplex.StateConnected {
		c.Dropped++
		return nil
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, m)
	return nil
}

// SendAudio records the frame.
func (c *Channel) SendAudio(pcm []byte) error {
	return c.record(Message{Kind: KindAudio, Data: slices.Clone(pcm)})
}

// SendImage records the still.
func (c *Channel) SendImage(jpeg []byte) error {
	return c.record(Message{Kind: KindImage, Data: slices.Clone(jpeg)})
}

// SendControl records the control message.
func (c *Channel) SendControl(ctrl duplex.Control) error {
	if !ctrl.Valid() {
		return duplex.ErrInvalidControl
	}
	return c.record(Message{Kind: KindControl, Control: ctrl})
}

// Disconnect records the call and moves to the closed state.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DisconnectCallCount++
	c.state = duplex.StateClosed
	return nil
}

// State returns the current state.
func (c *Channel) State() duplex.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Emit delivers ev to the handler on the calling goroutine, as the receive
// loop of a real channel would. Events are not delivered after Disconnect.
// EventConnectionClosed moves the channel to the closed state first.
func (c *Channel) Emit(ev duplex.Event) {
	c.mu.Lock()
	if c.state != duplex.StateConnected {
		c.mu.Unlock()
		return
	}
	if ev.Type == duplex.EventConnectionClosed {
		c.state = duplex.StateClosed
	}
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Messages returns a copy of the recorded outbound messages. Thread-safe.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.Sent)
}

// Count returns how many messages of kind were recorded. Thread-safe.
func (c *Channel) Count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.Sent {
		if m.Kind == kind {
			n++
		}
	}
	return n
}

// Controls returns the recorded control messages in order. Thread-safe.
func (c *Channel) Controls() []duplex.Control {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []duplex.Control
	for _, m := range c.Sent {
		if m.Kind == KindControl {
			out = append(out, m.Control)
		}
	}
	return out
}

// Disconnects returns DisconnectCallCount. Thread-safe.
func (c *Channel) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DisconnectCallCount
}

// Ensure Channel implements duplex.Channel at compile time.
var _ duplex.Channel = (*Channel)(nil)
