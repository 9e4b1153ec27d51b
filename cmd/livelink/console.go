package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/brightpath/livelink/internal/session"
)

// console prints the conversation to a terminal.
type console struct {
	mu sync.Mutex
	w  io.Writer

	// midLine is true while an assistant reply is being streamed.
	midLine bool
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.midLine {
		fmt.Fprintln(c.w)
		c.midLine = false
	}
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) delta(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.midLine {
		fmt.Fprint(c.w, "assistant: ")
		c.midLine = true
	}
	fmt.Fprint(c.w, text)
}

func (c *console) endLine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.midLine {
		fmt.Fprintln(c.w)
		c.midLine = false
	}
}

// callbacks returns session callbacks that write to the console.
func (c *console) callbacks() session.Callbacks {
	return session.Callbacks{
		OnConnected:                func() { c.printf("* connected\n") },
		OnSessionReady:             func() { c.printf("* ready, start talking\n") },
		OnUserTranscript:           func(text string) { c.printf("you: %s\n", text) },
		OnAssistantTranscriptDelta: c.delta,
		OnResponseCompleted:        func(string) { c.endLine() },
		OnSpeechStarted:            func() { slog.Debug("remote detected speech") },
		OnSpeechStopped:            func() { slog.Debug("remote detected end of speech") },
		OnError:                    func(err error) { c.printf("! %v\n", err) },
		OnDisconnected:             func() { c.printf("* disconnected\n") },
	}
}

// readCommands sends each trimmed, non-empty line of r to out and closes out
// at EOF.
func readCommands(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out <- line
		}
	}
}

// toggler is the part of the controller driven by console commands.
type toggler interface {
	Muted() bool
	SetMuted(bool)
	VideoEnabled() bool
	SetVideoEnabled(bool)
}

// handleCommand applies one console command and reports whether the user
// asked to quit.
func handleCommand(t toggler, cmd string, w io.Writer) (quit bool) {
	switch strings.ToLower(cmd) {
	case "m", "mute":
		muted := !t.Muted()
		t.SetMuted(muted)
		fmt.Fprintf(w, "* microphone %s\n", onOff(!muted))
	case "v", "video":
		enabled := !t.VideoEnabled()
		t.SetVideoEnabled(enabled)
		fmt.Fprintf(w, "* video %s\n", onOff(enabled))
	case "q", "quit", "exit":
		return true
	default:
		fmt.Fprintf(w, "* unknown command %q; use m, v or q\n", cmd)
	}
	return false
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
