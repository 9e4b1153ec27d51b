// Package history holds the conversation log of one live session and the
// store it is handed to when the session ends.
//
// A [History] is append-only while the session runs. At stop, the controller
// passes a snapshot to a [Store] keyed by session and activity. The store
// also serves the short recent-session summaries that seed the next
// session's init payload.
package history

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one finalized utterance.
type Entry struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// Key identifies a saved conversation.
type Key struct {
	SessionID  string
	ActivityID string
	ChildID    string
}

// SessionSummary describes a past session.
type SessionSummary struct {
	SessionID  string
	ActivityID string
	EndedAt    time.Time
	Summary    string
}

// Store persists finished conversations.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save writes entries under key. Saving the same key twice replaces
	// the earlier conversation.
	Save(ctx context.Context, key Key, entries []Entry) error

	// Recent returns up to n summaries for childID, newest first.
	Recent(ctx context.Context, childID string, n int) ([]SessionSummary, error)
}

// History is an append-only, concurrency-safe conversation log.
type History struct {
	mu      sync.Mutex
	entries []Entry
}

// Append adds an entry. Empty content is ignored. A zero Timestamp is set to
// now.
func (h *History) Append(role Role, content string, ts time.Time) {
	if strings.TrimSpace(content) == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, Entry{Role: role, Content: content, Timestamp: ts})
}

// Entries returns a copy of the log in append order.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// maxSummaryRunes bounds the summary stored per session.
const maxSummaryRunes = 400

// Summarize condenses entries into one short line per utterance, keeping the
// most recent ones that fit.
func Summarize(entries []Entry) string {
	var lines []string
	total := 0
	for i := len(entries) - 1; i >= 0; i-- {
		line := string(entries[i].Role) + ": " + strings.Join(strings.Fields(entries[i].Content), " ")
		n := len([]rune(line))
		if total+n > maxSummaryRunes {
			if len(lines) == 0 {
				lines = append(lines, string([]rune(line)[:maxSummaryRunes-1])+"…")
			}
			break
		}
		lines = append(lines, line)
		total += n + 1
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}
