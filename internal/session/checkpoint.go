package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/brightpath/livelink/pkg/history"
)

// checkpointer periodically writes the conversation so far to the history
// store, so that a crash mid-session loses at most one interval. Store.Save
// replaces the session's entries, so every write is a full snapshot.
type checkpointer struct {
	store    history.Store
	key      history.Key
	entries  func() []history.Entry
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	lastLen int // entries already written

	exited chan struct{}
}

func newCheckpointer(store history.Store, key history.Key, entries func() []history.Entry, interval, timeout time.Duration) *checkpointer {
	return &checkpointer{
		store:    store,
		key:      key,
		entries:  entries,
		interval: interval,
		timeout:  timeout,
		exited:   make(chan struct{}),
	}
}

// run writes a checkpoint every interval until ctx is cancelled. It closes
// exited on return, after any in-flight write has finished.
func (cp *checkpointer) run(ctx context.Context) {
	defer close(cp.exited)
	ticker := time.NewTicker(cp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cp.checkpoint(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("session: checkpoint failed", "session_id", cp.key.SessionID, "err", err)
			}
		}
	}
}

// checkpoint writes the history if it grew since the last write.
func (cp *checkpointer) checkpoint(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	entries := cp.entries()
	if len(entries) == 0 || len(entries) == cp.lastLen {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cp.timeout)
	defer cancel()
	if err := cp.store.Save(ctx, cp.key, entries); err != nil {
		return err
	}
	cp.lastLen = len(entries)
	slog.Debug("session: checkpoint written", "session_id", cp.key.SessionID, "entries", len(entries))
	return nil
}
