// Package mock provides an in-memory history.Store for tests.
package mock

import (
	"context"
	"sync"

	"github.com/brightpath/livelink/pkg/history"
)

var _ history.Store = (*Store)(nil)

// SaveCall records one Save invocation.
type SaveCall struct {
	Key     history.Key
	Entries []history.Entry
}

// Store records saves and serves RecentResult from Recent.
type Store struct {
	mu sync.Mutex

	// SaveErr, when set, is returned by Save (the call is still recorded).
	SaveErr error

	// RecentResult is returned by Recent, truncated to n.
	RecentResult []history.SessionSummary

	// RecentErr, when set, is returned by Recent.
	RecentErr error

	saves       []SaveCall
	recentCalls []string
}

// Save implements history.Store.
func (s *Store) Save(_ context.Context, key history.Key, entries []history.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, SaveCall{Key: key, Entries: append([]history.Entry(nil), entries...)})
	return s.SaveErr
}

// Recent implements history.Store.
func (s *Store) Recent(_ context.Context, childID string, n int) ([]history.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentCalls = append(s.recentCalls, childID)
	if s.RecentErr != nil {
		return nil, s.RecentErr
	}
	out := s.RecentResult
	if n < len(out) {
		out = out[:n]
	}
	return append([]history.SessionSummary(nil), out...), nil
}

// Saves returns a copy of the recorded Save calls.
func (s *Store) Saves() []SaveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SaveCall(nil), s.saves...)
}

// RecentCalls returns the child IDs passed to Recent.
func (s *Store) RecentCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recentCalls...)
}
