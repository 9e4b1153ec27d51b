package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brightpath/livelink/internal/resilience"
	"github.com/brightpath/livelink/pkg/history"
	historymock "github.com/brightpath/livelink/pkg/history/mock"
)

func TestGuardedStore_PassesThrough(t *testing.T) {
	t.Parallel()
	inner := &historymock.Store{RecentResult: []history.SessionSummary{{SessionID: "s1", Summary: "talked about cats"}}}
	g := resilience.NewGuardedStore(inner, resilience.BreakerConfig{})
	ctx := context.Background()

	key := history.Key{SessionID: "s2", ChildID: "c1"}
	entries := []history.Entry{{Role: history.RoleUser, Content: "hi", Timestamp: time.Now()}}
	if err := g.Save(ctx, key, entries); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saves := inner.Saves(); len(saves) != 1 || saves[0].Key != key {
		t.Errorf("saves = %+v", saves)
	}

	got, err := g.Recent(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "s1" {
		t.Errorf("Recent = %+v", got)
	}
	if err := g.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestGuardedStore_FailsFastWhenOpen(t *testing.T) {
	t.Parallel()
	inner := &historymock.Store{RecentErr: errDown}
	g := resilience.NewGuardedStore(inner, resilience.BreakerConfig{MaxFailures: 2, Cooldown: time.Hour})
	ctx := context.Background()

	for range 2 {
		if _, err := g.Recent(ctx, "c1", 3); !errors.Is(err, errDown) {
			t.Fatalf("err = %v, want errDown", err)
		}
	}
	if g.State() != resilience.StateOpen {
		t.Fatalf("state = %s, want open", g.State())
	}

	_, err := g.Recent(ctx, "c1", 3)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Recent err = %v, want ErrCircuitOpen", err)
	}
	if err := g.Save(ctx, history.Key{}, nil); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Save err = %v, want ErrCircuitOpen", err)
	}
	if n := len(inner.RecentCalls()); n != 2 {
		t.Errorf("inner Recent calls = %d, want 2", n)
	}
	if len(inner.Saves()) != 0 {
		t.Error("Save must not reach the store while open")
	}
	if err := g.Ping(ctx); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Ping err = %v, want ErrCircuitOpen", err)
	}
}
