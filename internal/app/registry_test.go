package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sublexa/sublexa/internal/app"
	"github.com/sublexa/sublexa/internal/server"
)

func sessionInfo(id string, at time.Time) server.SessionInfo {
	return server.SessionInfo{
		ID:         id,
		Vendor:     "speechmatics",
		TargetLang: "es",
		StartedAt:  at,
	}
}

func TestRegistryTracksSessions(t *testing.T) {
	t.Parallel()
	r := app.NewSessionRegistry()
	now := time.Now()

	if err := r.SessionStarted(sessionInfo("a", now), func() {}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := r.SessionStarted(sessionInfo("b", now.Add(time.Second)), func() {}); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if got := r.Count(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	r.SessionEnded("a")
	if got := r.Count(); got != 1 {
		t.Errorf("count after end = %d, want 1", got)
	}
	r.SessionEnded("a") // unknown id is a no-op
	if got := r.Count(); got != 1 {
		t.Errorf("count after duplicate end = %d, want 1", got)
	}
}

func TestRegistrySnapshotOrder(t *testing.T) {
	t.Parallel()
	r := app.NewSessionRegistry()
	now := time.Now()

	// Inserted out of start order on purpose.
	for _, s := range []struct {
		id     string
		offset time.Duration
	}{
		{"late", 2 * time.Second},
		{"first", 0},
		{"mid", time.Second},
	} {
		if err := r.SessionStarted(sessionInfo(s.id, now.Add(s.offset)), func() {}); err != nil {
			t.Fatalf("register %s: %v", s.id, err)
		}
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d, want 3", len(snap))
	}
	want := []string{"first", "mid", "late"}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("snapshot[%d] = %q, want %q", i, snap[i].ID, id)
		}
	}
}

func TestRegistryDrainEmpty(t *testing.T) {
	t.Parallel()
	r := app.NewSessionRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("drain of empty registry: %v", err)
	}

	// Once draining, newcomers are refused.
	err := r.SessionStarted(sessionInfo("late", time.Now()), func() {})
	if !errors.Is(err, app.ErrDraining) {
		t.Errorf("register while draining = %v, want ErrDraining", err)
	}
}

func TestRegistryDrainWaitsForSessions(t *testing.T) {
	t.Parallel()
	r := app.NewSessionRegistry()
	if err := r.SessionStarted(sessionInfo("slow", time.Now()), func() {}); err != nil {
		t.Fatalf("register: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		r.SessionEnded("slow")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := r.Count(); got != 0 {
		t.Errorf("count after drain = %d, want 0", got)
	}
}

func TestRegistryDrainDeadlineForceCloses(t *testing.T) {
	t.Parallel()
	r := app.NewSessionRegistry()
	cancelled := make(chan struct{})
	err := r.SessionStarted(sessionInfo("stuck", time.Now()), func() { close(cancelled) })
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = r.Drain(ctx)
	if err == nil {
		t.Fatal("expected drain deadline error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("drain error = %v, want deadline exceeded", err)
	}

	select {
	case <-cancelled:
	case <-time.After(waitTimeout):
		t.Fatal("session cancel func was not invoked")
	}
}
