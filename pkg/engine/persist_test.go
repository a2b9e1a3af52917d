package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/recovery"
)

func newTestPersister(t *testing.T) (*persister, *recovery.Bridge, recovery.Scope) {
	t.Helper()
	clock := newFakeClock()
	scope := recovery.Scope{UserID: "u1"}
	bridge := recovery.NewBridge(recovery.BridgeOptions{
		Store: recovery.NewMemoryStore(clock.Now),
		Scope: scope,
		Now:   clock.Now,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newPersister(bridge, scope, logger), bridge, scope
}

func stateAt(elapsed time.Duration) guidance.DetailedState {
	return guidance.DetailedState{
		Version: 1,
		Config:  timedActivity("w1", 60),
		Progress: guidance.Progress{
			Status:      guidance.StatusPaused,
			Elapsed:     elapsed,
			StepElapsed: elapsed,
			Pace:        guidance.PaceNormal,
		},
	}
}

func TestPersister_LastWriteWins(t *testing.T) {
	p, bridge, scope := newTestPersister(t)
	ctx := context.Background()

	p.save(stateAt(time.Second))
	p.save(stateAt(2 * time.Second))
	p.flush(ctx)

	got, ok := bridge.LoadGuidanceState(ctx, scope)
	if !ok || got.Progress.Elapsed != 2*time.Second {
		t.Fatalf("saved = %v (found %v), want 2s", got.Progress.Elapsed, ok)
	}

	p.save(stateAt(3 * time.Second))
	p.clear()
	p.flush(ctx)
	if _, ok := bridge.LoadGuidanceState(ctx, scope); ok {
		t.Fatal("clear did not supersede the pending save")
	}
}

func TestPersister_RunDrainsInBackground(t *testing.T) {
	p, bridge, scope := newTestPersister(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		p.run(ctx, done)
		close(stopped)
	}()

	p.save(stateAt(4 * time.Second))
	if !eventually(func() bool {
		got, ok := bridge.LoadGuidanceState(context.Background(), scope)
		return ok && got.Progress.Elapsed == 4*time.Second
	}) {
		t.Fatal("background write did not land")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
