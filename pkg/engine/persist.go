package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/recovery"
)

const persistTimeout = 5 * time.Second

type persistOp struct {
	clear bool
	state guidance.DetailedState
}

// persister writes guidance snapshots off the dispatch loop. Only the newest
// pending write is kept; an older one still queued is superseded.
type persister struct {
	bridge *recovery.Bridge
	scope  recovery.Scope
	logger *slog.Logger

	// ioMu serialises writes so a flush cannot race a worker write with an
	// older snapshot.
	ioMu sync.Mutex

	mu      sync.Mutex
	pending *persistOp
	wake    chan struct{}
}

func newPersister(bridge *recovery.Bridge, scope recovery.Scope, logger *slog.Logger) *persister {
	return &persister{bridge: bridge, scope: scope, logger: logger, wake: make(chan struct{}, 1)}
}

func (p *persister) save(state guidance.DetailedState) { p.submit(&persistOp{state: state}) }

func (p *persister) clear() { p.submit(&persistOp{clear: true}) }

func (p *persister) submit(op *persistOp) {
	p.mu.Lock()
	p.pending = op
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run drains writes until ctx is cancelled or done is closed.
func (p *persister) run(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-p.wake:
			p.flush(context.WithoutCancel(ctx))
		}
	}
}

// flush writes the pending operation, if any, before returning.
func (p *persister) flush(ctx context.Context) {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	p.mu.Lock()
	op := p.pending
	p.pending = nil
	p.mu.Unlock()
	if op == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if op.clear {
		p.bridge.ClearGuidanceState(ctx, p.scope)
		return
	}
	p.bridge.SaveGuidanceState(ctx, op.state, p.scope)
	p.logger.Debug("guidance state saved",
		"activity_id", op.state.Config.ID,
		"status", op.state.Progress.Status,
		"step_index", op.state.Progress.CurrentStep)
}
