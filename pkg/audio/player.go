package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrPlayerClosed is returned when scheduling on a closed player.
var ErrPlayerClosed = errors.New("audio: player closed")

// Sink is an output device with its own monotonic play clock.
type Sink interface {
	// Now returns the current position of the sink's play clock.
	Now() time.Duration
	// Schedule queues buf to start at the given play-clock position.
	Schedule(buf Buffer, at time.Duration) (Source, error)
	Close() error
}

// Source is one scheduled buffer.
type Source interface {
	// Stop silences the source. Stopping twice is a no-op.
	Stop()
	// Done is closed once the source finished playing or was stopped.
	Done() <-chan struct{}
}

// Player schedules buffers back-to-back on the sink's play clock and tracks
// every source still playing so an interruption can stop them at once.
type Player struct {
	mu       sync.Mutex
	sink     Sink
	playHead time.Duration
	sources  map[Source]struct{}
	closed   bool
}

// NewPlayer returns a player scheduling onto sink.
func NewPlayer(sink Sink) *Player {
	return &Player{sink: sink, sources: make(map[Source]struct{})}
}

// Enqueue schedules buf right after the previously scheduled buffer, or now if
// the play head has fallen behind the sink clock.
func (p *Player) Enqueue(buf Buffer) error {
	if len(buf.Samples) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPlayerClosed
	}
	p.pruneLocked()

	start := p.playHead
	if now := p.sink.Now(); now > start {
		start = now
	}
	src, err := p.sink.Schedule(buf, start)
	if err != nil {
		return err
	}
	p.sources[src] = struct{}{}
	p.playHead = start + buf.Duration()
	return nil
}

// StopAll stops every tracked source and rewinds the play head to the sink
// clock. It returns how many sources were stopped.
func (p *Player) StopAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for src := range p.sources {
		select {
		case <-src.Done():
		default:
			src.Stop()
			n++
		}
		delete(p.sources, src)
	}
	if !p.closed {
		p.playHead = p.sink.Now()
	}
	return n
}

// Pending returns how many scheduled sources have not finished yet.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.sources)
}

// Buffered returns how much scheduled audio is still ahead of the sink clock.
func (p *Player) Buffered() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	if d := p.playHead - p.sink.Now(); d > 0 {
		return d
	}
	return 0
}

// Close stops all sources and closes the sink. Safe to call repeatedly.
func (p *Player) Close() error {
	p.StopAll()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.sink.Close()
}

func (p *Player) pruneLocked() {
	for src := range p.sources {
		select {
		case <-src.Done():
			delete(p.sources, src)
		default:
		}
	}
}
