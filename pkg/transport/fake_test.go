package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vango-go/zenlive/pkg/audio"
)

type fakeChannel struct {
	inbound   chan ServerMessage
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	setup         Setup
	audio         []audio.Blob
	contents      []Content
	toolResponses []ToolResponse
	sendErr       error
}

func newFakeChannel(setup Setup, ack bool) *fakeChannel {
	c := &fakeChannel{
		inbound: make(chan ServerMessage, 64),
		closed:  make(chan struct{}),
		setup:   setup,
	}
	if ack {
		c.inbound <- ServerMessage{SetupComplete: true}
	}
	return c
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) SendAudio(_ context.Context, blob audio.Blob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return ErrChannelClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.audio = append(c.audio, blob)
	return nil
}

func (c *fakeChannel) SendContent(_ context.Context, content Content) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.contents = append(c.contents, content)
	return nil
}

func (c *fakeChannel) SendToolResponse(_ context.Context, resp ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.toolResponses = append(c.toolResponses, resp)
	return nil
}

func (c *fakeChannel) Receive(ctx context.Context) (ServerMessage, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return ServerMessage{}, ErrChannelClosed
	case <-ctx.Done():
		return ServerMessage{}, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// serverClose simulates the remote side dropping the connection.
func (c *fakeChannel) serverClose() { _ = c.Close() }

func (c *fakeChannel) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *fakeChannel) contentSnapshot() []Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Content(nil), c.contents...)
}

func (c *fakeChannel) toolResponseSnapshot() []ToolResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolResponse(nil), c.toolResponses...)
}

// fakeDialer hands out channels. Dials listed in fail return errors.
type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	fail     map[int]bool
	noAck    bool
	dialed   chan *fakeChannel
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{fail: map[int]bool{}, dialed: make(chan *fakeChannel, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, setup Setup) (Channel, error) {
	d.mu.Lock()
	n := len(d.channels) + 1
	if d.fail[n] {
		d.channels = append(d.channels, nil)
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	ch := newFakeChannel(setup, !d.noAck)
	d.channels = append(d.channels, ch)
	d.mu.Unlock()
	d.dialed <- ch
	return ch, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.channels) - 1; i >= 0; i-- {
		if d.channels[i] != nil {
			return d.channels[i]
		}
	}
	return nil
}

type event struct {
	kind string
	arg  any
}

// recorder is a Listener that forwards every event to a channel.
type recorder struct {
	events chan event
}

func newRecorder() *recorder { return &recorder{events: make(chan event, 256)} }

func (r *recorder) OnStatus(s Status)                  { r.events <- event{"status", s} }
func (r *recorder) OnTranscript(t Transcript)          { r.events <- event{"transcript", t} }
func (r *recorder) OnAudio(b audio.Blob)               { r.events <- event{"audio", b} }
func (r *recorder) OnToolCall(c ToolCall)              { r.events <- event{"tool_call", c} }
func (r *recorder) OnToolRejected(c ToolCall, _ error) { r.events <- event{"tool_rejected", c} }
func (r *recorder) OnInterrupted()                     { r.events <- event{"interrupted", nil} }
func (r *recorder) OnTurnComplete(n int)               { r.events <- event{"turn_complete", n} }
func (r *recorder) OnConnectionLost(err error)         { r.events <- event{"connection_lost", err} }
func (r *recorder) OnReconnected()                     { r.events <- event{"reconnected", nil} }
func (r *recorder) OnReconnectFailed(err error)        { r.events <- event{"reconnect_failed", err} }

// waitFor skips events until one of kind arrives.
func (r *recorder) waitFor(kind string) (event, bool) {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.kind == kind {
				return ev, true
			}
		case <-timeout:
			return event{}, false
		}
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// delayRecorder is an After func that fires immediately and records delays.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) After(delay time.Duration) <-chan time.Time {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (d *delayRecorder) snapshot() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
