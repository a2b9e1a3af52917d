package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/core"
	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/recovery"
	"github.com/vango-go/zenlive/pkg/transport"
	"github.com/vango-go/zenlive/pkg/voicecmd"
)

type fakeChannel struct {
	inbound   chan transport.ServerMessage
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	setup         transport.Setup
	audio         []audio.Blob
	contents      []transport.Content
	toolResponses []transport.ToolResponse
}

func newFakeChannel(setup transport.Setup) *fakeChannel {
	c := &fakeChannel{
		inbound: make(chan transport.ServerMessage, 64),
		closed:  make(chan struct{}),
		setup:   setup,
	}
	c.inbound <- transport.ServerMessage{SetupComplete: true}
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
		return transport.ErrChannelClosed
	}
	c.audio = append(c.audio, blob)
	return nil
}

func (c *fakeChannel) SendContent(_ context.Context, content transport.Content) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return transport.ErrChannelClosed
	}
	c.contents = append(c.contents, content)
	return nil
}

func (c *fakeChannel) SendToolResponse(_ context.Context, resp transport.ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return transport.ErrChannelClosed
	}
	c.toolResponses = append(c.toolResponses, resp)
	return nil
}

func (c *fakeChannel) Receive(ctx context.Context) (transport.ServerMessage, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return transport.ServerMessage{}, transport.ErrChannelClosed
	case <-ctx.Done():
		return transport.ServerMessage{}, ctx.Err()
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

// cues returns the text of every injected turn.
func (c *fakeChannel) cues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.contents))
	for _, content := range c.contents {
		out = append(out, content.Text)
	}
	return out
}

func (c *fakeChannel) hasCue(substr string) bool {
	for _, text := range c.cues() {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

func (c *fakeChannel) toolResponse(id string) (transport.ToolResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.toolResponses {
		if r.ID == id {
			return r, true
		}
	}
	return transport.ToolResponse{}, false
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	fail     bool
}

func (d *fakeDialer) Dial(_ context.Context, setup transport.Setup) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	ch := newFakeChannel(setup)
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

type fakeMic struct {
	mu       sync.Mutex
	startErr error
	started  int
	stopped  int
	deliver  func([]float32)
}

func (m *fakeMic) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started++
	m.deliver = onSamples
	return nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	m.deliver = nil
	return nil
}

func (m *fakeMic) push(samples []float32) {
	m.mu.Lock()
	fn := m.deliver
	m.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func (m *fakeMic) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeSource struct {
	once sync.Once
	done chan struct{}
}

func (s *fakeSource) Stop()                 { s.once.Do(func() { close(s.done) }) }
func (s *fakeSource) Done() <-chan struct{} { return s.done }

type fakeSink struct {
	mu        sync.Mutex
	scheduled int
	closed    int
}

func (s *fakeSink) Now() time.Duration { return 0 }

func (s *fakeSink) Schedule(audio.Buffer, time.Duration) (audio.Source, error) {
	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()
	return &fakeSource{done: make(chan struct{})}, nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
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

// delayRecorder fires reconnect waits immediately and records the delays.
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

type hostEvent struct {
	kind string
	arg  any
}

// hostRecorder is a HostListener that keeps every callback in order.
type hostRecorder struct {
	mu     sync.Mutex
	events []hostEvent
}

func (r *hostRecorder) add(kind string, arg any) {
	r.mu.Lock()
	r.events = append(r.events, hostEvent{kind: kind, arg: arg})
	r.mu.Unlock()
}

func (r *hostRecorder) OnStatus(s transport.Status)         { r.add("status", s) }
func (r *hostRecorder) OnTranscript(text string, _, _ bool) { r.add("transcript", text) }
func (r *hostRecorder) OnInterrupted()                      { r.add("interrupted", nil) }
func (r *hostRecorder) OnReconnecting(err error)            { r.add("reconnecting", err) }
func (r *hostRecorder) OnError(kind core.Kind, msg string)  { r.add("error", kind) }
func (r *hostRecorder) OnToolCall(name string, _ map[string]any) {
	r.add("tool_call", name)
}
func (r *hostRecorder) OnRenderUI(component string, props map[string]any) {
	r.add("render:"+component, props)
}
func (r *hostRecorder) OnSelectionChanged(set *voicecmd.SelectionSet) { r.add("selection", set) }
func (r *hostRecorder) OnSelectionResolved(opt voicecmd.Option)       { r.add("resolved", opt) }
func (r *hostRecorder) OnActivityControl(control string, p guidance.Progress) {
	r.add("control:"+control, p)
}
func (r *hostRecorder) OnPaceChanged(p guidance.Pace)           { r.add("pace", p) }
func (r *hostRecorder) OnTimer(ev guidance.TimerEvent)          { r.add("timer", ev) }
func (r *hostRecorder) OnProgress(p guidance.Progress)          { r.add("progress", p) }
func (r *hostRecorder) OnActivityComplete(sum guidance.Summary) { r.add("complete", sum) }
func (r *hostRecorder) OnMicLevel(level float64)                { r.add("mic", level) }

func (r *hostRecorder) find(kind string) (hostEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.kind == kind {
			return ev, true
		}
	}
	return hostEvent{}, false
}

func (r *hostRecorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.kind == kind {
			n++
		}
	}
	return n
}

func (r *hostRecorder) waitFor(kind string) (hostEvent, bool) {
	var ev hostEvent
	ok := eventually(func() bool {
		var found bool
		ev, found = r.find(kind)
		return found
	})
	return ev, ok
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

type harness struct {
	t        *testing.T
	e        *Engine
	dialer   *fakeDialer
	mic      *fakeMic
	sink     *fakeSink
	host     *hostRecorder
	clock    *fakeClock
	delays   *delayRecorder
	ticks    chan time.Time
	store    recovery.Store
	bridge   *recovery.Bridge
	runErr   chan error
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// newHarness starts an engine on fakes. Engines given the same store share
// saved guidance.
func newHarness(t *testing.T, store recovery.Store, mutate func(*Options)) *harness {
	t.Helper()
	clock := newFakeClock()
	if store == nil {
		store = recovery.NewMemoryStore(clock.Now)
	}
	scope := recovery.Scope{UserID: "u1", ConversationID: "c1"}
	h := &harness{
		t:      t,
		dialer: &fakeDialer{},
		mic:    &fakeMic{},
		sink:   &fakeSink{},
		host:   &hostRecorder{},
		clock:  clock,
		delays: &delayRecorder{},
		ticks:  make(chan time.Time),
		store:  store,
		runErr: make(chan error, 1),
	}
	h.bridge = recovery.NewBridge(recovery.BridgeOptions{Store: store, Scope: scope, Now: clock.Now})
	opts := Options{
		Transport: transport.Options{
			Dialer:           h.dialer,
			Model:            "test-model",
			BaseInstruction:  "You are a calm coach.",
			HandshakeTimeout: time.Second,
			ReconnectBase:    time.Second,
			ReconnectCap:     5 * time.Second,
			MaxRetries:       3,
			After:            h.delays.After,
		},
		Audio: audio.PipelineOptions{
			OpenMicrophone: func(int, int) (audio.Microphone, error) { return h.mic, nil },
			OpenSink:       func(int) (audio.Sink, error) { return h.sink, nil },
			FrameSamples:   256,
		},
		Bridge:   h.bridge,
		Scope:    scope,
		Listener: h.host,
		Now:      clock.Now,
		Ticks:    h.ticks,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.e = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.e.Run(ctx) }()
	if !eventually(h.e.running.Load) {
		t.Fatal("dispatch loop did not start")
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		_ = h.e.Close(context.Background())
		h.cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			h.t.Error("Run did not return")
		}
	})
}

func (h *harness) connect() *fakeChannel {
	h.t.Helper()
	if err := h.e.Connect(context.Background()); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	return h.dialer.last()
}

// sync waits until every event queued so far has been handled.
func (h *harness) sync() {
	h.t.Helper()
	if err := h.e.call(context.Background(), func() {}); err != nil {
		h.t.Fatalf("sync: %v", err)
	}
}

func (h *harness) tick(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		select {
		case h.ticks <- h.clock.Now():
		case <-time.After(2 * time.Second):
			h.t.Fatal("tick not accepted")
		}
	}
	h.sync()
}

func (h *harness) say(text string) {
	h.t.Helper()
	if err := h.e.HandleTranscript(context.Background(), text); err != nil {
		h.t.Fatalf("HandleTranscript(%q): %v", text, err)
	}
	h.sync()
}

func (h *harness) toolCall(ch *fakeChannel, id, name string, args map[string]any) transport.ToolResponse {
	h.t.Helper()
	ch.inbound <- transport.ServerMessage{ToolCalls: []transport.ToolCall{{ID: id, Name: name, Args: args}}}
	var resp transport.ToolResponse
	if !eventually(func() bool {
		var ok bool
		resp, ok = ch.toolResponse(id)
		return ok
	}) {
		h.t.Fatalf("no response to tool call %s", id)
	}
	return resp
}

// encodeSpeech returns n samples of silent model audio.
func encodeSpeech(n int) audio.Blob {
	return audio.EncodeFrame(make([]float32, n), audio.PlaybackSampleRate)
}

func timedActivity(id string, steps ...int) guidance.ActivityConfig {
	cfg := guidance.ActivityConfig{ID: id, Type: guidance.ActivityWorkout, Title: "Test workout"}
	for i, s := range steps {
		cfg.Steps = append(cfg.Steps, guidance.Step{
			ID:          fmt.Sprintf("s%d", i+1),
			Kind:        guidance.StepExercise,
			Name:        fmt.Sprintf("Move %d", i+1),
			Seconds:     s,
			RestSeconds: 10,
		})
	}
	return cfg
}
