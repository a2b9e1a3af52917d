package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/core"
	"github.com/vango-go/zenlive/pkg/transport/protocol"
)

type harness struct {
	t      *testing.T
	tr     *Transport
	dialer *fakeDialer
	rec    *recorder
	clock  *fakeClock
	delays *delayRecorder
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		dialer: newFakeDialer(),
		rec:    newRecorder(),
		clock:  newFakeClock(),
		delays: &delayRecorder{},
	}
	opts := Options{
		Dialer:           h.dialer,
		Model:            "test-model",
		BaseInstruction:  "You are a calm coach.",
		Listener:         h.rec,
		Now:              h.clock.Now,
		After:            h.delays.After,
		HandshakeTimeout: time.Second,
		Tools: []protocol.ToolDeclaration{{
			Name: "render_timer",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"duration_seconds"},
				"properties": map[string]any{
					"duration_seconds": map[string]any{"type": "integer", "minimum": 1.0},
				},
			},
		}},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.tr = New(opts)
	t.Cleanup(func() { h.tr.Disconnect(true) })
	return h
}

func (h *harness) connect() *fakeChannel {
	h.t.Helper()
	if err := h.tr.Connect(context.Background(), ContextSnapshot{UserName: "Sam"}); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	return h.dialer.last()
}

func frame() audio.Blob { return audio.EncodeFrame(make([]float32, 16), 16000) }

func TestTransport_TurnCompleteAdvancesCounter(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect()

	if h.tr.Status() != StatusConnected {
		t.Fatalf("status = %v, want connected", h.tr.Status())
	}
	for i := 0; i < 3; i++ {
		if err := h.tr.SendAudio(context.Background(), frame()); err != nil {
			t.Fatalf("SendAudio #%d: %v", i, err)
		}
	}
	if ch.audioCount() != 3 {
		t.Fatalf("frames sent = %d, want 3", ch.audioCount())
	}
	if h.tr.Turns() != 0 {
		t.Fatalf("turns = %d before turn complete", h.tr.Turns())
	}

	ch.inbound <- ServerMessage{TurnComplete: true}
	ev, ok := h.rec.waitFor("turn_complete")
	if !ok {
		t.Fatal("no turn_complete event")
	}
	if ev.arg.(int) != 1 || h.tr.Turns() != 1 {
		t.Fatalf("turn = %v / %d, want 1", ev.arg, h.tr.Turns())
	}
}

func TestTransport_SetupCarriesInstructionAndTools(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect()

	if ch.setup.Model != "test-model" {
		t.Fatalf("model = %q", ch.setup.Model)
	}
	if !strings.Contains(ch.setup.SystemInstruction, "Sam") {
		t.Fatalf("instruction missing snapshot: %q", ch.setup.SystemInstruction)
	}
	if len(ch.setup.Tools) != 1 || ch.setup.Tools[0].Name != "render_timer" {
		t.Fatalf("tools = %+v", ch.setup.Tools)
	}
	if ch.setup.CaptureSampleRate != 16000 || ch.setup.PlaybackSampleRate != 24000 {
		t.Fatalf("rates = %d/%d", ch.setup.CaptureSampleRate, ch.setup.PlaybackSampleRate)
	}
}

func TestTransport_SendGates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.tr.SendAudio(ctx, frame()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("before connect: %v", err)
	}
	if err := h.tr.SendText(ctx, "hi", true); !errors.Is(err, ErrNotReady) {
		t.Fatalf("text before connect: %v", err)
	}

	ch := h.connect()
	h.tr.SetMuted(true)
	if err := h.tr.SendAudio(ctx, frame()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("muted: %v", err)
	}
	h.tr.SetMuted(false)
	h.tr.SetPaused(true)
	if err := h.tr.SendAudio(ctx, frame()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("paused: %v", err)
	}
	h.tr.SetPaused(false)
	if err := h.tr.SendAudio(ctx, frame()); err != nil {
		t.Fatalf("open gate: %v", err)
	}
	if ch.audioCount() != 1 {
		t.Fatalf("frames = %d, want 1", ch.audioCount())
	}
}

func TestTransport_HandshakeGatesConnected(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HandshakeTimeout = 50 * time.Millisecond })
	h.dialer.noAck = true

	err := h.tr.Connect(context.Background(), ContextSnapshot{})
	if !core.IsKind(err, core.KindConnection) {
		t.Fatalf("err = %v, want connection error", err)
	}
	if h.tr.Status() != StatusDisconnected {
		t.Fatalf("status = %v", h.tr.Status())
	}
	if ch := h.dialer.last(); ch == nil || !ch.isClosed() || ch.audioCount() != 0 {
		t.Fatalf("channel should be closed with nothing sent")
	}
}

func TestTransport_ConnectTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	if err := h.tr.Connect(context.Background(), ContextSnapshot{}); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v", err)
	}
}

func TestTransport_NoSendAfterDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = h.tr.SendAudio(context.Background(), frame())
				}
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	h.tr.Disconnect(true)
	sentAtDisconnect := ch.audioCount()

	for i := 0; i < 100; i++ {
		if err := h.tr.SendAudio(context.Background(), frame()); !errors.Is(err, ErrNotReady) {
			t.Fatalf("send after disconnect = %v", err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	if got := ch.audioCount(); got != sentAtDisconnect {
		t.Fatalf("frames sent after disconnect: %d -> %d", sentAtDisconnect, got)
	}
}

func TestTransport_DisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.tr.Disconnect(true)
	h.tr.Disconnect(true)
	h.tr.Disconnect(false)

	var disconnected int
	for {
		select {
		case ev := <-h.rec.events:
			if ev.kind == "status" && ev.arg.(Status) == StatusDisconnected {
				disconnected++
			}
			continue
		default:
		}
		break
	}
	if disconnected != 1 {
		t.Fatalf("disconnected status emitted %d times", disconnected)
	}

	fresh := newHarness(t, nil)
	fresh.tr.Disconnect(true)
	fresh.tr.Disconnect(false)
	if fresh.tr.Status() != StatusDisconnected {
		t.Fatalf("status = %v", fresh.tr.Status())
	}
}

func TestTransport_ReconnectsAfterUnexpectedClose(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connect()

	first.serverClose()
	if _, ok := h.rec.waitFor("connection_lost"); !ok {
		t.Fatal("no connection_lost event")
	}
	if _, ok := h.rec.waitFor("reconnected"); !ok {
		t.Fatal("no reconnected event")
	}
	if diff := cmp.Diff([]time.Duration{time.Second}, h.delays.snapshot()); diff != "" {
		t.Fatalf("reconnect delays (-want +got):\n%s", diff)
	}
	if h.tr.Status() != StatusConnected || h.dialer.dials() != 2 {
		t.Fatalf("status=%v dials=%d", h.tr.Status(), h.dialer.dials())
	}
	if err := h.tr.SendAudio(context.Background(), frame()); err != nil {
		t.Fatalf("send on new channel: %v", err)
	}
	if h.dialer.last().audioCount() != 1 {
		t.Fatalf("frame did not reach the new channel")
	}
}

func TestTransport_ReconnectExhaustsRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fail = map[int]bool{2: true, 3: true, 4: true}
	first := h.connect()

	first.serverClose()
	ev, ok := h.rec.waitFor("reconnect_failed")
	if !ok {
		t.Fatal("no reconnect_failed event")
	}
	if !core.IsKind(ev.arg.(error), core.KindConnection) {
		t.Fatalf("err = %v", ev.arg)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, h.delays.snapshot()); diff != "" {
		t.Fatalf("delays (-want +got):\n%s", diff)
	}
	if h.tr.Status() != StatusDisconnected {
		t.Fatalf("status = %v", h.tr.Status())
	}
	if h.dialer.dials() != 4 {
		t.Fatalf("dials = %d, want 4", h.dialer.dials())
	}
}

func TestTransport_ManualDisconnectAbortsReconnect(t *testing.T) {
	gate := make(chan time.Time)
	waiting := make(chan struct{}, 1)
	h := newHarness(t, func(o *Options) {
		o.After = func(time.Duration) <-chan time.Time {
			waiting <- struct{}{}
			return gate
		}
	})
	first := h.connect()
	first.serverClose()

	select {
	case <-waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect never waited")
	}
	h.tr.Disconnect(true)
	close(gate)

	time.Sleep(20 * time.Millisecond)
	if h.dialer.dials() != 1 {
		t.Fatalf("dials = %d, reconnect should have aborted", h.dialer.dials())
	}
	if h.tr.Status() != StatusDisconnected {
		t.Fatalf("status = %v", h.tr.Status())
	}
}

func TestTransport_ClosedSendTriggersSingleReconnect(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect()
	ch.mu.Lock()
	ch.sendErr = ErrChannelClosed
	ch.mu.Unlock()

	for i := 0; i < 5; i++ {
		_ = h.tr.SendAudio(context.Background(), frame())
	}
	if _, ok := h.rec.waitFor("reconnected"); !ok {
		t.Fatal("no reconnected event")
	}
	time.Sleep(20 * time.Millisecond)
	if h.dialer.dials() != 2 {
		t.Fatalf("dials = %d, want exactly one reconnect", h.dialer.dials())
	}
}

// disconnectOnConnecting hangs up as soon as the connecting status is seen.
type disconnectOnConnecting struct {
	*recorder
	tr *Transport
}

func (l *disconnectOnConnecting) OnStatus(s Status) {
	l.recorder.OnStatus(s)
	if s == StatusConnecting && l.tr != nil {
		l.tr.Disconnect(true)
	}
}

func TestTransport_DisconnectDuringConnectWins(t *testing.T) {
	listener := &disconnectOnConnecting{}
	h := newHarness(t, func(o *Options) {
		listener.recorder = o.Listener.(*recorder)
		o.Listener = listener
	})
	listener.tr = h.tr

	err := h.tr.Connect(context.Background(), ContextSnapshot{})
	if !errors.Is(err, ErrManualDisconnect) {
		t.Fatalf("Connect = %v, want ErrManualDisconnect", err)
	}
	if h.tr.Status() != StatusDisconnected || h.tr.Ready() {
		t.Fatalf("status=%v ready=%v", h.tr.Status(), h.tr.Ready())
	}
	if ch := h.dialer.last(); ch != nil && !ch.isClosed() {
		t.Fatal("channel dialed during the aborted connect was left open")
	}
	if err := h.tr.SendAudio(context.Background(), frame()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("send after aborted connect = %v", err)
	}

	// A later Connect starts a fresh session.
	listener.tr = nil
	h.connect()
	if h.tr.Status() != StatusConnected {
		t.Fatalf("status after reconnect = %v", h.tr.Status())
	}
}

func TestTransport_StaleSendErrorKeepsNewChannelOpen(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connect()
	h.tr.sendMu.RLock()
	staleGen := h.tr.gen
	h.tr.sendMu.RUnlock()

	first.serverClose()
	if _, ok := h.rec.waitFor("reconnected"); !ok {
		t.Fatal("no reconnected event")
	}

	h.tr.handleSendError(staleGen, ErrChannelClosed)
	time.Sleep(20 * time.Millisecond)

	if !h.tr.Ready() {
		t.Fatal("stale send failure closed the gate of the new channel")
	}
	if err := h.tr.SendAudio(context.Background(), frame()); err != nil {
		t.Fatalf("send on new channel: %v", err)
	}
	if h.dialer.dials() != 2 {
		t.Fatalf("dials = %d, stale failure must not reconnect", h.dialer.dials())
	}
}

func TestTransport_ToolCallValidation(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect()

	ch.inbound <- ServerMessage{ToolCalls: []ToolCall{
		{ID: "1", Name: "render_timer", Args: map[string]any{"duration_seconds": 60.0}},
		{ID: "2", Name: "render_timer", Args: map[string]any{"duration_seconds": "soon"}},
	}}

	ev, ok := h.rec.waitFor("tool_call")
	if !ok || ev.arg.(ToolCall).ID != "1" {
		t.Fatalf("valid call not delivered: %+v", ev)
	}
	ev, ok = h.rec.waitFor("tool_rejected")
	if !ok || ev.arg.(ToolCall).ID != "2" {
		t.Fatalf("invalid call not rejected: %+v", ev)
	}

	responses := ch.toolResponseSnapshot()
	if len(responses) != 1 || responses[0].ID != "2" || responses[0].Response["error"] == nil {
		t.Fatalf("tool responses = %+v", responses)
	}
	contents := ch.contentSnapshot()
	if len(contents) != 1 || !IsCue(contents[0].Text) {
		t.Fatalf("expected a verbal fallback cue, got %+v", contents)
	}
}

func TestTransport_InboundDispatch(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect()

	ch.inbound <- ServerMessage{
		Interrupted: true,
		Transcripts: []Transcript{
			{Text: "pause please", IsUser: true, Final: true},
			{Text: CuePrefix + "Great work", IsUser: false, Final: true},
		},
		Audio: []audio.Blob{frame()},
	}

	if _, ok := h.rec.waitFor("interrupted"); !ok {
		t.Fatal("no interrupted event")
	}
	ev, _ := h.rec.waitFor("transcript")
	if tr := ev.arg.(Transcript); tr.Text != "pause please" || !tr.IsUser || !tr.Final {
		t.Fatalf("user transcript = %+v", tr)
	}
	ev, _ = h.rec.waitFor("transcript")
	if tr := ev.arg.(Transcript); tr.Text != "Great work" {
		t.Fatalf("cue marker not stripped: %q", tr.Text)
	}
	if _, ok := h.rec.waitFor("audio"); !ok {
		t.Fatal("no audio event")
	}
	want := []Turn{{IsUser: true, Text: "pause please"}, {IsUser: false, Text: "Great work"}}
	if diff := cmp.Diff(want, h.tr.History()); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}
}

type memResumption struct {
	mu  sync.Mutex
	tok ResumptionToken
	ok  bool
}

func (m *memResumption) SaveResumptionToken(_ context.Context, tok ResumptionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok, m.ok = tok, true
	return nil
}

func (m *memResumption) LoadResumptionToken(context.Context) (ResumptionToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tok, m.ok, nil
}

func TestTransport_ResumptionHandleReuseAndExpiry(t *testing.T) {
	store := &memResumption{}
	h := newHarness(t, func(o *Options) { o.Resumption = store })
	ch := h.connect()

	ch.inbound <- ServerMessage{Resumption: &ResumptionUpdate{Handle: "h-42", Resumable: true}, TurnComplete: true}
	h.rec.waitFor("turn_complete")
	if h.tr.ResumptionHandle() != "h-42" {
		t.Fatalf("handle = %q", h.tr.ResumptionHandle())
	}
	if tok, ok, _ := store.LoadResumptionToken(context.Background()); !ok || tok.Handle != "h-42" {
		t.Fatalf("token not persisted: %+v", tok)
	}

	h.tr.Disconnect(true)
	next := h.connect()
	if next.setup.ResumptionHandle != "h-42" {
		t.Fatalf("reconnect setup handle = %q", next.setup.ResumptionHandle)
	}

	h.tr.Disconnect(true)
	h.clock.Advance(61 * time.Minute)
	expired := h.connect()
	if expired.setup.ResumptionHandle != "" {
		t.Fatalf("expired handle reused: %q", expired.setup.ResumptionHandle)
	}
}

func TestTransport_ResumptionLoadedFromStore(t *testing.T) {
	clock := newFakeClock()
	store := &memResumption{tok: ResumptionToken{Handle: "persisted", SavedAt: clock.Now().Add(-10 * time.Minute)}, ok: true}
	h := newHarness(t, func(o *Options) {
		o.Resumption = store
		o.Now = clock.Now
	})
	ch := h.connect()
	if ch.setup.ResumptionHandle != "persisted" {
		t.Fatalf("handle = %q", ch.setup.ResumptionHandle)
	}
}

func TestTransport_GoAwayReconnectsProactively(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect()

	ch.inbound <- ServerMessage{Resumption: &ResumptionUpdate{Handle: "h-1", Resumable: true}}
	ch.inbound <- ServerMessage{GoAway: &GoAway{TimeLeft: 5 * time.Second}}

	if _, ok := h.rec.waitFor("reconnected"); !ok {
		t.Fatal("no reconnected event")
	}
	if got := h.dialer.last().setup.ResumptionHandle; got != "h-1" {
		t.Fatalf("go away reconnect handle = %q", got)
	}
	if !ch.isClosed() {
		t.Fatal("old channel should be closed")
	}
}

func TestTransport_Keepalive(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.connect()
	ctx := context.Background()

	h.clock.Advance(30 * time.Second)
	if h.tr.keepalive(ctx) {
		t.Fatal("keepalive must not fire without active guidance")
	}

	h.tr.SetGuidanceActive(true)
	if err := h.tr.SendCue(ctx, "Ten more seconds"); err != nil {
		t.Fatalf("SendCue: %v", err)
	}
	h.clock.Advance(15 * time.Second)
	if h.tr.keepalive(ctx) {
		t.Fatal("keepalive must not fire when a cue was recent")
	}

	h.clock.Advance(6 * time.Second)
	if !h.tr.keepalive(ctx) {
		t.Fatal("keepalive should fire after 21s of quiet")
	}
	contents := ch.contentSnapshot()
	last := contents[len(contents)-1]
	if last.Role != RoleContext || last.TurnComplete {
		t.Fatalf("keepalive content = %+v, want non-eliciting context turn", last)
	}
	if contents[0].Role != RoleUser || !strings.HasPrefix(contents[0].Text, CuePrefix) {
		t.Fatalf("cue content = %+v", contents[0])
	}
}

func TestTransport_ContextRefreshAfterTurns(t *testing.T) {
	calls := make(chan struct{}, 4)
	h := newHarness(t, func(o *Options) {
		o.Refresh = RefreshPolicy{EveryTurns: 2}
		o.ContextProvider = ContextProviderFunc(func(context.Context) (ContextSnapshot, error) {
			calls <- struct{}{}
			return ContextSnapshot{Goals: []string{"sleep better"}}, nil
		})
	})
	ch := h.connect()

	ch.inbound <- ServerMessage{TurnComplete: true}
	h.rec.waitFor("turn_complete")
	select {
	case <-calls:
		t.Fatal("refresh ran after one turn")
	default:
	}

	ch.inbound <- ServerMessage{TurnComplete: true}
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not run after two turns")
	}
	if !eventually(func() bool {
		for _, c := range ch.contentSnapshot() {
			if c.Role == RoleContext && strings.Contains(c.Text, "sleep better") {
				return true
			}
		}
		return false
	}) {
		t.Fatal("refreshed context was not sent")
	}
}

func TestNewBackoff_Schedule(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second, 3)
	var got []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			break
		}
		got = append(got, d)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("schedule (-want +got):\n%s", diff)
	}

	capped := NewBackoff(time.Second, 5*time.Second, 5)
	var last time.Duration
	for {
		d, stop := capped.Next()
		if stop {
			break
		}
		last = d
	}
	if last != 5*time.Second {
		t.Fatalf("cap not applied: last delay %v", last)
	}
}
