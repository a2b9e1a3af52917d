// Package transport owns the duplex session with the remote speech model:
// connect and handshake, gated sends, inbound dispatch, keepalive, context
// refresh and reconnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/core"
	"github.com/vango-go/zenlive/pkg/metrics"
	"github.com/vango-go/zenlive/pkg/transport/protocol"
)

var (
	// ErrNotReady is returned by sends while the session is not connected,
	// not ready, muted or paused.
	ErrNotReady = errors.New("transport: session not ready")
	// ErrAlreadyConnected is returned by Connect on a live transport.
	ErrAlreadyConnected = errors.New("transport: already connected")
	// ErrManualDisconnect aborts a connect or reconnect in flight.
	ErrManualDisconnect = errors.New("transport: disconnect requested")

	errGoAway = errors.New("transport: server requested go away")
)

const keepaliveText = "(guidance still running; no reply needed)"

// Listener receives transport events. Calls come from the transport's read
// goroutine in arrival order and must not block for long.
type Listener interface {
	OnStatus(status Status)
	OnTranscript(t Transcript)
	OnAudio(blob audio.Blob)
	// OnToolCall receives calls that passed schema validation.
	OnToolCall(call ToolCall)
	OnToolRejected(call ToolCall, err error)
	OnInterrupted()
	OnTurnComplete(turn int)
	// OnConnectionLost fires when an unexpected close starts reconnection.
	OnConnectionLost(err error)
	OnReconnected()
	// OnReconnectFailed fires once retries are exhausted. The transport is
	// already disconnected.
	OnReconnectFailed(err error)
}

// BaseListener implements Listener with no-ops for embedding.
type BaseListener struct{}

func (BaseListener) OnStatus(Status)                {}
func (BaseListener) OnTranscript(Transcript)        {}
func (BaseListener) OnAudio(audio.Blob)             {}
func (BaseListener) OnToolCall(ToolCall)            {}
func (BaseListener) OnToolRejected(ToolCall, error) {}
func (BaseListener) OnInterrupted()                 {}
func (BaseListener) OnTurnComplete(int)             {}
func (BaseListener) OnConnectionLost(error)         {}
func (BaseListener) OnReconnected()                 {}
func (BaseListener) OnReconnectFailed(error)        {}

// Options configures a Transport. Zero durations take the defaults below.
type Options struct {
	Dialer          Dialer
	Model           string
	Voice           string
	BaseInstruction string
	Tools           []protocol.ToolDeclaration
	ContextProvider ContextProvider
	Resumption      ResumptionStore
	Listener        Listener
	Metrics         *metrics.Metrics
	Logger          *slog.Logger

	CaptureSampleRate  int
	PlaybackSampleRate int

	HandshakeTimeout   time.Duration // 15s
	KeepaliveInterval  time.Duration // 25s
	KeepaliveQuiet     time.Duration // 20s
	ReconnectBase      time.Duration // 1s
	ReconnectCap       time.Duration // 5s
	MaxRetries         int           // 3
	ResumptionValidity time.Duration // 1h
	HistoryTurns       int           // 20
	Refresh            RefreshPolicy

	// Now and After are injectable for tests.
	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 25 * time.Second
	}
	if o.KeepaliveQuiet <= 0 {
		o.KeepaliveQuiet = 20 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectCap <= 0 {
		o.ReconnectCap = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.ResumptionValidity <= 0 {
		o.ResumptionValidity = DefaultResumptionValidity
	}
	if o.CaptureSampleRate <= 0 {
		o.CaptureSampleRate = audio.CaptureSampleRate
	}
	if o.PlaybackSampleRate <= 0 {
		o.PlaybackSampleRate = audio.PlaybackSampleRate
	}
	if o.Listener == nil {
		o.Listener = BaseListener{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.After == nil {
		o.After = time.After
	}
}

// Transport is the Session of one engine. At most one channel is connected
// at a time.
type Transport struct {
	opts     Options
	logger   *slog.Logger
	listener Listener
	tools    *ToolSet
	history  *history
	resume   resumptionCache

	// sendMu orders sends against disconnect: sends hold the read lock while
	// writing, disconnect takes the write lock to flip the flags.
	sendMu     sync.RWMutex
	ch         Channel
	gen        uint64
	life       context.Context
	lifeCancel context.CancelFunc

	connected      atomic.Bool
	ready          atomic.Bool
	muted          atomic.Bool
	paused         atomic.Bool
	manual         atomic.Bool
	reconnecting   atomic.Bool
	guidanceActive atomic.Bool
	status         atomic.Int32
	turns          atomic.Int64
	lastCue        atomic.Int64

	refreshMu      sync.Mutex
	turnsAtRefresh int64
	lastRefresh    time.Time
	lastSnapshot   ContextSnapshot
}

// New creates a disconnected transport.
func New(opts Options) *Transport {
	opts.applyDefaults()
	t := &Transport{
		opts:     opts,
		logger:   opts.Logger,
		listener: opts.Listener,
		tools:    NewToolSet(opts.Tools),
		history:  newHistory(opts.HistoryTurns),
	}
	t.resume.validity = opts.ResumptionValidity
	return t
}

// Status returns the current connection status.
func (t *Transport) Status() Status { return Status(t.status.Load()) }

// Ready reports whether sends are currently allowed by the handshake gate.
func (t *Transport) Ready() bool { return t.connected.Load() && t.ready.Load() }

// Turns returns the number of completed model turns in this session.
func (t *Transport) Turns() int { return int(t.turns.Load()) }

// History returns the recent conversation window.
func (t *Transport) History() []Turn { return t.history.snapshot() }

// ResumptionHandle returns the cached handle if still valid.
func (t *Transport) ResumptionHandle() string { return t.resume.handle(t.opts.Now()) }

// Tools returns the validated tool set.
func (t *Transport) Tools() *ToolSet { return t.tools }

// SetMuted gates outbound audio.
func (t *Transport) SetMuted(muted bool) { t.muted.Store(muted) }

// Muted reports whether outbound audio is muted.
func (t *Transport) Muted() bool { return t.muted.Load() }

// SetPaused gates outbound audio while guidance is paused by the host.
func (t *Transport) SetPaused(paused bool) { t.paused.Store(paused) }

// SetGuidanceActive enables the keepalive while an activity runs.
func (t *Transport) SetGuidanceActive(active bool) { t.guidanceActive.Store(active) }

// Connect opens the channel and returns once the remote handshake completed.
func (t *Transport) Connect(ctx context.Context, snap ContextSnapshot) error {
	// The status claim, the manual reset and the lifetime are published
	// together so a Disconnect either precedes all three or cancels life.
	t.sendMu.Lock()
	if !t.status.CompareAndSwap(int32(StatusDisconnected), int32(StatusConnecting)) {
		t.sendMu.Unlock()
		return ErrAlreadyConnected
	}
	t.manual.Store(false)
	life, cancel := context.WithCancel(context.Background())
	t.life, t.lifeCancel = life, cancel
	t.sendMu.Unlock()
	t.opts.Metrics.SetStatus(StatusConnecting.String(), StatusNames())
	t.listener.OnStatus(StatusConnecting)

	t.loadResumption(ctx)
	t.refreshMu.Lock()
	t.lastSnapshot = snap
	t.lastRefresh = t.opts.Now()
	t.turnsAtRefresh = t.turns.Load()
	t.refreshMu.Unlock()

	start := t.opts.Now()
	if err := t.establish(ctx, life, snap); err != nil {
		t.opts.Metrics.RecordConnect("failed", 0)
		cancel()
		t.setStatus(StatusDisconnected)
		if errors.Is(err, ErrManualDisconnect) {
			return err
		}
		var ce *core.Error
		if errors.As(err, &ce) {
			return err
		}
		return core.NewConnectionError("connect", "handshake failed", err)
	}
	t.opts.Metrics.RecordConnect("ok", t.opts.Now().Sub(start))
	t.lastCue.Store(t.opts.Now().UnixNano())

	go t.keepaliveLoop(life)
	return nil
}

// Disconnect flips the connected and ready flags before any cleanup so no
// send can start afterwards, then closes the channel. A manual disconnect
// also aborts any reconnection in flight. Safe from any state.
func (t *Transport) Disconnect(manual bool) {
	t.sendMu.Lock()
	if manual {
		t.manual.Store(true)
	}
	t.connected.Store(false)
	t.ready.Store(false)
	ch := t.ch
	t.ch = nil
	t.gen++
	cancel := t.lifeCancel
	t.lifeCancel = nil
	t.sendMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			t.logger.Debug("channel close failed", "err", err)
		}
	}
	t.setStatus(StatusDisconnected)
}

// SendAudio sends one capture frame. It is a no-op returning ErrNotReady
// unless connected, ready, unmuted and unpaused.
func (t *Transport) SendAudio(ctx context.Context, blob audio.Blob) error {
	t.sendMu.RLock()
	if t.ch == nil || !t.connected.Load() || !t.ready.Load() || t.muted.Load() || t.paused.Load() {
		t.sendMu.RUnlock()
		t.opts.Metrics.RecordFrame("out", "dropped")
		return ErrNotReady
	}
	ch, gen := t.ch, t.gen
	err := ch.SendAudio(ctx, blob)
	t.sendMu.RUnlock()

	if err != nil {
		t.opts.Metrics.RecordFrame("out", "dropped")
		t.handleSendError(gen, err)
		return err
	}
	t.opts.Metrics.RecordFrame("out", "sent")
	return nil
}

// SendText injects a host-initiated user turn.
func (t *Transport) SendText(ctx context.Context, text string, turnComplete bool) error {
	return t.sendContent(ctx, Content{Role: RoleUser, Text: text, TurnComplete: turnComplete})
}

// SendCue injects a guidance directive tagged with CuePrefix.
func (t *Transport) SendCue(ctx context.Context, text string) error {
	err := t.sendContent(ctx, Content{Role: RoleUser, Text: TagCue(text), TurnComplete: true})
	t.opts.Metrics.RecordCue(err)
	if err == nil {
		t.lastCue.Store(t.opts.Now().UnixNano())
	}
	return err
}

// SendContext injects context that must not elicit a reply.
func (t *Transport) SendContext(ctx context.Context, text string) error {
	return t.sendContent(ctx, Content{Role: RoleContext, Text: text, TurnComplete: false})
}

// SendToolResponse answers a tool call.
func (t *Transport) SendToolResponse(ctx context.Context, resp ToolResponse) error {
	return t.withChannel(func(ch Channel) error { return ch.SendToolResponse(ctx, resp) })
}

func (t *Transport) sendContent(ctx context.Context, c Content) error {
	return t.withChannel(func(ch Channel) error { return ch.SendContent(ctx, c) })
}

func (t *Transport) withChannel(send func(Channel) error) error {
	t.sendMu.RLock()
	if t.ch == nil || !t.connected.Load() || !t.ready.Load() {
		t.sendMu.RUnlock()
		return ErrNotReady
	}
	ch, gen := t.ch, t.gen
	err := send(ch)
	t.sendMu.RUnlock()
	if err != nil {
		t.handleSendError(gen, err)
	}
	return err
}

// handleSendError turns a closed-socket send failure into exactly one
// reconnection for the generation that failed. The send gate is closed by
// reconnect itself, so a stale failure cannot gate a newer channel.
func (t *Transport) handleSendError(gen uint64, err error) {
	if !errors.Is(err, ErrChannelClosed) {
		return
	}
	go t.reconnect(gen, err)
}

func (t *Transport) establish(ctx context.Context, life context.Context, snap ContextSnapshot) error {
	setup := t.buildSetup(snap)

	dctx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	ch, err := t.opts.Dialer.Dial(dctx, setup)
	if err != nil {
		if life.Err() != nil {
			return ErrManualDisconnect
		}
		return fmt.Errorf("dial: %w", err)
	}
	if err := t.awaitSetup(dctx, ch); err != nil {
		_ = ch.Close()
		if life.Err() != nil {
			return ErrManualDisconnect
		}
		return err
	}

	t.sendMu.Lock()
	if t.manual.Load() || life.Err() != nil {
		t.sendMu.Unlock()
		_ = ch.Close()
		return ErrManualDisconnect
	}
	t.gen++
	gen := t.gen
	t.ch = ch
	t.connected.Store(true)
	t.ready.Store(true)
	t.sendMu.Unlock()

	t.setStatus(StatusConnected)
	t.logger.Info("live session connected", "model", setup.Model, "resumed", setup.ResumptionHandle != "")
	go t.readLoop(life, gen, ch)
	return nil
}

// awaitSetup blocks until the server acknowledges the setup. Nothing is sent
// before it returns.
func (t *Transport) awaitSetup(ctx context.Context, ch Channel) error {
	done := make(chan error, 1)
	go func() {
		for {
			msg, err := ch.Receive(ctx)
			if err != nil {
				done <- err
				return
			}
			if msg.Error != nil {
				done <- fmt.Errorf("setup rejected: %s: %s", msg.Error.Code, msg.Error.Message)
				return
			}
			if msg.SetupComplete {
				done <- nil
				return
			}
		}
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = ch.Close()
		return fmt.Errorf("handshake: %w", ctx.Err())
	}
}

func (t *Transport) buildSetup(snap ContextSnapshot) Setup {
	return Setup{
		Model:              t.opts.Model,
		Voice:              t.opts.Voice,
		SystemInstruction:  BuildInstruction(t.opts.BaseInstruction, snap, t.history.snapshot()),
		Tools:              t.tools.Declarations(),
		ResumptionHandle:   t.resume.handle(t.opts.Now()),
		CaptureSampleRate:  t.opts.CaptureSampleRate,
		PlaybackSampleRate: t.opts.PlaybackSampleRate,
	}
}

func (t *Transport) readLoop(life context.Context, gen uint64, ch Channel) {
	for {
		msg, err := ch.Receive(life)
		if err != nil {
			if !t.isCurrent(gen) || t.manual.Load() {
				return
			}
			t.logger.Warn("live session read failed", "err", err)
			t.reconnect(gen, err)
			return
		}
		if !t.isCurrent(gen) {
			return
		}
		t.handle(life, gen, msg)
	}
}

func (t *Transport) isCurrent(gen uint64) bool {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	return t.gen == gen && t.ch != nil
}

func (t *Transport) handle(ctx context.Context, gen uint64, msg ServerMessage) {
	if msg.Error != nil {
		t.logger.Warn("live session server error", "code", msg.Error.Code, "message", msg.Error.Message, "close", msg.Error.Close)
	}
	if msg.SetupComplete {
		t.ready.Store(true)
	}
	if msg.Interrupted {
		t.listener.OnInterrupted()
	}
	for _, tr := range msg.Transcripts {
		tr.Text = StripCue(tr.Text)
		if tr.Text == "" {
			continue
		}
		if tr.Final {
			t.history.append(tr.IsUser, tr.Text)
		}
		t.listener.OnTranscript(tr)
	}
	for _, blob := range msg.Audio {
		t.opts.Metrics.RecordFrame("in", "received")
		t.listener.OnAudio(blob)
	}
	for _, call := range msg.ToolCalls {
		t.handleToolCall(ctx, call)
	}
	if r := msg.Resumption; r != nil && r.Resumable && r.Handle != "" {
		tok := ResumptionToken{Handle: r.Handle, SavedAt: t.opts.Now()}
		t.resume.set(tok)
		if t.opts.Resumption != nil {
			if err := t.opts.Resumption.SaveResumptionToken(ctx, tok); err != nil {
				t.logger.Warn("save resumption token failed", "err", err)
			}
		}
	}
	if msg.TurnComplete {
		n := t.turns.Add(1)
		t.opts.Metrics.RecordTurn()
		t.listener.OnTurnComplete(int(n))
		t.maybeRefresh(ctx)
	}
	if msg.GoAway != nil {
		t.logger.Info("server go away, reconnecting early", "time_left", msg.GoAway.TimeLeft)
		go t.reconnect(gen, errGoAway)
	}
}

func (t *Transport) handleToolCall(ctx context.Context, call ToolCall) {
	if err := t.tools.Validate(call); err != nil {
		t.logger.Warn("rejected tool call", "tool", call.Name, "err", err)
		t.opts.Metrics.RecordToolCall(call.Name, "rejected")
		if sendErr := t.SendToolResponse(ctx, ToolResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: map[string]any{"error": err.Error()},
		}); sendErr != nil {
			t.logger.Debug("tool rejection response not sent", "err", sendErr)
		}
		if sendErr := t.SendCue(ctx, FallbackCue(call.Name)); sendErr != nil {
			t.logger.Warn("verbal fallback not sent", "err", sendErr)
		}
		t.listener.OnToolRejected(call, err)
		return
	}
	t.opts.Metrics.RecordToolCall(call.Name, "ok")
	t.listener.OnToolCall(call)
}

// reconnect replaces the channel of generation gen. Concurrent triggers for
// the same generation collapse into one attempt sequence.
func (t *Transport) reconnect(gen uint64, cause error) {
	t.sendMu.Lock()
	if gen != t.gen || t.ch == nil || t.manual.Load() {
		t.sendMu.Unlock()
		return
	}
	if !t.reconnecting.CompareAndSwap(false, true) {
		t.sendMu.Unlock()
		return
	}
	old := t.ch
	t.ch = nil
	t.gen++
	t.connected.Store(false)
	t.ready.Store(false)
	life := t.life
	t.sendMu.Unlock()
	defer t.reconnecting.Store(false)

	_ = old.Close()
	t.setStatus(StatusReconnecting)
	t.listener.OnConnectionLost(cause)

	b := NewBackoff(t.opts.ReconnectBase, t.opts.ReconnectCap, t.opts.MaxRetries)
	lastErr := cause
	for attempt := 1; ; attempt++ {
		delay, stop := b.Next()
		if stop {
			break
		}
		select {
		case <-t.opts.After(delay):
		case <-life.Done():
			return
		}
		if t.manual.Load() || life.Err() != nil {
			return
		}

		err := t.establish(life, life, t.snapshotForReconnect(life))
		if err == nil {
			t.opts.Metrics.RecordReconnectAttempt("ok")
			t.logger.Info("live session reconnected", "attempt", attempt)
			t.listener.OnReconnected()
			return
		}
		if errors.Is(err, ErrManualDisconnect) {
			return
		}
		t.opts.Metrics.RecordReconnectAttempt("failed")
		t.logger.Warn("reconnect attempt failed", "attempt", attempt, "delay", delay, "err", err)
		lastErr = err
	}

	t.Disconnect(false)
	t.listener.OnReconnectFailed(core.NewConnectionError("reconnect",
		fmt.Sprintf("connection lost after %d attempts", t.opts.MaxRetries), lastErr))
}

// NewBackoff returns the reconnection schedule: exponential from base,
// capped, limited to retries attempts.
func NewBackoff(base, maxDelay time.Duration, retries int) retry.Backoff {
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(maxDelay, b)
	return retry.WithMaxRetries(uint64(retries), b)
}

func (t *Transport) snapshotForReconnect(ctx context.Context) ContextSnapshot {
	t.refreshMu.Lock()
	snap := t.lastSnapshot
	t.refreshMu.Unlock()
	if t.opts.ContextProvider == nil {
		return snap
	}
	fresh, err := t.opts.ContextProvider.GetContext(ctx)
	if err != nil {
		t.logger.Warn("context refresh for reconnect failed", "err", err)
		return snap
	}
	t.refreshMu.Lock()
	t.lastSnapshot = fresh
	t.refreshMu.Unlock()
	return fresh
}

func (t *Transport) maybeRefresh(ctx context.Context) {
	if t.opts.ContextProvider == nil {
		return
	}
	now := t.opts.Now()
	t.refreshMu.Lock()
	turns := t.turns.Load()
	if !t.opts.Refresh.Due(int(turns-t.turnsAtRefresh), now.Sub(t.lastRefresh)) {
		t.refreshMu.Unlock()
		return
	}
	t.turnsAtRefresh = turns
	t.lastRefresh = now
	t.refreshMu.Unlock()

	go func() {
		snap, err := t.opts.ContextProvider.GetContext(ctx)
		if err != nil {
			t.logger.Warn("context refresh failed", "err", err)
			return
		}
		t.refreshMu.Lock()
		t.lastSnapshot = snap
		t.refreshMu.Unlock()
		if err := t.SendContext(ctx, RenderContextUpdate(snap)); err != nil {
			t.logger.Debug("context update not sent", "err", err)
		}
	}()
}

func (t *Transport) keepaliveLoop(life context.Context) {
	ticker := time.NewTicker(t.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-life.Done():
			return
		case <-ticker.C:
			t.keepalive(life)
		}
	}
}

// keepalive sends a non-eliciting context turn while guidance runs and cues
// have been quiet for longer than KeepaliveQuiet.
func (t *Transport) keepalive(ctx context.Context) bool {
	if !t.guidanceActive.Load() || !t.Ready() {
		return false
	}
	last := time.Unix(0, t.lastCue.Load())
	if t.opts.Now().Sub(last) <= t.opts.KeepaliveQuiet {
		return false
	}
	if err := t.SendContext(ctx, keepaliveText); err != nil {
		t.logger.Debug("keepalive not sent", "err", err)
		return false
	}
	return true
}

func (t *Transport) loadResumption(ctx context.Context) {
	if t.opts.Resumption == nil || t.resume.handle(t.opts.Now()) != "" {
		return
	}
	tok, ok, err := t.opts.Resumption.LoadResumptionToken(ctx)
	if err != nil {
		t.logger.Warn("load resumption token failed", "err", err)
		return
	}
	if ok && tok.Valid(t.opts.Now(), t.opts.ResumptionValidity) {
		t.resume.set(tok)
	}
}

// ForgetResumption drops the cached handle, e.g. after the server rejected it.
func (t *Transport) ForgetResumption() { t.resume.clear() }

func (t *Transport) setStatus(s Status) {
	if Status(t.status.Swap(int32(s))) == s {
		return
	}
	t.opts.Metrics.SetStatus(s.String(), StatusNames())
	t.listener.OnStatus(s)
}
