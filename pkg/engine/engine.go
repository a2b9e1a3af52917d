// Package engine hosts one live voice guidance session: it owns the audio
// pipeline, the transport, the guidance executor and the voice command
// interpreter, and funnels microphone frames, inbound messages and the
// wall-clock tick through a single dispatch loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/core"
	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/metrics"
	"github.com/vango-go/zenlive/pkg/recovery"
	"github.com/vango-go/zenlive/pkg/transport"
	"github.com/vango-go/zenlive/pkg/voicecmd"
)

var (
	// ErrNotRunning is returned when a call needs the dispatch loop and Run
	// has not been started.
	ErrNotRunning = errors.New("engine: dispatch loop not running")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")
)

const (
	defaultTickInterval    = time.Second
	defaultPersistDebounce = 2 * time.Second

	eventBuffer = 256
	frameBuffer = 32
)

// Options configures an Engine.
type Options struct {
	// Transport configures the session transport. Listener, Tools and
	// ContextProvider are owned by the engine and overwritten.
	Transport transport.Options
	Audio     audio.PipelineOptions
	// Voice configures the command interpreter. OnSelectionExpired is owned
	// by the engine and overwritten.
	Voice voicecmd.Options

	Bridge          *recovery.Bridge
	Scope           recovery.Scope
	ContextProvider transport.ContextProvider
	Listener        HostListener
	Metrics         *metrics.Metrics
	Logger          *slog.Logger

	TickInterval          time.Duration
	PersistDebounce       time.Duration
	EncouragementInterval time.Duration
	Now                   func() time.Time
	// Ticks replaces the wall-clock ticker. Each value advances guidance by
	// TickInterval.
	Ticks <-chan time.Time
}

// Engine is one long-lived session object.
type Engine struct {
	id       string
	opts     Options
	logger   *slog.Logger
	listener HostListener
	metrics  *metrics.Metrics
	now      func() time.Time

	transport *transport.Transport
	pipeline  *audio.Pipeline
	executor  *guidance.Executor
	interp    *voicecmd.Interpreter
	bridge    *recovery.Bridge
	persist   *persister

	events    chan event
	frames    chan frameEvent
	done      chan struct{}
	closeOnce sync.Once
	ready     chan struct{}
	readyOnce sync.Once
	running   atomic.Bool
	live      atomic.Bool

	// Owned by the dispatch loop.
	dirty              bool
	lastPersist        time.Time
	lastUserText       string
	pausedForReconnect bool
	resumeOnConnect    bool
	suspended          bool
	playbackFailed     bool
}

// New wires the components. Nothing is opened until Connect.
func New(opts Options) *Engine {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.PersistDebounce <= 0 {
		opts.PersistDebounce = defaultPersistDebounce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Listener == nil {
		opts.Listener = BaseHostListener{}
	}
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id)

	e := &Engine{
		id:       id,
		opts:     opts,
		logger:   logger,
		listener: opts.Listener,
		metrics:  opts.Metrics,
		now:      opts.Now,
		events:   make(chan event, eventBuffer),
		frames:   make(chan frameEvent, frameBuffer),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}

	e.bridge = opts.Bridge
	if e.bridge == nil {
		e.bridge = recovery.NewBridge(recovery.BridgeOptions{
			Scope:   opts.Scope,
			Logger:  logger,
			Metrics: opts.Metrics,
			Now:     opts.Now,
		})
	}
	e.persist = newPersister(e.bridge, opts.Scope, logger)

	topts := opts.Transport
	topts.Listener = transportEvents{e: e}
	topts.Tools = toolDeclarations()
	topts.ContextProvider = contextSource{e: e}
	if topts.Resumption == nil {
		topts.Resumption = e.bridge
	}
	if topts.Metrics == nil {
		topts.Metrics = opts.Metrics
	}
	if topts.Logger == nil {
		topts.Logger = logger
	}
	if topts.Now == nil {
		topts.Now = opts.Now
	}
	e.transport = transport.New(topts)

	aopts := opts.Audio
	if aopts.Logger == nil {
		aopts.Logger = logger
	}
	e.pipeline = audio.NewPipeline(aopts)

	e.executor = guidance.NewExecutor(guidance.Options{
		Cues:                  e.transport,
		Logger:                logger,
		EncouragementInterval: opts.EncouragementInterval,
		Now:                   opts.Now,
	})
	e.executor.SetObserver(guidanceEvents{e: e})

	vopts := opts.Voice
	vopts.OnSelectionExpired = func(set voicecmd.SelectionSet) { e.post(selectionExpiredEvent{set: set}) }
	if vopts.Logger == nil {
		vopts.Logger = logger
	}
	if vopts.Now == nil {
		vopts.Now = opts.Now
	}
	e.interp = voicecmd.New(vopts)
	return e
}

// ID returns the session id used in logs.
func (e *Engine) ID() string { return e.id }

// Status returns the transport status.
func (e *Engine) Status() transport.Status { return e.transport.Status() }

// Progress returns a snapshot of the guidance progress.
func (e *Engine) Progress() guidance.Progress { return e.executor.Progress() }

// Run processes events until ctx is cancelled or Close is called. Host
// listener callbacks run on this goroutine; calling blocking Engine methods
// from inside a callback deadlocks.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	defer e.running.Store(false)
	e.readyOnce.Do(func() { close(e.ready) })

	ticks := e.opts.Ticks
	if ticks == nil {
		ticker := time.NewTicker(e.opts.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.persist.run(gctx, e.done)
		return nil
	})
	g.Go(func() error { return e.loop(gctx, ticks) })
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case ev := <-e.events:
			e.dispatch(ctx, ev)
		case fr := <-e.frames:
			e.handleFrame(ctx, fr)
		case <-ticks:
			e.handleTick()
		}
	}
}

// Ready is closed once Run has started.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Connect acquires the microphone, opens the session and restores any
// saved guidance. Run must already be running.
func (e *Engine) Connect(ctx context.Context) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	if e.transport.Status() != transport.StatusDisconnected {
		return transport.ErrAlreadyConnected
	}
	if err := e.pipeline.StartCapture(ctx, e.onFrame); err != nil {
		_ = e.call(ctx, func() { e.report(err, core.KindDevice) })
		return err
	}
	if err := e.transport.Connect(ctx, e.snapshot(ctx)); err != nil {
		_ = e.pipeline.StopAll()
		if !errors.Is(err, transport.ErrManualDisconnect) {
			_ = e.call(ctx, func() { e.report(err, core.KindConnection) })
		}
		return err
	}
	e.live.Store(true)
	e.logger.Info("engine connected")
	return e.call(ctx, func() { e.afterConnect(ctx) })
}

// Disconnect ends the session. The send gate closes first; then guidance is
// persisted, the auto-reconnect intent is recorded when the disconnect was
// not manual and an activity was active, and audio is released. Safe from
// any state and idempotent.
func (e *Engine) Disconnect(ctx context.Context, manual bool) {
	e.transport.Disconnect(manual)
	teardown := func() { e.teardown(ctx, manual) }
	if err := e.call(ctx, teardown); errors.Is(err, ErrNotRunning) || errors.Is(err, ErrClosed) {
		teardown()
	}
}

// Suspend is called when the host is backgrounded: guidance pauses, outbound
// audio is gated and progress is flushed.
func (e *Engine) Suspend(ctx context.Context) error {
	return e.call(ctx, func() {
		if e.executor.Progress().Status == guidance.StatusActive && e.executor.Pause() {
			e.listener.OnActivityControl(ControlPaused, e.executor.Progress())
		}
		e.transport.SetPaused(true)
		e.suspended = true
		e.persistNow()
		e.persist.flush(ctx)
	})
}

// Close flushes persistence, disconnects without marking it manual and
// stops the dispatch loop.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.Disconnect(ctx, false)
		if e.executor.Progress().Status.Running() {
			if state, ok := e.executor.DetailedState(); ok {
				e.persist.save(state)
			}
		}
		e.persist.flush(ctx)
		close(e.done)
		e.logger.Info("engine closed")
	})
	return nil
}

// ShouldAutoReconnect reports whether the previous session ended unexpectedly
// during an activity.
func (e *Engine) ShouldAutoReconnect(ctx context.Context) bool {
	return e.bridge.LoadAutoReconnectIntent(ctx)
}

// SendText forwards a host-typed message as a user turn.
func (e *Engine) SendText(ctx context.Context, text string) error {
	return e.transport.SendText(ctx, text, true)
}

// HandleTranscript feeds a final user transcript from a host-side recognizer.
func (e *Engine) HandleTranscript(ctx context.Context, text string) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	ev := transcriptEvent{t: transport.Transcript{Text: text, IsUser: true, Final: true}}
	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMuted gates outbound microphone audio.
func (e *Engine) SetMuted(ctx context.Context, muted bool) error {
	return e.call(ctx, func() { e.setMuted(muted) })
}

// StartActivity replaces any running activity with cfg and starts it.
func (e *Engine) StartActivity(ctx context.Context, cfg guidance.ActivityConfig) error {
	return e.callErr(ctx, func() error { return e.startActivity(cfg) })
}

// ResumeActivity resumes the activity in memory or, failing that, the one
// saved for the engine's scope.
func (e *Engine) ResumeActivity(ctx context.Context) error {
	return e.callErr(ctx, func() error {
		if !e.executor.Progress().Status.Running() {
			if !e.restoreSaved(ctx) {
				return guidance.ErrNoActivity
			}
			e.executor.Pause()
		}
		if e.executor.Progress().Status == guidance.StatusActive {
			return nil
		}
		return e.control(voicecmd.ActionResume, 0)
	})
}

func (e *Engine) Pause(ctx context.Context) error {
	return e.callErr(ctx, func() error { return e.control(voicecmd.ActionPause, 0) })
}

// Resume continues paused guidance and lifts a Suspend.
func (e *Engine) Resume(ctx context.Context) error {
	return e.callErr(ctx, func() error {
		wasSuspended := e.suspended
		if e.suspended {
			e.transport.SetPaused(false)
			e.suspended = false
		}
		if wasSuspended && e.executor.Progress().Status != guidance.StatusPaused {
			return nil
		}
		return e.control(voicecmd.ActionResume, 0)
	})
}

func (e *Engine) Skip(ctx context.Context) error {
	return e.callErr(ctx, func() error { return e.control(voicecmd.ActionSkip, 0) })
}

func (e *Engine) Back(ctx context.Context) error {
	return e.callErr(ctx, func() error { return e.control(voicecmd.ActionBack, 0) })
}

// AdjustPace shifts the cue cadence one step in dir.
func (e *Engine) AdjustPace(ctx context.Context, dir guidance.Direction) error {
	action := voicecmd.ActionFaster
	if dir == guidance.Slower {
		action = voicecmd.ActionSlower
	}
	return e.callErr(ctx, func() error { return e.control(action, 0) })
}

// StopActivity aborts the running activity and discards its saved state.
func (e *Engine) StopActivity(ctx context.Context) error {
	return e.callErr(ctx, func() error { return e.control(voicecmd.ActionCancel, 0) })
}

// post hands an event to the loop, blocking until it is queued.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// call runs fn on the dispatch loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	if !e.running.Load() {
		select {
		case <-e.done:
			return ErrClosed
		default:
			return ErrNotRunning
		}
	}
	done := make(chan struct{})
	select {
	case e.events <- callEvent{fn: fn, done: done}:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) callErr(ctx context.Context, fn func() error) error {
	var err error
	if cerr := e.call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) dispatch(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case callEvent:
		ev.fn()
		close(ev.done)
	case statusEvent:
		e.listener.OnStatus(ev.status)
	case transcriptEvent:
		e.listener.OnTranscript(ev.t.Text, ev.t.IsUser, ev.t.Final)
		if ev.t.IsUser && ev.t.Final {
			e.handleUtterance(ctx, ev.t.Text)
		}
	case audioEvent:
		e.handleAudio(ev.blob)
	case toolCallEvent:
		e.listener.OnToolCall(ev.call.Name, ev.call.Args)
		e.handleToolCall(ctx, ev.call)
	case toolRejectedEvent:
		e.logger.Debug("tool call answered with verbal fallback", "tool", ev.call.Name)
	case interruptedEvent:
		n := e.pipeline.Interrupt()
		e.logger.Debug("playback interrupted", "sources", n)
		e.listener.OnInterrupted()
	case turnCompleteEvent:
		e.logger.Debug("model turn complete", "turn", ev.turn)
	case connectionLostEvent:
		e.handleConnectionLost(ev.err)
	case reconnectedEvent:
		e.handleReconnected()
	case reconnectFailedEvent:
		e.report(ev.err, core.KindConnection)
		e.teardown(ctx, false)
	case selectionExpiredEvent:
		e.logger.Debug("selection expired unanswered", "selection_id", ev.set.ID)
		e.listener.OnSelectionChanged(nil)
	default:
		e.logger.Warn("unhandled engine event", "type", ev.eventType())
	}
}

// onFrame runs on the audio driver thread and never blocks.
func (e *Engine) onFrame(samples []float32, level float64) {
	select {
	case e.frames <- frameEvent{samples: samples, level: level}:
	default:
		e.metrics.RecordFrame("out", "dropped")
	}
}

func (e *Engine) handleFrame(ctx context.Context, fr frameEvent) {
	e.metrics.RecordMicLevel(fr.level)
	e.listener.OnMicLevel(fr.level)
	rate := e.opts.Audio.CaptureSampleRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	if err := e.transport.SendAudio(ctx, audio.EncodeFrame(fr.samples, rate)); err != nil && !errors.Is(err, transport.ErrNotReady) {
		e.logger.Debug("audio frame not sent", "err", err)
	}
}

func (e *Engine) handleAudio(blob audio.Blob) {
	if err := e.pipeline.EnqueueBlob(blob); err != nil {
		e.logger.Warn("playback failed", "err", err)
		if !e.playbackFailed && core.IsKind(err, core.KindDevice) {
			e.playbackFailed = true
			e.report(err, core.KindDevice)
		}
	}
}

func (e *Engine) handleTick() {
	if e.transport.Status() == transport.StatusConnected {
		e.executor.Tick(e.opts.TickInterval)
	}
	if e.dirty && e.now().Sub(e.lastPersist) >= e.opts.PersistDebounce {
		e.persistNow()
	}
}

// persistNow queues the current snapshot, or nothing when no activity runs.
func (e *Engine) persistNow() {
	e.dirty = false
	e.lastPersist = e.now()
	if !e.executor.Progress().Status.Running() {
		return
	}
	if state, ok := e.executor.DetailedState(); ok {
		e.persist.save(state)
	}
}

func (e *Engine) handleConnectionLost(cause error) {
	e.pipeline.Interrupt()
	if e.executor.Progress().Status == guidance.StatusActive && e.executor.Pause() {
		e.pausedForReconnect = true
		e.listener.OnActivityControl(ControlPaused, e.executor.Progress())
		e.persistNow()
	}
	e.metrics.RecordError(string(core.KindConnection))
	e.listener.OnReconnecting(cause)
}

func (e *Engine) handleReconnected() {
	e.playbackFailed = false
	if !e.pausedForReconnect {
		return
	}
	e.pausedForReconnect = false
	if err := e.executor.Resume(); err != nil {
		e.logger.Warn("guidance not resumed after reconnect", "err", err)
		return
	}
	e.listener.OnActivityControl(ControlResumed, e.executor.Progress())
}

func (e *Engine) afterConnect(ctx context.Context) {
	e.playbackFailed = false
	e.lastUserText = ""
	if !e.executor.Progress().Status.Running() && !e.restoreSaved(ctx) {
		e.bridge.SaveAutoReconnectIntent(ctx, false)
		return
	}

	autoResume := e.resumeOnConnect || e.bridge.LoadAutoReconnectIntent(ctx)
	e.resumeOnConnect = false
	e.bridge.SaveAutoReconnectIntent(ctx, false)

	e.executor.Pause()
	e.listener.OnActivityControl(ControlRestored, e.executor.Progress())
	if autoResume {
		if err := e.control(voicecmd.ActionResume, 0); err != nil {
			e.logger.Warn("restored guidance not resumed", "err", err)
		}
		return
	}
	e.say(ctx, "The user has a paused "+e.guidanceSummary()+". Ask whether they want to resume it.")
}

// restoreSaved loads the scope's saved activity into the executor.
func (e *Engine) restoreSaved(ctx context.Context) bool {
	state, ok := e.bridge.LoadGuidanceState(ctx, e.opts.Scope)
	if !ok || !state.Progress.Status.Running() {
		return false
	}
	if err := e.executor.RestoreDetailedState(state); err != nil {
		e.logger.Warn("saved guidance discarded", "err", err)
		e.persist.clear()
		return false
	}
	e.logger.Info("guidance restored", "activity_id", state.Config.ID, "step_index", state.Progress.CurrentStep)
	return true
}

func (e *Engine) teardown(ctx context.Context, manual bool) {
	if !e.live.Swap(false) {
		_ = e.pipeline.StopAll()
		return
	}
	p := e.executor.Progress()
	active := p.Status == guidance.StatusActive || e.pausedForReconnect
	if p.Status.Running() {
		if state, ok := e.executor.DetailedState(); ok {
			e.persist.save(state)
		}
	}
	e.persist.flush(ctx)
	e.bridge.SaveAutoReconnectIntent(ctx, !manual && active)
	e.resumeOnConnect = !manual && active

	if p.Status == guidance.StatusActive {
		e.executor.Pause()
	}
	e.dirty = false
	e.pausedForReconnect = false
	_ = e.pipeline.StopAll()
	e.interp.Reset()
	e.transport.SetGuidanceActive(false)
	e.logger.Info("engine disconnected", "manual", manual, "activity_active", active)
}

func (e *Engine) snapshot(ctx context.Context) transport.ContextSnapshot {
	snap, err := contextSource{e: e}.GetContext(ctx)
	if err != nil {
		e.logger.Warn("context provider failed", "err", err)
		snap.Guidance = e.guidanceSummary()
	}
	return snap
}

// report surfaces err through the host error callback.
func (e *Engine) report(err error, fallback core.Kind) {
	kind := core.KindOf(err)
	if kind == "" {
		kind = fallback
	}
	msg := err.Error()
	var ce *core.Error
	if errors.As(err, &ce) && ce.Message != "" {
		msg = ce.Message
	}
	e.metrics.RecordError(string(kind))
	e.listener.OnError(kind, msg)
}

func (e *Engine) guidanceSummary() string {
	cfg, ok := e.executor.Config()
	p := e.executor.Progress()
	if !ok || !p.Status.Running() {
		return ""
	}
	title := cfg.Title
	if title == "" {
		title = string(cfg.Type)
	}
	step := cfg.Steps[p.CurrentStep]
	return fmt.Sprintf("%s, step %d of %d (%s), %s", title, p.CurrentStep+1, len(cfg.Steps), step.Name, p.Status)
}

// contextSource adds the activity in progress to the host's snapshot.
type contextSource struct{ e *Engine }

func (c contextSource) GetContext(ctx context.Context) (transport.ContextSnapshot, error) {
	var snap transport.ContextSnapshot
	if c.e.opts.ContextProvider != nil {
		var err error
		snap, err = c.e.opts.ContextProvider.GetContext(ctx)
		if err != nil {
			return transport.ContextSnapshot{}, err
		}
	}
	snap.Guidance = c.e.guidanceSummary()
	if snap.TakenAt.IsZero() {
		snap.TakenAt = c.e.now()
	}
	return snap, nil
}

// guidanceEvents forwards executor events to the host.
type guidanceEvents struct{ e *Engine }

func (g guidanceEvents) OnCue(text string, err error) {
	if err != nil {
		g.e.logger.Debug("cue dropped", "cue", text, "err", err)
	}
}

func (g guidanceEvents) OnStepStarted(i int, step guidance.Step) {
	g.e.logger.Debug("step started", "step_index", i, "step", step.Name)
}

func (g guidanceEvents) OnStepCompleted(i int, step guidance.Step) {
	g.e.logger.Debug("step completed", "step_index", i, "step", step.Name)
}

func (g guidanceEvents) OnTimer(ev guidance.TimerEvent) { g.e.listener.OnTimer(ev) }

func (g guidanceEvents) OnRestStarted(after int, d time.Duration) {
	g.e.logger.Debug("rest started", "step_index", after, "rest", d)
}

func (g guidanceEvents) OnRestEnded(after int) {
	g.e.logger.Debug("rest ended", "step_index", after)
}

func (g guidanceEvents) OnActivityComplete(sum guidance.Summary) {
	e := g.e
	e.metrics.RecordActivity(string(sum.Type), "completed")
	e.transport.SetGuidanceActive(false)
	e.persist.clear()
	e.logger.Info("activity complete", "activity_id", sum.ActivityID, "elapsed", sum.Elapsed)
	e.listener.OnActivityComplete(sum)
}

func (g guidanceEvents) OnProgress(p guidance.Progress) {
	e := g.e
	e.dirty = p.Status.Running()
	e.transport.SetGuidanceActive(p.Status == guidance.StatusActive)
	e.listener.OnProgress(p)
}
