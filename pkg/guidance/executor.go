package guidance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNoActivity is returned when no activity has been initialized.
	ErrNoActivity = errors.New("guidance: no activity initialized")
	// ErrInvalidTransition is returned for a command not allowed in the current status.
	ErrInvalidTransition = errors.New("guidance: invalid transition")
)

const defaultEncouragementInterval = 15 * time.Second

var defaultEncouragement = []string{
	"Keep going, you're doing great.",
	"Nice and steady.",
	"Stay with your breath.",
	"Strong work, keep it up.",
}

// CueSender speaks a guidance cue. *transport.Transport satisfies it.
type CueSender interface {
	SendCue(ctx context.Context, text string) error
}

// TimerAction is the host timer control requested by the executor.
type TimerAction string

const (
	TimerStart  TimerAction = "start"
	TimerPause  TimerAction = "pause"
	TimerResume TimerAction = "resume"
	TimerStop   TimerAction = "stop"
)

// TimerEvent asks the host UI to drive its visible timer.
type TimerEvent struct {
	Action    TimerAction
	StepIndex int
	Rest      bool
	Total     time.Duration
	Remaining time.Duration
}

// Observer receives executor events. Methods are called without the executor
// lock held, in the order the events happened.
type Observer interface {
	OnCue(text string, err error)
	OnStepStarted(index int, step Step)
	OnStepCompleted(index int, step Step)
	OnTimer(TimerEvent)
	OnRestStarted(afterStep int, d time.Duration)
	OnRestEnded(afterStep int)
	OnActivityComplete(Summary)
	OnProgress(Progress)
}

// BaseObserver implements Observer with no-ops for embedding.
type BaseObserver struct{}

func (BaseObserver) OnCue(string, error)              {}
func (BaseObserver) OnStepStarted(int, Step)          {}
func (BaseObserver) OnStepCompleted(int, Step)        {}
func (BaseObserver) OnTimer(TimerEvent)               {}
func (BaseObserver) OnRestStarted(int, time.Duration) {}
func (BaseObserver) OnRestEnded(int)                  {}
func (BaseObserver) OnActivityComplete(Summary)       {}
func (BaseObserver) OnProgress(Progress)              {}

// Options configures an Executor.
type Options struct {
	Cues                  CueSender
	Logger                *slog.Logger
	EncouragementInterval time.Duration
	Now                   func() time.Time
}

// Executor is the guided-activity state machine. It never spawns goroutines;
// time advances only through Tick.
type Executor struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	observer    Observer
	cfg         ActivityConfig
	progress    Progress
	initialized bool
	finished    bool
}

// NewExecutor returns an executor with no activity.
func NewExecutor(opts Options) *Executor {
	if opts.EncouragementInterval <= 0 {
		opts.EncouragementInterval = defaultEncouragementInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{opts: opts, logger: logger, observer: BaseObserver{}}
}

// Initialize binds an activity and its observer. Nothing happens until Start.
func (e *Executor) Initialize(cfg ActivityConfig, obs Observer) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid activity: %w", err)
	}
	if obs == nil {
		obs = BaseObserver{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized && e.progress.Status.Running() {
		return fmt.Errorf("%w: activity %q still running", ErrInvalidTransition, e.cfg.ID)
	}
	e.cfg = cfg
	e.observer = obs
	e.progress = Progress{Status: StatusIdle, Pace: cfg.Pace}
	e.initialized = true
	e.finished = false
	return nil
}

// SetObserver replaces the observer, e.g. after RestoreDetailedState.
func (e *Executor) SetObserver(obs Observer) {
	if obs == nil {
		obs = BaseObserver{}
	}
	e.mu.Lock()
	e.observer = obs
	e.mu.Unlock()
}

// Config returns the bound activity.
func (e *Executor) Config() (ActivityConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.initialized
}

// Progress returns a copy of the runtime state.
func (e *Executor) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress.clone()
}

// Start begins the first step.
func (e *Executor) Start() error {
	var err error
	e.apply(func(fx *effects) bool {
		if !e.initialized {
			err = ErrNoActivity
			return false
		}
		if e.progress.Status != StatusIdle {
			err = fmt.Errorf("%w: start from %s", ErrInvalidTransition, e.progress.Status)
			return false
		}
		e.progress.Status = StatusActive
		fx.cue(fmt.Sprintf("We're starting %s. %d steps, take it at your own pace.", e.title(), len(e.cfg.Steps)))
		e.startStepLocked(fx, 0)
		return true
	})
	return err
}

// Pause freezes the clock for the current step or rest.
func (e *Executor) Pause() bool {
	return e.apply(func(fx *effects) bool {
		if e.progress.Status != StatusActive {
			return false
		}
		e.progress.Status = StatusPaused
		fx.timer(e.timerEventLocked(TimerPause))
		return true
	})
}

// Resume continues a paused activity with the elapsed time it had.
func (e *Executor) Resume() error {
	var err error
	e.apply(func(fx *effects) bool {
		if !e.initialized {
			err = ErrNoActivity
			return false
		}
		if e.progress.Status != StatusPaused {
			err = fmt.Errorf("%w: resume from %s", ErrInvalidTransition, e.progress.Status)
			return false
		}
		e.progress.Status = StatusActive
		fx.timer(e.timerEventLocked(TimerResume))
		fx.cue(e.resumeCueLocked())
		return true
	})
	return err
}

// Stop aborts a running activity without firing completion.
func (e *Executor) Stop() bool {
	return e.apply(func(fx *effects) bool {
		if !e.progress.Status.Running() {
			return false
		}
		fx.timer(e.timerEventLocked(TimerStop))
		e.progress.Status = StatusStopped
		return true
	})
}

// Tick advances the wall clock by d. Ticks while not active are ignored.
func (e *Executor) Tick(d time.Duration) bool {
	return e.apply(func(fx *effects) bool {
		if e.progress.Status != StatusActive || d <= 0 {
			return false
		}
		e.progress.Elapsed += d
		if e.progress.Resting {
			e.tickRestLocked(fx, d)
		} else {
			e.tickStepLocked(fx, d)
		}
		return true
	})
}

// Skip marks the current step complete without its condition and moves to
// the next step, bypassing any trailing rest. Ignored while resting.
func (e *Executor) Skip() bool {
	return e.apply(func(fx *effects) bool {
		if e.progress.Status != StatusActive || e.progress.Resting {
			return false
		}
		e.completeStepLocked(fx, false)
		return true
	})
}

// CompleteStep finishes the current step as if its target was reached.
// Ignored while resting.
func (e *Executor) CompleteStep() bool {
	return e.apply(func(fx *effects) bool {
		if e.progress.Status != StatusActive || e.progress.Resting {
			return false
		}
		e.completeStepLocked(fx, true)
		return true
	})
}

// Back removes the most recent completion and re-enters that step from zero.
func (e *Executor) Back() bool {
	return e.apply(func(fx *effects) bool {
		p := &e.progress
		if p.Status != StatusActive || len(p.Completed) == 0 {
			return false
		}
		last := p.Completed[len(p.Completed)-1]
		idx := e.indexOf(last)
		if idx < 0 {
			return false
		}
		p.Completed = p.Completed[:len(p.Completed)-1]
		if p.Resting {
			after := p.RestAfterStep
			fx.timer(e.timerEventLocked(TimerStop))
			e.clearRestLocked()
			fx.add(func(o Observer) { o.OnRestEnded(after) })
		} else {
			fx.timer(e.timerEventLocked(TimerStop))
		}
		fx.cue(fmt.Sprintf("Going back to %s.", e.cfg.Steps[idx].Name))
		e.startStepLocked(fx, idx)
		return true
	})
}

// ConfirmRep records spoken repetitions. n is the count reached; n <= 0
// counts one more. Ignored while resting or on timed steps.
func (e *Executor) ConfirmRep(n int) bool {
	return e.apply(func(fx *effects) bool {
		p := &e.progress
		if p.Status != StatusActive || p.Resting {
			return false
		}
		step := e.cfg.Steps[p.CurrentStep]
		if !step.RepBased() {
			return false
		}
		prev := p.RepsDone
		if n <= 0 {
			p.RepsDone++
		} else if n > p.RepsDone {
			p.RepsDone = n
		} else {
			return false
		}
		if p.RepsDone >= step.Reps {
			p.RepsDone = step.Reps
			e.completeStepLocked(fx, true)
			return true
		}
		half := (step.Reps + 1) / 2
		if step.Reps >= 6 && prev < half && p.RepsDone >= half {
			fx.cue(fmt.Sprintf("Halfway, %d to go.", step.Reps-p.RepsDone))
		}
		return true
	})
}

// AdjustPace shifts the cadence of future cues. Cues already scheduled keep
// their time. It returns the resulting pace and whether it changed.
func (e *Executor) AdjustPace(dir Direction) (Pace, bool) {
	var pace Pace
	changed := e.apply(func(fx *effects) bool {
		p := &e.progress
		pace = p.Pace
		if !p.Status.Running() {
			return false
		}
		next := p.Pace.Shift(dir)
		if next == p.Pace {
			return false
		}
		p.Pace = next
		pace = next
		if p.Status == StatusActive {
			word := "faster"
			if dir == Slower {
				word = "slower"
			}
			fx.cue(fmt.Sprintf("Let's go a little %s from here.", word))
		}
		return true
	})
	return pace, changed
}

// TimeStatus reports what is left of the current step or rest and of the
// whole activity. Rep-only steps contribute no time.
func (e *Executor) TimeStatus() (step, total time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.progress
	if !e.initialized || !p.Status.Running() {
		return 0, 0
	}
	steps := e.cfg.Steps
	if p.Resting {
		step = p.RestDuration - p.RestElapsed
	} else {
		if d := steps[p.CurrentStep].Duration(); d > 0 {
			step = d - p.StepElapsed
		}
		if p.CurrentStep < len(steps)-1 {
			total += steps[p.CurrentStep].Rest()
		}
	}
	total += step
	first := p.CurrentStep + 1
	if p.Resting {
		first = p.CurrentStep
	}
	for i := first; i < len(steps); i++ {
		total += steps[i].Duration()
		if i < len(steps)-1 {
			total += steps[i].Rest()
		}
	}
	return max(step, 0), max(total, 0)
}

// DetailedState snapshots the activity for persistence.
func (e *Executor) DetailedState() (DetailedState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return DetailedState{}, false
	}
	return DetailedState{
		Version:  detailedStateVersion,
		Config:   e.cfg,
		Progress: e.progress.clone(),
		SavedAt:  e.opts.Now(),
	}, true
}

// RestoreDetailedState replaces the executor state with a snapshot. The
// status is restored as saved; callers resume a paused activity explicitly.
func (e *Executor) RestoreDetailedState(state DetailedState) error {
	if state.Version != detailedStateVersion {
		return fmt.Errorf("unsupported guidance state version %d", state.Version)
	}
	cfg := state.Config
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid activity in saved state: %w", err)
	}
	p := state.Progress.clone()
	if p.Status.Running() && (p.CurrentStep < 0 || p.CurrentStep >= len(cfg.Steps)) {
		return fmt.Errorf("saved step %d out of range", p.CurrentStep)
	}
	if p.Pace == "" {
		p.Pace = cfg.Pace
	}
	e.apply(func(*effects) bool {
		e.cfg = cfg
		e.progress = p
		e.initialized = true
		e.finished = p.Status == StatusCompleted
		return true
	})
	return nil
}

func (e *Executor) tickStepLocked(fx *effects, d time.Duration) {
	p := &e.progress
	step := e.cfg.Steps[p.CurrentStep]
	prev := p.StepElapsed
	p.StepElapsed += d
	now := p.StepElapsed

	milestone := false
	if dur := step.Duration(); dur > 0 {
		if now >= dur {
			e.completeStepLocked(fx, true)
			return
		}
		if step.Kind == StepExercise && dur >= 20*time.Second && crossed(prev, now, dur/2) {
			fx.cue(fmt.Sprintf("Halfway through %s.", step.Name))
			milestone = true
		}
		if dur > 15*time.Second && crossed(prev, now, dur-10*time.Second) {
			fx.cue("Ten seconds left.")
			milestone = true
		}
	}
	if p.NextEncouragement > 0 && now >= p.NextEncouragement {
		if !milestone {
			fx.cue(e.encouragementLocked())
			p.EncouragementCount++
		}
		p.NextEncouragement = now + e.intervalLocked()
	}
}

func (e *Executor) tickRestLocked(fx *effects, d time.Duration) {
	p := &e.progress
	prev := p.RestElapsed
	p.RestElapsed += d
	if p.RestElapsed >= p.RestDuration {
		after := p.RestAfterStep
		fx.timer(e.timerEventLocked(TimerStop))
		e.clearRestLocked()
		fx.add(func(o Observer) { o.OnRestEnded(after) })
		e.startStepLocked(fx, p.CurrentStep)
		return
	}
	if p.RestDuration > 10*time.Second && crossed(prev, p.RestElapsed, p.RestDuration-5*time.Second) {
		fx.cue(fmt.Sprintf("Five seconds. Get ready for %s.", e.cfg.Steps[p.CurrentStep].Name))
	}
}

func (e *Executor) startStepLocked(fx *effects, idx int) {
	p := &e.progress
	step := e.cfg.Steps[idx]
	p.CurrentStep = idx
	p.StepElapsed = 0
	p.RepsDone = 0
	p.NextEncouragement = 0
	if step.Kind == StepExercise {
		p.NextEncouragement = e.intervalLocked()
	}
	fx.add(func(o Observer) { o.OnStepStarted(idx, step) })
	if step.Duration() > 0 {
		fx.timer(TimerEvent{Action: TimerStart, StepIndex: idx, Total: step.Duration(), Remaining: step.Duration()})
	}
	fx.cue(stepCue(step))
}

// completeStepLocked finishes the current step and moves on, through a rest
// period when withRest is set and the step has one.
func (e *Executor) completeStepLocked(fx *effects, withRest bool) {
	p := &e.progress
	idx := p.CurrentStep
	step := e.cfg.Steps[idx]
	if !p.IsCompleted(step.ID) {
		p.Completed = append(p.Completed, step.ID)
	}
	if step.Duration() > 0 {
		fx.timer(TimerEvent{Action: TimerStop, StepIndex: idx})
	}
	fx.add(func(o Observer) { o.OnStepCompleted(idx, step) })

	if idx == len(e.cfg.Steps)-1 {
		e.finishLocked(fx)
		return
	}
	if withRest && step.RestSeconds > 0 {
		rest := step.Rest()
		next := e.cfg.Steps[idx+1]
		p.Resting = true
		p.RestAfterStep = idx
		p.RestDuration = rest
		p.RestElapsed = 0
		p.CurrentStep = idx + 1
		p.StepElapsed = 0
		p.RepsDone = 0
		p.NextEncouragement = 0
		fx.add(func(o Observer) { o.OnRestStarted(idx, rest) })
		fx.timer(TimerEvent{Action: TimerStart, StepIndex: idx + 1, Rest: true, Total: rest, Remaining: rest})
		fx.cue(fmt.Sprintf("Nice work. Rest for %s. Next up: %s.", spokenDuration(rest), next.Name))
		return
	}
	e.startStepLocked(fx, idx+1)
}

func (e *Executor) finishLocked(fx *effects) {
	if e.finished {
		return
	}
	e.finished = true
	p := &e.progress
	p.Status = StatusCompleted
	p.NextEncouragement = 0
	summary := Summary{
		ActivityID:     e.cfg.ID,
		Type:           e.cfg.Type,
		StepsCompleted: len(p.Completed),
		StepsTotal:     len(e.cfg.Steps),
		Elapsed:        p.Elapsed,
	}
	fx.cue(fmt.Sprintf("That's the end of %s. Well done.", e.title()))
	fx.add(func(o Observer) { o.OnActivityComplete(summary) })
}

func (e *Executor) clearRestLocked() {
	p := &e.progress
	p.Resting = false
	p.RestDuration = 0
	p.RestElapsed = 0
	p.RestAfterStep = 0
}

func (e *Executor) timerEventLocked(action TimerAction) TimerEvent {
	p := e.progress
	ev := TimerEvent{Action: action, StepIndex: p.CurrentStep}
	if p.Resting {
		ev.Rest = true
		ev.Total = p.RestDuration
		ev.Remaining = p.RestDuration - p.RestElapsed
		return ev
	}
	if d := e.cfg.Steps[p.CurrentStep].Duration(); d > 0 {
		ev.Total = d
		ev.Remaining = d - p.StepElapsed
	}
	return ev
}

func (e *Executor) resumeCueLocked() string {
	p := e.progress
	if p.Resting {
		return fmt.Sprintf("Back to your rest, %s left.", spokenDuration(p.RestDuration-p.RestElapsed))
	}
	step := e.cfg.Steps[p.CurrentStep]
	if d := step.Duration(); d > 0 {
		return fmt.Sprintf("Resuming %s, %s left.", step.Name, spokenDuration(d-p.StepElapsed))
	}
	return fmt.Sprintf("Resuming %s, %d reps to go.", step.Name, step.Reps-p.RepsDone)
}

func (e *Executor) encouragementLocked() string {
	phrases := e.cfg.Encouragement
	if len(phrases) == 0 {
		phrases = defaultEncouragement
	}
	return phrases[e.progress.EncouragementCount%len(phrases)]
}

func (e *Executor) intervalLocked() time.Duration {
	return time.Duration(float64(e.opts.EncouragementInterval) * e.progress.Pace.Multiplier())
}

func (e *Executor) indexOf(id string) int {
	for i, s := range e.cfg.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (e *Executor) title() string {
	if e.cfg.Title != "" {
		return e.cfg.Title
	}
	return "your " + string(e.cfg.Type)
}

// apply runs fn under the lock and then delivers the recorded effects plus a
// progress snapshot, outside the lock.
func (e *Executor) apply(fn func(fx *effects) bool) bool {
	fx := &effects{}
	e.mu.Lock()
	ok := fn(fx)
	obs := e.observer
	snap := e.progress.clone()
	e.mu.Unlock()
	if !ok {
		return false
	}
	for _, call := range fx.calls {
		if call.cue != "" {
			e.speak(obs, call.cue)
			continue
		}
		call.fn(obs)
	}
	obs.OnProgress(snap)
	return true
}

// speak sends a cue. A failed send is logged and the activity carries on;
// later cues retry implicitly.
func (e *Executor) speak(obs Observer, text string) {
	var err error
	if e.opts.Cues != nil {
		err = e.opts.Cues.SendCue(context.Background(), text)
		if err != nil {
			e.logger.Warn("guidance cue not sent", "err", err)
		}
	}
	obs.OnCue(text, err)
}

type effect struct {
	cue string
	fn  func(Observer)
}

type effects struct {
	calls []effect
}

func (fx *effects) add(fn func(Observer)) { fx.calls = append(fx.calls, effect{fn: fn}) }

func (fx *effects) cue(text string) { fx.calls = append(fx.calls, effect{cue: text}) }

func (fx *effects) timer(ev TimerEvent) {
	fx.add(func(o Observer) { o.OnTimer(ev) })
}

func crossed(prev, now, mark time.Duration) bool {
	return mark > 0 && prev < mark && now >= mark
}

func stepCue(s Step) string {
	var target string
	switch {
	case s.Kind == StepPhase:
		target = spokenDuration(s.Duration())
	case s.RepBased():
		target = fmt.Sprintf("%d reps", s.Reps)
	default:
		target = spokenDuration(s.Duration())
	}
	if s.Instruction != "" {
		return fmt.Sprintf("%s, %s. %s", s.Name, target, s.Instruction)
	}
	return fmt.Sprintf("%s, %s.", s.Name, target)
}

func spokenDuration(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 90 {
		return plural(secs, "second")
	}
	if secs%60 == 0 {
		return plural(secs/60, "minute")
	}
	return plural(secs/60, "minute") + " " + plural(secs%60, "second")
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
