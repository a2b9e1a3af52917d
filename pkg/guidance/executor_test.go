package guidance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type cueRecorder struct {
	mu   sync.Mutex
	cues []string
	err  error
}

func (c *cueRecorder) SendCue(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cues = append(c.cues, text)
	return c.err
}

type recordingObserver struct {
	BaseObserver
	started   []int
	completed []int
	rests     []int
	restEnds  []int
	timers    []TimerEvent
	done      []Summary
	cueErrs   int
	last      Progress
}

func (o *recordingObserver) OnStepStarted(i int, _ Step)   { o.started = append(o.started, i) }
func (o *recordingObserver) OnStepCompleted(i int, _ Step) { o.completed = append(o.completed, i) }
func (o *recordingObserver) OnRestStarted(i int, _ time.Duration) {
	o.rests = append(o.rests, i)
}
func (o *recordingObserver) OnRestEnded(i int)            { o.restEnds = append(o.restEnds, i) }
func (o *recordingObserver) OnTimer(ev TimerEvent)        { o.timers = append(o.timers, ev) }
func (o *recordingObserver) OnActivityComplete(s Summary) { o.done = append(o.done, s) }
func (o *recordingObserver) OnProgress(p Progress)        { o.last = p }
func (o *recordingObserver) OnCue(_ string, err error) {
	if err != nil {
		o.cueErrs++
	}
}

func workout(steps ...Step) ActivityConfig {
	return ActivityConfig{ID: "w1", Type: ActivityWorkout, Title: "Test workout", Steps: steps}
}

func timed(name string, secs, rest int) Step {
	return Step{Name: name, Seconds: secs, RestSeconds: rest}
}

func newStarted(t *testing.T, cfg ActivityConfig) (*Executor, *recordingObserver, *cueRecorder) {
	t.Helper()
	cues := &cueRecorder{}
	obs := &recordingObserver{}
	e := NewExecutor(Options{Cues: cues})
	if err := e.Initialize(cfg, obs); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e, obs, cues
}

func tick(e *Executor, n int) {
	for i := 0; i < n; i++ {
		e.Tick(time.Second)
	}
}

func TestExecutor_ThreeStepWorkoutAdvancesAfterFirstStep(t *testing.T) {
	e, obs, _ := newStarted(t, workout(timed("A", 45, 0), timed("B", 45, 0), timed("C", 45, 0)))

	tick(e, 46)

	p := e.Progress()
	if p.CurrentStep != 1 {
		t.Fatalf("CurrentStep = %d, want 1", p.CurrentStep)
	}
	if !p.IsCompleted("step-1") || len(p.Completed) != 1 {
		t.Fatalf("Completed = %v, want [step-1]", p.Completed)
	}
	if p.StepElapsed != time.Second {
		t.Fatalf("StepElapsed = %v, want 1s", p.StepElapsed)
	}
	if diff := cmp.Diff([]int{0, 1}, obs.started); diff != "" {
		t.Fatalf("started (-want +got):\n%s", diff)
	}
}

func TestExecutor_NoActivityBeforeStart(t *testing.T) {
	cues := &cueRecorder{}
	e := NewExecutor(Options{Cues: cues})
	if err := e.Start(); !errors.Is(err, ErrNoActivity) {
		t.Fatalf("Start without activity = %v", err)
	}
	if err := e.Initialize(workout(timed("A", 10, 0)), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if e.Tick(time.Second) {
		t.Fatal("tick before start must be ignored")
	}
	if len(cues.cues) != 0 {
		t.Fatalf("initialize emitted cues: %v", cues.cues)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Start = %v", err)
	}
}

func TestExecutor_RestIgnoresStepCommands(t *testing.T) {
	e, obs, _ := newStarted(t, workout(timed("A", 10, 20), Step{Name: "B", Reps: 5}))

	tick(e, 10)
	p := e.Progress()
	if !p.Resting || p.RestAfterStep != 0 || p.CurrentStep != 1 {
		t.Fatalf("progress after A = %+v", p)
	}

	if e.CompleteStep() {
		t.Fatal("done during rest must be a no-op")
	}
	if e.Skip() {
		t.Fatal("skip during rest must be a no-op")
	}
	if e.ConfirmRep(5) {
		t.Fatal("rep during rest must be a no-op")
	}
	if got := e.Progress(); got.CurrentStep != 1 || !got.Resting || len(got.Completed) != 1 {
		t.Fatalf("rest state changed: %+v", got)
	}

	tick(e, 20)
	p = e.Progress()
	if p.Resting || p.CurrentStep != 1 {
		t.Fatalf("after rest = %+v", p)
	}
	if diff := cmp.Diff([]int{0}, obs.restEnds); diff != "" {
		t.Fatalf("rest ends (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1}, obs.started); diff != "" {
		t.Fatalf("started (-want +got):\n%s", diff)
	}
}

func TestExecutor_CompletionFiresOnce(t *testing.T) {
	e, obs, _ := newStarted(t, workout(timed("A", 5, 0), timed("B", 5, 0)))

	tick(e, 30)
	if len(obs.done) != 1 {
		t.Fatalf("OnActivityComplete fired %d times", len(obs.done))
	}
	if got := obs.done[0]; got.StepsCompleted != 2 || got.StepsTotal != 2 || got.Elapsed != 10*time.Second {
		t.Fatalf("summary = %+v", got)
	}
	if e.Skip() || e.CompleteStep() {
		t.Fatal("commands after completion must be ignored")
	}
	if p := e.Progress(); p.Status != StatusCompleted || p.CurrentStep != 1 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestExecutor_PausePreservesElapsed(t *testing.T) {
	e, obs, cues := newStarted(t, workout(timed("A", 60, 0)))
	tick(e, 10)
	if !e.Pause() {
		t.Fatal("Pause returned false")
	}
	before := len(cues.cues)
	tick(e, 30)
	if len(cues.cues) != before {
		t.Fatal("paused executor emitted cues")
	}
	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	p := e.Progress()
	if p.StepElapsed != 10*time.Second || p.Elapsed != 10*time.Second {
		t.Fatalf("elapsed after resume = %v/%v", p.StepElapsed, p.Elapsed)
	}
	var pause, resume *TimerEvent
	for i := range obs.timers {
		switch obs.timers[i].Action {
		case TimerPause:
			pause = &obs.timers[i]
		case TimerResume:
			resume = &obs.timers[i]
		}
	}
	if pause == nil || pause.Remaining != 50*time.Second || resume == nil || resume.Remaining != 50*time.Second {
		t.Fatalf("timer events = %+v", obs.timers)
	}
}

func TestExecutor_SkipAndBack(t *testing.T) {
	e, _, _ := newStarted(t, workout(timed("A", 30, 10), timed("B", 30, 0), timed("C", 30, 0)))

	tick(e, 12)
	if !e.Skip() {
		t.Fatal("Skip returned false")
	}
	p := e.Progress()
	if p.CurrentStep != 1 || p.Resting || !p.IsCompleted("step-1") {
		t.Fatalf("after skip = %+v", p)
	}

	tick(e, 5)
	if !e.Back() {
		t.Fatal("Back returned false")
	}
	p = e.Progress()
	if p.CurrentStep != 0 || p.StepElapsed != 0 || len(p.Completed) != 0 {
		t.Fatalf("after back = %+v", p)
	}
	if e.Back() {
		t.Fatal("Back with nothing completed must be a no-op")
	}
}

func TestExecutor_BackDuringRest(t *testing.T) {
	e, obs, _ := newStarted(t, workout(timed("A", 5, 30), timed("B", 30, 0)))
	tick(e, 5)
	if !e.Progress().Resting {
		t.Fatal("expected rest")
	}
	if !e.Back() {
		t.Fatal("Back returned false")
	}
	p := e.Progress()
	if p.Resting || p.CurrentStep != 0 || len(p.Completed) != 0 {
		t.Fatalf("after back = %+v", p)
	}
	if diff := cmp.Diff([]int{0}, obs.restEnds); diff != "" {
		t.Fatalf("rest ends (-want +got):\n%s", diff)
	}
}

func TestExecutor_ConfirmRep(t *testing.T) {
	e, obs, cues := newStarted(t, workout(Step{Name: "Squats", Reps: 10}, timed("B", 30, 0)))

	if !e.ConfirmRep(4) || !e.ConfirmRep(0) {
		t.Fatal("ConfirmRep returned false")
	}
	if got := e.Progress().RepsDone; got != 5 {
		t.Fatalf("RepsDone = %d, want 5", got)
	}
	if e.ConfirmRep(3) {
		t.Fatal("lower count must be ignored")
	}
	halfway := false
	for _, c := range cues.cues {
		if c == "Halfway, 5 to go." {
			halfway = true
		}
	}
	if !halfway {
		t.Fatalf("cues = %v, want halfway cue", cues.cues)
	}
	tick(e, 120)
	if e.Progress().CurrentStep != 0 {
		t.Fatal("rep step must not time out")
	}
	if !e.ConfirmRep(12) {
		t.Fatal("ConfirmRep returned false")
	}
	if p := e.Progress(); p.CurrentStep != 1 || !p.IsCompleted("step-1") {
		t.Fatalf("after target = %+v", p)
	}
	if diff := cmp.Diff([]int{0}, obs.completed); diff != "" {
		t.Fatalf("completed (-want +got):\n%s", diff)
	}
}

func TestExecutor_PaceAffectsOnlyFutureCues(t *testing.T) {
	e, _, _ := newStarted(t, workout(timed("A", 120, 0)))
	if got := e.Progress().NextEncouragement; got != 15*time.Second {
		t.Fatalf("NextEncouragement = %v", got)
	}
	pace, changed := e.AdjustPace(Faster)
	if !changed || pace != PaceFast {
		t.Fatalf("AdjustPace = %v, %v", pace, changed)
	}
	if got := e.Progress().NextEncouragement; got != 15*time.Second {
		t.Fatalf("scheduled cue moved to %v", got)
	}
	tick(e, 15)
	if got := e.Progress().NextEncouragement; got != 15*time.Second+11250*time.Millisecond {
		t.Fatalf("NextEncouragement = %v, want 26.25s", got)
	}
	if _, changed := e.AdjustPace(Faster); changed {
		t.Fatal("pace must saturate at fast")
	}
}

func TestExecutor_CueFailureDoesNotDesync(t *testing.T) {
	cues := &cueRecorder{err: errors.New("not ready")}
	obs := &recordingObserver{}
	e := NewExecutor(Options{Cues: cues})
	if err := e.Initialize(workout(timed("A", 45, 0), timed("B", 45, 0)), obs); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	tick(e, 46)
	if p := e.Progress(); p.CurrentStep != 1 {
		t.Fatalf("CurrentStep = %d", p.CurrentStep)
	}
	if obs.cueErrs == 0 {
		t.Fatal("expected failed cues to be reported")
	}
}

func TestExecutor_DetailedStateRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	cfg := workout(timed("A", 20, 15), timed("B", 40, 0), Step{Name: "C", Reps: 8})
	e := NewExecutor(Options{Now: func() time.Time { return now }})
	if err := e.Initialize(cfg, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	tick(e, 27)
	e.AdjustPace(Slower)
	e.Pause()

	state, ok := e.DetailedState()
	if !ok {
		t.Fatal("no state")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	var decoded DetailedState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(state, decoded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("json round trip (-want +got):\n%s", diff)
	}

	restored := NewExecutor(Options{})
	if err := restored.RestoreDetailedState(decoded); err != nil {
		t.Fatalf("RestoreDetailedState: %v", err)
	}
	if diff := cmp.Diff(state.Progress, restored.Progress(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("progress (-want +got):\n%s", diff)
	}
	p := restored.Progress()
	if p.Status != StatusPaused || !p.Resting || p.RestElapsed != 7*time.Second || p.Pace != PaceSlow {
		t.Fatalf("restored = %+v", p)
	}

	if err := restored.Resume(); err != nil {
		t.Fatal(err)
	}
	tick(restored, 8)
	if p := restored.Progress(); p.Resting || p.CurrentStep != 1 {
		t.Fatalf("after resumed rest = %+v", p)
	}
}

func TestExecutor_RestoreRejectsBadState(t *testing.T) {
	e := NewExecutor(Options{})
	cfg := workout(timed("A", 20, 0))
	cfg.Normalize()
	err := e.RestoreDetailedState(DetailedState{
		Version:  detailedStateVersion,
		Config:   cfg,
		Progress: Progress{Status: StatusActive, CurrentStep: 3},
	})
	if err == nil {
		t.Fatal("expected out of range error")
	}
	if err := e.RestoreDetailedState(DetailedState{Version: 99, Config: cfg}); err == nil {
		t.Fatal("expected version error")
	}
}

func TestExecutor_TimeStatus(t *testing.T) {
	e, _, _ := newStarted(t, workout(timed("A", 30, 10), timed("B", 20, 5), timed("C", 15, 0)))
	tick(e, 10)
	step, total := e.TimeStatus()
	if step != 20*time.Second || total != 20*time.Second+10*time.Second+20*time.Second+5*time.Second+15*time.Second {
		t.Fatalf("TimeStatus = %v, %v", step, total)
	}
}

func TestExecutor_StopSkipsCompletion(t *testing.T) {
	e, obs, _ := newStarted(t, workout(timed("A", 5, 0)))
	if !e.Stop() {
		t.Fatal("Stop returned false")
	}
	tick(e, 10)
	if len(obs.done) != 0 {
		t.Fatal("stop must not fire completion")
	}
	if e.Stop() {
		t.Fatal("second Stop must be a no-op")
	}
	if err := e.Initialize(workout(timed("B", 5, 0)), nil); err != nil {
		t.Fatalf("Initialize after stop: %v", err)
	}
}

func TestActivityConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ActivityConfig
		ok   bool
	}{
		{name: "valid", cfg: workout(timed("A", 10, 0)), ok: true},
		{name: "no steps", cfg: ActivityConfig{Type: ActivityWorkout}},
		{name: "bad type", cfg: ActivityConfig{Type: "yoga", Steps: []Step{timed("A", 10, 0)}}},
		{name: "no target", cfg: workout(Step{Name: "A"})},
		{name: "phase needs duration", cfg: workout(Step{Name: "A", Kind: StepPhase, Reps: 3})},
		{name: "duplicate ids", cfg: workout(Step{ID: "x", Name: "A", Seconds: 1}, Step{ID: "x", Name: "B", Seconds: 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, ok=%v", err, tt.ok)
			}
		})
	}
}

func TestSpokenDuration(t *testing.T) {
	tests := map[time.Duration]string{
		time.Second:             "1 second",
		45 * time.Second:        "45 seconds",
		90 * time.Second:        "90 seconds",
		2 * time.Minute:         "2 minutes",
		150 * time.Second:       "2 minutes 30 seconds",
		1500 * time.Millisecond: "2 seconds",
	}
	for d, want := range tests {
		if got := spokenDuration(d); got != want {
			t.Errorf("spokenDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
