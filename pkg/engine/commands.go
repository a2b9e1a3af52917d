package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/voicecmd"
)

const helpText = "You can say pause, resume, skip, go back, slower, faster, done, " +
	"how much time is left, where am I, mute, or stop the workout."

// handleUtterance acts on one final user transcript.
func (e *Engine) handleUtterance(ctx context.Context, text string) {
	e.lastUserText = text
	if mentionsInjury(text) {
		e.safetyPause(ctx)
		return
	}

	_, hadSelection := e.interp.Selection()
	res := e.interp.Classify(text)
	if !res.Matched() {
		return
	}
	e.metrics.RecordVoiceCommand(string(res.Action))
	e.logger.Debug("voice command", "action", res.Action, "confidence", res.Confidence,
		"needs_confirmation", res.RequiresConfirmation)

	if res.RequiresConfirmation {
		e.say(ctx, res.Response)
		return
	}

	switch res.Action {
	case voicecmd.ActionSelect:
		e.resolveSelection(ctx, *res.Option)
	case voicecmd.ActionClarify, voicecmd.ActionDecline:
		e.say(ctx, res.Response)
	case voicecmd.ActionStartPlan:
		e.startPlan(ctx, *res.Plan)
	case voicecmd.ActionMute:
		e.setMuted(true)
	case voicecmd.ActionUnmute:
		e.setMuted(false)
	case voicecmd.ActionTimeCheck:
		e.say(ctx, e.timeCheck())
	case voicecmd.ActionStatus:
		e.say(ctx, e.statusReport())
	case voicecmd.ActionHelp:
		e.say(ctx, helpText)
	case voicecmd.ActionConfirm:
		// A bare yes with nothing pending is conversation, not a command.
	case voicecmd.ActionCancel:
		if hadSelection && res.Response != "" {
			e.listener.OnSelectionChanged(nil)
			e.say(ctx, res.Response)
			return
		}
		e.runControl(ctx, res.Action, res.Count)
	default:
		e.runControl(ctx, res.Action, res.Count)
	}
}

func (e *Engine) runControl(ctx context.Context, action voicecmd.Action, count int) {
	if err := e.control(action, count); err != nil {
		e.logger.Debug("voice command ignored", "action", action, "err", err)
	}
}

// control applies a guidance control. Rejected transitions come back wrapped
// in guidance.ErrInvalidTransition.
func (e *Engine) control(action voicecmd.Action, count int) error {
	x := e.executor
	reject := func() error {
		return fmt.Errorf("%w: %s while %s", guidance.ErrInvalidTransition, action, x.Progress().Status)
	}
	switch action {
	case voicecmd.ActionPause:
		if !x.Pause() {
			return reject()
		}
		e.listener.OnActivityControl(ControlPaused, x.Progress())
	case voicecmd.ActionResume:
		if err := x.Resume(); err != nil {
			return err
		}
		e.listener.OnActivityControl(ControlResumed, x.Progress())
	case voicecmd.ActionSkip:
		if !x.Skip() {
			return reject()
		}
		e.listener.OnActivityControl(ControlSkipped, x.Progress())
	case voicecmd.ActionBack:
		if !x.Back() {
			return reject()
		}
		e.listener.OnActivityControl(ControlBack, x.Progress())
	case voicecmd.ActionCompleteExercise:
		if p := x.Progress(); p.Resting && p.Status == guidance.StatusActive {
			return nil
		}
		if !x.CompleteStep() {
			return reject()
		}
		e.listener.OnActivityControl(ControlCompleted, x.Progress())
	case voicecmd.ActionConfirmRep:
		if !x.ConfirmRep(count) {
			return reject()
		}
	case voicecmd.ActionSlower, voicecmd.ActionFaster:
		dir := guidance.Faster
		if action == voicecmd.ActionSlower {
			dir = guidance.Slower
		}
		pace, changed := x.AdjustPace(dir)
		if !changed {
			if !x.Progress().Status.Running() {
				return reject()
			}
			return nil
		}
		e.listener.OnPaceChanged(pace)
	case voicecmd.ActionCancel:
		if !e.stopActivity() {
			return reject()
		}
	default:
		return fmt.Errorf("%w: unsupported control %q", guidance.ErrInvalidTransition, action)
	}
	return nil
}

func (e *Engine) startActivity(cfg guidance.ActivityConfig) error {
	if e.executor.Progress().Status.Running() {
		e.stopActivity()
	}
	if err := e.executor.Initialize(cfg, guidanceEvents{e: e}); err != nil {
		return err
	}
	e.interp.ClearPlan()
	if err := e.executor.Start(); err != nil {
		return err
	}
	cfg, _ = e.executor.Config()
	e.metrics.RecordActivity(string(cfg.Type), "started")
	e.logger.Info("activity started", "activity_id", cfg.ID, "steps", len(cfg.Steps))
	e.listener.OnActivityControl(ControlStarted, e.executor.Progress())
	e.persistNow()
	return nil
}

// stopActivity aborts the running activity and forgets its saved state.
func (e *Engine) stopActivity() bool {
	cfg, _ := e.executor.Config()
	if !e.executor.Stop() {
		return false
	}
	e.metrics.RecordActivity(string(cfg.Type), "stopped")
	e.persist.clear()
	e.dirty = false
	e.pausedForReconnect = false
	e.transport.SetGuidanceActive(false)
	e.listener.OnActivityControl(ControlStopped, e.executor.Progress())
	return true
}

func (e *Engine) setMuted(muted bool) {
	e.transport.SetMuted(muted)
	control := ControlUnmuted
	if muted {
		control = ControlMuted
	}
	e.listener.OnActivityControl(control, e.executor.Progress())
}

func (e *Engine) safetyPause(ctx context.Context) {
	if e.executor.Progress().Status == guidance.StatusActive && e.executor.Pause() {
		e.listener.OnActivityControl(ControlSafetyPause, e.executor.Progress())
		e.persistNow()
	}
	e.logger.Info("possible injury mentioned, guidance paused")
	if err := e.transport.SendCue(ctx, safetyCue); err != nil {
		e.logger.Warn("safety cue not sent", "err", err)
	}
}

func (e *Engine) resolveSelection(ctx context.Context, opt voicecmd.Option) {
	e.listener.OnSelectionChanged(nil)
	e.listener.OnSelectionResolved(opt)
	switch p := opt.Payload.(type) {
	case guidance.GenerateRequest:
		cfg, err := guidance.Generate(p)
		if err != nil {
			e.logger.Warn("selected activity not generated", "option", opt.Label, "err", err)
			e.say(ctx, "That option isn't available right now. Ask the user to pick another.")
			return
		}
		if err := e.startActivity(cfg); err != nil {
			e.logger.Warn("selected activity not started", "option", opt.Label, "err", err)
		}
	case guidance.ActivityConfig:
		if err := e.startActivity(p); err != nil {
			e.logger.Warn("selected activity not started", "option", opt.Label, "err", err)
		}
	default:
		e.cue(ctx, fmt.Sprintf("The user chose %s.", opt.Label))
	}
}

func (e *Engine) startPlan(ctx context.Context, plan voicecmd.Plan) {
	cfg, ok := plan.Payload.(guidance.ActivityConfig)
	if !ok {
		e.logger.Warn("announced plan has no activity", "plan", plan.Label)
		return
	}
	if err := e.startActivity(cfg); err != nil {
		e.logger.Warn("announced plan not started", "plan", plan.Label, "err", err)
		e.say(ctx, "Something went wrong starting that. Offer to try again.")
	}
}

// say asks the model to voice text to the user.
func (e *Engine) say(ctx context.Context, text string) {
	if text == "" {
		return
	}
	e.cue(ctx, "Tell the user: "+text)
}

func (e *Engine) cue(ctx context.Context, text string) {
	if err := e.transport.SendCue(ctx, text); err != nil {
		e.logger.Debug("cue not sent", "err", err)
	}
}

func (e *Engine) timeCheck() string {
	if !e.executor.Progress().Status.Running() {
		return "There's no activity running right now."
	}
	step, total := e.executor.TimeStatus()
	if step <= 0 {
		return fmt.Sprintf("About %s left in total.", speakDuration(total))
	}
	return fmt.Sprintf("%s left on this one, about %s in total.", speakDuration(step), speakDuration(total))
}

func (e *Engine) statusReport() string {
	cfg, ok := e.executor.Config()
	p := e.executor.Progress()
	if !ok || !p.Status.Running() {
		return "There's no activity running right now."
	}
	step := cfg.Steps[p.CurrentStep]
	var b strings.Builder
	if p.Resting {
		fmt.Fprintf(&b, "Resting before step %d of %d, %s.", p.CurrentStep+1, len(cfg.Steps), step.Name)
	} else {
		fmt.Fprintf(&b, "Step %d of %d, %s.", p.CurrentStep+1, len(cfg.Steps), step.Name)
		if step.RepBased() {
			fmt.Fprintf(&b, " %d of %d reps done.", p.RepsDone, step.Reps)
		}
	}
	if p.Status == guidance.StatusPaused {
		b.WriteString(" We're paused.")
	}
	return b.String()
}

func speakDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m, s := int(d/time.Minute), int(d%time.Minute/time.Second)
	switch {
	case m == 0:
		return countOf(s, "second")
	case s == 0:
		return countOf(m, "minute")
	default:
		return countOf(m, "minute") + " " + countOf(s, "second")
	}
}

func countOf(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
