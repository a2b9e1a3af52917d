// Package guidance runs hands-free guided activities: workouts, breathing and
// meditation. An Executor walks an ActivityConfig step by step on a wall-clock
// tick, speaks cues through a CueSender and reports to an Observer.
package guidance

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActivityType names the kind of guided activity.
type ActivityType string

const (
	ActivityWorkout    ActivityType = "workout"
	ActivityBreathing  ActivityType = "breathing"
	ActivityMeditation ActivityType = "meditation"
	ActivityStretch    ActivityType = "stretch"
)

// StepKind distinguishes exercises from timed phases.
type StepKind string

const (
	// StepExercise completes on a rep target, a duration, or whichever comes first.
	StepExercise StepKind = "exercise"
	// StepPhase is a timed segment such as an inhale or a body scan.
	StepPhase StepKind = "phase"
)

// Pace scales the cadence of encouragement cues.
type Pace string

const (
	PaceSlow   Pace = "slow"
	PaceNormal Pace = "normal"
	PaceFast   Pace = "fast"
)

var paceOrder = []Pace{PaceSlow, PaceNormal, PaceFast}

// Multiplier returns the factor applied to cue intervals.
func (p Pace) Multiplier() float64 {
	switch p {
	case PaceSlow:
		return 1.5
	case PaceFast:
		return 0.75
	default:
		return 1
	}
}

// Direction is a pace adjustment.
type Direction int

const (
	Slower Direction = -1
	Faster Direction = 1
)

// Shift moves the pace one level in dir, saturating at either end.
func (p Pace) Shift(dir Direction) Pace {
	idx := 1
	for i, v := range paceOrder {
		if v == p {
			idx = i
		}
	}
	idx += int(dir)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(paceOrder) {
		idx = len(paceOrder) - 1
	}
	return paceOrder[idx]
}

// Step is one exercise or phase.
type Step struct {
	ID          string   `json:"id" yaml:"id"`
	Kind        StepKind `json:"kind" yaml:"kind"`
	Name        string   `json:"name" yaml:"name"`
	Instruction string   `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	Reps        int      `json:"reps,omitempty" yaml:"reps,omitempty"`
	Seconds     int      `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	RestSeconds int      `json:"rest_seconds,omitempty" yaml:"rest_seconds,omitempty"`
}

// Duration returns the timed length of the step, zero for rep-only steps.
func (s Step) Duration() time.Duration { return time.Duration(s.Seconds) * time.Second }

// Rest returns the trailing rest after the step.
func (s Step) Rest() time.Duration { return time.Duration(s.RestSeconds) * time.Second }

// RepBased reports whether the step completes on confirmed repetitions.
func (s Step) RepBased() bool { return s.Reps > 0 }

// ActivityConfig is the immutable description of a guided activity.
type ActivityConfig struct {
	ID            string       `json:"id" yaml:"id"`
	Type          ActivityType `json:"type" yaml:"type"`
	Title         string       `json:"title" yaml:"title"`
	Steps         []Step       `json:"steps" yaml:"steps"`
	Pace          Pace         `json:"pace,omitempty" yaml:"pace,omitempty"`
	Encouragement []string     `json:"encouragement,omitempty" yaml:"encouragement,omitempty"`
}

// Normalize fills default ids and pace in place.
func (c *ActivityConfig) Normalize() {
	if c.Pace == "" {
		c.Pace = PaceNormal
	}
	for i := range c.Steps {
		if strings.TrimSpace(c.Steps[i].ID) == "" {
			c.Steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
		if c.Steps[i].Kind == "" {
			c.Steps[i].Kind = StepExercise
		}
	}
}

// Validate checks the config can be executed.
func (c ActivityConfig) Validate() error {
	var errs []error
	switch c.Type {
	case ActivityWorkout, ActivityBreathing, ActivityMeditation, ActivityStretch:
	default:
		errs = append(errs, fmt.Errorf("type %q is not supported", c.Type))
	}
	switch c.Pace {
	case "", PaceSlow, PaceNormal, PaceFast:
	default:
		errs = append(errs, fmt.Errorf("pace %q is not supported", c.Pace))
	}
	if len(c.Steps) == 0 {
		errs = append(errs, errors.New("steps must be non-empty"))
	}
	seen := make(map[string]struct{}, len(c.Steps))
	for i, s := range c.Steps {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, fmt.Errorf("steps[%d].name is required", i))
		}
		if s.Kind != "" && s.Kind != StepExercise && s.Kind != StepPhase {
			errs = append(errs, fmt.Errorf("steps[%d].kind %q is not supported", i, s.Kind))
		}
		if s.Reps < 0 || s.Seconds < 0 || s.RestSeconds < 0 {
			errs = append(errs, fmt.Errorf("steps[%d] values must be >= 0", i))
		}
		if s.Reps == 0 && s.Seconds == 0 {
			errs = append(errs, fmt.Errorf("steps[%d] needs reps or duration_seconds", i))
		}
		if s.Kind == StepPhase && s.Seconds == 0 {
			errs = append(errs, fmt.Errorf("steps[%d] phase needs duration_seconds", i))
		}
		if s.ID != "" {
			if _, dup := seen[s.ID]; dup {
				errs = append(errs, fmt.Errorf("steps[%d].id %q is duplicated", i, s.ID))
			}
			seen[s.ID] = struct{}{}
		}
	}
	return errors.Join(errs...)
}

// TotalDuration estimates the activity length, counting rep steps as zero.
func (c ActivityConfig) TotalDuration() time.Duration {
	var d time.Duration
	for i, s := range c.Steps {
		d += s.Duration()
		if i < len(c.Steps)-1 {
			d += s.Rest()
		}
	}
	return d
}

// Status is the executor lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// Running reports whether the activity is active or paused.
func (s Status) Running() bool { return s == StatusActive || s == StatusPaused }

// Progress is the mutable runtime state of an activity.
type Progress struct {
	Status      Status        `json:"status"`
	CurrentStep int           `json:"current_step"`
	Completed   []string      `json:"completed,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	StepElapsed time.Duration `json:"step_elapsed"`
	RepsDone    int           `json:"reps_done,omitempty"`

	Resting       bool          `json:"resting,omitempty"`
	RestDuration  time.Duration `json:"rest_duration,omitempty"`
	RestElapsed   time.Duration `json:"rest_elapsed,omitempty"`
	RestAfterStep int           `json:"rest_after_step,omitempty"`

	Pace               Pace          `json:"pace"`
	NextEncouragement  time.Duration `json:"next_encouragement,omitempty"`
	EncouragementCount int           `json:"encouragement_count,omitempty"`
}

// IsCompleted reports whether stepID is in the completed set.
func (p Progress) IsCompleted(stepID string) bool {
	for _, id := range p.Completed {
		if id == stepID {
			return true
		}
	}
	return false
}

func (p Progress) clone() Progress {
	p.Completed = append([]string(nil), p.Completed...)
	return p
}

// DetailedState is the persisted snapshot sufficient to resume an activity
// exactly where it stopped.
type DetailedState struct {
	Version  int            `json:"version"`
	Config   ActivityConfig `json:"config"`
	Progress Progress       `json:"progress"`
	SavedAt  time.Time      `json:"saved_at"`
}

const detailedStateVersion = 1

// Summary is reported once when an activity completes.
type Summary struct {
	ActivityID     string
	Type           ActivityType
	StepsCompleted int
	StepsTotal     int
	Elapsed        time.Duration
}
