package guidance

import (
	"fmt"
	"strings"
)

// Intensity selects work and rest lengths for generated activities.
type Intensity string

const (
	IntensityLow      Intensity = "low"
	IntensityModerate Intensity = "moderate"
	IntensityHigh     Intensity = "high"
)

// Breathing patterns understood by Generate.
const (
	PatternBox      = "box"
	Pattern478      = "4-7-8"
	maxMinutes      = 120
	defaultMinutes  = 5
	defaultPattern  = PatternBox
	meditationFloor = 30
)

// GenerateRequest describes the activity a user picked.
type GenerateRequest struct {
	ID        string
	Type      ActivityType
	Minutes   int
	Intensity Intensity
	// Pattern selects the breathing pattern; ignored for other types.
	Pattern string
	Pace    Pace
}

type move struct {
	name        string
	instruction string
	reps        int
}

var workoutMoves = []move{
	{name: "Jumping jacks", instruction: "Arms overhead, land softly."},
	{name: "Squats", instruction: "Chest up, knees track over toes.", reps: 12},
	{name: "Push-ups", instruction: "Knees down is fine, keep a straight line.", reps: 10},
	{name: "Lunges", instruction: "Alternate legs, step long."},
	{name: "Plank", instruction: "Hold a straight line from head to heels."},
	{name: "Mountain climbers", instruction: "Drive the knees, hips level."},
	{name: "Glute bridges", instruction: "Squeeze at the top.", reps: 15},
	{name: "High knees", instruction: "Quick feet, stay tall."},
}

var stretchMoves = []move{
	{name: "Neck rolls", instruction: "Slow circles, both directions."},
	{name: "Shoulder stretch", instruction: "Pull one arm across the chest, then switch."},
	{name: "Standing forward fold", instruction: "Soft knees, let the head hang."},
	{name: "Quad stretch", instruction: "Hold one foot behind you, then switch."},
	{name: "Hip opener", instruction: "Wide stance, sink gently side to side."},
	{name: "Child's pose", instruction: "Reach long and breathe into the back."},
}

// Generate builds an ActivityConfig from a request. It is deterministic.
func Generate(req GenerateRequest) (ActivityConfig, error) {
	if req.Minutes == 0 {
		req.Minutes = defaultMinutes
	}
	if req.Minutes < 1 || req.Minutes > maxMinutes {
		return ActivityConfig{}, fmt.Errorf("minutes must be between 1 and %d", maxMinutes)
	}
	if req.Intensity == "" {
		req.Intensity = IntensityModerate
	}
	switch req.Intensity {
	case IntensityLow, IntensityModerate, IntensityHigh:
	default:
		return ActivityConfig{}, fmt.Errorf("intensity %q is not supported", req.Intensity)
	}

	var cfg ActivityConfig
	switch req.Type {
	case ActivityWorkout:
		cfg = intervalActivity(req, workoutMoves, "workout")
	case ActivityStretch:
		cfg = intervalActivity(req, stretchMoves, "stretch")
	case ActivityBreathing:
		var err error
		if cfg, err = breathingActivity(req); err != nil {
			return ActivityConfig{}, err
		}
	case ActivityMeditation:
		cfg = meditationActivity(req)
	default:
		return ActivityConfig{}, fmt.Errorf("type %q is not supported", req.Type)
	}

	cfg.ID = req.ID
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("%s-%dm-%s", req.Type, req.Minutes, req.Intensity)
	}
	cfg.Type = req.Type
	cfg.Pace = req.Pace
	cfg.Normalize()
	return cfg, cfg.Validate()
}

func intervalActivity(req GenerateRequest, moves []move, label string) ActivityConfig {
	work, rest := 45, 15
	switch req.Intensity {
	case IntensityLow:
		work, rest = 30, 30
	case IntensityHigh:
		work, rest = 50, 10
	}
	if req.Type == ActivityStretch {
		work, rest = 30, 5
	}
	n := max(req.Minutes*60/(work+rest), 1)
	steps := make([]Step, 0, n)
	for i := 0; i < n; i++ {
		m := moves[i%len(moves)]
		s := Step{
			ID:          fmt.Sprintf("step-%d", i+1),
			Kind:        StepExercise,
			Name:        m.name,
			Instruction: m.instruction,
			Seconds:     work,
			RestSeconds: rest,
		}
		if m.reps > 0 && req.Intensity != IntensityHigh && req.Type == ActivityWorkout {
			s.Reps = m.reps
		}
		if i == n-1 {
			s.RestSeconds = 0
		}
		steps = append(steps, s)
	}
	return ActivityConfig{
		Title: fmt.Sprintf("%d minute %s %s", req.Minutes, req.Intensity, label),
		Steps: steps,
	}
}

func breathingActivity(req GenerateRequest) (ActivityConfig, error) {
	pattern := strings.ToLower(strings.TrimSpace(req.Pattern))
	if pattern == "" {
		pattern = defaultPattern
	}
	var phases []Step
	var title string
	switch pattern {
	case PatternBox:
		title = "Box breathing"
		phases = []Step{
			{Name: "Breathe in", Seconds: 4},
			{Name: "Hold", Seconds: 4},
			{Name: "Breathe out", Seconds: 4},
			{Name: "Hold", Seconds: 4},
		}
	case Pattern478, "478":
		title = "4-7-8 breathing"
		phases = []Step{
			{Name: "Breathe in through the nose", Seconds: 4},
			{Name: "Hold", Seconds: 7},
			{Name: "Breathe out through the mouth", Seconds: 8},
		}
	default:
		return ActivityConfig{}, fmt.Errorf("breathing pattern %q is not supported", req.Pattern)
	}

	cycle := 0
	for _, p := range phases {
		cycle += p.Seconds
	}
	cycles := max(req.Minutes*60/cycle, 1)
	steps := make([]Step, 0, cycles*len(phases))
	for c := 0; c < cycles; c++ {
		for _, p := range phases {
			p.ID = fmt.Sprintf("step-%d", len(steps)+1)
			p.Kind = StepPhase
			steps = append(steps, p)
		}
	}
	return ActivityConfig{Title: title, Steps: steps}, nil
}

func meditationActivity(req GenerateRequest) ActivityConfig {
	total := req.Minutes * 60
	settle := max(total/10, meditationFloor)
	closing := max(total/10, meditationFloor)
	body := max((total-settle-closing)/2, meditationFloor)
	breath := max(total-settle-closing-body, meditationFloor)
	return ActivityConfig{
		Title: fmt.Sprintf("%d minute meditation", req.Minutes),
		Steps: []Step{
			{ID: "settle", Kind: StepPhase, Name: "Settle in", Instruction: "Find a comfortable seat and close your eyes.", Seconds: settle},
			{ID: "body-scan", Kind: StepPhase, Name: "Body scan", Instruction: "Move attention slowly from head to toes.", Seconds: body},
			{ID: "breath", Kind: StepPhase, Name: "Breath focus", Instruction: "Rest attention on the breath. When the mind wanders, come back.", Seconds: breath},
			{ID: "close", Kind: StepPhase, Name: "Closing", Instruction: "Notice how you feel, then gently open your eyes.", Seconds: closing},
		},
	}
}
