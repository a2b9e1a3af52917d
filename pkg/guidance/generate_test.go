package guidance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		name      string
		req       GenerateRequest
		wantSteps int
		wantTotal time.Duration
	}{
		{name: "moderate workout", req: GenerateRequest{Type: ActivityWorkout, Minutes: 5}, wantSteps: 5, wantTotal: 5*45*time.Second + 4*15*time.Second},
		{name: "low workout", req: GenerateRequest{Type: ActivityWorkout, Minutes: 4, Intensity: IntensityLow}, wantSteps: 4, wantTotal: 4*30*time.Second + 3*30*time.Second},
		{name: "box breathing", req: GenerateRequest{Type: ActivityBreathing, Minutes: 1}, wantSteps: 12, wantTotal: 48 * time.Second},
		{name: "478 breathing", req: GenerateRequest{Type: ActivityBreathing, Minutes: 1, Pattern: "4-7-8"}, wantSteps: 9, wantTotal: 57 * time.Second},
		{name: "meditation", req: GenerateRequest{Type: ActivityMeditation, Minutes: 10}, wantSteps: 4, wantTotal: 10 * time.Minute},
		{name: "stretch", req: GenerateRequest{Type: ActivityStretch, Minutes: 2}, wantSteps: 3, wantTotal: 3*30*time.Second + 2*5*time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Generate(tt.req)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if len(cfg.Steps) != tt.wantSteps {
				t.Fatalf("steps = %d, want %d", len(cfg.Steps), tt.wantSteps)
			}
			if got := cfg.TotalDuration(); got != tt.wantTotal {
				t.Fatalf("TotalDuration = %v, want %v", got, tt.wantTotal)
			}
			if last := cfg.Steps[len(cfg.Steps)-1]; last.RestSeconds != 0 {
				t.Fatalf("last step rests %ds", last.RestSeconds)
			}
			if cfg.ID == "" || cfg.Pace != PaceNormal {
				t.Fatalf("id=%q pace=%q", cfg.ID, cfg.Pace)
			}
		})
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	req := GenerateRequest{Type: ActivityWorkout, Minutes: 12, Intensity: IntensityHigh}
	a, err := Generate(req)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Generate(req)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("Generate not deterministic:\n%s", diff)
	}
}

func TestGenerate_Rejects(t *testing.T) {
	for _, req := range []GenerateRequest{
		{Type: "juggling", Minutes: 5},
		{Type: ActivityWorkout, Minutes: 500},
		{Type: ActivityWorkout, Minutes: -1},
		{Type: ActivityWorkout, Minutes: 5, Intensity: "extreme"},
		{Type: ActivityBreathing, Minutes: 5, Pattern: "wim-hof"},
	} {
		if _, err := Generate(req); err == nil {
			t.Errorf("Generate(%+v) succeeded", req)
		}
	}
}

const sampleActivity = `id: morning
type: workout
title: Morning mobility
pace: slow
steps:
  - name: Cat cow
    duration_seconds: 40
    rest_seconds: 10
  - name: Squats
    reps: 12
`

func TestLoadActivityFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "morning.yaml")
	if err := os.WriteFile(path, []byte(sampleActivity), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadActivityFile(path)
	if err != nil {
		t.Fatalf("LoadActivityFile: %v", err)
	}
	want := ActivityConfig{
		ID:    "morning",
		Type:  ActivityWorkout,
		Title: "Morning mobility",
		Pace:  PaceSlow,
		Steps: []Step{
			{ID: "step-1", Kind: StepExercise, Name: "Cat cow", Seconds: 40, RestSeconds: 10},
			{ID: "step-2", Kind: StepExercise, Name: "Squats", Reps: 12},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}

	out, err := MarshalActivity(cfg)
	if err != nil {
		t.Fatal(err)
	}
	again, err := ParseActivity(out)
	if err != nil {
		t.Fatalf("ParseActivity(marshaled): %v", err)
	}
	if diff := cmp.Diff(cfg, again); diff != "" {
		t.Fatalf("yaml round trip (-want +got):\n%s", diff)
	}
}

func TestParseActivity_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":       "",
		"unknown key": sampleActivity + "colour: red\n",
		"invalid":     "type: workout\nsteps: []\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseActivity([]byte(body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := LoadActivityFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read activity file") {
		t.Fatalf("missing file err = %v", err)
	}
}
