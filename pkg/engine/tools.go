package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/zenlive/pkg/core"
	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/transport"
	"github.com/vango-go/zenlive/pkg/transport/protocol"
	"github.com/vango-go/zenlive/pkg/voicecmd"
)

const (
	ToolPresentOptions  = "present_options"
	ToolRenderTimer     = "render_timer"
	ToolStartActivity   = "start_guided_activity"
	ToolControlGuidance = "control_guidance"
	ToolRenderUI        = "render_ui"
)

const (
	minTimer = 5 * time.Second
	maxTimer = time.Hour
)

var activityTypes = []string{
	string(guidance.ActivityWorkout),
	string(guidance.ActivityBreathing),
	string(guidance.ActivityMeditation),
	string(guidance.ActivityStretch),
}

func toolDeclarations() []protocol.ToolDeclaration {
	return []protocol.ToolDeclaration{
		{
			Name:        ToolPresentOptions,
			Description: "Show the user a short list of choices they can answer by voice.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"options"},
				"properties": map[string]any{
					"prompt": map[string]any{"type": "string"},
					"options": map[string]any{
						"type":     "array",
						"minItems": 2,
						"maxItems": 6,
						"items": map[string]any{
							"type":     "object",
							"required": []string{"label"},
							"properties": map[string]any{
								"label":         map[string]any{"type": "string", "minLength": 1},
								"synonyms":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								"activity_type": map[string]any{"type": "string", "enum": activityTypes},
								"minutes":       map[string]any{"type": "integer", "minimum": 1, "maximum": 120},
								"default":       map[string]any{"type": "boolean"},
							},
						},
					},
				},
			},
		},
		{
			Name:        ToolRenderTimer,
			Description: "Show a countdown timer. Set start_now only when the user asked to begin immediately.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"seconds"},
				"properties": map[string]any{
					"seconds":       map[string]any{"type": "integer", "minimum": 5, "maximum": 3600},
					"label":         map[string]any{"type": "string"},
					"activity_type": map[string]any{"type": "string", "enum": activityTypes},
					"start_now":     map[string]any{"type": "boolean"},
				},
			},
		},
		{
			Name:        ToolStartActivity,
			Description: "Prepare a guided workout, breathing, meditation or stretch session.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"type"},
				"properties": map[string]any{
					"type":      map[string]any{"type": "string", "enum": activityTypes},
					"minutes":   map[string]any{"type": "integer", "minimum": 1, "maximum": 120},
					"intensity": map[string]any{"type": "string", "enum": []string{"low", "moderate", "high"}},
					"pattern":   map[string]any{"type": "string", "enum": []string{guidance.PatternBox, guidance.Pattern478}},
					"start_now": map[string]any{"type": "boolean"},
				},
			},
		},
		{
			Name:        ToolControlGuidance,
			Description: "Control the running guided activity.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"action"},
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []string{"pause", "resume", "skip", "back", "faster", "slower", "stop", "complete"},
					},
				},
			},
		},
		{
			Name:        ToolRenderUI,
			Description: "Render a named UI component with props.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []string{"component"},
				"properties": map[string]any{
					"component": map[string]any{"type": "string", "minLength": 1},
					"props":     map[string]any{"type": "object"},
				},
			},
		},
	}
}

type toolHandler func(e *Engine, ctx context.Context, args map[string]any) (map[string]any, error)

var toolHandlers = map[string]toolHandler{
	ToolPresentOptions:  (*Engine).presentOptions,
	ToolRenderTimer:     (*Engine).renderTimer,
	ToolStartActivity:   (*Engine).startGuidedActivity,
	ToolControlGuidance: (*Engine).controlGuidance,
	ToolRenderUI:        (*Engine).renderUI,
}

// handleToolCall runs a validated call and answers it.
func (e *Engine) handleToolCall(ctx context.Context, call transport.ToolCall) {
	handler, ok := toolHandlers[call.Name]
	var (
		resp map[string]any
		err  error
	)
	if !ok {
		err = core.NewToolValidationError(call.Name, "no handler registered")
	} else {
		resp, err = handler(e, ctx, call.Args)
	}
	if err != nil {
		e.logger.Warn("tool call failed", "tool", call.Name, "err", err)
		e.metrics.RecordToolCall(call.Name, "failed")
		resp = map[string]any{"error": err.Error()}
	}
	if resp == nil {
		resp = map[string]any{"ok": true}
	}
	if err := e.transport.SendToolResponse(ctx, transport.ToolResponse{ID: call.ID, Name: call.Name, Response: resp}); err != nil {
		e.logger.Debug("tool response not sent", "tool", call.Name, "err", err)
	}
	if err != nil {
		e.cue(ctx, transport.FallbackCue(call.Name))
	}
}

func (e *Engine) presentOptions(ctx context.Context, args map[string]any) (map[string]any, error) {
	raw, _ := args["options"].([]any)
	set := voicecmd.SelectionSet{Prompt: argString(args, "prompt")}
	for i, item := range raw {
		m, _ := item.(map[string]any)
		opt := voicecmd.Option{
			ID:       fmt.Sprintf("option-%d", i+1),
			Label:    strings.TrimSpace(argString(m, "label")),
			Synonyms: argStrings(m, "synonyms"),
			Default:  argBool(m, "default"),
		}
		if typ := argString(m, "activity_type"); typ != "" {
			opt.Payload = guidance.GenerateRequest{
				Type:    guidance.ActivityType(typ),
				Minutes: argInt(m, "minutes", 0),
			}
		}
		set.Options = append(set.Options, opt)
	}
	set, err := e.interp.SetSelection(set)
	if err != nil {
		return nil, err
	}
	e.listener.OnSelectionChanged(&set)
	return map[string]any{"selection_id": set.ID, "status": "awaiting_choice"}, nil
}

func (e *Engine) renderTimer(ctx context.Context, args map[string]any) (map[string]any, error) {
	offered := time.Duration(argInt(args, "seconds", 0)) * time.Second
	d, adjusted := voicecmd.NormalizeDuration(e.lastUserText, offered)
	d = min(max(d, minTimer), maxTimer)
	if adjusted {
		e.logger.Info("timer length corrected from user request", "offered", offered, "seconds", int(d/time.Second))
	}
	seconds := int(d / time.Second)
	label := argString(args, "label")
	typ := guidance.ActivityType(argString(args, "activity_type"))
	if typ == "" {
		typ = guidance.ActivityMeditation
	}
	if label == "" {
		label = fmt.Sprintf("%s timer", typ)
	}

	kind := guidance.StepPhase
	if typ == guidance.ActivityWorkout || typ == guidance.ActivityStretch {
		kind = guidance.StepExercise
	}
	cfg := guidance.ActivityConfig{
		ID:    "timer-" + uuid.NewString()[:8],
		Type:  typ,
		Title: label,
		Steps: []guidance.Step{{ID: "timer", Kind: kind, Name: label, Seconds: seconds}},
	}

	state := "ready"
	if argBool(args, "start_now") {
		if err := e.startActivity(cfg); err != nil {
			return nil, err
		}
		state = "running"
	} else {
		e.interp.AnnouncePlan(voicecmd.Plan{Kind: "timer", Label: label, Duration: d, Payload: cfg, AnnouncedAt: e.now()})
	}
	e.listener.OnRenderUI("timer", map[string]any{"seconds": seconds, "label": label, "state": state})
	return map[string]any{"seconds": seconds, "adjusted": adjusted, "state": state}, nil
}

func (e *Engine) startGuidedActivity(ctx context.Context, args map[string]any) (map[string]any, error) {
	cfg, err := guidance.Generate(guidance.GenerateRequest{
		Type:      guidance.ActivityType(argString(args, "type")),
		Minutes:   argInt(args, "minutes", 0),
		Intensity: guidance.Intensity(argString(args, "intensity")),
		Pattern:   argString(args, "pattern"),
	})
	if err != nil {
		return nil, err
	}
	resp := map[string]any{
		"activity_id": cfg.ID,
		"title":       cfg.Title,
		"steps":       len(cfg.Steps),
		"minutes":     int(cfg.TotalDuration().Round(time.Minute) / time.Minute),
	}
	if argBool(args, "start_now") {
		if err := e.startActivity(cfg); err != nil {
			return nil, err
		}
		resp["status"] = "started"
		return resp, nil
	}
	e.interp.AnnouncePlan(voicecmd.Plan{
		Kind:        "activity",
		Label:       cfg.Title,
		Duration:    cfg.TotalDuration(),
		Payload:     cfg,
		AnnouncedAt: e.now(),
	})
	resp["status"] = "ready"
	return resp, nil
}

var guidanceActions = map[string]voicecmd.Action{
	"pause":    voicecmd.ActionPause,
	"resume":   voicecmd.ActionResume,
	"skip":     voicecmd.ActionSkip,
	"back":     voicecmd.ActionBack,
	"faster":   voicecmd.ActionFaster,
	"slower":   voicecmd.ActionSlower,
	"stop":     voicecmd.ActionCancel,
	"complete": voicecmd.ActionCompleteExercise,
}

func (e *Engine) controlGuidance(ctx context.Context, args map[string]any) (map[string]any, error) {
	name := argString(args, "action")
	action, ok := guidanceActions[name]
	if !ok {
		return nil, core.NewToolValidationError(ToolControlGuidance, "unknown action "+name)
	}
	if err := e.control(action, 0); err != nil {
		return nil, err
	}
	p := e.executor.Progress()
	return map[string]any{"status": string(p.Status), "current_step": p.CurrentStep}, nil
}

func (e *Engine) renderUI(ctx context.Context, args map[string]any) (map[string]any, error) {
	props, _ := args["props"].(map[string]any)
	e.listener.OnRenderUI(argString(args, "component"), props)
	return nil, nil
}

func argString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func argBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func argInt(m map[string]any, key string, def int) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return def
	}
}

func argStrings(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
