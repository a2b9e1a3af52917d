// Package voicecmd turns final user transcripts into control intents,
// selection answers and readiness starts. It holds no I/O: callers act on the
// returned Result.
package voicecmd

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/zenlive/pkg/core"
)

const (
	DefaultSelectionTimeout = 30 * time.Second
	DefaultReadinessWindow  = 60 * time.Second

	highConfidence   = 0.8
	mediumConfidence = 0.5
	// readinessDefaultScore is the confidence given to the default option
	// when the user answers an open selection with "let's go".
	readinessDefaultScore = 0.85
	tieMargin             = 0.05
)

// Option is one selectable choice.
type Option struct {
	ID       string
	Label    string
	Synonyms []string
	// Default marks the option chosen by a bare readiness answer. Without
	// one, the first option is the default.
	Default bool
	Payload any
}

// SelectionSet is an open question awaiting a spoken choice.
type SelectionSet struct {
	ID        string
	Prompt    string
	Options   []Option
	CreatedAt time.Time
}

// Plan is a timer or activity the model announced and the user may start
// hands-free.
type Plan struct {
	Kind        string
	Label       string
	Duration    time.Duration
	Payload     any
	AnnouncedAt time.Time
}

// Result is the outcome of classifying one utterance.
type Result struct {
	Action Action
	// Response is an optional reply for the model to voice.
	Response string
	// RequiresConfirmation is set when the action was staged, not executed.
	RequiresConfirmation bool
	Count                int
	Option               *Option
	Plan                 *Plan
	Confidence           float64
	// Err is a core.KindCommandAmbiguity error for clarifications.
	Err error
}

// Matched reports whether the utterance produced anything to act on.
func (r Result) Matched() bool { return r.Action != ActionNone || r.Response != "" }

// Timer is the handle returned by AfterFunc.
type Timer interface{ Stop() bool }

// Options configures an Interpreter.
type Options struct {
	SelectionTimeout time.Duration
	ReadinessWindow  time.Duration
	Now              func() time.Time
	AfterFunc        func(d time.Duration, f func()) Timer
	// OnSelectionExpired is called from the timer goroutine when a selection
	// times out unanswered.
	OnSelectionExpired func(SelectionSet)
	Logger             *slog.Logger
}

type pending struct {
	action Action
	option *Option
}

// Interpreter classifies utterances against the open selection, the
// announced plan and the control vocabulary.
type Interpreter struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	selection *SelectionSet
	timer     Timer
	plan      *Plan
	pending   *pending
}

// New returns an interpreter with defaults applied.
func New(opts Options) *Interpreter {
	if opts.SelectionTimeout <= 0 {
		opts.SelectionTimeout = DefaultSelectionTimeout
	}
	if opts.ReadinessWindow <= 0 {
		opts.ReadinessWindow = DefaultReadinessWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{opts: opts, logger: logger}
}

// SetSelection opens a selection, replacing any previous one. It returns the
// stored set with ids filled in.
func (in *Interpreter) SetSelection(set SelectionSet) (SelectionSet, error) {
	if len(set.Options) == 0 {
		return SelectionSet{}, core.NewInvalidRequestError("selection needs at least one option")
	}
	if set.ID == "" {
		set.ID = uuid.NewString()
	}
	set.CreatedAt = in.opts.Now()
	opts := make([]Option, len(set.Options))
	for i, o := range set.Options {
		if strings.TrimSpace(o.Label) == "" {
			return SelectionSet{}, core.NewInvalidRequestError(fmt.Sprintf("option %d has no label", i))
		}
		if o.ID == "" {
			o.ID = fmt.Sprintf("%s-%d", set.ID, i+1)
		}
		o.Synonyms = append([]string(nil), o.Synonyms...)
		opts[i] = o
	}
	set.Options = opts

	in.mu.Lock()
	defer in.mu.Unlock()
	in.clearSelectionLocked()
	stored := set
	in.selection = &stored
	id := set.ID
	in.timer = in.opts.AfterFunc(in.opts.SelectionTimeout, func() { in.expire(id) })
	return set, nil
}

// Selection returns the open selection.
func (in *Interpreter) Selection() (SelectionSet, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.selection == nil {
		return SelectionSet{}, false
	}
	return *in.selection, true
}

// ClearSelection drops the open selection and any confirmation about it.
func (in *Interpreter) ClearSelection() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.clearSelectionLocked()
}

// AnnouncePlan records a plan the user may start with a readiness phrase.
func (in *Interpreter) AnnouncePlan(p Plan) {
	if p.AnnouncedAt.IsZero() {
		p.AnnouncedAt = in.opts.Now()
	}
	in.mu.Lock()
	in.plan = &p
	in.mu.Unlock()
}

// ClearPlan forgets the announced plan.
func (in *Interpreter) ClearPlan() {
	in.mu.Lock()
	in.plan = nil
	in.mu.Unlock()
}

// Reset clears selection, plan and pending confirmation, e.g. when the
// activity they refer to is torn down.
func (in *Interpreter) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.clearSelectionLocked()
	in.plan = nil
	in.pending = nil
}

// Classify interprets one final user transcript. Priority: a pending
// confirmation, then the open selection, then a readiness start of the
// announced plan, then the control vocabulary.
func (in *Interpreter) Classify(transcript string) Result {
	norm := normalize(transcript)
	if norm == "" {
		return Result{}
	}
	in.mu.Lock()
	defer in.mu.Unlock()

	if res, ok := in.resolvePendingLocked(norm); ok {
		return res
	}
	if in.selection != nil {
		return in.matchSelectionLocked(norm)
	}
	if res, ok := in.readinessLocked(norm); ok {
		return res
	}

	it, ok := matchIntent(norm)
	if !ok {
		return Result{}
	}
	res := Result{Action: it.action, Confidence: 1}
	if it.action == ActionConfirmRep {
		res.Count, _ = repCount(norm)
	}
	if it.confirm {
		in.pending = &pending{action: it.action}
		res.RequiresConfirmation = true
		res.Response = confirmPrompt(it.action)
	}
	return res
}

func (in *Interpreter) resolvePendingLocked(norm string) (Result, bool) {
	p := in.pending
	if p == nil {
		return Result{}, false
	}
	in.pending = nil
	switch {
	case isAffirmative(norm):
		if p.option != nil {
			opt := *p.option
			in.clearSelectionLocked()
			return Result{Action: ActionSelect, Option: &opt, Confidence: 1}, true
		}
		return Result{Action: p.action, Confidence: 1}, true
	case isNegative(norm):
		if p.option != nil && in.selection != nil {
			return in.clarifyLocked("No problem."), true
		}
		return Result{Action: ActionDecline, Response: "Okay, carrying on."}, true
	default:
		// Anything else silently expires the confirmation.
		return Result{}, false
	}
}

func (in *Interpreter) matchSelectionLocked(norm string) Result {
	set := in.selection
	if matchesAny(norm, []string{"cancel", "never mind", "nevermind", "none of them", "neither"}) {
		in.clearSelectionLocked()
		return Result{Action: ActionCancel, Response: "Okay, we'll leave it."}
	}

	if idx, ok := ordinalChoice(norm, len(set.Options)); ok {
		return in.selectLocked(idx, 1)
	}

	labels := make([]string, len(set.Options))
	for i, o := range set.Options {
		labels[i] = normalize(o.Label)
	}
	shared := sharedTokens(labels)

	best, second := -1, -1
	scores := make([]float64, len(set.Options))
	for i, o := range set.Options {
		s := similarity(norm, labels[i], shared)
		for _, syn := range o.Synonyms {
			if v := similarity(norm, normalize(syn), nil); v > s {
				s = v
			}
		}
		scores[i] = s
		switch {
		case best < 0 || s > scores[best]:
			second, best = best, i
		case second < 0 || s > scores[second]:
			second = i
		}
	}
	top := scores[best]
	tied := second >= 0 && top-scores[second] < tieMargin

	if top < highConfidence && isReadiness(norm) {
		return in.selectLocked(defaultOption(set.Options), readinessDefaultScore)
	}
	if top >= highConfidence && !tied {
		return in.selectLocked(best, top)
	}
	if top >= mediumConfidence && !tied {
		opt := set.Options[best]
		in.pending = &pending{action: ActionSelect, option: &opt}
		return Result{
			Action:               ActionSelect,
			Option:               &opt,
			RequiresConfirmation: true,
			Confidence:           top,
			Response:             fmt.Sprintf("Did you mean %s?", opt.Label),
		}
	}
	if trivial(norm) {
		return Result{}
	}
	return in.clarifyLocked("")
}

func (in *Interpreter) selectLocked(idx int, confidence float64) Result {
	opt := in.selection.Options[idx]
	in.clearSelectionLocked()
	return Result{Action: ActionSelect, Option: &opt, Confidence: confidence}
}

func (in *Interpreter) clarifyLocked(lead string) Result {
	labels := make([]string, len(in.selection.Options))
	for i, o := range in.selection.Options {
		labels[i] = o.Label
	}
	msg := "Which would you like: " + joinChoices(labels) + "?"
	if lead != "" {
		msg = lead + " " + msg
	}
	return Result{
		Action:   ActionClarify,
		Response: msg,
		Err:      core.NewCommandAmbiguityError("utterance did not match any option"),
	}
}

func (in *Interpreter) readinessLocked(norm string) (Result, bool) {
	p := in.plan
	if p == nil {
		return Result{}, false
	}
	if in.opts.Now().Sub(p.AnnouncedAt) > in.opts.ReadinessWindow {
		in.plan = nil
		return Result{}, false
	}
	if !isReadiness(norm) {
		return Result{}, false
	}
	plan := *p
	in.plan = nil
	return Result{Action: ActionStartPlan, Plan: &plan, Confidence: 1}, true
}

func (in *Interpreter) expire(id string) {
	in.mu.Lock()
	if in.selection == nil || in.selection.ID != id {
		in.mu.Unlock()
		return
	}
	set := *in.selection
	in.clearSelectionLocked()
	cb := in.opts.OnSelectionExpired
	in.mu.Unlock()

	in.logger.Debug("selection expired", "selection_id", id)
	if cb != nil {
		cb(set)
	}
}

func (in *Interpreter) clearSelectionLocked() {
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	in.selection = nil
	if in.pending != nil && in.pending.option != nil {
		in.pending = nil
	}
}

func defaultOption(opts []Option) int {
	for i, o := range opts {
		if o.Default {
			return i
		}
	}
	return 0
}

func confirmPrompt(a Action) string {
	switch a {
	case ActionCancel:
		return "Do you want to end the activity?"
	default:
		return "Are you sure?"
	}
}

func joinChoices(labels []string) string {
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	default:
		return strings.Join(labels[:len(labels)-1], ", ") + " or " + labels[len(labels)-1]
	}
}
