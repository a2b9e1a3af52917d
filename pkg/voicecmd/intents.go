package voicecmd

import (
	"slices"
	"strconv"
	"strings"
)

// Action is the control intent of an utterance.
type Action string

const (
	ActionNone             Action = ""
	ActionPause            Action = "pause"
	ActionResume           Action = "resume"
	ActionSkip             Action = "skip"
	ActionBack             Action = "back"
	ActionMute             Action = "mute"
	ActionUnmute           Action = "unmute"
	ActionTimeCheck        Action = "time_check"
	ActionStatus           Action = "status"
	ActionConfirm          Action = "confirm"
	ActionCancel           Action = "cancel"
	ActionSlower           Action = "slower"
	ActionFaster           Action = "faster"
	ActionConfirmRep       Action = "confirm_rep"
	ActionCompleteExercise Action = "complete_exercise"
	ActionHelp             Action = "help"

	// ActionSelect resolves the active selection to Result.Option.
	ActionSelect Action = "select"
	// ActionClarify re-prompts with the open options.
	ActionClarify Action = "clarify"
	// ActionStartPlan starts the recently announced plan in Result.Plan.
	ActionStartPlan Action = "start_plan"
	// ActionDecline answers "no" to a pending confirmation.
	ActionDecline Action = "decline"
)

type intent struct {
	action  Action
	phrases []string
	confirm bool
}

// vocabulary is checked in order; the first entry with a matching phrase wins.
var vocabulary = []intent{
	{action: ActionUnmute, phrases: []string{"unmute", "start listening", "you can listen"}},
	{action: ActionMute, phrases: []string{"mute", "stop listening"}},
	{action: ActionCancel, confirm: true, phrases: []string{
		"cancel", "stop the workout", "stop the activity", "stop the session", "end the workout",
		"end the activity", "end the session", "quit", "i want to stop", "i'm finished for today",
	}},
	{action: ActionHelp, phrases: []string{"help", "what can i say", "what can you do"}},
	{action: ActionTimeCheck, phrases: []string{
		"how much time", "how long", "time left", "how much longer", "how many seconds", "how many minutes",
	}},
	{action: ActionStatus, phrases: []string{"where am i", "what's next", "whats next", "status", "what exercise", "how many left"}},
	{action: ActionSlower, phrases: []string{"slow down", "slower", "too fast", "go slower"}},
	{action: ActionFaster, phrases: []string{"speed up", "faster", "too slow", "pick up the pace", "go faster"}},
	{action: ActionCompleteExercise, phrases: []string{"i'm done", "im done", "done", "finished", "complete", "that's it", "all done"}},
	{action: ActionResume, phrases: []string{"resume", "continue", "unpause", "keep going", "i'm back", "let's continue"}},
	{action: ActionPause, phrases: []string{"pause", "hold on", "wait", "take a break", "give me a second", "stop"}},
	{action: ActionBack, phrases: []string{"go back", "previous", "back", "redo", "repeat that exercise"}},
	{action: ActionSkip, phrases: []string{"skip", "next exercise", "next one", "move on", "next"}},
	{action: ActionConfirm, phrases: affirmatives},
}

var affirmatives = []string{
	"yes", "yeah", "yep", "yup", "sure", "ok", "okay", "confirm", "do it", "correct",
	"absolutely", "please do", "go ahead", "sounds good", "that's right",
}

var negatives = []string{"no", "nope", "nah", "don't", "not that", "never mind", "nevermind", "wrong"}

var readiness = []string{
	"ready", "i'm ready", "let's go", "lets go", "let's do it", "lets do it", "begin",
	"let's start", "lets start", "let's begin", "i'm in", "start now", "start it",
}

// readinessAlone count only as the whole utterance; inside a sentence they
// are part of other commands ("go back", "start listening").
var readinessAlone = []string{"go", "start", "go go", "go now", "okay go", "ok go"}

func matchesAny(norm string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(norm, p) {
			return true
		}
	}
	return false
}

func isAffirmative(norm string) bool { return matchesAny(norm, affirmatives) && !isNegative(norm) }

func isNegative(norm string) bool { return matchesAny(norm, negatives) }

// isReadiness reports a go-ahead for an announced plan. An utterance that is
// also a control intent (other than a plain yes) is that intent instead.
func isReadiness(norm string) bool {
	if isNegative(norm) {
		return false
	}
	if !matchesAny(norm, readiness) && !slices.Contains(readinessAlone, norm) {
		return false
	}
	if it, ok := matchIntent(norm); ok && it.action != ActionConfirm {
		return false
	}
	return true
}

func matchIntent(norm string) (intent, bool) {
	if n, ok := repCount(norm); ok {
		return intent{action: ActionConfirmRep, phrases: []string{strconv.Itoa(n)}}, true
	}
	for _, in := range vocabulary {
		if matchesAny(norm, in.phrases) {
			return in, true
		}
	}
	return intent{}, false
}

// repCount finds spoken repetition counts: "ten reps", "that's 12", "rep 5",
// or a bare number.
func repCount(norm string) (int, bool) {
	toks := tokens(norm)
	if len(toks) == 1 {
		return parseNumber(toks[0])
	}
	for i, t := range toks {
		if t == "rep" || t == "reps" {
			if i+1 < len(toks) {
				if n, _, ok := numberAt(toks, i+1); ok {
					return n, true
				}
			}
			continue
		}
		n, width, ok := numberAt(toks, i)
		if !ok {
			continue
		}
		next := i + width
		if next < len(toks) && (toks[next] == "rep" || toks[next] == "reps" || toks[next] == "done") {
			return n, true
		}
		if i > 0 && (toks[i-1] == "that's" || toks[i-1] == "thats") && next == len(toks) {
			return n, true
		}
	}
	return 0, false
}

var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19, "twenty": 20,
	"thirty": 30, "forty": 40, "fifty": 50, "sixty": 60, "ninety": 90,
	"a": 1, "an": 1,
}

// numberAt reads the number starting at toks[i], joining "twenty one" into
// 21. width is the number of tokens consumed.
func numberAt(toks []string, i int) (n, width int, ok bool) {
	n, ok = parseNumber(toks[i])
	if !ok {
		return 0, 0, false
	}
	if n >= 20 && n%10 == 0 && i+1 < len(toks) {
		if unit, ok := parseNumber(toks[i+1]); ok && unit > 0 && unit < 10 {
			return n + unit, 2, true
		}
	}
	return n, 1, true
}

func parseNumber(tok string) (int, bool) {
	if n, err := strconv.Atoi(tok); err == nil && n >= 0 {
		return n, true
	}
	if n, ok := numberWords[tok]; ok && tok != "a" && tok != "an" {
		return n, true
	}
	if head, tail, ok := strings.Cut(tok, "-"); ok {
		h, ok1 := numberWords[head]
		t, ok2 := numberWords[tail]
		if ok1 && ok2 && h >= 20 && t < 10 {
			return h + t, true
		}
	}
	return 0, false
}
