package voicecmd

import (
	"strings"
	"time"
)

// ShortHintDuration is used when the user asks for something short without
// naming a length.
const ShortHintDuration = 60 * time.Second

var shortHints = []string{
	"short", "quick", "tired", "brief", "little", "not long", "exhausted", "busy",
	"don't have much time", "only a minute", "just a minute",
}

var unitWords = map[string]time.Duration{
	"second": time.Second, "seconds": time.Second, "sec": time.Second, "secs": time.Second,
	"minute": time.Minute, "minutes": time.Minute, "min": time.Minute, "mins": time.Minute,
	"hour": time.Hour, "hours": time.Hour,
}

// ParseDuration finds an explicit length in an utterance, e.g. "two
// minutes", "90 seconds", "a minute and a half", "half a minute".
func ParseDuration(utterance string) (time.Duration, bool) {
	toks := tokens(normalize(utterance))
	for i, t := range toks {
		unit, ok := unitWords[t]
		if !ok || i == 0 {
			continue
		}
		prev := toks[i-1]
		var d time.Duration
		switch {
		case prev == "a" || prev == "an" || prev == "one":
			d = unit
			if i >= 2 && toks[i-2] == "half" {
				d = unit / 2
			}
		default:
			n, ok := parseNumber(prev)
			if !ok {
				continue
			}
			if i >= 2 {
				if joined, width, ok := numberAt(toks, i-2); ok && width == 2 {
					n = joined
				}
			}
			d = time.Duration(n) * unit
		}
		if i+3 < len(toks) && toks[i+1] == "and" && toks[i+2] == "a" && toks[i+3] == "half" {
			d += unit / 2
		}
		if d > 0 {
			return d, true
		}
	}
	return 0, false
}

// NormalizeDuration corrects a duration offered by the model using what the
// user actually said. An explicit length wins; otherwise a request for
// something short caps the offer at ShortHintDuration. It reports whether
// the offer changed.
func NormalizeDuration(utterance string, offered time.Duration) (time.Duration, bool) {
	if d, ok := ParseDuration(utterance); ok {
		return d, d != offered
	}
	norm := normalize(utterance)
	for _, hint := range shortHints {
		if containsPhrase(norm, hint) || (strings.Contains(hint, " ") && strings.Contains(norm, hint)) {
			if offered > ShortHintDuration || offered <= 0 {
				return ShortHintDuration, true
			}
			return offered, false
		}
	}
	return offered, false
}
