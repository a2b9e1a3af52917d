package engine

import (
	"strings"
	"unicode"
)

// injuryPhrases trigger the safety interjection while an activity runs.
var injuryPhrases = []string{
	"pain", "painful", "hurts", "hurt", "hurting", "injured", "injury", "sprained", "sprain",
	"dizzy", "lightheaded", "light headed", "faint", "chest tight", "chest is tight",
	"can't breathe", "cannot breathe", "pulled a muscle", "pulled something", "twisted my",
}

var negators = map[string]bool{"no": true, "not": true, "don't": true, "doesn't": true, "without": true, "isn't": true}

const safetyCue = "The user just mentioned pain or discomfort. Guidance is paused. " +
	"Respond with care: tell them to stop the movement, and recommend they check with a " +
	"healthcare professional before continuing. Do not diagnose. Resume only if they ask to."

// mentionsInjury reports whether text reports pain or injury. A phrase
// directly preceded by a negation ("no pain") does not count.
func mentionsInjury(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for _, phrase := range injuryPhrases {
		want := strings.Fields(phrase)
		for i := 0; i+len(want) <= len(words); i++ {
			if !equalWords(words[i:i+len(want)], want) {
				continue
			}
			if i > 0 && negators[words[i-1]] {
				continue
			}
			return true
		}
	}
	return false
}

func equalWords(a, b []string) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
