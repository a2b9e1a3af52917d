package voicecmd

import (
	"strings"
	"unicode"
)

var fillers = map[string]bool{
	"um": true, "uh": true, "er": true, "hmm": true, "mm": true, "ah": true, "oh": true,
	"like": true, "so": true, "well": true,
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "one": true, "please": true, "i": true, "i'd": true,
	"want": true, "to": true, "do": true, "go": true, "with": true, "lets": true, "let's": true,
	"me": true, "my": true, "option": true, "pick": true, "choose": true, "take": true, "that": true,
}

// normalize lowercases, drops punctuation other than apostrophes and
// collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'':
			b.WriteRune(r)
			space = false
		case r == '’':
			b.WriteRune('\'')
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func tokens(s string) []string { return strings.Fields(s) }

func contentTokens(s string) []string {
	var out []string
	for _, t := range tokens(s) {
		if !stopwords[t] && !fillers[t] {
			out = append(out, t)
		}
	}
	return out
}

// trivial reports utterances too small to deserve a clarification prompt.
func trivial(norm string) bool {
	meaningful := 0
	for _, t := range tokens(norm) {
		if !fillers[t] {
			meaningful++
		}
	}
	return meaningful == 0 || (meaningful == 1 && len(norm) < 3)
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
// Both arguments must be normalized.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	t := " " + text + " "
	return strings.Contains(t, " "+phrase+" ")
}

// similarity scores how well utterance matches a candidate label in [0, 1].
// Tokens in shared are ignored by the word-overlap score so that options are
// told apart by the words that differ between them.
func similarity(utterance, candidate string, shared map[string]bool) float64 {
	if utterance == "" || candidate == "" {
		return 0
	}
	if utterance == candidate {
		return 1
	}
	if containsPhrase(utterance, candidate) {
		return 0.92
	}

	best := 0.0
	ct := without(contentTokens(candidate), shared)
	ut := without(contentTokens(utterance), shared)
	if len(ct) > 0 && len(ut) > 0 {
		hits := 0.0
		for _, c := range ct {
			tokenBest := 0.0
			for _, u := range ut {
				if s := tokenSimilarity(u, c); s > tokenBest {
					tokenBest = s
				}
			}
			hits += tokenBest
		}
		coverage := hits / float64(len(ct))
		precision := hits / float64(len(ut))
		best = 0.7*coverage + 0.3*precision
	}
	if r := ratio(utterance, candidate); r > best {
		best = r
	}
	return best
}

func without(toks []string, drop map[string]bool) []string {
	if len(drop) == 0 {
		return toks
	}
	out := toks[:0:0]
	for _, t := range toks {
		if !drop[t] {
			out = append(out, t)
		}
	}
	return out
}

// sharedTokens returns content tokens present in every label.
func sharedTokens(labels []string) map[string]bool {
	if len(labels) < 2 {
		return nil
	}
	counts := make(map[string]int)
	for _, l := range labels {
		seen := make(map[string]bool)
		for _, t := range contentTokens(l) {
			if !seen[t] {
				seen[t] = true
				counts[t]++
			}
		}
	}
	shared := make(map[string]bool)
	for t, n := range counts {
		if n == len(labels) {
			shared[t] = true
		}
	}
	return shared
}

func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) >= 4 && len(b) >= 4 && (strings.HasPrefix(a, b) || strings.HasPrefix(b, a)) {
		return 0.9
	}
	r := ratio(a, b)
	if r < 0.75 {
		return 0
	}
	return r
}

// ratio is 1 - levenshtein distance / longest length.
func ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

var ordinals = map[string]int{
	"first": 0, "1st": 0, "second": 1, "2nd": 1, "third": 2, "3rd": 2, "fourth": 3, "4th": 3,
	"fifth": 4, "5th": 4, "last": -1,
}

// ordinalFollowers may come after an ordinal used as a choice. Anything else
// ("a second", "the last time") is ordinary speech.
var ordinalFollowers = map[string]bool{"": true, "one": true, "option": true, "choice": true, "please": true}

// ordinalChoice resolves "the second one", "number 2", "option three" or a
// bare "second".
func ordinalChoice(norm string, n int) (int, bool) {
	toks := tokens(norm)
	for i, t := range toks {
		if idx, ok := ordinals[t]; ok && choicePosition(toks, i) {
			if idx == -1 {
				idx = n - 1
			}
			if idx < n {
				return idx, true
			}
		}
		if (t == "number" || t == "option") && i+1 < len(toks) {
			if v, ok := parseNumber(toks[i+1]); ok && v >= 1 && v <= n {
				return v - 1, true
			}
		}
	}
	return 0, false
}

func choicePosition(toks []string, i int) bool {
	var prev, next string
	if i > 0 {
		prev = toks[i-1]
	}
	if i+1 < len(toks) {
		next = toks[i+1]
	}
	if prev != "" && prev != "the" {
		return false
	}
	return ordinalFollowers[next]
}
