package transport

import (
	"fmt"
	"strings"
)

// CuePrefix marks engine-authored turns so they are never mistaken for
// spontaneous user speech and can be hidden from the transcript view.
const CuePrefix = "[[cue]] "

// TagCue prefixes text with the cue sentinel unless it already has one.
func TagCue(text string) string {
	if IsCue(text) {
		return text
	}
	return CuePrefix + text
}

// IsCue reports whether text carries the cue sentinel.
func IsCue(text string) bool {
	return strings.HasPrefix(strings.TrimLeft(text, " "), strings.TrimSpace(CuePrefix))
}

// StripCue removes the cue sentinel for display.
func StripCue(text string) string {
	trimmed := strings.TrimLeft(text, " ")
	if !strings.HasPrefix(trimmed, strings.TrimSpace(CuePrefix)) {
		return text
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, strings.TrimSpace(CuePrefix)))
}

// FallbackCue asks the model to speak what a failed or rejected tool call
// would have shown.
func FallbackCue(tool string) string {
	return fmt.Sprintf("The %s request could not be shown on screen. Say the same information out loud instead, briefly.", tool)
}
