package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ContextSnapshot is a point-in-time description of the user used to build
// the handshake instruction.
type ContextSnapshot struct {
	UserName string
	Goals    []string
	Facts    map[string]string
	// Guidance describes an activity in progress, if any.
	Guidance string
	TakenAt  time.Time
}

// ContextProvider supplies context snapshots. It may be slow.
type ContextProvider interface {
	GetContext(ctx context.Context) (ContextSnapshot, error)
}

// ContextProviderFunc adapts a function to ContextProvider.
type ContextProviderFunc func(ctx context.Context) (ContextSnapshot, error)

// GetContext implements ContextProvider.
func (f ContextProviderFunc) GetContext(ctx context.Context) (ContextSnapshot, error) {
	return f(ctx)
}

// RefreshPolicy decides when a mid-session context refresh is due.
type RefreshPolicy struct {
	EveryTurns int
	Every      time.Duration
}

// Due reports whether a refresh should run given turns and time since the
// previous one.
func (p RefreshPolicy) Due(turnsSince int, sinceLast time.Duration) bool {
	if p.EveryTurns > 0 && turnsSince >= p.EveryTurns {
		return true
	}
	return p.Every > 0 && sinceLast >= p.Every
}

// BuildInstruction renders the system instruction for a handshake from a base
// persona, the snapshot and the recent conversation window.
func BuildInstruction(base string, snap ContextSnapshot, recent []Turn) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))

	if section := renderSnapshot(snap); section != "" {
		b.WriteString("\n\n## About the user\n")
		b.WriteString(section)
	}
	if len(recent) > 0 {
		b.WriteString("\n\n## Recent conversation\n")
		for _, t := range recent {
			who := "Coach"
			if t.IsUser {
				who = "User"
			}
			fmt.Fprintf(&b, "%s: %s\n", who, t.Text)
		}
	}
	fmt.Fprintf(&b, "\n\nMessages starting with %q are directives from the guidance engine, not the user. Speak them naturally and never read the marker aloud.", strings.TrimSpace(CuePrefix))
	return b.String()
}

// RenderContextUpdate formats a mid-session refresh as a context turn.
func RenderContextUpdate(snap ContextSnapshot) string {
	return "Updated user context:\n" + renderSnapshot(snap)
}

func renderSnapshot(snap ContextSnapshot) string {
	var b strings.Builder
	if snap.UserName != "" {
		fmt.Fprintf(&b, "- Name: %s\n", snap.UserName)
	}
	if len(snap.Goals) > 0 {
		fmt.Fprintf(&b, "- Goals: %s\n", strings.Join(snap.Goals, "; "))
	}
	keys := make([]string, 0, len(snap.Facts))
	for k := range snap.Facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, snap.Facts[k])
	}
	if snap.Guidance != "" {
		fmt.Fprintf(&b, "- Activity in progress: %s\n", snap.Guidance)
	}
	return b.String()
}
