package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/zenlive/pkg/core"
	"github.com/vango-go/zenlive/pkg/engine"
	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/transport"
	"github.com/vango-go/zenlive/pkg/voicecmd"
)

// console renders engine events as terminal lines.
type console struct {
	engine.BaseHostListener

	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *console) OnStatus(status transport.Status) {
	c.printf("[status] %s\n", status)
}

func (c *console) OnTranscript(text string, isUser, final bool) {
	if !final {
		return
	}
	who := "coach"
	if isUser {
		who = "you"
	}
	c.printf("%s: %s\n", who, text)
}

func (c *console) OnReconnecting(cause error) {
	c.printf("[reconnecting] %v\n", cause)
}

func (c *console) OnError(kind core.Kind, message string) {
	c.printf("[error] %s: %s\n", kind, message)
}

func (c *console) OnRenderUI(component string, props map[string]any) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, props[k]))
	}
	c.printf("[ui] %s %s\n", component, strings.Join(parts, " "))
}

func (c *console) OnSelectionChanged(set *voicecmd.SelectionSet) {
	if set == nil {
		return
	}
	var b strings.Builder
	if set.Prompt != "" {
		b.WriteString(set.Prompt)
		b.WriteString("\n")
	}
	for i, opt := range set.Options {
		mark := ""
		if opt.Default {
			mark = " (default)"
		}
		fmt.Fprintf(&b, "  %d. %s%s\n", i+1, opt.Label, mark)
	}
	c.printf("[choose] %s", b.String())
}

func (c *console) OnSelectionResolved(option voicecmd.Option) {
	c.printf("[chosen] %s\n", option.Label)
}

func (c *console) OnActivityControl(control string, p guidance.Progress) {
	c.printf("[%s] step %d, %s\n", control, p.CurrentStep+1, p.Status)
}

func (c *console) OnPaceChanged(pace guidance.Pace) {
	c.printf("[pace] %s\n", pace)
}

func (c *console) OnActivityComplete(s guidance.Summary) {
	c.printf("[complete] %d of %d steps in %s\n", s.StepsCompleted, s.StepsTotal, s.Elapsed.Round(time.Second))
}

func (c *console) printProgress(status transport.Status, p guidance.Progress) {
	if !p.Status.Running() {
		c.printf("session %s, no activity running\n", status)
		return
	}
	line := fmt.Sprintf("session %s, activity %s, step %d, elapsed %s, pace %s",
		status, p.Status, p.CurrentStep+1, p.Elapsed.Round(time.Second), p.Pace)
	if p.Resting {
		line += fmt.Sprintf(", resting %s/%s", p.RestElapsed.Round(time.Second), p.RestDuration)
	}
	if p.RepsDone > 0 {
		line += fmt.Sprintf(", %d reps", p.RepsDone)
	}
	c.printf("%s\n", line)
}
