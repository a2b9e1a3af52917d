package engine

import (
	"github.com/vango-go/zenlive/pkg/core"
	"github.com/vango-go/zenlive/pkg/guidance"
	"github.com/vango-go/zenlive/pkg/transport"
	"github.com/vango-go/zenlive/pkg/voicecmd"
)

// Control names reported through HostListener.OnActivityControl.
const (
	ControlStarted     = "started"
	ControlRestored    = "restored"
	ControlPaused      = "paused"
	ControlResumed     = "resumed"
	ControlSkipped     = "skipped"
	ControlBack        = "back"
	ControlCompleted   = "step_completed"
	ControlStopped     = "stopped"
	ControlMuted       = "muted"
	ControlUnmuted     = "unmuted"
	ControlSafetyPause = "safety_pause"
)

// HostListener receives engine events for the host UI. Every method is
// called from the engine's dispatch goroutine and must return quickly.
type HostListener interface {
	OnStatus(status transport.Status)
	OnTranscript(text string, isUser, final bool)
	OnInterrupted()
	// OnReconnecting fires when an unexpected close starts reconnection.
	OnReconnecting(cause error)
	OnError(kind core.Kind, message string)

	// OnToolCall reports every validated tool call before it is handled.
	OnToolCall(name string, args map[string]any)
	OnRenderUI(component string, props map[string]any)
	// OnSelectionChanged reports the open selection; nil clears it.
	OnSelectionChanged(set *voicecmd.SelectionSet)
	OnSelectionResolved(option voicecmd.Option)

	OnActivityControl(control string, progress guidance.Progress)
	OnPaceChanged(pace guidance.Pace)
	OnTimer(ev guidance.TimerEvent)
	OnProgress(progress guidance.Progress)
	OnActivityComplete(summary guidance.Summary)
	OnMicLevel(level float64)
}

// BaseHostListener implements HostListener with no-ops for embedding.
type BaseHostListener struct{}

func (BaseHostListener) OnStatus(transport.Status)                   {}
func (BaseHostListener) OnTranscript(string, bool, bool)             {}
func (BaseHostListener) OnInterrupted()                              {}
func (BaseHostListener) OnReconnecting(error)                        {}
func (BaseHostListener) OnError(core.Kind, string)                   {}
func (BaseHostListener) OnToolCall(string, map[string]any)           {}
func (BaseHostListener) OnRenderUI(string, map[string]any)           {}
func (BaseHostListener) OnSelectionChanged(*voicecmd.SelectionSet)   {}
func (BaseHostListener) OnSelectionResolved(voicecmd.Option)         {}
func (BaseHostListener) OnActivityControl(string, guidance.Progress) {}
func (BaseHostListener) OnPaceChanged(guidance.Pace)                 {}
func (BaseHostListener) OnTimer(guidance.TimerEvent)                 {}
func (BaseHostListener) OnProgress(guidance.Progress)                {}
func (BaseHostListener) OnActivityComplete(guidance.Summary)         {}
func (BaseHostListener) OnMicLevel(float64)                          {}
