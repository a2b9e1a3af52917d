package engine

import (
	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/transport"
	"github.com/vango-go/zenlive/pkg/voicecmd"
)

// event is one unit of work for the dispatch loop.
type event interface{ eventType() string }

type frameEvent struct {
	samples []float32
	level   float64
}

type statusEvent struct{ status transport.Status }

type transcriptEvent struct{ t transport.Transcript }

type audioEvent struct{ blob audio.Blob }

type toolCallEvent struct{ call transport.ToolCall }

type toolRejectedEvent struct {
	call transport.ToolCall
	err  error
}

type interruptedEvent struct{}

type turnCompleteEvent struct{ turn int }

type connectionLostEvent struct{ err error }

type reconnectedEvent struct{}

type reconnectFailedEvent struct{ err error }

type selectionExpiredEvent struct{ set voicecmd.SelectionSet }

// callEvent runs fn on the loop and closes done afterwards.
type callEvent struct {
	fn   func()
	done chan struct{}
}

func (frameEvent) eventType() string            { return "frame" }
func (statusEvent) eventType() string           { return "status" }
func (transcriptEvent) eventType() string       { return "transcript" }
func (audioEvent) eventType() string            { return "audio" }
func (toolCallEvent) eventType() string         { return "tool_call" }
func (toolRejectedEvent) eventType() string     { return "tool_rejected" }
func (interruptedEvent) eventType() string      { return "interrupted" }
func (turnCompleteEvent) eventType() string     { return "turn_complete" }
func (connectionLostEvent) eventType() string   { return "connection_lost" }
func (reconnectedEvent) eventType() string      { return "reconnected" }
func (reconnectFailedEvent) eventType() string  { return "reconnect_failed" }
func (selectionExpiredEvent) eventType() string { return "selection_expired" }
func (callEvent) eventType() string             { return "call" }

// transportEvents adapts transport callbacks into loop events. Callbacks
// block until the loop accepts the event so arrival order is kept.
type transportEvents struct {
	e *Engine
}

func (l transportEvents) OnStatus(s transport.Status)         { l.e.post(statusEvent{status: s}) }
func (l transportEvents) OnTranscript(t transport.Transcript) { l.e.post(transcriptEvent{t: t}) }
func (l transportEvents) OnAudio(b audio.Blob)                { l.e.post(audioEvent{blob: b}) }
func (l transportEvents) OnToolCall(c transport.ToolCall)     { l.e.post(toolCallEvent{call: c}) }
func (l transportEvents) OnInterrupted()                      { l.e.post(interruptedEvent{}) }
func (l transportEvents) OnTurnComplete(n int)                { l.e.post(turnCompleteEvent{turn: n}) }
func (l transportEvents) OnConnectionLost(err error)          { l.e.post(connectionLostEvent{err: err}) }
func (l transportEvents) OnReconnected()                      { l.e.post(reconnectedEvent{}) }
func (l transportEvents) OnReconnectFailed(err error)         { l.e.post(reconnectFailedEvent{err: err}) }
func (l transportEvents) OnToolRejected(c transport.ToolCall, err error) {
	l.e.post(toolRejectedEvent{call: c, err: err})
}
