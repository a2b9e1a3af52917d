package transport

import (
	"context"
	"errors"
	"time"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/transport/protocol"
)

// ErrChannelClosed is returned by a Channel whose underlying connection is
// closing or closed. The transport treats it as connection loss.
var ErrChannelClosed = errors.New("transport: channel closed")

// Role of an injected text turn.
type Role string

const (
	// RoleUser is a synthetic user turn that elicits a reply.
	RoleUser Role = "user"
	// RoleContext carries context the model should absorb without replying.
	RoleContext Role = "context"
)

// Setup is the handshake payload for one connection.
type Setup struct {
	Model              string
	SystemInstruction  string
	Voice              string
	Tools              []protocol.ToolDeclaration
	ResumptionHandle   string
	CaptureSampleRate  int
	PlaybackSampleRate int
}

// Content is one injected text turn.
type Content struct {
	Role         Role
	Text         string
	TurnComplete bool
}

// ToolResponse answers one tool call.
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Transcript is a user or model transcription fragment.
type Transcript struct {
	Text   string
	IsUser bool
	Final  bool
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ResumptionUpdate carries a new server-issued resumption handle.
type ResumptionUpdate struct {
	Handle    string
	Resumable bool
}

// GoAway announces that the server will close the channel soon.
type GoAway struct {
	TimeLeft time.Duration
}

// RemoteError is an error frame reported by the server.
type RemoteError struct {
	Code    string
	Message string
	Close   bool
}

// ServerMessage is one inbound message normalized across backends. A single
// message may carry several parts. The interruption is handled first and the
// turn boundary last.
type ServerMessage struct {
	SetupComplete bool
	Transcripts   []Transcript
	Audio         []audio.Blob
	ToolCalls     []ToolCall
	Interrupted   bool
	TurnComplete  bool
	Resumption    *ResumptionUpdate
	GoAway        *GoAway
	Error         *RemoteError
}

// Channel is one open duplex connection. Send methods must be safe for
// concurrent use; Receive is called from a single goroutine.
type Channel interface {
	SendAudio(ctx context.Context, blob audio.Blob) error
	SendContent(ctx context.Context, content Content) error
	SendToolResponse(ctx context.Context, resp ToolResponse) error
	Receive(ctx context.Context) (ServerMessage, error)
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, setup Setup) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, setup Setup) (Channel, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, setup Setup) (Channel, error) {
	return f(ctx, setup)
}

// Empty reports whether the message carries nothing to dispatch.
func (m ServerMessage) Empty() bool {
	return !m.SetupComplete && !m.Interrupted && !m.TurnComplete &&
		len(m.Transcripts) == 0 && len(m.Audio) == 0 && len(m.ToolCalls) == 0 &&
		m.Resumption == nil && m.GoAway == nil && m.Error == nil
}
