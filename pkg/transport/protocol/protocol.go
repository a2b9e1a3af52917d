// Package protocol defines the JSON frames of the native duplex websocket
// protocol spoken between the engine and a live speech gateway.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	EncodingPCMS16LE = "pcm_s16le"

	RoleUser    = "user"
	RoleModel   = "model"
	RoleContext = "context"
)

// Client frame types.
const (
	TypeSetup         = "setup"
	TypeRealtimeInput = "realtime_input"
	TypeClientContent = "client_content"
	TypeToolResponse  = "tool_response"
)

// Server frame types.
const (
	TypeSetupComplete    = "setup_complete"
	TypeTranscript       = "transcript"
	TypeAudio            = "audio"
	TypeToolCall         = "tool_call"
	TypeInterrupted      = "interrupted"
	TypeTurnComplete     = "turn_complete"
	TypeResumptionUpdate = "resumption_update"
	TypeGoAway           = "go_away"
	TypeError            = "error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes negotiated live audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// ToolDeclaration advertises one callable function to the model.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ClientSetup struct {
	Type              string            `json:"type"`
	ProtocolVersion   string            `json:"protocol_version"`
	Model             string            `json:"model"`
	SystemInstruction string            `json:"system_instruction,omitempty"`
	Voice             string            `json:"voice,omitempty"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
	ResumptionHandle  string            `json:"resumption_handle,omitempty"`
	AudioIn           AudioFormat       `json:"audio_in"`
	AudioOut          AudioFormat       `json:"audio_out"`
}

// RedactedForLog returns the setup without the instruction body.
func (s ClientSetup) RedactedForLog() map[string]any {
	tools := make([]string, 0, len(s.Tools))
	for _, t := range s.Tools {
		tools = append(tools, t.Name)
	}
	return map[string]any{
		"protocol_version":       s.ProtocolVersion,
		"model":                  s.Model,
		"tools":                  tools,
		"resuming":               s.ResumptionHandle != "",
		"system_instruction_len": len(s.SystemInstruction),
		"audio_in":               s.AudioIn,
		"audio_out":              s.AudioOut,
	}
}

type ClientRealtimeInput struct {
	Type     string `json:"type"`
	MIMEType string `json:"mime_type"`
	DataB64  string `json:"data_b64"`
}

type ClientContent struct {
	Type         string `json:"type"`
	Role         string `json:"role"`
	Text         string `json:"text"`
	TurnComplete bool   `json:"turn_complete"`
}

type ClientToolResponse struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type ServerSetupComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

type ServerTranscript struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type ServerAudio struct {
	Type     string `json:"type"`
	MIMEType string `json:"mime_type"`
	DataB64  string `json:"data_b64"`
}

type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ServerToolCall struct {
	Type  string         `json:"type"`
	Calls []FunctionCall `json:"calls"`
}

type ServerInterrupted struct {
	Type string `json:"type"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
}

type ServerResumptionUpdate struct {
	Type      string `json:"type"`
	Handle    string `json:"handle"`
	Resumable bool   `json:"resumable"`
}

type ServerGoAway struct {
	Type       string `json:"type"`
	TimeLeftMS int64  `json:"time_left_ms,omitempty"`
}

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}

func envelopeType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badRequest("missing type", "type")
	}
	return typ, nil
}

// DecodeClientMessage decodes and validates one client frame.
func DecodeClientMessage(data []byte) (any, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSetup:
		var msg ClientSetup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup frame", "")
		}
		if err := ValidateSetup(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeRealtimeInput:
		var msg ClientRealtimeInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid realtime_input", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("realtime_input.data_b64 is required", "data_b64")
		}
		if !strings.HasPrefix(msg.MIMEType, "audio/pcm") {
			return nil, unsupported("unsupported realtime_input mime type", "mime_type")
		}
		return msg, nil
	case TypeClientContent:
		var msg ClientContent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid client_content", "")
		}
		switch msg.Role {
		case RoleUser, RoleContext:
		case "":
			return nil, badRequest("client_content.role is required", "role")
		default:
			return nil, unsupported("unsupported client_content role", "role")
		}
		return msg, nil
	case TypeToolResponse:
		var msg ClientToolResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tool_response", "")
		}
		if strings.TrimSpace(msg.Name) == "" {
			return nil, badRequest("tool_response.name is required", "name")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateSetup(msg ClientSetup) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("setup.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	if strings.TrimSpace(msg.Model) == "" {
		return badRequest("setup.model is required", "model")
	}
	if msg.AudioIn.SampleRateHz <= 0 {
		return badRequest("setup.audio_in.sample_rate_hz must be > 0", "audio_in.sample_rate_hz")
	}
	if msg.AudioOut.SampleRateHz <= 0 {
		return badRequest("setup.audio_out.sample_rate_hz must be > 0", "audio_out.sample_rate_hz")
	}
	seen := make(map[string]struct{}, len(msg.Tools))
	for i, tool := range msg.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return badRequest("setup.tools entries must have a name", fmt.Sprintf("tools[%d].name", i))
		}
		if _, dup := seen[name]; dup {
			return badRequest("setup.tools names must be unique", fmt.Sprintf("tools[%d].name", i))
		}
		seen[name] = struct{}{}
	}
	return nil
}

// DecodeServerMessage decodes and validates one server frame.
func DecodeServerMessage(data []byte) (any, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSetupComplete:
		var msg ServerSetupComplete
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup_complete", "")
		}
		return msg, nil
	case TypeTranscript:
		var msg ServerTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript", "")
		}
		if msg.Role != RoleUser && msg.Role != RoleModel {
			return nil, badRequest("transcript.role must be user or model", "role")
		}
		return msg, nil
	case TypeAudio:
		var msg ServerAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio.data_b64 is required", "data_b64")
		}
		return msg, nil
	case TypeToolCall:
		var msg ServerToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid tool_call", "")
		}
		if len(msg.Calls) == 0 {
			return nil, badRequest("tool_call.calls must be non-empty", "calls")
		}
		return msg, nil
	case TypeInterrupted:
		return ServerInterrupted{Type: typ}, nil
	case TypeTurnComplete:
		return ServerTurnComplete{Type: typ}, nil
	case TypeResumptionUpdate:
		var msg ServerResumptionUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid resumption_update", "")
		}
		return msg, nil
	case TypeGoAway:
		var msg ServerGoAway
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid go_away", "")
		}
		return msg, nil
	case TypeError:
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}
