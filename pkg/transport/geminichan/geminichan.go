// Package geminichan implements transport.Channel on the Gemini Live API.
package geminichan

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/transport"
)

// DefaultModel is the native-audio live model used when none is configured.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// Session is the subset of *genai.Session the channel drives.
type Session interface {
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendClientContent(genai.LiveClientContentInput) error
	SendToolResponse(genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// ConnectFunc opens a live session. Tests replace it.
type ConnectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Session, error)

// Dialer opens Gemini Live channels.
type Dialer struct {
	APIKey string
	// Connect overrides the genai client; nil dials the Gemini API.
	Connect ConnectFunc

	once    sync.Once
	client  *genai.Client
	initErr error
}

// Dial connects a live session configured from setup.
func (d *Dialer) Dial(ctx context.Context, setup transport.Setup) (transport.Channel, error) {
	connect := d.Connect
	if connect == nil {
		connect = d.connectGenAI
	}
	model := setup.Model
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	sess, err := connect(ctx, model, ConnectConfig(setup))
	if err != nil {
		return nil, fmt.Errorf("gemini live connect: %w", err)
	}
	return newChannel(sess), nil
}

func (d *Dialer) connectGenAI(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (Session, error) {
	d.once.Do(func() {
		if strings.TrimSpace(d.APIKey) == "" {
			d.initErr = errors.New("gemini api key is required")
			return
		}
		d.client, d.initErr = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey:  d.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if d.initErr != nil {
		return nil, d.initErr
	}
	return d.client.Live.Connect(ctx, model, cfg)
}

// ConnectConfig maps a transport setup onto the Live API connect config.
// Both audio directions are transcribed so turns can be recorded.
func ConnectConfig(setup transport.Setup) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		SessionResumption:        &genai.SessionResumptionConfig{Handle: setup.ResumptionHandle},
	}
	if setup.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: setup.SystemInstruction}}}
	}
	if setup.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: setup.Voice},
			},
		}
	}
	if len(setup.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(setup.Tools))
		for _, tool := range setup.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

type received struct {
	msg *genai.LiveServerMessage
	err error
}

// Channel wraps one live session. A pump goroutine reads the session so
// Receive can honour its context.
type Channel struct {
	sess   Session
	frames chan received
	done   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	// Transcription arrives as deltas; these accumulate until the segment
	// finishes or the turn completes.
	mu        sync.Mutex
	userText  strings.Builder
	modelText strings.Builder
}

func newChannel(sess Session) *Channel {
	c := &Channel{
		sess:   sess,
		frames: make(chan received),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *Channel) pump() {
	for {
		msg, err := c.sess.Receive()
		select {
		case c.frames <- received{msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) SendAudio(_ context.Context, blob audio.Blob) error {
	data, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return fmt.Errorf("decode audio frame: %w", err)
	}
	return c.send(func() error {
		return c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: blob.MIMEType, Data: data},
		})
	})
}

// SendContent sends text into the conversation. Context updates are sent as
// a model-side turn that leaves the turn open so the model does not reply.
func (c *Channel) SendContent(_ context.Context, content transport.Content) error {
	role := "user"
	if content.Role == transport.RoleContext {
		role = "model"
	}
	return c.send(func() error {
		return c.sess.SendClientContent(genai.LiveClientContentInput{
			Turns: []*genai.Content{{
				Role:  role,
				Parts: []*genai.Part{{Text: content.Text}},
			}},
			TurnComplete: genai.Ptr(content.TurnComplete),
		})
	})
}

func (c *Channel) SendToolResponse(_ context.Context, resp transport.ToolResponse) error {
	return c.send(func() error {
		return c.sess.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{
				ID:       resp.ID,
				Name:     resp.Name,
				Response: resp.Response,
			}},
		})
	})
}

func (c *Channel) send(fn func() error) error {
	if c.closed.Load() {
		return transport.ErrChannelClosed
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrChannelClosed, err)
	}
	return nil
}

// Receive returns the next translated server message. Messages that carry
// nothing the transport consumes are skipped.
func (c *Channel) Receive(ctx context.Context) (transport.ServerMessage, error) {
	for {
		var r received
		select {
		case <-ctx.Done():
			return transport.ServerMessage{}, ctx.Err()
		case <-c.done:
			return transport.ServerMessage{}, transport.ErrChannelClosed
		case r = <-c.frames:
		}
		if r.err != nil {
			return transport.ServerMessage{}, fmt.Errorf("%w: %v", transport.ErrChannelClosed, r.err)
		}
		if r.msg == nil {
			continue
		}
		msg := c.translate(r.msg)
		if !msg.Empty() {
			return msg, nil
		}
	}
}

func (c *Channel) translate(in *genai.LiveServerMessage) transport.ServerMessage {
	var out transport.ServerMessage
	if in.SetupComplete != nil {
		out.SetupComplete = true
	}
	if sc := in.ServerContent; sc != nil {
		out.Interrupted = sc.Interrupted
		if sc.Interrupted {
			c.resetTranscripts()
		}
		if t := sc.InputTranscription; t != nil {
			out.Transcripts = append(out.Transcripts, c.accumulate(&c.userText, true, t.Text, t.Finished)...)
		}
		if t := sc.OutputTranscription; t != nil {
			out.Transcripts = append(out.Transcripts, c.accumulate(&c.modelText, false, t.Text, t.Finished)...)
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
					continue
				}
				out.Audio = append(out.Audio, audio.Blob{
					MIMEType: part.InlineData.MIMEType,
					Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
				})
			}
		}
		if sc.TurnComplete {
			out.Transcripts = append(out.Transcripts, c.flush()...)
			out.TurnComplete = true
		}
	}
	if tc := in.ToolCall; tc != nil {
		for _, call := range tc.FunctionCalls {
			if call == nil {
				continue
			}
			out.ToolCalls = append(out.ToolCalls, transport.ToolCall{ID: call.ID, Name: call.Name, Args: call.Args})
		}
	}
	if ru := in.SessionResumptionUpdate; ru != nil {
		out.Resumption = &transport.ResumptionUpdate{Handle: ru.NewHandle, Resumable: ru.Resumable}
	}
	if in.GoAway != nil {
		out.GoAway = &transport.GoAway{}
	}
	return out
}

func (c *Channel) accumulate(buf *strings.Builder, isUser bool, delta string, finished bool) []transport.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf.WriteString(delta)
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return nil
	}
	if finished {
		buf.Reset()
	}
	return []transport.Transcript{{Text: text, IsUser: isUser, Final: finished}}
}

func (c *Channel) flush() []transport.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []transport.Transcript
	if text := strings.TrimSpace(c.userText.String()); text != "" {
		out = append(out, transport.Transcript{Text: text, IsUser: true, Final: true})
	}
	if text := strings.TrimSpace(c.modelText.String()); text != "" {
		out = append(out, transport.Transcript{Text: text, Final: true})
	}
	c.userText.Reset()
	c.modelText.Reset()
	return out
}

func (c *Channel) resetTranscripts() {
	c.mu.Lock()
	c.modelText.Reset()
	c.mu.Unlock()
}

// Close ends the session. Safe to call repeatedly.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.sess.Close()
	})
	return err
}
