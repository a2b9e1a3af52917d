// Package wschan implements transport.Channel over the native JSON websocket
// protocol using gorilla/websocket.
package wschan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/transport"
	"github.com/vango-go/zenlive/pkg/transport/protocol"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Dialer opens websocket channels to a live gateway.
type Dialer struct {
	URL          string
	APIKey       string
	Header       http.Header
	PingInterval time.Duration
	WriteTimeout time.Duration
	// WS overrides the websocket dialer; nil uses websocket.DefaultDialer.
	WS *websocket.Dialer
}

// Dial connects, sends the setup frame and returns the channel. The caller
// waits for setup_complete through Receive.
func (d *Dialer) Dial(ctx context.Context, setup transport.Setup) (transport.Channel, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, errors.New("wschan: url is required")
	}
	headers := make(http.Header)
	for k, v := range d.Header {
		headers[k] = append([]string(nil), v...)
	}
	if d.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.APIKey)
	}

	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	conn, resp, err := ws.DialContext(ctx, d.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &Channel{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		done:         make(chan struct{}),
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	if err := c.writeJSON(setupFrame(setup)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	ping := d.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	go c.pingLoop(ping)
	return c, nil
}

func setupFrame(s transport.Setup) protocol.ClientSetup {
	format := func(rate int) protocol.AudioFormat {
		return protocol.AudioFormat{Encoding: protocol.EncodingPCMS16LE, SampleRateHz: rate, Channels: audio.Channels}
	}
	return protocol.ClientSetup{
		Type:              protocol.TypeSetup,
		ProtocolVersion:   protocol.ProtocolVersion1,
		Model:             s.Model,
		SystemInstruction: s.SystemInstruction,
		Voice:             s.Voice,
		Tools:             s.Tools,
		ResumptionHandle:  s.ResumptionHandle,
		AudioIn:           format(s.CaptureSampleRate),
		AudioOut:          format(s.PlaybackSampleRate),
	}
}

// Channel is one websocket connection.
type Channel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

func (c *Channel) SendAudio(_ context.Context, blob audio.Blob) error {
	return c.writeJSON(protocol.ClientRealtimeInput{
		Type:     protocol.TypeRealtimeInput,
		MIMEType: blob.MIMEType,
		DataB64:  blob.Data,
	})
}

func (c *Channel) SendContent(_ context.Context, content transport.Content) error {
	role := protocol.RoleUser
	if content.Role == transport.RoleContext {
		role = protocol.RoleContext
	}
	return c.writeJSON(protocol.ClientContent{
		Type:         protocol.TypeClientContent,
		Role:         role,
		Text:         content.Text,
		TurnComplete: content.TurnComplete,
	})
}

func (c *Channel) SendToolResponse(_ context.Context, resp transport.ToolResponse) error {
	return c.writeJSON(protocol.ClientToolResponse{
		Type:     protocol.TypeToolResponse,
		ID:       resp.ID,
		Name:     resp.Name,
		Response: resp.Response,
	})
}

// Receive reads the next frame. Cancelling ctx unblocks the read and leaves
// the channel unusable.
func (c *Channel) Receive(ctx context.Context) (transport.ServerMessage, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return transport.ServerMessage{}, ctx.Err()
			}
			return transport.ServerMessage{}, fmt.Errorf("%w: %v", transport.ErrChannelClosed, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := protocol.DecodeServerMessage(data)
		if err != nil {
			var decErr *protocol.DecodeError
			if errors.As(err, &decErr) && decErr.Code == "unsupported" {
				continue
			}
			return transport.ServerMessage{}, fmt.Errorf("decode server frame: %w", err)
		}
		return toServerMessage(frame), nil
	}
}

func toServerMessage(frame any) transport.ServerMessage {
	var msg transport.ServerMessage
	switch f := frame.(type) {
	case protocol.ServerSetupComplete:
		msg.SetupComplete = true
	case protocol.ServerTranscript:
		msg.Transcripts = []transport.Transcript{{
			Text:   f.Text,
			IsUser: f.Role == protocol.RoleUser,
			Final:  f.IsFinal,
		}}
	case protocol.ServerAudio:
		msg.Audio = []audio.Blob{{MIMEType: f.MIMEType, Data: f.DataB64}}
	case protocol.ServerToolCall:
		for _, call := range f.Calls {
			msg.ToolCalls = append(msg.ToolCalls, transport.ToolCall{ID: call.ID, Name: call.Name, Args: call.Args})
		}
	case protocol.ServerInterrupted:
		msg.Interrupted = true
	case protocol.ServerTurnComplete:
		msg.TurnComplete = true
	case protocol.ServerResumptionUpdate:
		msg.Resumption = &transport.ResumptionUpdate{Handle: f.Handle, Resumable: f.Resumable}
	case protocol.ServerGoAway:
		msg.GoAway = &transport.GoAway{TimeLeft: time.Duration(f.TimeLeftMS) * time.Millisecond}
	case protocol.ServerError:
		msg.Error = &transport.RemoteError{Code: f.Code, Message: f.Message, Close: f.Close}
	}
	return msg
}

func (c *Channel) writeJSON(v any) error {
	if c.closed.Load() {
		return transport.ErrChannelClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		if isClosedErr(err) {
			return fmt.Errorf("%w: %v", transport.ErrChannelClosed, err)
		}
		return err
	}
	return nil
}

func (c *Channel) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close sends a normal closure and closes the socket. Safe to call repeatedly.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func isClosedErr(err error) bool {
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
