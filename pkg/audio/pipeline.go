package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/zenlive/pkg/core"
)

// Microphone is an exclusive capture handle. Start delivers normalized mono
// samples of arbitrary length from the driver thread.
type Microphone interface {
	Start(onSamples func([]float32)) error
	Stop() error
}

// OpenMicrophoneFunc acquires a microphone at a fixed rate and channel count.
type OpenMicrophoneFunc func(sampleRate, channels int) (Microphone, error)

// OpenSinkFunc opens an output sink at the given rate.
type OpenSinkFunc func(sampleRate int) (Sink, error)

// RouteFunc installs the speaker routing workaround used when the microphone
// is active on devices that would otherwise play through the earpiece.
type RouteFunc func(ctx context.Context) error

// FrameHandler receives one fixed-size capture frame plus its RMS level.
type FrameHandler func(samples []float32, level float64)

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	OpenMicrophone     OpenMicrophoneFunc
	OpenSink           OpenSinkFunc
	Route              RouteFunc
	CaptureSampleRate  int
	PlaybackSampleRate int
	FrameSamples       int
	Logger             *slog.Logger
}

// Pipeline owns the microphone, the playback scheduler and the output sink for
// one session.
type Pipeline struct {
	opts   PipelineOptions
	logger *slog.Logger

	mu      sync.Mutex
	mic     Microphone
	player  *Player
	chunker *Chunker
	routed  bool
}

// NewPipeline returns an idle pipeline. Devices are opened lazily.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.CaptureSampleRate <= 0 {
		opts.CaptureSampleRate = CaptureSampleRate
	}
	if opts.PlaybackSampleRate <= 0 {
		opts.PlaybackSampleRate = PlaybackSampleRate
	}
	if opts.FrameSamples <= 0 {
		opts.FrameSamples = FrameSamples
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{opts: opts, logger: logger}
}

// StartCapture acquires the microphone and begins delivering fixed-size frames
// to onFrame. Device failures are returned as core.KindDevice errors.
func (p *Pipeline) StartCapture(ctx context.Context, onFrame FrameHandler) error {
	if onFrame == nil {
		return core.NewInvalidRequestError("frame handler is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mic != nil {
		return nil
	}
	if p.opts.OpenMicrophone == nil {
		return core.NewDeviceError("no microphone available", nil)
	}

	mic, err := p.opts.OpenMicrophone(p.opts.CaptureSampleRate, Channels)
	if err != nil {
		return asDeviceError("open microphone", err)
	}
	p.chunker = NewChunker(p.opts.FrameSamples, func(frame []float32) {
		onFrame(frame, RMSLevel(frame))
	})
	chunker := p.chunker
	if err := mic.Start(chunker.Write); err != nil {
		_ = mic.Stop()
		p.chunker = nil
		return asDeviceError("start microphone", err)
	}
	p.mic = mic

	if p.opts.Route != nil && !p.routed {
		// Best effort: playback still works through the default route.
		if err := p.opts.Route(ctx); err != nil {
			p.logger.Warn("audio routing fallback failed", "err", err)
		} else {
			p.routed = true
		}
	}
	return nil
}

// Capturing reports whether the microphone is held.
func (p *Pipeline) Capturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mic != nil
}

// EnqueuePlayback schedules buf gap-free after previously queued audio.
func (p *Pipeline) EnqueuePlayback(buf Buffer) error {
	p.mu.Lock()
	player, err := p.playerLocked()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return player.Enqueue(buf)
}

// EnqueueBlob decodes an inbound wire frame and schedules it.
func (p *Pipeline) EnqueueBlob(b Blob) error {
	raw, err := decodeBase64(b.Data)
	if err != nil {
		return err
	}
	buf, err := DecodeFrame(raw, SampleRateFromMIME(b.MIMEType, p.opts.PlaybackSampleRate))
	if err != nil {
		return err
	}
	return p.EnqueuePlayback(buf)
}

// Interrupt stops every playing source immediately and keeps the sink open.
func (p *Pipeline) Interrupt() int {
	p.mu.Lock()
	player := p.player
	p.mu.Unlock()
	if player == nil {
		return 0
	}
	return player.StopAll()
}

// Buffered reports how much audio is queued ahead of the play clock.
func (p *Pipeline) Buffered() time.Duration {
	p.mu.Lock()
	player := p.player
	p.mu.Unlock()
	if player == nil {
		return 0
	}
	return player.Buffered()
}

// StopAll stops playback, releases the microphone and closes the sink.
// Calling it again has no further effect.
func (p *Pipeline) StopAll() error {
	p.mu.Lock()
	mic := p.mic
	player := p.player
	chunker := p.chunker
	p.mic = nil
	p.player = nil
	p.chunker = nil
	p.routed = false
	p.mu.Unlock()

	var errs []error
	if chunker != nil {
		chunker.Close()
	}
	if mic != nil {
		if err := mic.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop microphone: %w", err))
		}
	}
	if player != nil {
		if err := player.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		p.logger.Warn("audio release failed", "err", err)
	}
	return err
}

func (p *Pipeline) playerLocked() (*Player, error) {
	if p.player != nil {
		return p.player, nil
	}
	if p.opts.OpenSink == nil {
		return nil, core.NewDeviceError("no audio output available", nil)
	}
	sink, err := p.opts.OpenSink(p.opts.PlaybackSampleRate)
	if err != nil {
		return nil, asDeviceError("open speaker", err)
	}
	p.player = NewPlayer(sink)
	return p.player, nil
}

func asDeviceError(op string, err error) error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	e := core.NewDeviceError("audio device unavailable", err)
	e.Op = op
	return e
}
