// Package device binds the audio pipeline to real hardware: malgo for the
// microphone and oto for the speaker.
package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/core"
)

// Microphone captures mono float32 samples through miniaudio.
type Microphone struct {
	sampleRate int
	channels   int

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// OpenMicrophone initialises the capture context. It matches
// audio.OpenMicrophoneFunc.
func OpenMicrophone(sampleRate, channels int) (audio.Microphone, error) {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, core.NewDeviceError("failed to init audio context", err)
	}
	return &Microphone{sampleRate: sampleRate, channels: channels, ctx: ctx}, nil
}

// Start opens the default capture device and begins streaming. The callback
// runs on the driver thread.
func (m *Microphone) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return core.NewDeviceError("microphone already released", nil)
	}
	if m.device != nil {
		return nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(m.channels)
	cfg.SampleRate = uint32(m.sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	channels := m.channels
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			if len(input) == 0 {
				return
			}
			onSamples(downmixF32(input, int(frameCount), channels))
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, cfg, callbacks)
	if err != nil {
		return core.NewDeviceError("no microphone found or permission denied", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return core.NewDeviceError("failed to start microphone", err)
	}
	m.device = device
	return nil
}

// Stop stops the device and frees the context. Safe to call repeatedly.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stopErr error
	if m.device != nil {
		if err := m.device.Stop(); err != nil {
			stopErr = fmt.Errorf("stop capture device: %w", err)
		}
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	return stopErr
}

// downmixF32 decodes interleaved little-endian float32 frames to mono.
func downmixF32(raw []byte, frames, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	if max := len(raw) / (4 * channels); frames <= 0 || frames > max {
		frames = max
	}
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 4
			sum += math.Float32frombits(binary.LittleEndian.Uint32(raw[off : off+4]))
		}
		out[i] = sum / float32(channels)
	}
	return out
}
