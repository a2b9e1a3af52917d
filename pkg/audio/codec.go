package audio

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// CaptureSampleRate is the microphone rate expected by the remote model.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the rate of inbound model speech.
	PlaybackSampleRate = 24000
	// Channels is fixed to mono in both directions.
	Channels = 1
	// FrameSamples is the capture chunk size delivered to frame handlers.
	FrameSamples = 4096

	pcmMIMEPrefix = "audio/pcm"
)

// Blob is an encoded audio frame ready for the wire: base64 PCM16LE with a
// MIME tag carrying the sample rate, e.g. "audio/pcm;rate=16000".
type Blob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

// Buffer is a decoded, playable chunk of normalized mono samples.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the play length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 || len(b.Samples) == 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// MIMEType returns the wire MIME tag for PCM16LE at sampleRate.
func MIMEType(sampleRate int) string {
	return fmt.Sprintf("%s;rate=%d", pcmMIMEPrefix, sampleRate)
}

// SampleRateFromMIME parses the rate parameter of a PCM MIME tag. It returns
// def when the tag carries no rate.
func SampleRateFromMIME(mime string, def int) int {
	for _, part := range strings.Split(mime, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "rate=") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(part, "rate="))
		if err == nil && n > 0 {
			return n
		}
	}
	return def
}

// EncodeFrame converts normalized float samples to 16-bit little-endian PCM,
// base64-wrapped with a MIME tag. Samples outside [-1, 1] are clamped.
func EncodeFrame(samples []float32, sampleRate int) Blob {
	if sampleRate <= 0 {
		sampleRate = CaptureSampleRate
	}
	return Blob{
		MIMEType: MIMEType(sampleRate),
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(samples)),
	}
}

// DecodeFrame converts raw 16-bit little-endian PCM into a playable buffer.
func DecodeFrame(wire []byte, sampleRate int) (Buffer, error) {
	if sampleRate <= 0 {
		return Buffer{}, fmt.Errorf("sample rate must be > 0")
	}
	if len(wire)%2 != 0 {
		return Buffer{}, fmt.Errorf("pcm16 payload has odd length %d", len(wire))
	}
	return Buffer{Samples: PCM16ToFloat(wire), SampleRate: sampleRate}, nil
}

// DecodeBlob is the inverse of EncodeFrame.
func DecodeBlob(b Blob) (Buffer, error) {
	raw, err := decodeBase64(b.Data)
	if err != nil {
		return Buffer{}, err
	}
	return DecodeFrame(raw, SampleRateFromMIME(b.MIMEType, CaptureSampleRate))
}

func decodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode audio base64: %w", err)
	}
	return raw, nil
}

// FloatToPCM16 quantizes normalized samples to PCM16LE bytes.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		var q int16
		if v < 0 {
			q = int16(math.Round(v * 32768))
		} else {
			q = int16(math.Round(v * 32767))
		}
		out[i*2] = byte(uint16(q))
		out[i*2+1] = byte(uint16(q) >> 8)
	}
	return out
}

// PCM16ToFloat converts PCM16LE bytes to normalized samples. A trailing odd
// byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		sample := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		if sample < 0 {
			out[i] = float32(sample) / 32768
		} else {
			out[i] = float32(sample) / 32767
		}
	}
	return out
}
