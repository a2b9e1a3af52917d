package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/zenlive/pkg/audio"
	"github.com/vango-go/zenlive/pkg/core"
)

const bytesPerSample = 2

// Speaker is an audio.Sink backed by one continuously running oto player.
// The play clock advances with every byte oto pulls, silence included, so
// it is monotonic while the sink is open.
type Speaker struct {
	sampleRate int
	player     *oto.Player

	mu       sync.Mutex
	pos      int64
	segments []*segment
	closed   bool
}

type segment struct {
	start int64
	pcm   []byte
	src   *source
}

type source struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	once    sync.Once
}

func (s *source) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.finish()
}

func (s *source) Done() <-chan struct{} { return s.done }

func (s *source) finish() { s.once.Do(func() { close(s.done) }) }

func (s *source) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// oto allows a single context per process; it is shared by every speaker.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func sharedContext(sampleRate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: audio.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   100 * time.Millisecond,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx, otoRate = ctx, sampleRate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("speaker already opened at %d Hz", otoRate)
	}
	return otoCtx, nil
}

// OpenSpeaker starts a player reading from a new sink. It matches
// audio.OpenSinkFunc.
func OpenSpeaker(sampleRate int) (audio.Sink, error) {
	ctx, err := sharedContext(sampleRate)
	if err != nil {
		return nil, core.NewDeviceError("failed to init speaker", err)
	}

	s := &Speaker{sampleRate: sampleRate}
	s.player = ctx.NewPlayer(s)
	s.player.Play()
	return s, nil
}

// Now returns the play clock.
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesToDuration(s.pos)
}

// Schedule queues buf at play-clock position at. Positions in the past start
// immediately.
func (s *Speaker) Schedule(buf audio.Buffer, at time.Duration) (audio.Source, error) {
	src := &source{done: make(chan struct{})}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		src.finish()
		return src, audio.ErrPlayerClosed
	}
	start := s.durationToBytes(at)
	if start < s.pos {
		start = s.pos
	}
	s.segments = append(s.segments, &segment{
		start: start,
		pcm:   audio.FloatToPCM16(buf.Samples),
		src:   src,
	})
	return src, nil
}

// Read implements io.Reader for oto.Player. Gaps and stopped sources are
// rendered as silence.
func (s *Speaker) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}

	from := s.pos
	to := from + int64(len(p))
	kept := s.segments[:0]
	for _, seg := range s.segments {
		end := seg.start + int64(len(seg.pcm))
		if seg.src.isStopped() {
			continue
		}
		lo, hi := max(from, seg.start), min(to, end)
		if lo < hi {
			copy(p[lo-from:hi-from], seg.pcm[lo-seg.start:hi-seg.start])
		}
		if end <= to {
			seg.src.finish()
			continue
		}
		kept = append(kept, seg)
	}
	s.segments = kept
	s.pos = to
	return len(p), nil
}

// Close stops the player and finishes every pending source.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.segments
	s.segments = nil
	s.mu.Unlock()

	for _, seg := range pending {
		seg.src.finish()
	}
	if s.player != nil {
		s.player.Pause()
		return s.player.Close()
	}
	return nil
}

func (s *Speaker) bytesToDuration(n int64) time.Duration {
	return time.Duration(n/bytesPerSample) * time.Second / time.Duration(s.sampleRate)
}

func (s *Speaker) durationToBytes(d time.Duration) int64 {
	return int64(d) * int64(s.sampleRate) / int64(time.Second) * bytesPerSample
}
