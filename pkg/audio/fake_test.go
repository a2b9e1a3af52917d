package audio

import (
	"errors"
	"sync"
	"time"
)

type fakeSource struct {
	buf     Buffer
	at      time.Duration
	once    sync.Once
	done    chan struct{}
	stopped int
	mu      sync.Mutex
}

func newFakeSource(buf Buffer, at time.Duration) *fakeSource {
	return &fakeSource{buf: buf, at: at, done: make(chan struct{})}
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	s.finish()
}

func (s *fakeSource) finish() { s.once.Do(func() { close(s.done) }) }

func (s *fakeSource) Done() <-chan struct{} { return s.done }

func (s *fakeSource) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeSink struct {
	mu        sync.Mutex
	now       time.Duration
	scheduled []*fakeSource
	closed    int
}

func (s *fakeSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeSink) Schedule(buf Buffer, at time.Duration) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := newFakeSource(buf, at)
	s.scheduled = append(s.scheduled, src)
	return src, nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// advance moves the clock and finishes every source whose end has passed.
func (s *fakeSink) advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	now := s.now
	srcs := append([]*fakeSource(nil), s.scheduled...)
	s.mu.Unlock()
	for _, src := range srcs {
		if src.at+src.buf.Duration() <= now {
			src.finish()
		}
	}
}

type fakeMic struct {
	mu       sync.Mutex
	startErr error
	started  int
	stopped  int
	deliver  func([]float32)
}

func (m *fakeMic) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started++
	m.deliver = onSamples
	return nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	m.deliver = nil
	return nil
}

func (m *fakeMic) push(samples []float32) {
	m.mu.Lock()
	fn := m.deliver
	m.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

var errPermissionDenied = errors.New("permission denied")
