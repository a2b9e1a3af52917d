package audio

import "sync"

// Chunker accumulates driver callbacks of arbitrary length into fixed-size
// frames. Write may be called from the audio driver thread.
type Chunker struct {
	size int
	emit func([]float32)

	mu     sync.Mutex
	buf    []float32
	closed bool
}

// NewChunker returns a chunker emitting frames of exactly size samples.
func NewChunker(size int, emit func([]float32)) *Chunker {
	if size <= 0 {
		size = FrameSamples
	}
	return &Chunker{size: size, emit: emit, buf: make([]float32, 0, size*2)}
}

// Write appends samples and emits every complete frame. Each emitted frame is
// a fresh slice owned by the receiver.
func (c *Chunker) Write(samples []float32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.buf = append(c.buf, samples...)
	var frames [][]float32
	for len(c.buf) >= c.size {
		frame := make([]float32, c.size)
		copy(frame, c.buf[:c.size])
		frames = append(frames, frame)
		c.buf = c.buf[c.size:]
	}
	c.mu.Unlock()

	for _, frame := range frames {
		c.emit(frame)
	}
}

// Close drops any partial frame; later writes are ignored.
func (c *Chunker) Close() {
	c.mu.Lock()
	c.closed = true
	c.buf = nil
	c.mu.Unlock()
}
