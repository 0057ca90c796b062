package capture

import "sync"

// DefaultBufferSize is how many recent frames a buffer retains.
const DefaultBufferSize = 10

// FrameBuffer keeps the most recent frames for a capture target. Oldest
// frames fall off when the buffer is full.
type FrameBuffer struct {
	mu     sync.Mutex
	frames [][]byte
	max    int
}

// NewFrameBuffer creates a buffer holding up to max frames.
func NewFrameBuffer(max int) *FrameBuffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &FrameBuffer{max: max}
}

// Push appends a frame, evicting the oldest when full.
func (b *FrameBuffer) Push(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame)
	if len(b.frames) > b.max {
		b.frames = b.frames[1:]
	}
}

// Latest returns the newest frame.
func (b *FrameBuffer) Latest() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) == 0 {
		return nil, false
	}
	return b.frames[len(b.frames)-1], true
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}
