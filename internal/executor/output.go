package executor

import (
	"sync"
)

const DefaultMaxOutputBytes = 1 << 20

// BoundedBuffer captures combined stdout/stderr up to a byte cap. Writes
// past the cap are counted but discarded; String appends an explicit
// truncation marker so a reader is never left guessing. Safe for use from
// the separate stdout and stderr goroutines of a running command.
type BoundedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped int64
}

func NewBoundedBuffer(max int) *BoundedBuffer {
	if max <= 0 {
		max = DefaultMaxOutputBytes
	}
	return &BoundedBuffer{max: max}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - len(b.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += int64(len(p) - room)
	return len(p), nil
}

func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped > 0
}

func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := string(b.buf)
	if b.dropped > 0 {
		out += "\n[output truncated]\n"
	}
	return out
}
