// Package framebuffer holds the tracked frames produced by the tracker
// driver until the broadcast pump picks them up.
//
// The buffer is a fixed-capacity ring ordered by insertion. The driver is
// the single producer; the sender pulls batches by timestamp watermark.
// When the ring wraps, the oldest frames are overwritten: the pump is
// expected to skip ahead rather than replay stale data.
package framebuffer

import (
	"sync"

	"github.com/e7canasta/navlink/internal/types"
)

// DefaultCapacity is the ring size used when none is configured. At 50 Hz
// this is ten seconds of data.
const DefaultCapacity = 500

// Buffer is a ring of tracked frames. All methods are safe for concurrent
// use.
type Buffer struct {
	mu     sync.Mutex
	frames []types.TrackedFrame
	head   int // index of the next write
	count  int

	added       uint64
	overwritten uint64
}

// BufferStats is a snapshot of buffer counters.
type BufferStats struct {
	// Added is the number of frames ever written.
	Added uint64
	// Overwritten is the number of frames replaced by ring wrap, whether
	// or not a reader had pulled them.
	Overwritten uint64
	// Buffered is the current number of retained frames.
	Buffered int
}

// New creates a buffer with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{frames: make([]types.TrackedFrame, capacity)}
}

// Add appends a frame, overwriting the oldest when full.
func (b *Buffer) Add(frame types.TrackedFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.frames) {
		b.overwritten++
	} else {
		b.count++
	}
	b.frames[b.head] = frame
	b.head = (b.head + 1) % len(b.frames)
	b.added++
}

// FramesSince returns up to max frames with Timestamp strictly greater
// than since, oldest first. The returned frames are copies.
func (b *Buffer) FramesSince(since float64, max int) []types.TrackedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 || max <= 0 {
		return nil
	}
	var out []types.TrackedFrame
	oldest := (b.head - b.count + len(b.frames)) % len(b.frames)
	for i := 0; i < b.count && len(out) < max; i++ {
		f := b.frames[(oldest+i)%len(b.frames)]
		if f.Timestamp > since {
			out = append(out, f)
		}
	}
	return out
}

// MostRecentTimestamp returns the newest frame timestamp, if any.
func (b *Buffer) MostRecentTimestamp() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return 0, false
	}
	newest := (b.head - 1 + len(b.frames)) % len(b.frames)
	return b.frames[newest].Timestamp, true
}

// OldestTimestamp returns the oldest retained frame timestamp, if any.
func (b *Buffer) OldestTimestamp() (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return 0, false
	}
	oldest := (b.head - b.count + len(b.frames)) % len(b.frames)
	return b.frames[oldest].Timestamp, true
}

// Len returns the number of retained frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{Added: b.added, Overwritten: b.overwritten, Buffered: b.count}
}
