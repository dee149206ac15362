package framebuffer

import (
	"testing"
	"time"

	"github.com/e7canasta/navlink/internal/types"
)

func frameAt(ts float64) types.TrackedFrame {
	return types.TrackedFrame{Timestamp: ts}
}

func TestFramesSinceWatermark(t *testing.T) {
	b := New(8)
	for i := 1; i <= 5; i++ {
		b.Add(frameAt(float64(i)))
	}

	frames := b.FramesSince(2, 10)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames after ts=2, got %d", len(frames))
	}
	if frames[0].Timestamp != 3 || frames[2].Timestamp != 5 {
		t.Errorf("unexpected range: %v..%v", frames[0].Timestamp, frames[2].Timestamp)
	}

	// The max cap bounds one pull.
	frames = b.FramesSince(0, 2)
	if len(frames) != 2 {
		t.Errorf("expected pull capped at 2, got %d", len(frames))
	}
}

func TestRingOverwrite(t *testing.T) {
	b := New(3)
	for i := 1; i <= 5; i++ {
		b.Add(frameAt(float64(i)))
	}

	oldest, ok := b.OldestTimestamp()
	if !ok || oldest != 3 {
		t.Errorf("expected oldest 3 after wrap, got %v (%v)", oldest, ok)
	}
	newest, _ := b.MostRecentTimestamp()
	if newest != 5 {
		t.Errorf("expected newest 5, got %v", newest)
	}

	stats := b.Stats()
	if stats.Added != 5 || stats.Overwritten != 2 || stats.Buffered != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestEmptyBuffer(t *testing.T) {
	b := New(4)
	if _, ok := b.OldestTimestamp(); ok {
		t.Error("empty buffer claims an oldest timestamp")
	}
	if frames := b.FramesSince(0, 5); frames != nil {
		t.Errorf("empty buffer returned frames: %v", frames)
	}
}

func TestClockOffsetIsFixed(t *testing.T) {
	c := NewClock()

	s1 := c.SystemTime()
	time.Sleep(10 * time.Millisecond)
	s2 := c.SystemTime()
	if s2 <= s1 {
		t.Error("system time not monotonic")
	}

	// The same offset applies to every conversion.
	d1 := c.UniversalFromSystem(s1) - s1
	d2 := c.UniversalFromSystem(s2) - s2
	if d1 != d2 {
		t.Errorf("offset drifted: %v vs %v", d1, d2)
	}
}

func TestRepositoryLookup(t *testing.T) {
	r := NewRepository()
	frame := types.TrackedFrame{
		Transforms: []types.ToolTransform{
			{Name: "StylusToTracker", Matrix: types.Identity(), Status: types.ToolOK},
		},
	}
	r.SetTransforms(&frame)

	_, status, found := r.Lookup("StylusToTracker")
	if !found || status != types.ToolOK {
		t.Errorf("expected OK lookup, got found=%v status=%v", found, status)
	}
	if _, _, found := r.Lookup("Nope"); found {
		t.Error("unexpected hit for unknown transform")
	}
}
