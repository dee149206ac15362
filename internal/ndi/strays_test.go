package ndi

import (
	"testing"

	"github.com/e7canasta/navlink/internal/types"
)

// TestStrayIdentityAssignment verifies that identical inputs map every
// slot onto its own observation.
func TestStrayIdentityAssignment(t *testing.T) {
	prev := [][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	obs := [][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

	assignment := matchStrays(prev, obs)
	for i, a := range assignment {
		if a != i {
			t.Errorf("slot %d: expected observation %d, got %d", i, i, a)
		}
	}
}

// TestStrayThreeToTwoMarkers reproduces a marker dropping out: slot 2
// goes missing and keeps its stale position, the others stay associated.
func TestStrayThreeToTwoMarkers(t *testing.T) {
	s := newStrayTracker(3)
	s.update([][3]float64{{0, 0, 10}, {10, 0, 10}, {0, 10, 10}})

	for i, st := range s.status {
		if st != types.ToolOK {
			t.Fatalf("slot %d not OK after initial fill: %v", i, st)
		}
	}

	s.update([][3]float64{{0.1, 0, 10}, {0, 10.2, 10}})

	if s.status[0] != types.ToolOK {
		t.Errorf("slot 1: expected OK, got %v", s.status[0])
	}
	if s.pos[0] != [3]float64{0.1, 0, 10} {
		t.Errorf("slot 1: expected updated position, got %v", s.pos[0])
	}
	if s.status[1] != types.ToolMissing {
		t.Errorf("slot 2: expected MISSING, got %v", s.status[1])
	}
	// The stale position is retained for a MISSING slot.
	if s.pos[1] != [3]float64{10, 0, 10} {
		t.Errorf("slot 2: expected retained position {10 0 10}, got %v", s.pos[1])
	}
	if s.status[2] != types.ToolOK {
		t.Errorf("slot 3: expected OK, got %v", s.status[2])
	}
	if s.pos[2] != [3]float64{0, 10.2, 10} {
		t.Errorf("slot 3: expected updated position, got %v", s.pos[2])
	}
}

// TestStraySwappedObservations verifies identity is preserved when the
// two closest observations arrive in swapped order.
func TestStraySwappedObservations(t *testing.T) {
	// Kept off the origin: the zero vector marks a never-observed slot.
	prev := [][3]float64{{0, 0, 1}, {5, 0, 1}}
	obs := [][3]float64{{5.1, 0, 1}, {0.1, 0, 1}} // swapped vs slot order

	assignment := matchStrays(prev, obs)
	if assignment[0] != 1 {
		t.Errorf("slot 0: expected observation 1, got %d", assignment[0])
	}
	if assignment[1] != 0 {
		t.Errorf("slot 1: expected observation 0, got %d", assignment[1])
	}
}

// TestStrayConflictResolution: two slots prefer the same observation; the
// closer slot wins and the loser falls back to its second choice.
func TestStrayConflictResolution(t *testing.T) {
	// Kept off the origin: the zero vector marks a never-observed slot.
	prev := [][3]float64{{0, 0, 1}, {2, 0, 1}}
	// Observation 0 sits between the slots, closer to slot 1.
	obs := [][3]float64{{1.5, 0, 1}, {-3, 0, 1}}

	assignment := matchStrays(prev, obs)
	if assignment[1] != 0 {
		t.Errorf("slot 1: expected the contested observation 0, got %d", assignment[1])
	}
	if assignment[0] != 1 {
		t.Errorf("slot 0: expected fallback observation 1, got %d", assignment[0])
	}
}

// TestStrayFillsEmptySlots verifies leftover observations land in the
// first never-observed slots, in order.
func TestStrayFillsEmptySlots(t *testing.T) {
	s := newStrayTracker(3)
	s.update([][3]float64{{1, 2, 3}})

	if s.status[0] != types.ToolOK || s.pos[0] != [3]float64{1, 2, 3} {
		t.Errorf("slot 1: expected the observation, got %v %v", s.status[0], s.pos[0])
	}
	if s.status[1] != types.ToolMissing || s.status[2] != types.ToolMissing {
		t.Errorf("empty slots should stay MISSING: %v %v", s.status[1], s.status[2])
	}

	// A second marker appears; the occupied slot keeps its identity.
	s.update([][3]float64{{1, 2, 3}, {50, 0, 0}})
	if s.status[0] != types.ToolOK || s.pos[0] != [3]float64{1, 2, 3} {
		t.Errorf("slot 1 lost its identity: %v %v", s.status[0], s.pos[0])
	}
	if s.status[1] != types.ToolOK || s.pos[1] != [3]float64{50, 0, 0} {
		t.Errorf("slot 2: expected the new marker, got %v %v", s.status[1], s.pos[1])
	}
}
