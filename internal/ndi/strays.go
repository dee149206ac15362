package ndi

import (
	"math"
	"sort"

	"github.com/e7canasta/navlink/internal/types"
)

// strayTracker assigns stable slot identities to unassociated marker
// observations across frames. Slot index is the identity exposed
// downstream ("Stray01" is slot 0) and must survive as long as the
// physical marker stays visible; association is purely by proximity to
// the slot's previous position.
type strayTracker struct {
	// pos is the last known position per slot; the zero vector marks a
	// slot that has never been observed.
	pos [][3]float64
	// status is the slot validity of the most recent update. A MISSING
	// slot keeps its stale position (flagged for review in DESIGN.md).
	status []types.ToolStatus
}

func newStrayTracker(maxStrays int) *strayTracker {
	s := &strayTracker{
		pos:    make([][3]float64, maxStrays),
		status: make([]types.ToolStatus, maxStrays),
	}
	for i := range s.status {
		s.status[i] = types.ToolMissing
	}
	return s
}

// candidate is one slot-to-observation pairing under consideration.
type candidate struct {
	obs  int
	dist float64
}

// matchStrays computes the slot-to-observation assignment: each
// previously observed slot claims its nearest observation; when two slots
// claim the same observation the closer slot wins and the loser advances
// to its next nearest, until a full pass is conflict-free. Slots that run
// out of candidates, and slots never observed before, return -1.
//
// Deterministic for a given input order; ties break toward the lower slot
// index. O(M*N log N) per frame.
func matchStrays(prev [][3]float64, obs [][3]float64) []int {
	m := len(prev)
	candidates := make([][]candidate, m)
	for i := 0; i < m; i++ {
		if prev[i][0] == 0 && prev[i][1] == 0 && prev[i][2] == 0 {
			// Never observed: this slot does not compete, it only
			// receives leftovers.
			continue
		}
		for j, o := range obs {
			d := math.Sqrt(sq(prev[i][0]-o[0]) + sq(prev[i][1]-o[1]) + sq(prev[i][2]-o[2]))
			candidates[i] = append(candidates[i], candidate{obs: j, dist: d})
		}
		sort.SliceStable(candidates[i], func(a, b int) bool {
			return candidates[i][a].dist < candidates[i][b].dist
		})
	}

	next := make([]int, m) // index of each slot's current candidate
	for changed := true; changed; {
		changed = false
		for i := 0; i < m; i++ {
			for next[i] < len(candidates[i]) {
				claim := candidates[i][next[i]]
				if betterClaimExists(candidates, next, i, claim) {
					next[i]++
					changed = true
					continue
				}
				break
			}
		}
	}

	assignment := make([]int, m)
	for i := 0; i < m; i++ {
		if next[i] < len(candidates[i]) {
			assignment[i] = candidates[i][next[i]].obs
		} else {
			assignment[i] = -1
		}
	}
	return assignment
}

// betterClaimExists reports whether another slot currently claims the
// same observation at a smaller distance (lower slot index wins ties).
func betterClaimExists(candidates [][]candidate, next []int, slot int, claim candidate) bool {
	for k := range candidates {
		if k == slot || next[k] >= len(candidates[k]) {
			continue
		}
		other := candidates[k][next[k]]
		if other.obs != claim.obs {
			continue
		}
		if other.dist < claim.dist || (other.dist == claim.dist && k < slot) {
			return true
		}
	}
	return false
}

// update applies one frame of observations: matched slots take their
// observation's position and become OK, leftover observations fill the
// first unmatched slots in order, and everything else goes MISSING while
// retaining its previous position.
func (s *strayTracker) update(obs [][3]float64) {
	assignment := matchStrays(s.pos, obs)

	used := make([]bool, len(obs))
	for _, a := range assignment {
		if a >= 0 {
			used[a] = true
		}
	}
	var unused []int
	for j := range obs {
		if !used[j] {
			unused = append(unused, j)
		}
	}

	for i := range s.pos {
		s.status[i] = types.ToolMissing
		switch {
		case assignment[i] >= 0:
			s.pos[i] = obs[assignment[i]]
			s.status[i] = types.ToolOK
		case len(unused) > 0:
			s.pos[i] = obs[unused[0]]
			s.status[i] = types.ToolOK
			unused = unused[1:]
		}
	}
}

func sq(v float64) float64 { return v * v }
