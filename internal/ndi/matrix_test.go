package ndi

import (
	"math"
	"testing"

	"github.com/e7canasta/navlink/internal/types"
)

// TestIdentityQuaternionGivesTranslationMatrix: the identity quaternion
// with a translation must produce, after the boundary transpose, the
// plain translation matrix.
func TestIdentityQuaternionGivesTranslationMatrix(t *testing.T) {
	m := TransformToMatrix([8]float64{1, 0, 0, 0, 12.5, -3, 40, 0}).Transposed()

	want := types.Matrix{
		{1, 0, 0, 12.5},
		{0, 1, 0, -3},
		{0, 0, 1, 40},
		{0, 0, 0, 1},
	}
	if m != want {
		t.Errorf("expected translation matrix %v, got %v", want, m)
	}
}

// TestQuaternionZRotation checks a 90-degree rotation about z.
func TestQuaternionZRotation(t *testing.T) {
	s := math.Sqrt(2) / 2
	m := TransformToMatrix([8]float64{s, 0, 0, s, 0, 0, 0, 0}).Transposed()

	// Rotating the x unit vector must yield the y unit vector.
	x := [3]float64{m[0][0], m[1][0], m[2][0]}
	want := [3]float64{0, 1, 0}
	for i := range x {
		if math.Abs(x[i]-want[i]) > 1e-12 {
			t.Errorf("rotated x axis component %d: expected %v, got %v", i, want[i], x[i])
		}
	}
}

// TestPositionToMatrix verifies stray positions become pure translations.
func TestPositionToMatrix(t *testing.T) {
	m := PositionToMatrix([3]float64{1, 2, 3}).Transposed()
	if m[0][3] != 1 || m[1][3] != 2 || m[2][3] != 3 {
		t.Errorf("expected translation (1,2,3), got (%v,%v,%v)", m[0][3], m[1][3], m[2][3])
	}
}
