package ndi

import "github.com/e7canasta/navlink/internal/types"

// TransformToMatrix converts the device 8-tuple (qw, qx, qy, qz, tx, ty,
// tz, err) into a 4x4 matrix in the vendor's layout. The rotation block
// is the transpose of the conventional quaternion rotation
//
//	| ww+xx-yy-zz  2(xy-wz)     2(xz+wy)   |
//	| 2(xy+wz)     ww-xx+yy-zz  2(yz-wx)   |
//	| 2(xz-wy)     2(yz+wx)     ww-xx-yy+zz|
//
// with the translation in the last row; callers transpose once to obtain
// the column-major pose consumers expect. The formula matches the vendor
// conversion bit for bit, including the absence of renormalization.
func TransformToMatrix(t [8]float64) types.Matrix {
	w, x, y, z := t[0], t[1], t[2], t[3]
	ww, xx, yy, zz := w*w, x*x, y*y, z*z
	xy, xz, yz := x*y, x*z, y*z
	wx, wy, wz := w*x, w*y, w*z

	return types.Matrix{
		{ww + xx - yy - zz, 2 * (xy + wz), 2 * (xz - wy), 0},
		{2 * (xy - wz), ww - xx + yy - zz, 2 * (yz + wx), 0},
		{2 * (xz + wy), 2 * (yz - wx), ww - xx - yy + zz, 0},
		{t[4], t[5], t[6], 1},
	}
}

// PositionToMatrix builds the vendor-layout matrix of a pure translation,
// used for stray marker slots.
func PositionToMatrix(pos [3]float64) types.Matrix {
	return TransformToMatrix([8]float64{1, 0, 0, 0, pos[0], pos[1], pos[2], 0})
}
