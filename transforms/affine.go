// Package transforms maps between image space and heatmap space and
// implements the flip-augmentation helpers used at test time.
package transforms

import (
	"fmt"
	"math"
)

// Affine is a 2x3 affine matrix mapping (x, y) to
// (a00*x + a01*y + a02, a10*x + a11*y + a12).
type Affine [2][3]float64

// Identity returns the identity transform
func Identity() Affine {
	return Affine{{1, 0, 0}, {0, 1, 0}}
}

// Apply maps a single point
func (a Affine) Apply(x, y float64) (float64, float64) {
	return a[0][0]*x + a[0][1]*y + a[0][2], a[1][0]*x + a[1][1]*y + a[1][2]
}

// Invert returns the inverse transform
func (a Affine) Invert() (Affine, error) {
	det := a[0][0]*a[1][1] - a[0][1]*a[1][0]
	if math.Abs(det) < 1e-12 {
		return Affine{}, fmt.Errorf("affine transform is singular")
	}

	inv := Affine{
		{a[1][1] / det, -a[0][1] / det, 0},
		{-a[1][0] / det, a[0][0] / det, 0},
	}
	inv[0][2] = -(inv[0][0]*a[0][2] + inv[0][1]*a[1][2])
	inv[1][2] = -(inv[1][0]*a[0][2] + inv[1][1]*a[1][2])
	return inv, nil
}

// AffineFromPoints solves for the transform mapping three source points onto
// three destination points.
func AffineFromPoints(src, dst [3][2]float64) (Affine, error) {
	// Rows of the system share the same 3x3 matrix [x y 1]
	m := [3][3]float64{
		{src[0][0], src[0][1], 1},
		{src[1][0], src[1][1], 1},
		{src[2][0], src[2][1], 1},
	}
	det := det3(m)
	if math.Abs(det) < 1e-12 {
		return Affine{}, fmt.Errorf("source points are collinear")
	}

	var out Affine
	for row := 0; row < 2; row++ {
		rhs := [3]float64{dst[0][row], dst[1][row], dst[2][row]}
		for col := 0; col < 3; col++ {
			mc := m
			for r := 0; r < 3; r++ {
				mc[r][col] = rhs[r]
			}
			out[row][col] = det3(mc) / det
		}
	}
	return out, nil
}

func det3(m [3][3]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// CropTransform maps the box (xmin, ymin, xmax, ymax), rotated by rotation
// degrees around its centre, onto an outW x outH output. The inverse of this
// transform is the reverse_trans a target carries.
func CropTransform(xmin, ymin, xmax, ymax, rotation float64, outW, outH int) (Affine, error) {
	cx := (xmin + xmax) / 2
	cy := (ymin + ymax) / 2
	halfW := (xmax - xmin) / 2
	halfH := (ymax - ymin) / 2

	rad := rotation * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	rotate := func(dx, dy float64) (float64, float64) {
		return cx + dx*cos - dy*sin, cy + dx*sin + dy*cos
	}

	// Centre, top-centre and right-centre of the box
	src := [3][2]float64{}
	src[0][0], src[0][1] = cx, cy
	src[1][0], src[1][1] = rotate(0, -halfH)
	src[2][0], src[2][1] = rotate(halfW, 0)

	ow, oh := float64(outW), float64(outH)
	dst := [3][2]float64{
		{ow / 2, oh / 2},
		{ow / 2, 0},
		{ow, oh / 2},
	}
	return AffineFromPoints(src, dst)
}

// GetAffineTransform is CropTransform for a box given by its centre and
// (width, height) scale. With inverse set it returns the output-to-image
// mapping instead.
func GetAffineTransform(center, scale [2]float64, rotation float64, outW, outH int, inverse bool) (Affine, error) {
	a, err := CropTransform(
		center[0]-scale[0]/2, center[1]-scale[1]/2,
		center[0]+scale[0]/2, center[1]+scale[1]/2,
		rotation, outW, outH,
	)
	if err != nil || !inverse {
		return a, err
	}
	return a.Invert()
}
