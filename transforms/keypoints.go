package transforms

import (
	"fmt"
	"math"

	"github.com/tsawler/kpose/tensor"
)

// Predictions holds decoded keypoints for a batch: Coords[n][k] is the
// (x, y) position of joint k of sample n and MaxVals[n][k] its heatmap peak.
type Predictions struct {
	Coords  [][][2]float32
	MaxVals [][]float32
}

// Len returns the number of samples
func (p *Predictions) Len() int {
	return len(p.Coords)
}

func requireNCHW(t *tensor.Tensor, what string) error {
	if t.Dim() != 4 {
		return fmt.Errorf("%s must be a 4-d [N,C,H,W] tensor, got shape %v", what, t.Shape)
	}
	return nil
}

// FlipImages mirrors a [N,C,H,W] image batch horizontally
func FlipImages(images *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireNCHW(images, "images"); err != nil {
		return nil, err
	}
	return images.Flip(3)
}

// FlipBack undoes a horizontal flip on [N,K,H,W] heatmaps: mirrors the width
// axis and swaps every left/right joint pair.
func FlipBack(heatmaps *tensor.Tensor, flipPairs [][2]int) (*tensor.Tensor, error) {
	if err := requireNCHW(heatmaps, "heatmaps"); err != nil {
		return nil, err
	}

	flipped, err := heatmaps.Flip(3)
	if err != nil {
		return nil, err
	}

	numJoints := heatmaps.Shape[1]
	perm := make([]int, numJoints)
	for k := range perm {
		perm[k] = k
	}
	for _, pair := range flipPairs {
		a, b := pair[0], pair[1]
		if a < 0 || a >= numJoints || b < 0 || b >= numJoints {
			return nil, fmt.Errorf("flip pair (%d, %d) out of range for %d joints", a, b, numJoints)
		}
		perm[a], perm[b] = perm[b], perm[a]
	}

	return flipped.IndexSelect(1, perm)
}

// ShiftFlipped applies the one-pixel alignment correction to flipped-back
// heatmaps in place: x[..., 1:] = x[..., :-1]. Column 0 is left as is.
// See https://github.com/leoxiaobin/deep-high-resolution-net.pytorch/issues/22
func ShiftFlipped(heatmaps *tensor.Tensor) {
	heatmaps.ShiftLastAxis()
}

// GetMaxPreds finds the peak of every heatmap. Coordinates are in heatmap
// pixels; joints whose peak is not positive get (0, 0).
func GetMaxPreds(heatmaps *tensor.Tensor) (*Predictions, error) {
	if err := requireNCHW(heatmaps, "heatmaps"); err != nil {
		return nil, err
	}

	n, k, h, w := heatmaps.Shape[0], heatmaps.Shape[1], heatmaps.Shape[2], heatmaps.Shape[3]
	preds := &Predictions{
		Coords:  make([][][2]float32, n),
		MaxVals: make([][]float32, n),
	}

	plane := h * w
	for i := 0; i < n; i++ {
		preds.Coords[i] = make([][2]float32, k)
		preds.MaxVals[i] = make([]float32, k)
		for j := 0; j < k; j++ {
			hm := heatmaps.Data[(i*k+j)*plane : (i*k+j+1)*plane]

			// First occurrence wins on ties
			best := 0
			for idx := 1; idx < plane; idx++ {
				if hm[idx] > hm[best] {
					best = idx
				}
			}

			maxVal := hm[best]
			preds.MaxVals[i][j] = maxVal
			if maxVal > 0 {
				preds.Coords[i][j] = [2]float32{float32(best % w), float32(best / w)}
			}
		}
	}

	return preds, nil
}

// GetFinalPreds decodes heatmaps into image-space keypoints using one
// reverse transform per sample. With postProcessing the peak is nudged a
// quarter pixel toward the higher neighbour on each axis.
func GetFinalPreds(heatmaps *tensor.Tensor, reverseTrans []Affine, postProcessing bool) (*Predictions, error) {
	preds, err := GetMaxPreds(heatmaps)
	if err != nil {
		return nil, err
	}

	n, k, h, w := heatmaps.Shape[0], heatmaps.Shape[1], heatmaps.Shape[2], heatmaps.Shape[3]
	if len(reverseTrans) != n {
		return nil, fmt.Errorf("got %d reverse transforms for %d samples", len(reverseTrans), n)
	}

	plane := h * w
	if postProcessing {
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				hm := heatmaps.Data[(i*k+j)*plane : (i*k+j+1)*plane]
				coord := &preds.Coords[i][j]
				px := int(math.Floor(float64(coord[0]) + 0.5))
				py := int(math.Floor(float64(coord[1]) + 0.5))
				if 1 < px && px < w-1 && 1 < py && py < h-1 {
					dx := hm[py*w+px+1] - hm[py*w+px-1]
					dy := hm[(py+1)*w+px] - hm[(py-1)*w+px]
					coord[0] += sign(dx) * 0.25
					coord[1] += sign(dy) * 0.25
				}
			}
		}
	}

	// Back to original image space
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			x, y := reverseTrans[i].Apply(float64(preds.Coords[i][j][0]), float64(preds.Coords[i][j][1]))
			preds.Coords[i][j] = [2]float32{float32(x), float32(y)}
		}
	}

	return preds, nil
}

func sign(v float32) float32 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
