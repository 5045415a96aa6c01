package coco

import (
	"fmt"
	"math"
	"sort"
)

// PersonCategory is the COCO category id of people
const PersonCategory = 1

// DefaultSigmas are the per-joint OKS constants of the 17 COCO keypoints
var DefaultSigmas = []float64{
	.026, .025, .025, .035, .035, .079, .079, .072, .072,
	.062, .062, .107, .107, .087, .087, .089, .089,
}

// eps is numpy's spacing(1)
const eps = 2.220446049250313e-16

// AreaRange is a named object area interval
type AreaRange struct {
	Label    string
	Min, Max float64
}

// Params controls keypoint evaluation
type Params struct {
	ImageIDs   []int64
	CategoryID int
	Sigmas     []float64
	IoUThrs    []float64
	RecThrs    []float64
	MaxDets    int
	AreaRanges []AreaRange
}

// DefaultParams returns the COCO keypoint evaluation settings: OKS
// thresholds .50:.05:.95, 101 recall points, 20 detections per image and
// the all, medium and large area ranges.
func DefaultParams() Params {
	p := Params{
		CategoryID: PersonCategory,
		Sigmas:     DefaultSigmas,
		MaxDets:    20,
		AreaRanges: []AreaRange{
			{Label: "all", Min: 0, Max: 1e10},
			{Label: "medium", Min: 32 * 32, Max: 96 * 96},
			{Label: "large", Min: 96 * 96, Max: 1e10},
		},
	}
	for i := 0; i < 10; i++ {
		p.IoUThrs = append(p.IoUThrs, 0.5+0.05*float64(i))
	}
	for i := 0; i <= 100; i++ {
		p.RecThrs = append(p.RecThrs, float64(i)/100)
	}
	return p
}

// detection is a result prepared for matching
type detection struct {
	id        int
	keypoints []float64
	score     float64
	area      float64
}

func newDetection(id int, r Result) detection {
	d := detection{id: id, keypoints: r.Keypoints, score: r.Score}
	if len(r.Keypoints) >= 3 {
		x0, x1 := math.Inf(1), math.Inf(-1)
		y0, y1 := math.Inf(1), math.Inf(-1)
		for i := 0; i+2 < len(r.Keypoints); i += 3 {
			x, y := r.Keypoints[i], r.Keypoints[i+1]
			x0, x1 = math.Min(x0, x), math.Max(x1, x)
			y0, y1 = math.Min(y0, y), math.Max(y1, y)
		}
		d.area = (x1 - x0) * (y1 - y0)
	}
	return d
}

// ComputeOKS returns the object keypoint similarity between a ground truth
// person and a predicted one. When the ground truth has no labelled joints
// the distance is measured to a box twice the size of its bounding box.
func ComputeOKS(gt Annotation, dt []float64, sigmas []float64) float64 {
	k := len(sigmas)
	if len(gt.Keypoints) < 3*k || len(dt) < 3*k {
		return 0
	}

	visible := 0
	for j := 0; j < k; j++ {
		if gt.Keypoints[3*j+2] > 0 {
			visible++
		}
	}

	bb := gt.BBox
	x0, x1 := bb[0]-bb[2], bb[0]+bb[2]*2
	y0, y1 := bb[1]-bb[3], bb[1]+bb[3]*2

	var sum float64
	n := 0
	for j := 0; j < k; j++ {
		xg, yg, vg := gt.Keypoints[3*j], gt.Keypoints[3*j+1], gt.Keypoints[3*j+2]
		xd, yd := dt[3*j], dt[3*j+1]

		var dx, dy float64
		if visible > 0 {
			if vg <= 0 {
				continue
			}
			dx, dy = xd-xg, yd-yg
		} else {
			dx = math.Max(0, x0-xd) + math.Max(0, xd-x1)
			dy = math.Max(0, y0-yd) + math.Max(0, yd-y1)
		}

		variance := (sigmas[j] * 2) * (sigmas[j] * 2)
		e := (dx*dx + dy*dy) / variance / (gt.Area + eps) / 2
		sum += math.Exp(-e)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// imageEval holds the matches of one image for one area range
type imageEval struct {
	dtScores  []float64
	dtMatched [][]bool // [iou][det]
	dtIgnore  [][]bool // [iou][det]
	gtIgnore  []bool
}

// Eval computes COCO keypoint metrics for a set of results
type Eval struct {
	// Stats holds the ten summary values after Run
	Stats []float64

	params    Params
	gt        *Dataset
	dts       map[int64][]detection
	oks       map[int64][][]float64
	images    []int64
	precision [][][]float64 // [iou][recall][area]
	recall    [][]float64   // [iou][area]
}

// NewEval prepares an evaluation of results against gt. Results for other
// categories are ignored. With no ImageIDs in params every image of gt is
// evaluated.
func NewEval(gt *Dataset, results []Result, params Params) (*Eval, error) {
	if len(params.Sigmas) == 0 {
		return nil, fmt.Errorf("sigmas are required")
	}
	if params.MaxDets <= 0 {
		return nil, fmt.Errorf("maxDets must be positive, got %d", params.MaxDets)
	}

	e := &Eval{
		params: params,
		gt:     gt,
		dts:    make(map[int64][]detection),
		oks:    make(map[int64][][]float64),
	}

	e.images = params.ImageIDs
	if len(e.images) == 0 {
		e.images = gt.ImageIDs()
	}

	for i, r := range results {
		if r.CategoryID != params.CategoryID {
			continue
		}
		if len(r.Keypoints) != 3*len(params.Sigmas) {
			return nil, fmt.Errorf("result %d has %d keypoint values, expected %d", i, len(r.Keypoints), 3*len(params.Sigmas))
		}
		if !gt.HasImage(r.ImageID) {
			return nil, fmt.Errorf("result %d refers to unknown image %d", i, r.ImageID)
		}
		e.dts[r.ImageID] = append(e.dts[r.ImageID], newDetection(i+1, r))
	}

	// Highest score first; ties keep insertion order
	for id, dts := range e.dts {
		sort.SliceStable(dts, func(a, b int) bool { return dts[a].score > dts[b].score })
		if len(dts) > params.MaxDets {
			dts = dts[:params.MaxDets]
		}
		e.dts[id] = dts
	}
	return e, nil
}

// groundTruth marks ignored annotations: crowds and persons without
// labelled joints
func (e *Eval) groundTruth(imageID int64) ([]Annotation, []bool) {
	gts := e.gt.AnnotationsFor(imageID, e.params.CategoryID)
	ignore := make([]bool, len(gts))
	for i, g := range gts {
		ignore[i] = g.IsCrowd != 0 || g.NumKeypoints == 0
	}
	return gts, ignore
}

func (e *Eval) computeOKS(imageID int64, gts []Annotation) [][]float64 {
	dts := e.dts[imageID]
	if len(gts) == 0 || len(dts) == 0 {
		return nil
	}
	out := make([][]float64, len(dts))
	for i, d := range dts {
		out[i] = make([]float64, len(gts))
		for j, g := range gts {
			out[i][j] = ComputeOKS(g, d.keypoints, e.params.Sigmas)
		}
	}
	return out
}

// evaluateImage matches detections to ground truth greedily by score for
// every OKS threshold. It returns nil when the image has neither.
func (e *Eval) evaluateImage(imageID int64, area AreaRange) *imageEval {
	gts, ignore := e.groundTruth(imageID)
	dts := e.dts[imageID]
	if len(gts) == 0 && len(dts) == 0 {
		return nil
	}
	oks := e.oks[imageID]

	// Non-ignored ground truth first
	gtIgnore := make([]bool, len(gts))
	for i, g := range gts {
		gtIgnore[i] = ignore[i] || g.Area < area.Min || g.Area > area.Max
	}
	order := make([]int, len(gts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return !gtIgnore[order[a]] && gtIgnore[order[b]] })

	numT := len(e.params.IoUThrs)
	ev := &imageEval{
		dtScores:  make([]float64, len(dts)),
		dtMatched: make([][]bool, numT),
		dtIgnore:  make([][]bool, numT),
		gtIgnore:  make([]bool, len(gts)),
	}
	for i, g := range order {
		ev.gtIgnore[i] = gtIgnore[g]
	}
	for d := range dts {
		ev.dtScores[d] = dts[d].score
	}

	for t, thr := range e.params.IoUThrs {
		ev.dtMatched[t] = make([]bool, len(dts))
		ev.dtIgnore[t] = make([]bool, len(dts))
		gtTaken := make([]bool, len(gts))

		if oks != nil {
			for d := range dts {
				best := math.Min(thr, 1-1e-10)
				m := -1
				for gi, g := range order {
					if gtTaken[gi] && gts[g].IsCrowd == 0 {
						continue
					}
					// Stop once a regular match exists and only ignored ones remain
					if m > -1 && !ev.gtIgnore[m] && ev.gtIgnore[gi] {
						break
					}
					if oks[d][g] < best {
						continue
					}
					best = oks[d][g]
					m = gi
				}
				if m == -1 {
					continue
				}
				ev.dtIgnore[t][d] = ev.gtIgnore[m]
				ev.dtMatched[t][d] = true
				gtTaken[m] = true
			}
		}

		// Unmatched detections outside the area range do not count
		for d, det := range dts {
			if !ev.dtMatched[t][d] && (det.area < area.Min || det.area > area.Max) {
				ev.dtIgnore[t][d] = true
			}
		}
	}
	return ev
}

// Run matches every image and accumulates precision and recall
func (e *Eval) Run() []float64 {
	for _, id := range e.images {
		gts, _ := e.groundTruth(id)
		e.oks[id] = e.computeOKS(id, gts)
	}

	numT, numR, numA := len(e.params.IoUThrs), len(e.params.RecThrs), len(e.params.AreaRanges)
	e.precision = make([][][]float64, numT)
	e.recall = make([][]float64, numT)
	for t := range e.precision {
		e.precision[t] = make([][]float64, numR)
		for r := range e.precision[t] {
			e.precision[t][r] = filled(numA, -1)
		}
		e.recall[t] = filled(numA, -1)
	}

	for a, area := range e.params.AreaRanges {
		var evals []*imageEval
		for _, id := range e.images {
			if ev := e.evaluateImage(id, area); ev != nil {
				evals = append(evals, ev)
			}
		}
		e.accumulate(a, evals)
	}

	e.Stats = e.summarize()
	return e.Stats
}

func (e *Eval) accumulate(a int, evals []*imageEval) {
	type scored struct {
		score float64
		img   int
		det   int
	}

	var dets []scored
	npig := 0
	for i, ev := range evals {
		for d, s := range ev.dtScores {
			dets = append(dets, scored{score: s, img: i, det: d})
		}
		for _, ig := range ev.gtIgnore {
			if !ig {
				npig++
			}
		}
	}
	if npig == 0 {
		return
	}
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].score > dets[j].score })

	for t := range e.params.IoUThrs {
		var tp, fp float64
		rc := make([]float64, 0, len(dets))
		pr := make([]float64, 0, len(dets))
		for _, d := range dets {
			ev := evals[d.img]
			switch {
			case ev.dtIgnore[t][d.det]:
			case ev.dtMatched[t][d.det]:
				tp++
			default:
				fp++
			}
			rc = append(rc, tp/float64(npig))
			pr = append(pr, tp/(tp+fp+eps))
		}

		if len(rc) > 0 {
			e.recall[t][a] = rc[len(rc)-1]
		} else {
			e.recall[t][a] = 0
		}

		// Make precision monotonically decreasing
		for i := len(pr) - 1; i > 0; i-- {
			if pr[i] > pr[i-1] {
				pr[i-1] = pr[i]
			}
		}

		for r, thr := range e.params.RecThrs {
			idx := sort.SearchFloat64s(rc, thr)
			if idx >= len(pr) {
				// higher recall levels were never reached
				for ; r < len(e.params.RecThrs); r++ {
					e.precision[t][r][a] = 0
				}
				break
			}
			e.precision[t][r][a] = pr[idx]
		}
	}
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// summarize reduces precision and recall to the ten COCO keypoint stats
func (e *Eval) summarize() []float64 {
	areaIndex := func(label string) int {
		for i, a := range e.params.AreaRanges {
			if a.Label == label {
				return i
			}
		}
		return -1
	}
	iouIndex := func(thr float64) int {
		for i, t := range e.params.IoUThrs {
			if math.Abs(t-thr) < 1e-9 {
				return i
			}
		}
		return -1
	}

	average := func(ap bool, iou float64, area string) float64 {
		a := areaIndex(area)
		if a < 0 {
			return -1
		}
		var sum float64
		n := 0
		add := func(v float64) {
			if v > -1 {
				sum += v
				n++
			}
		}
		for t := range e.params.IoUThrs {
			if iou > 0 && t != iouIndex(iou) {
				continue
			}
			if ap {
				for r := range e.params.RecThrs {
					add(e.precision[t][r][a])
				}
			} else {
				add(e.recall[t][a])
			}
		}
		if n == 0 {
			return -1
		}
		return sum / float64(n)
	}

	stats := make([]float64, 0, 10)
	for _, ap := range []bool{true, false} {
		stats = append(stats,
			average(ap, 0, "all"),
			average(ap, 0.5, "all"),
			average(ap, 0.75, "all"),
			average(ap, 0, "medium"),
			average(ap, 0, "large"),
		)
	}
	return stats
}

// StatNames labels the values returned by Eval.Run
var StatNames = []string{"AP", "AP50", "AP75", "APm", "APl", "AR", "AR50", "AR75", "ARm", "ARl"}

// FormatStats renders stats the way the COCO toolkit prints its summary
func FormatStats(stats []float64, maxDets int) []string {
	lines := make([]string, 0, len(stats))
	for i, v := range stats {
		kind, short := "Average Precision", "(AP)"
		if i >= 5 {
			kind, short = "Average Recall   ", "(AR)"
		}
		iou, area := "0.50:0.95", "   all"
		switch i % 5 {
		case 1:
			iou = "0.50     "
		case 2:
			iou = "0.75     "
		case 3:
			area = "medium"
		case 4:
			area = " large"
		}
		lines = append(lines, fmt.Sprintf(" %s  %s @[ IoU=%s | area=%s | maxDets=%3d ] = %.3f", kind, short, iou, area, maxDets, v))
	}
	return lines
}
