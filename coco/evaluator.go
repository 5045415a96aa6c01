package coco

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tsawler/kpose/dataset"
	"github.com/tsawler/kpose/distributed"
	"github.com/tsawler/kpose/logging"
	"github.com/tsawler/kpose/transforms"
)

// ErrNoResults is returned by Evaluate when no predictions were collected
var ErrNoResults = errors.New("no keypoint results to evaluate")

// EvaluatorOptions configures a KeypointEvaluator
type EvaluatorOptions struct {
	// Sigmas overrides the per-joint OKS constants (default DefaultSigmas)
	Sigmas []float64
	// Threshold is the peak value above which a joint counts towards the
	// instance score (default 0.2)
	Threshold float64
	// CategoryID of the predictions (default PersonCategory)
	CategoryID int
	Logger     *slog.Logger
}

type entry struct {
	objIndex int
	result   Result
}

// KeypointEvaluator accumulates keypoint predictions during evaluation and
// scores them against COCO ground truth
type KeypointEvaluator struct {
	gt          *Dataset
	iouType     string
	resultsFile string
	opts        EvaluatorOptions
	logger      *slog.Logger

	entries  []entry
	seen     map[int]struct{}
	imageIDs map[int64]struct{}
}

// NewKeypointEvaluator creates an evaluator for gt. Only the "keypoints"
// metric kind is supported. Evaluate writes the results to resultsFile
// unless it is empty.
func NewKeypointEvaluator(gt *Dataset, iouType, resultsFile string, opts EvaluatorOptions) (*KeypointEvaluator, error) {
	if gt == nil {
		return nil, fmt.Errorf("ground truth dataset is required")
	}
	if iouType != "keypoints" {
		return nil, fmt.Errorf("unsupported metric kind %q", iouType)
	}
	if opts.Sigmas == nil {
		opts.Sigmas = DefaultSigmas
	}
	if opts.Threshold == 0 {
		opts.Threshold = 0.2
	}
	if opts.CategoryID == 0 {
		opts.CategoryID = PersonCategory
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("coco")
	}

	return &KeypointEvaluator{
		gt:          gt,
		iouType:     iouType,
		resultsFile: resultsFile,
		opts:        opts,
		logger:      logger,
		seen:        make(map[int]struct{}),
		imageIDs:    make(map[int64]struct{}),
	}, nil
}

// Update converts one batch of decoded predictions to COCO results. Each
// person instance is recorded once, keyed by its ObjIndex.
func (e *KeypointEvaluator) Update(targets []dataset.Target, preds *transforms.Predictions) error {
	if len(targets) != preds.Len() {
		return fmt.Errorf("got %d targets for %d predictions", len(targets), preds.Len())
	}

	for i, target := range targets {
		coords, maxvals := preds.Coords[i], preds.MaxVals[i]
		if len(coords) == 0 {
			continue
		}
		if len(coords) != len(maxvals) {
			return fmt.Errorf("prediction %d has %d coordinates and %d scores", i, len(coords), len(maxvals))
		}
		if _, dup := e.seen[target.ObjIndex]; dup {
			continue
		}
		e.seen[target.ObjIndex] = struct{}{}
		e.imageIDs[target.ImageID] = struct{}{}

		var sum float64
		n := 0
		keypoints := make([]float64, 0, 3*len(coords))
		for k, c := range coords {
			if float64(maxvals[k]) > e.opts.Threshold {
				sum += float64(maxvals[k])
				n++
			}
			keypoints = append(keypoints, round2(float64(c[0])), round2(float64(c[1])), round2(float64(maxvals[k])))
		}
		var kScore float64
		if n > 0 {
			kScore = sum / float64(n)
		}

		e.entries = append(e.entries, entry{
			objIndex: target.ObjIndex,
			result: Result{
				ImageID:    target.ImageID,
				CategoryID: e.opts.CategoryID,
				Keypoints:  keypoints,
				Score:      target.Score * kScore,
			},
		})
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Results returns the collected results
func (e *KeypointEvaluator) Results() []Result {
	out := make([]Result, len(e.entries))
	for i, en := range e.entries {
		out[i] = en.result
	}
	return out
}

// ImageIDs returns the images seen so far in ascending order
func (e *KeypointEvaluator) ImageIDs() []int64 {
	ids := make([]int64, 0, len(e.imageIDs))
	for id := range e.imageIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SynchronizeResults gathers the results of every worker in rank order.
// Instances evaluated by more than one worker are kept once.
func (e *KeypointEvaluator) SynchronizeResults(ctx context.Context, dc *distributed.Context) error {
	if !dc.IsDistributed() {
		return nil
	}

	payload, err := e.encodeShard()
	if err != nil {
		return fmt.Errorf("failed to encode results: %v", err)
	}

	shards, err := dc.Comm.AllGather(ctx, payload)
	if err != nil {
		return fmt.Errorf("failed to gather results: %w", err)
	}

	e.entries = nil
	e.seen = make(map[int]struct{})
	e.imageIDs = make(map[int64]struct{})
	for rank, shard := range shards {
		entries, imageIDs, err := decodeShard(shard)
		if err != nil {
			return fmt.Errorf("failed to decode results of rank %d: %v", rank, err)
		}
		for _, en := range entries {
			if _, dup := e.seen[en.objIndex]; dup {
				continue
			}
			e.seen[en.objIndex] = struct{}{}
			e.entries = append(e.entries, en)
		}
		for _, id := range imageIDs {
			e.imageIDs[id] = struct{}{}
		}
	}

	e.logger.Debug("synchronized keypoint results", "workers", len(shards), "results", len(e.entries))
	return nil
}

// Evaluate writes the results file and returns the ten COCO keypoint stats
// over the images seen
func (e *KeypointEvaluator) Evaluate() ([]float64, error) {
	if len(e.entries) == 0 {
		return nil, ErrNoResults
	}

	results := e.Results()
	if e.resultsFile != "" {
		if err := WriteResults(e.resultsFile, results); err != nil {
			return nil, err
		}
	}

	params := DefaultParams()
	params.CategoryID = e.opts.CategoryID
	params.Sigmas = e.opts.Sigmas
	params.ImageIDs = e.ImageIDs()

	ev, err := NewEval(e.gt, results, params)
	if err != nil {
		return nil, err
	}
	stats := ev.Run()

	e.logger.Info(fmt.Sprintf("IoU metric: %s", e.iouType))
	for _, line := range FormatStats(stats, params.MaxDets) {
		e.logger.Info(line)
	}
	return stats, nil
}

// encodeShard packs this worker's results into a protobuf Struct
func (e *KeypointEvaluator) encodeShard() ([]byte, error) {
	items := make([]interface{}, len(e.entries))
	for i, en := range e.entries {
		kps := make([]interface{}, len(en.result.Keypoints))
		for j, v := range en.result.Keypoints {
			kps[j] = v
		}
		items[i] = map[string]interface{}{
			"obj_index":   en.objIndex,
			"image_id":    en.result.ImageID,
			"category_id": en.result.CategoryID,
			"keypoints":   kps,
			"score":       en.result.Score,
		}
	}

	ids := make([]interface{}, 0, len(e.imageIDs))
	for _, id := range e.ImageIDs() {
		ids = append(ids, id)
	}

	msg, err := structpb.NewStruct(map[string]interface{}{
		"results":   items,
		"image_ids": ids,
	})
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func decodeShard(data []byte) ([]entry, []int64, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, nil, err
	}

	var entries []entry
	for _, v := range msg.GetFields()["results"].GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		var kps []float64
		for _, k := range fields["keypoints"].GetListValue().GetValues() {
			kps = append(kps, k.GetNumberValue())
		}
		entries = append(entries, entry{
			objIndex: int(fields["obj_index"].GetNumberValue()),
			result: Result{
				ImageID:    int64(fields["image_id"].GetNumberValue()),
				CategoryID: int(fields["category_id"].GetNumberValue()),
				Keypoints:  kps,
				Score:      fields["score"].GetNumberValue(),
			},
		})
	}

	var ids []int64
	for _, v := range msg.GetFields()["image_ids"].GetListValue().GetValues() {
		ids = append(ids, int64(v.GetNumberValue()))
	}
	return entries, ids, nil
}
