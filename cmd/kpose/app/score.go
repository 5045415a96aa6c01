package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tsawler/kpose/coco"
)

func newScoreCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute COCO keypoint metrics for a results file",
		Long: `Score keypoint predictions in the COCO results format against a COCO
annotation file. By default only the images that have at least one
prediction are evaluated, matching the evaluation run after each epoch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScore(cmd, v)
		},
	}

	cmd.Flags().String("annotations", "", "Path to the COCO keypoint annotations (required)")
	cmd.Flags().String("results", "", "Path to the keypoint results (required)")
	cmd.Flags().Int("category", coco.PersonCategory, "Category id to evaluate")
	cmd.Flags().Int("max-dets", 20, "Maximum detections per image")
	cmd.Flags().Bool("all-images", false, "Evaluate every annotated image, not only those with predictions")
	cmd.Flags().String("format", "", "Output format (json)")

	for _, name := range []string{"annotations", "results", "category", "max-dets", "all-images"} {
		mustBind(v, name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func runScore(cmd *cobra.Command, v *viper.Viper) error {
	annotations, resultsPath := v.GetString("annotations"), v.GetString("results")
	if annotations == "" || resultsPath == "" {
		return fmt.Errorf("--annotations and --results are required")
	}

	gt, err := coco.LoadAnnotations(annotations)
	if err != nil {
		return err
	}
	results, err := coco.LoadResults(resultsPath)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return coco.ErrNoResults
	}

	params := coco.DefaultParams()
	params.CategoryID = v.GetInt("category")
	params.MaxDets = v.GetInt("max-dets")
	if !v.GetBool("all-images") {
		params.ImageIDs = imageIDsOf(results)
	}

	ev, err := coco.NewEval(gt, results, params)
	if err != nil {
		return fmt.Errorf("failed to prepare evaluation: %w", err)
	}
	stats := ev.Run()
	slog.Debug("Scored keypoint results", "results", len(results), "images", len(params.ImageIDs))

	out := cmd.OutOrStdout()
	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		named := make(map[string]float64, len(stats))
		for i, s := range stats {
			named[coco.StatNames[i]] = s
		}
		raw, err := json.MarshalIndent(named, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(raw))
		return nil
	}

	fmt.Fprintln(out, "IoU metric: keypoints")
	for _, line := range coco.FormatStats(stats, params.MaxDets) {
		fmt.Fprintln(out, line)
	}
	return nil
}

// imageIDsOf returns the distinct image ids of results in first-seen order
func imageIDsOf(results []coco.Result) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, r := range results {
		if _, ok := seen[r.ImageID]; ok {
			continue
		}
		seen[r.ImageID] = struct{}{}
		ids = append(ids, r.ImageID)
	}
	return ids
}
