package app

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tsawler/kpose/checkpoints"
	"github.com/tsawler/kpose/coco"
)

func newInspectCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Summarize a training checkpoint",
		Long: `Print the training state, optimizer and evaluation summary stored in a
checkpoint. Files ending in .pb are read as protobuf, anything else as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			cp, err := checkpoints.NewCheckpointSaver(checkpoints.FormatFromPath(path)).LoadCheckpoint(path)
			if err != nil {
				return err
			}

			if v.GetString("inspect-format") == "json" {
				raw, err := json.MarshalIndent(cp.Summary(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			}
			printCheckpoint(cmd.OutOrStdout(), path, cp)
			return nil
		},
	}

	cmd.Flags().String("format", "", "Output format (json)")
	mustBind(v, "inspect-format", cmd.Flags().Lookup("format"))
	return cmd
}

func printCheckpoint(w io.Writer, path string, cp *checkpoints.Checkpoint) {
	s := cp.Summary()
	fmt.Fprintf(w, "Checkpoint:    %s\n", path)
	fmt.Fprintf(w, "Run:           %s\n", s.RunID)
	fmt.Fprintf(w, "Created:       %s by %s %s\n", s.CreatedAt.Format(time.RFC3339), s.Framework, s.Version)
	fmt.Fprintf(w, "Epoch:         %d (step %d)\n", s.Epoch, s.Step)
	fmt.Fprintf(w, "Learning rate: %.6f\n", s.LearningRate)
	fmt.Fprintf(w, "Mean loss:     %.4f\n", s.MeanLoss)
	fmt.Fprintf(w, "Best AP:       %.4f\n", s.BestAP)
	fmt.Fprintf(w, "Weights:       %d tensors, %d parameters\n", s.Tensors, s.Parameters)
	if s.Optimizer != "" {
		fmt.Fprintf(w, "Optimizer:     %s (%d state tensors)\n", s.Optimizer, s.OptimizerTensors)
	}
	for i, v := range cp.COCOStats {
		if i < len(coco.StatNames) {
			fmt.Fprintf(w, "  %-5s %.4f\n", coco.StatNames[i], v)
		}
	}
}
