// Package config provides loading and validation of kpose run configurations.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// OptimizerAdamW is AdamW with decoupled weight decay
	OptimizerAdamW = "adamw"

	// OptimizerSGD is SGD with momentum
	OptimizerSGD = "sgd"
)

// COCOFlipPairs are the left/right joint pairs of the 17 COCO keypoints
var COCOFlipPairs = [][2]int{
	{1, 2}, {3, 4}, {5, 6}, {7, 8}, {9, 10}, {11, 12}, {13, 14}, {15, 16},
}

// Config represents the root configuration structure
type Config struct {
	Data       DataConfig       `yaml:"data"`
	Model      ModelConfig      `yaml:"model"`
	Train      TrainConfig      `yaml:"train"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	Eval       EvalConfig       `yaml:"eval"`
	Output     OutputConfig     `yaml:"output"`
	Distribute DistributeConfig `yaml:"distributed"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DataConfig locates the dataset
type DataConfig struct {
	// Root is the COCO dataset directory
	Root string `yaml:"root"`

	// TrainAnnotations and ValAnnotations are relative to Root unless absolute
	TrainAnnotations string `yaml:"trainAnnotations"`
	ValAnnotations   string `yaml:"valAnnotations"`

	BatchSize int   `yaml:"batchSize"`
	Shuffle   bool  `yaml:"shuffle"`
	Seed      int64 `yaml:"seed"`
}

// ModelConfig describes the network input and output
type ModelConfig struct {
	NumJoints int `yaml:"numJoints"`
	// FixedSize is the network input as [height, width]
	FixedSize [2]int `yaml:"fixedSize"`
	// HeatmapStride is the ratio between input and heatmap resolution
	HeatmapStride int `yaml:"heatmapStride"`
}

// TrainConfig holds the epoch loop settings
type TrainConfig struct {
	StartEpoch int  `yaml:"startEpoch"`
	Epochs     int  `yaml:"epochs"`
	PrintFreq  int  `yaml:"printFreq"`
	Warmup     bool `yaml:"warmup"`
	// AMP enables mixed precision with dynamic loss scaling
	AMP    bool   `yaml:"amp"`
	Resume string `yaml:"resume,omitempty"`
}

// OptimizerConfig selects the optimizer and learning rate schedule
type OptimizerConfig struct {
	Type         string  `yaml:"type"`
	LearningRate float64 `yaml:"lr"`
	WeightDecay  float64 `yaml:"weightDecay"`
	Momentum     float64 `yaml:"momentum,omitempty"`

	// Scheduler is one of constant, step, multistep, exponential, cosine, plateau
	Scheduler string  `yaml:"scheduler"`
	LRSteps   []int   `yaml:"lrSteps,omitempty"`
	StepSize  int     `yaml:"stepSize,omitempty"`
	LRGamma   float64 `yaml:"lrGamma"`
}

// EvalConfig holds the evaluation settings
type EvalConfig struct {
	Flip      bool     `yaml:"flip"`
	FlipPairs [][2]int `yaml:"flipPairs,omitempty"`
	// ResultsFile receives the keypoint predictions of the last evaluation
	ResultsFile string `yaml:"resultsFile"`
}

// OutputConfig locates run artifacts
type OutputConfig struct {
	Dir string `yaml:"dir"`
	// CheckpointFormat is json or proto
	CheckpointFormat string `yaml:"checkpointFormat"`
	// ResultsLog receives one summary line per epoch
	ResultsLog string `yaml:"resultsLog"`
}

// DistributeConfig sets the number of data-parallel workers
type DistributeConfig struct {
	WorldSize int `yaml:"worldSize"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the settings of a COCO person keypoint run
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Root:             "data/coco2017",
			TrainAnnotations: "annotations/person_keypoints_train2017.json",
			ValAnnotations:   "annotations/person_keypoints_val2017.json",
			BatchSize:        32,
			Shuffle:          true,
		},
		Model: ModelConfig{
			NumJoints:     17,
			FixedSize:     [2]int{256, 192},
			HeatmapStride: 4,
		},
		Train: TrainConfig{
			Epochs:    210,
			PrintFreq: 50,
			Warmup:    true,
		},
		Optimizer: OptimizerConfig{
			Type:         OptimizerAdamW,
			LearningRate: 0.001,
			WeightDecay:  1e-4,
			Scheduler:    "multistep",
			LRSteps:      []int{170, 200},
			LRGamma:      0.1,
		},
		Eval: EvalConfig{
			Flip:        true,
			FlipPairs:   COCOFlipPairs,
			ResultsFile: "key_results.json",
		},
		Output: OutputConfig{
			Dir:              "save_weights",
			CheckpointFormat: "json",
			ResultsLog:       "results.txt",
		},
		Distribute: DistributeConfig{WorldSize: 1},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// AnnotationPath resolves an annotation file against the data root
func (c *Config) AnnotationPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Data.Root, name)
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Data.BatchSize <= 0 {
		return fmt.Errorf("data.batchSize must be positive, got %d", c.Data.BatchSize)
	}
	if c.Model.NumJoints <= 0 {
		return fmt.Errorf("model.numJoints must be positive, got %d", c.Model.NumJoints)
	}
	if c.Model.FixedSize[0] <= 0 || c.Model.FixedSize[1] <= 0 {
		return fmt.Errorf("model.fixedSize must be positive, got %v", c.Model.FixedSize)
	}
	if c.Model.HeatmapStride <= 0 {
		return fmt.Errorf("model.heatmapStride must be positive, got %d", c.Model.HeatmapStride)
	}

	if c.Train.StartEpoch < 0 {
		return fmt.Errorf("train.startEpoch cannot be negative")
	}
	if c.Train.Epochs <= c.Train.StartEpoch {
		return fmt.Errorf("train.epochs (%d) must be greater than train.startEpoch (%d)", c.Train.Epochs, c.Train.StartEpoch)
	}

	if err := c.Optimizer.validate(); err != nil {
		return err
	}
	if err := c.Eval.validate(c.Model.NumJoints); err != nil {
		return err
	}

	switch strings.ToLower(c.Output.CheckpointFormat) {
	case "json", "proto":
	default:
		return fmt.Errorf("output.checkpointFormat must be json or proto, got %q", c.Output.CheckpointFormat)
	}

	if c.Distribute.WorldSize < 1 {
		return fmt.Errorf("distributed.worldSize must be at least 1, got %d", c.Distribute.WorldSize)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func (o *OptimizerConfig) validate() error {
	switch o.Type {
	case OptimizerAdamW, OptimizerSGD:
	default:
		return fmt.Errorf("optimizer.type must be %s or %s, got %q", OptimizerAdamW, OptimizerSGD, o.Type)
	}
	if o.LearningRate <= 0 {
		return fmt.Errorf("optimizer.lr must be positive, got %g", o.LearningRate)
	}
	if o.WeightDecay < 0 {
		return fmt.Errorf("optimizer.weightDecay cannot be negative")
	}

	switch o.Scheduler {
	case "", "constant", "exponential", "cosine":
	case "multistep":
		if len(o.LRSteps) == 0 {
			return fmt.Errorf("optimizer.lrSteps is required for the multistep scheduler")
		}
	case "step", "plateau":
		if o.StepSize <= 0 {
			return fmt.Errorf("optimizer.stepSize must be positive for the %s scheduler", o.Scheduler)
		}
	default:
		return fmt.Errorf("unknown optimizer.scheduler %q", o.Scheduler)
	}
	return nil
}

func (e *EvalConfig) validate(numJoints int) error {
	if e.Flip && e.FlipPairs == nil {
		return fmt.Errorf("eval.flipPairs is required when eval.flip is enabled")
	}
	for i, p := range e.FlipPairs {
		for _, j := range p {
			if j < 0 || j >= numJoints {
				return fmt.Errorf("eval.flipPairs[%d]: joint %d out of range for %d joints", i, j, numJoints)
			}
		}
	}
	return nil
}
