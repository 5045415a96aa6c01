// Package checkpoints saves and restores per-epoch training state.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// FormatFromPath picks the format from a file extension (.pb is protobuf)
func FormatFromPath(path string) CheckpointFormat {
	if filepath.Ext(path) == ".pb" {
		return FormatProto
	}
	return FormatJSON
}

// Checkpoint represents model weights, optimizer state and training metadata
type Checkpoint struct {
	// Model parameters
	Weights []WeightTensor `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Evaluation summary of the epoch, if one ran
	COCOStats []float64 `json:"coco_stats,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	MeanLoss     float64 `json:"mean_loss"`
	BestAP       float64 `json:"best_ap"`
	Scale        float64 `json:"scaler_scale,omitempty"` // Gradient scaler scale when mixed precision is on
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", "AdamW"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	RunID       string    `json:"run_id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
	runID  string
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format.
// Every checkpoint it writes is stamped with the same run id.
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
		runID:  uuid.New().String(),
	}
}

// RunID returns the id stamped on this saver's checkpoints
func (cs *CheckpointSaver) RunID() string {
	return cs.runID
}

// SaveCheckpoint writes a checkpoint. The write goes to a temporary file
// renamed into place while holding an advisory lock on path+".lock".
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "kpose"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = cs.runID
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = marshalProto(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %v", err)
		}
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock checkpoint %s: %v", path, err)
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %v", err)
	}

	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock checkpoint %s: %v", path, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}

	var checkpoint Checkpoint
	switch cs.format {
	case FormatJSON:
		err = json.Unmarshal(data, &checkpoint)
	case FormatProto:
		err = unmarshalProto(data, &checkpoint)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// Summary is a compact description of a checkpoint
type Summary struct {
	RunID            string    `json:"run_id"`
	Framework        string    `json:"framework"`
	Version          string    `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	Epoch            int       `json:"epoch"`
	Step             int       `json:"step"`
	LearningRate     float64   `json:"learning_rate"`
	MeanLoss         float64   `json:"mean_loss"`
	BestAP           float64   `json:"best_ap"`
	Tensors          int       `json:"tensors"`
	Parameters       int       `json:"parameters"`
	Optimizer        string    `json:"optimizer,omitempty"`
	OptimizerTensors int       `json:"optimizer_tensors,omitempty"`
	COCOStats        []float64 `json:"coco_stats,omitempty"`
}

// Summary counts the stored weights and collects the training state
func (c *Checkpoint) Summary() Summary {
	s := Summary{
		RunID:        c.Metadata.RunID,
		Framework:    c.Metadata.Framework,
		Version:      c.Metadata.Version,
		CreatedAt:    c.Metadata.CreatedAt,
		Epoch:        c.TrainingState.Epoch,
		Step:         c.TrainingState.Step,
		LearningRate: c.TrainingState.LearningRate,
		MeanLoss:     c.TrainingState.MeanLoss,
		BestAP:       c.TrainingState.BestAP,
		Tensors:      len(c.Weights),
		COCOStats:    c.COCOStats,
	}
	for _, w := range c.Weights {
		s.Parameters += len(w.Data)
	}
	if c.OptimizerState != nil {
		s.Optimizer = c.OptimizerState.Type
		s.OptimizerTensors = len(c.OptimizerState.StateData)
	}
	return s
}
