// Package distributed carries the execution context of a data-parallel
// worker and the collective operations the training loop needs: scalar
// all-reduce for logging and all-gather for evaluation results.
package distributed

import (
	"context"
	"fmt"
	"sort"
)

// Communicator performs collective operations among the workers of a group.
// Every worker must call the same collectives in the same order; each call
// blocks until all workers have joined it or ctx is done.
type Communicator interface {
	// AllReduceSum returns the element-wise sum of values across workers
	AllReduceSum(ctx context.Context, values []float64) ([]float64, error)

	// AllGather returns every worker's payload, indexed by rank
	AllGather(ctx context.Context, payload []byte) ([][]byte, error)

	// Barrier waits for every worker
	Barrier(ctx context.Context) error
}

// Context identifies a worker: its rank, the world size and the
// communicator shared with its peers.
type Context struct {
	Rank      int
	WorldSize int
	Comm      Communicator
}

// Single returns the context of a lone, non-distributed worker
func Single() *Context {
	return &Context{Rank: 0, WorldSize: 1, Comm: loopback{}}
}

// IsMainProcess reports whether this worker is the leader (rank 0). A nil
// context is treated as a single worker.
func (c *Context) IsMainProcess() bool {
	return c == nil || c.Rank == 0
}

// IsDistributed reports whether more than one worker participates
func (c *Context) IsDistributed() bool {
	return c != nil && c.WorldSize > 1
}

// Validate checks rank and world size consistency
func (c *Context) Validate() error {
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be positive, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	if c.WorldSize > 1 && c.Comm == nil {
		return fmt.Errorf("communicator required for world size %d", c.WorldSize)
	}
	return nil
}

// ReduceDict reduces a dictionary of scalars across all workers so every
// worker sees the same values. With average the sums are divided by the
// world size. Keys are reduced in sorted order so workers agree on layout.
func ReduceDict(ctx context.Context, dc *Context, values map[string]float64, average bool) (map[string]float64, error) {
	reduced := make(map[string]float64, len(values))
	if !dc.IsDistributed() {
		for k, v := range values {
			reduced[k] = v
		}
		return reduced, nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flat := make([]float64, len(keys))
	for i, k := range keys {
		flat[i] = values[k]
	}

	summed, err := dc.Comm.AllReduceSum(ctx, flat)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce dict: %w", err)
	}

	for i, k := range keys {
		v := summed[i]
		if average {
			v /= float64(dc.WorldSize)
		}
		reduced[k] = v
	}
	return reduced, nil
}

// loopback is the communicator of a single worker
type loopback struct{}

func (loopback) AllReduceSum(_ context.Context, values []float64) ([]float64, error) {
	out := make([]float64, len(values))
	copy(out, values)
	return out, nil
}

func (loopback) AllGather(_ context.Context, payload []byte) ([][]byte, error) {
	return [][]byte{payload}, nil
}

func (loopback) Barrier(context.Context) error {
	return nil
}
