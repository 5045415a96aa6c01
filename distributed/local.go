package distributed

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	opAllReduce = "all_reduce"
	opAllGather = "all_gather"
	opBarrier   = "barrier"
)

// LocalGroup is an in-process communicator for workers running as
// goroutines of one process.
type LocalGroup struct {
	size int

	mu      sync.Mutex
	current *round
}

// round is one collective call; inputs are read only after done is closed
type round struct {
	op      string
	inputs  []interface{}
	arrived int
	done    chan struct{}
}

// NewLocalGroup creates a group of size workers
func NewLocalGroup(size int) (*LocalGroup, error) {
	if size < 1 {
		return nil, fmt.Errorf("group size must be positive, got %d", size)
	}
	return &LocalGroup{size: size}, nil
}

// Size returns the number of workers
func (g *LocalGroup) Size() int {
	return g.size
}

// Context returns the execution context for rank
func (g *LocalGroup) Context(rank int) *Context {
	return &Context{
		Rank:      rank,
		WorldSize: g.size,
		Comm:      &member{group: g, rank: rank},
	}
}

// join contributes input to the current round and waits for the others
func (g *LocalGroup) join(ctx context.Context, rank int, op string, input interface{}) ([]interface{}, error) {
	g.mu.Lock()
	r := g.current
	if r == nil {
		r = &round{
			op:     op,
			inputs: make([]interface{}, g.size),
			done:   make(chan struct{}),
		}
		g.current = r
	}
	if r.op != op {
		g.mu.Unlock()
		return nil, fmt.Errorf("rank %d called %s while the group is in %s", rank, op, r.op)
	}
	r.inputs[rank] = input
	r.arrived++
	if r.arrived == g.size {
		g.current = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.inputs, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("rank %d waiting in %s: %w", rank, op, ctx.Err())
	}
}

// member is a rank-bound view of a LocalGroup
type member struct {
	group *LocalGroup
	rank  int
}

func (m *member) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	local := make([]float64, len(values))
	copy(local, values)

	inputs, err := m.group.join(ctx, m.rank, opAllReduce, local)
	if err != nil {
		return nil, err
	}

	sum := make([]float64, len(values))
	for rank, in := range inputs {
		vals := in.([]float64)
		if len(vals) != len(sum) {
			return nil, fmt.Errorf("rank %d reduced %d values, rank %d reduced %d", rank, len(vals), m.rank, len(sum))
		}
		for i, v := range vals {
			sum[i] += v
		}
	}
	return sum, nil
}

func (m *member) AllGather(ctx context.Context, payload []byte) ([][]byte, error) {
	local := make([]byte, len(payload))
	copy(local, payload)

	inputs, err := m.group.join(ctx, m.rank, opAllGather, local)
	if err != nil {
		return nil, err
	}

	gathered := make([][]byte, len(inputs))
	for rank, in := range inputs {
		gathered[rank] = in.([]byte)
	}
	return gathered, nil
}

func (m *member) Barrier(ctx context.Context) error {
	_, err := m.group.join(ctx, m.rank, opBarrier, nil)
	return err
}

// Launch runs fn once per rank on a fresh LocalGroup and waits for all of
// them. The first error cancels the context passed to the other workers.
func Launch(ctx context.Context, worldSize int, fn func(ctx context.Context, dc *Context) error) error {
	group, err := NewLocalGroup(worldSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < worldSize; rank++ {
		dc := group.Context(rank)
		g.Go(func() error {
			if err := fn(gctx, dc); err != nil {
				return fmt.Errorf("rank %d: %w", dc.Rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}
