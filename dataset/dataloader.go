package dataset

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/kpose/tensor"
)

// LoaderConfig holds configuration for DataLoader
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	Seed      int64 // Shuffle seed; every rank must use the same seed
	DropLast  bool

	// Sharding: this loader serves every WorldSize-th sample starting at Rank
	Rank      int
	WorldSize int
}

// DataLoader provides batching, shuffling and distributed sharding
type DataLoader struct {
	dataset  Dataset
	config   LoaderConfig
	epoch    int
	indices  []int
	position int
	mutex    sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config LoaderConfig) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.WorldSize <= 0 {
		config.WorldSize = 1
	}
	if config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", config.Rank, config.WorldSize)
	}

	dl := &DataLoader{
		dataset: dataset,
		config:  config,
	}
	dl.indices = dl.shardIndices()
	return dl, nil
}

// SetEpoch reseeds the shuffle so each epoch sees a new order
func (dl *DataLoader) SetEpoch(epoch int) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.epoch = epoch
}

// shardIndices builds this rank's index list. The full permutation is
// padded by wrapping so every rank gets the same number of samples.
func (dl *DataLoader) shardIndices() []int {
	n := dl.dataset.Len()
	if n == 0 {
		return nil
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}

	if dl.config.Shuffle {
		rng := rand.New(rand.NewSource(dl.config.Seed + int64(dl.epoch)))
		rng.Shuffle(len(all), func(i, j int) {
			all[i], all[j] = all[j], all[i]
		})
	}

	world := dl.config.WorldSize
	perRank := (n + world - 1) / world
	total := perRank * world
	for len(all) < total {
		all = append(all, all[len(all)%n])
	}

	shard := make([]int, 0, perRank)
	for i := dl.config.Rank; i < total; i += world {
		shard = append(shard, all[i])
	}
	return shard
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.config.DropLast {
		return len(dl.indices) / dl.config.BatchSize
	}
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// NumSamples returns the number of samples this rank serves per epoch
func (dl *DataLoader) NumSamples() int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return len(dl.indices)
}

// Reset rewinds the loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	dl.indices = dl.shardIndices()
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.config.BatchSize
	if batchEnd > len(dl.indices) {
		if dl.config.DropLast {
			dl.position = len(dl.indices)
			return nil, nil
		}
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch := &Batch{
		Images:  make([]*tensor.Tensor, 0, len(batchIndices)),
		Targets: make([]Target, 0, len(batchIndices)),
	}
	for _, idx := range batchIndices {
		image, target, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %v", idx, err)
		}
		batch.Images = append(batch.Images, image)
		batch.Targets = append(batch.Targets, target)
	}

	return batch, nil
}
