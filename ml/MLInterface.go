package ml

import (
	"context"
)

// Minibatcher yields minibatches for one pass over a partition.
// *data.Loader implements it.
type Minibatcher interface {
	Scan() bool
	Minibatch() (features [][]float32, labels []float32)
	Err() error
	Rows() int64
	Close() error
}

// LoaderFunc opens a fresh pass over the named partition.
type LoaderFunc func(ctx context.Context, partition string) (Minibatcher, error)

// Optimizer updates the network's parameters from their gradients.
// ZeroGrad is called after Step, once gradients exist.
type Optimizer interface {
	Step()
	ZeroGrad()
	Close()
}
