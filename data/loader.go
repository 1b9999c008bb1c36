package data

import (
	"context"
	"math/rand"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"cashmlp/util"
)

// Options control one pass of a Loader over a Source.
type Options struct {
	BatchSize int
	// CycleLength is the number of streams read concurrently.
	CycleLength int
	// ShuffleBuffer is the number of examples held back for shuffling.
	// Values below 2 disable shuffling.
	ShuffleBuffer int
	// NumWorkers and TaskIndex pick this replica's share of the data.
	NumWorkers int
	TaskIndex  int
	Seed       int64
}

func (o Options) validate() error {
	switch {
	case o.BatchSize < 1:
		return errors.Errorf("batch size %d must be positive", o.BatchSize)
	case o.CycleLength < 1:
		return errors.Errorf("cycle length %d must be positive", o.CycleLength)
	case o.NumWorkers < 1:
		return errors.Errorf("worker count %d must be positive", o.NumWorkers)
	case o.TaskIndex < 0 || o.TaskIndex >= o.NumWorkers:
		return errors.Errorf("task index %d is outside [0, %d)", o.TaskIndex, o.NumWorkers)
	}
	return nil
}

// prefetch is the per-stream row buffer and, counted in batches, the
// finished-batch buffer.
func (o Options) prefetch() int {
	return o.BatchSize * 5
}

// Batch is a minibatch of examples.
type Batch struct {
	Features [][]float32
	Labels   []float32
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int {
	return len(b.Labels)
}

// Loader makes one shuffled, batched pass over the share of a Source that
// belongs to this replica. Use it like a scanner:
//
//	for l.Scan() {
//		features, labels := l.Minibatch()
//	}
//	if err := l.Err(); err != nil { ... }
type Loader struct {
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc
	batches chan Batch
	cur     Batch

	rows    int64
	readErr error
	err     error
}

// NewLoader lists the source's streams and starts reading them. Streams are
// dealt round-robin to the replicas; when there are fewer streams than
// replicas every replica reads every stream and keeps every NumWorkers-th
// row instead.
func NewLoader(ctx context.Context, src Source, opts Options) (*Loader, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	streams, err := src.Streams(ctx)
	if err != nil {
		return nil, err
	}

	rowSharded := len(streams) < opts.NumWorkers
	if !rowSharded {
		var mine []Stream
		for i, s := range streams {
			if i%opts.NumWorkers == opts.TaskIndex {
				mine = append(mine, s)
			}
		}
		streams = mine
	}
	util.Debugf("loader: %d streams for task %d of %d (row sharding: %v)",
		len(streams), opts.TaskIndex, opts.NumWorkers, rowSharded)

	ctx, cancel := context.WithCancel(ctx)
	l := &Loader{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		batches: make(chan Batch, (opts.prefetch()+opts.BatchSize-1)/opts.BatchSize),
	}
	go l.run(streams, rowSharded)
	return l, nil
}

// Scan advances to the next minibatch.
func (l *Loader) Scan() bool {
	b, ok := <-l.batches
	if !ok {
		return false
	}
	l.cur = b
	return true
}

// Minibatch returns the batch found by the last call to Scan.
func (l *Loader) Minibatch() (features [][]float32, labels []float32) {
	return l.cur.Features, l.cur.Labels
}

// Err returns the first error that ended the pass. It is only meaningful
// once Scan has returned false.
func (l *Loader) Err() error {
	return l.err
}

// Rows returns the number of examples delivered so far.
func (l *Loader) Rows() int64 {
	return atomic.LoadInt64(&l.rows)
}

// Close stops the readers and waits for them to exit.
func (l *Loader) Close() error {
	l.cancel()
	for range l.batches {
	}
	return nil
}

func (l *Loader) run(streams []Stream, rowSharded bool) {
	defer close(l.batches)

	examples := make(chan Example, l.opts.prefetch()*l.opts.CycleLength)
	g, gctx := errgroup.WithContext(l.ctx)
	g.SetLimit(l.opts.CycleLength)
	go func() {
		for _, s := range streams {
			s := s
			g.Go(func() error {
				return l.readStream(gctx, s, examples, rowSharded)
			})
		}
		l.readErr = g.Wait()
		close(examples)
	}()

	err := l.shuffleAndBatch(examples)
	// drain so blocked readers can finish before readErr is inspected
	for range examples {
	}
	switch {
	case l.readErr != nil:
		l.err = l.readErr
	case err != nil:
		l.err = err
	}
}

func (l *Loader) readStream(ctx context.Context, s Stream, out chan<- Example, rowSharded bool) error {
	var i int
	return s.Read(ctx, func(ex Example) error {
		keep := !rowSharded || i%l.opts.NumWorkers == l.opts.TaskIndex
		i++
		if !keep {
			return nil
		}
		select {
		case out <- ex:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// shuffleAndBatch holds up to ShuffleBuffer examples; once full, every new
// example replaces a randomly chosen held one, which moves on to the
// current batch. Held examples are flushed in random order at the end.
func (l *Loader) shuffleAndBatch(examples <-chan Example) error {
	rng := rand.New(rand.NewSource(l.opts.Seed))
	size := l.opts.ShuffleBuffer
	var buf []Example
	if size > 1 {
		buf = make([]Example, 0, minInt(size, 1<<16))
	}
	batch := newBatch(l.opts.BatchSize)

	emit := func(ex Example) error {
		batch.Features = append(batch.Features, ex.Features)
		batch.Labels = append(batch.Labels, ex.Label)
		if batch.Len() < l.opts.BatchSize {
			return nil
		}
		if err := l.send(batch); err != nil {
			return err
		}
		batch = newBatch(l.opts.BatchSize)
		return nil
	}

	for ex := range examples {
		if size < 2 {
			if err := emit(ex); err != nil {
				return err
			}
			continue
		}
		if len(buf) < size {
			buf = append(buf, ex)
			continue
		}
		i := rng.Intn(size)
		out := buf[i]
		buf[i] = ex
		if err := emit(out); err != nil {
			return err
		}
	}

	rng.Shuffle(len(buf), func(i, j int) { buf[i], buf[j] = buf[j], buf[i] })
	for _, ex := range buf {
		if err := emit(ex); err != nil {
			return err
		}
	}
	if batch.Len() > 0 {
		return l.send(batch)
	}
	return nil
}

func (l *Loader) send(b Batch) error {
	select {
	case l.batches <- b:
		atomic.AddInt64(&l.rows, int64(b.Len()))
		return nil
	case <-l.ctx.Done():
		return l.ctx.Err()
	}
}

func newBatch(size int) Batch {
	return Batch{
		Features: make([][]float32, 0, size),
		Labels:   make([]float32, 0, size),
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
