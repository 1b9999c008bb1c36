package data

import (
	"context"
	"fmt"
)

// Stream is one shard of a partition.
type Stream interface {
	Name() string
	// Read calls emit for every row in the stream, in order. It stops at the
	// first error returned by emit.
	Read(ctx context.Context, emit func(Example) error) error
}

// Source lists the streams making up one pass over a partition.
type Source interface {
	Streams(ctx context.Context) ([]Stream, error)
}

// MemorySource serves examples held in memory, split into a fixed number
// of contiguous streams.
type MemorySource struct {
	name     string
	examples []Example
	streams  int
}

// NewMemorySource splits examples into n streams.
func NewMemorySource(name string, examples []Example, n int) *MemorySource {
	if n < 1 {
		n = 1
	}
	return &MemorySource{name: name, examples: examples, streams: n}
}

// Len returns the number of examples in the source.
func (m *MemorySource) Len() int {
	return len(m.examples)
}

// Streams implements Source.
func (m *MemorySource) Streams(ctx context.Context) ([]Stream, error) {
	n := m.streams
	if n > len(m.examples) && len(m.examples) > 0 {
		n = len(m.examples)
	}
	var streams []Stream
	size := (len(m.examples) + n - 1) / n
	for i := 0; i < n; i++ {
		lo, hi := i*size, (i+1)*size
		if lo > len(m.examples) {
			lo = len(m.examples)
		}
		if hi > len(m.examples) {
			hi = len(m.examples)
		}
		streams = append(streams, memoryStream{
			name:     fmt.Sprintf("%s/streams/%d", m.name, i),
			examples: m.examples[lo:hi],
		})
	}
	return streams, nil
}

type memoryStream struct {
	name     string
	examples []Example
}

func (s memoryStream) Name() string {
	return s.name
}

func (s memoryStream) Read(ctx context.Context, emit func(Example) error) error {
	for _, ex := range s.examples {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(ex); err != nil {
			return err
		}
	}
	return nil
}
