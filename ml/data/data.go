// Package data provides dataset combinators for the training loops:
// in-memory datasets, deterministic shuffling and mini-batching. They all
// implement and consume the train.Dataset contract, so they compose.
package data

import (
	"io"

	"github.com/H3c-t0r/lightning/ml/train"
	"github.com/H3c-t0r/lightning/ml/train/rngstate"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Shuffled wraps a dataset and yields its batches in a random order. The
// order is drawn from the run's RNG state, so two runs with the same base
// seed see the same order, and it is re-drawn on every Reset, so epochs
// differ.
type Shuffled struct {
	wrapped train.Dataset
	rng     rngstate.State
	epoch   int

	order []train.Batch
	next  int
}

// Shuffle wraps ds with seeded shuffling. The wrapped dataset is fully
// materialized on the first Reset.
func Shuffle(ds train.Dataset, rng rngstate.State) *Shuffled {
	return &Shuffled{wrapped: ds, rng: rng}
}

// Yield implements train.Dataset.
func (s *Shuffled) Yield() (train.Batch, error) {
	if s.order == nil {
		if err := s.Reset(); err != nil {
			return nil, err
		}
	}
	if s.next >= len(s.order) {
		return nil, io.EOF
	}
	batch := s.order[s.next]
	s.next++
	return batch, nil
}

// Reset implements train.Dataset: it re-materializes the wrapped dataset
// and draws a fresh order for the new epoch.
func (s *Shuffled) Reset() error {
	if err := s.wrapped.Reset(); err != nil {
		return err
	}
	s.order = s.order[:0]
	for {
		batch, err := s.wrapped.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "materializing the dataset for shuffling")
		}
		s.order = append(s.order, batch)
	}
	// A distinct stream per epoch, stable given the base seed.
	rng := s.rng.NewSource(s.epoch)
	s.epoch++
	rng.Shuffle(len(s.order), func(i, j int) {
		s.order[i], s.order[j] = s.order[j], s.order[i]
	})
	s.next = 0
	return nil
}

// Batched groups the elements of a dataset into fixed-size slices. The
// final group may be smaller unless DropRemainder is set.
type Batched struct {
	wrapped       train.Dataset
	size          int
	dropRemainder bool
}

// InBatches wraps ds so every yielded batch is a []train.Batch of up to
// size elements. With dropRemainder a trailing short group is discarded.
func InBatches(ds train.Dataset, size int, dropRemainder bool) *Batched {
	if size < 1 {
		exceptions.Panicf("data.InBatches: batch size must be >= 1, got %d", size)
	}
	return &Batched{wrapped: ds, size: size, dropRemainder: dropRemainder}
}

// Yield implements train.Dataset.
func (b *Batched) Yield() (train.Batch, error) {
	group := make([]train.Batch, 0, b.size)
	for len(group) < b.size {
		element, err := b.wrapped.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		group = append(group, element)
	}
	if len(group) == 0 || (b.dropRemainder && len(group) < b.size) {
		return nil, io.EOF
	}
	return group, nil
}

// Reset implements train.Dataset.
func (b *Batched) Reset() error { return b.wrapped.Reset() }

// Take wraps ds to yield at most n batches per epoch, for smoke runs over
// a fraction of the data.
type Take struct {
	wrapped train.Dataset
	n       int
	yielded int
}

// TakeN limits ds to n batches per epoch.
func TakeN(ds train.Dataset, n int) *Take {
	if n < 1 {
		exceptions.Panicf("data.TakeN: n must be >= 1, got %d", n)
	}
	return &Take{wrapped: ds, n: n}
}

// Yield implements train.Dataset.
func (t *Take) Yield() (train.Batch, error) {
	if t.yielded >= t.n {
		return nil, io.EOF
	}
	batch, err := t.wrapped.Yield()
	if err != nil {
		return nil, err
	}
	t.yielded++
	return batch, nil
}

// Reset implements train.Dataset.
func (t *Take) Reset() error {
	t.yielded = 0
	return t.wrapped.Reset()
}
