package train

import (
	"io"

	"github.com/pkg/errors"
)

// Batch is one unit of data yielded by a Dataset. The loops never look
// inside it; only the module's step functions do.
type Batch = any

// Dataset yields batches for one epoch. Yield returns io.EOF when
// exhausted. Reset restarts it for the next epoch.
type Dataset interface {
	// Yield returns the next batch, or io.EOF after the last one.
	Yield() (Batch, error)

	// Reset restarts the dataset from the beginning.
	Reset() error
}

// SliceDataset is a Dataset over an in-memory slice of batches, used by
// tests and small jobs.
type SliceDataset struct {
	batches []Batch
	next    int
}

// NewSliceDataset creates a dataset over the given batches.
func NewSliceDataset(batches ...Batch) *SliceDataset {
	return &SliceDataset{batches: batches}
}

// Yield implements Dataset.
func (d *SliceDataset) Yield() (Batch, error) {
	if d.next >= len(d.batches) {
		return nil, io.EOF
	}
	batch := d.batches[d.next]
	d.next++
	return batch, nil
}

// Reset implements Dataset.
func (d *SliceDataset) Reset() error {
	d.next = 0
	return nil
}

// peekingIterator reads one batch ahead of the consumer so every yielded
// batch comes with an authoritative is-last flag, even for datasets whose
// length is unknown upfront.
type peekingIterator struct {
	ds      Dataset
	peeked  Batch
	hasPeek bool
	done    bool
}

func newPeekingIterator(ds Dataset) (*peekingIterator, error) {
	it := &peekingIterator{ds: ds}
	if err := it.fill(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *peekingIterator) fill() error {
	batch, err := it.ds.Yield()
	if err == io.EOF {
		it.hasPeek = false
		it.done = true
		return nil
	}
	if err != nil {
		return errors.WithMessagef(err, "fetching the next batch")
	}
	it.peeked = batch
	it.hasPeek = true
	return nil
}

// Next returns the next batch and whether it is the last one of the epoch.
// ok is false once the epoch is exhausted.
func (it *peekingIterator) Next() (batch Batch, isLast, ok bool, err error) {
	if !it.hasPeek {
		return nil, false, false, nil
	}
	batch = it.peeked
	it.peeked = nil
	it.hasPeek = false
	if err = it.fill(); err != nil {
		return nil, false, false, err
	}
	return batch, it.done, true, nil
}

// Skip discards n batches, used to fast-forward a restarted epoch to the
// first batch that never completed.
func (it *peekingIterator) Skip(n int) error {
	for ii := 0; ii < n; ii++ {
		_, _, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("cannot skip %d batches, the dataset only had %d", n, ii)
		}
	}
	return nil
}
