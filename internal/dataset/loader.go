package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"quantbench/internal/model"
)

// LoaderOptions configures batching for one split.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	Seed       int64
}

// Loader turns a Dataset into a restartable sequence of normalized batches.
// Shuffling draws a new permutation on every pass. A Loader must not be shared
// between concurrently running passes.
type Loader struct {
	data *Dataset
	opts LoaderOptions
	rng  *rand.Rand
}

// NewLoader builds a loader over ds.
func NewLoader(ds *Dataset, opts LoaderOptions) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	return &Loader{data: ds, opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
}

// Len is the number of batches in one pass. The last batch may be short.
func (l *Loader) Len() int {
	n := l.data.Len()
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Samples is the number of samples in one pass.
func (l *Loader) Samples() int { return l.data.Len() }

func (l *Loader) plan() [][]int {
	n := l.data.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	plan := make([][]int, 0, l.Len())
	for start := 0; start < n; start += l.opts.BatchSize {
		end := min(start+l.opts.BatchSize, n)
		plan = append(plan, order[start:end])
	}
	return plan
}

func (l *Loader) assemble(indices []int) model.Batch {
	b := model.Batch{
		Inputs: make([][]float32, len(indices)),
		Labels: make([]int, len(indices)),
	}
	for i, idx := range indices {
		s := l.data.Samples[idx]
		x := make([]float32, len(s.Pixels))
		Normalize(x, s.Pixels)
		b.Inputs[i] = x
		b.Labels[i] = s.Label
	}
	return b
}

// Each runs fn on every batch of one pass, in plan order. Batches are
// assembled ahead by NumWorkers goroutines; fn is always called from the
// calling goroutine. If fn returns ErrStop the pass ends and Each returns nil.
func (l *Loader) Each(ctx context.Context, fn func(model.Batch) error) error {
	plan := l.plan()
	if l.opts.NumWorkers == 1 {
		for _, idx := range plan {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(l.assemble(idx)); err != nil {
				return stopped(err)
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan batchJob)
	results := make(chan batchResult, l.opts.NumWorkers)

	go func() {
		defer close(jobs)
		for id, idx := range plan {
			select {
			case <-ctx.Done():
				return
			case jobs <- batchJob{id: id, indices: idx}:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < l.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				res := batchResult{id: job.id, batch: l.assemble(job.indices)}
				select {
				case <-ctx.Done():
					return
				case results <- res:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Workers finish out of order; hold results until the next id arrives.
	pending := make(map[int]model.Batch)
	next := 0
	for res := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending[res.id] = res.batch
		for {
			b, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := fn(b); err != nil {
				cancel()
				return stopped(err)
			}
		}
	}
	if next < len(plan) {
		return ctx.Err()
	}
	return nil
}

func stopped(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

type batchJob struct {
	id      int
	indices []int
}

type batchResult struct {
	id    int
	batch model.Batch
}
