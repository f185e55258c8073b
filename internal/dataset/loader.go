package dataset

import (
	"context"
	"errors"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"prostate-seg/internal/transform"
)

// LoaderOptions configures batching and the worker pool.
type LoaderOptions struct {
	BatchSize  int
	Shuffle    bool
	NumWorkers int
	Seed       int64
	Pipeline   transform.Pipeline
}

// Loader streams transformed batches from a Dataset. NumWorkers goroutines
// load and augment subjects concurrently; batches are always emitted in the
// epoch's sample order.
type Loader struct {
	ds   Dataset
	opts LoaderOptions
}

// NewLoader validates opts and binds them to ds.
func NewLoader(ds Dataset, opts LoaderOptions) (*Loader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.New("loader: dataset is empty")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.New("loader: batch size must be > 0")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	return &Loader{ds: ds, opts: opts}, nil
}

// Len returns the number of batches per epoch. The final batch may be short.
func (l *Loader) Len() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Samples returns the number of subjects per epoch.
func (l *Loader) Samples() int { return l.ds.Len() }

// Order returns the sample order used for epoch.
func (l *Loader) Order(epoch int) []int {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	return order
}

// ForEach calls fn for every batch of epoch in order. It stops at the first
// error from loading, fn, or ctx.
func (l *Loader) ForEach(parent context.Context, epoch int, fn func(Batch) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	batches, errs := l.Epoch(ctx, epoch)
	for batches != nil || errs != nil {
		select {
		case b, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			if err := fn(b); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

type loadJob struct {
	id    int
	index int
}

type loadResult struct {
	id      int
	subject *transform.Subject
}

// Epoch launches the pipeline for one pass over the dataset.
func (l *Loader) Epoch(parent context.Context, epoch int) (<-chan Batch, <-chan error) {
	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan loadJob, l.opts.NumWorkers)
	results := make(chan loadResult, l.opts.NumWorkers*2)
	out := make(chan Batch, 1)
	errCh := make(chan error, 1)

	order := l.Order(epoch)
	go func() {
		defer close(jobs)
		for id, idx := range order {
			select {
			case <-ctx.Done():
				return
			case jobs <- loadJob{id: id, index: idx}:
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < l.opts.NumWorkers; w++ {
		g.Go(func() error {
			return l.runLoadWorker(gctx, epoch, jobs, results)
		})
	}
	var workerErr error
	go func() {
		workerErr = g.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		l.aggregate(ctx, results, out, errCh, &workerErr)
	}()

	return out, errCh
}

func (l *Loader) runLoadWorker(ctx context.Context, epoch int, jobs <-chan loadJob, results chan<- loadResult) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			s, err := l.ds.Load(ctx, job.index)
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(sampleSeed(l.opts.Seed, epoch, job.index)))
			if err := l.opts.Pipeline.Apply(s, rng); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case results <- loadResult{id: job.id, subject: s}:
			}
		}
	}
}

// aggregate reorders worker results by job id and groups them into batches.
func (l *Loader) aggregate(ctx context.Context, results <-chan loadResult, out chan<- Batch, errCh chan<- error, workerErr *error) {
	pending := make(map[int]*transform.Subject)
	next := 0
	buf := make([]*transform.Subject, 0, l.opts.BatchSize)

	emit := func() bool {
		b, err := Stack(buf)
		if err != nil {
			errCh <- err
			return false
		}
		buf = make([]*transform.Subject, 0, l.opts.BatchSize)
		select {
		case <-ctx.Done():
			return false
		case out <- b:
			return true
		}
	}

	for r := range results {
		pending[r.id] = r.subject
		for {
			s, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			buf = append(buf, s)
			if len(buf) == l.opts.BatchSize && !emit() {
				return
			}
		}
	}
	// results is closed only after the worker group returned, so workerErr
	// is settled here.
	if err := *workerErr; err != nil {
		errCh <- err
		return
	}
	if len(buf) > 0 {
		emit()
	}
}

func sampleSeed(seed int64, epoch, index int) int64 {
	return seed*1_000_003 + int64(epoch)*10_007 + int64(index)
}
