package tensor

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var workers atomic.Int64

func init() {
	workers.Store(int64(runtime.GOMAXPROCS(0)))
}

// SetWorkers bounds the goroutines a single kernel fans out to.
func SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	workers.Store(int64(n))
}

// Workers returns the current kernel fan-out bound.
func Workers() int {
	return int(workers.Load())
}

// parallelFor runs fn(0..n-1). Each index must write to disjoint memory.
func parallelFor(n int, fn func(i int)) {
	w := Workers()
	if w <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(w)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
