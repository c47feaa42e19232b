package approval

import "sync/atomic"

// Allocator issues approval ids unique within its lifetime.
// Safe for concurrent use.
type Allocator struct {
	last atomic.Int64
}

// Next returns the next id. The first id is 1.
func (a *Allocator) Next() int64 {
	return a.last.Add(1)
}

// Seed guarantees that ids issued after the call are greater than floor.
// It never lowers the counter.
func (a *Allocator) Seed(floor int64) {
	for {
		cur := a.last.Load()
		if cur >= floor {
			return
		}
		if a.last.CompareAndSwap(cur, floor) {
			return
		}
	}
}
