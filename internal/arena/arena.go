// Package arena provides the budgeted allocator that every descriptor, region and
// staging buffer is obtained from and released to.
package arena

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/c2h5oh/datasize"
	"go.uber.org/atomic"
)

// ErrExhausted is returned when a request would exceed the arena budget.
var ErrExhausted = errors.New("arena exhausted")

// Arena accounts every live allocation against an optional byte limit.
// A nil *Arena allocates without accounting.
type Arena struct {
	name   string
	limit  int64
	inUse  *atomic.Int64
	peak   *atomic.Int64
	allocs *atomic.Uint64
	frees  *atomic.Uint64
	failed *atomic.Uint64
}

// Stats is a snapshot of the arena counters.
type Stats struct {
	Name   string
	Limit  datasize.ByteSize // 0 means unlimited
	InUse  datasize.ByteSize
	Peak   datasize.ByteSize
	Allocs uint64
	Frees  uint64
	Failed uint64
}

// New creates an arena. A zero limit disables the budget.
func New(name string, limit datasize.ByteSize) *Arena {
	return &Arena{
		name:   name,
		limit:  int64(limit.Bytes()),
		inUse:  atomic.NewInt64(0),
		peak:   atomic.NewInt64(0),
		allocs: atomic.NewUint64(0),
		frees:  atomic.NewUint64(0),
		failed: atomic.NewUint64(0),
	}
}

// reserve charges n bytes or fails without side effects.
func (a *Arena) reserve(n int64) error {
	if a == nil || n == 0 {
		return nil
	}
	for {
		cur := a.inUse.Load()
		next := cur + n
		if a.limit > 0 && next > a.limit {
			a.failed.Inc()
			return fmt.Errorf("%w: requested %d bytes, %s in use of %s",
				ErrExhausted, n, datasize.ByteSize(cur).HumanReadable(), datasize.ByteSize(a.limit).HumanReadable())
		}
		if a.inUse.CompareAndSwap(cur, next) {
			break
		}
	}
	a.allocs.Inc()
	for {
		p := a.peak.Load()
		cur := a.inUse.Load()
		if cur <= p || a.peak.CompareAndSwap(p, cur) {
			return nil
		}
	}
}

func (a *Arena) release(n int64) {
	if a == nil || n == 0 {
		return
	}
	a.inUse.Sub(n)
	a.frees.Inc()
}

// Fits reports whether n more bytes stay within the budget.
func (a *Arena) Fits(n int64) bool {
	if a == nil || a.limit == 0 {
		return true
	}
	return a.inUse.Load()+n <= a.limit
}

// Stats returns the current counters.
func (a *Arena) Stats() Stats {
	if a == nil {
		return Stats{}
	}
	return Stats{
		Name:   a.name,
		Limit:  datasize.ByteSize(a.limit),
		InUse:  datasize.ByteSize(a.inUse.Load()),
		Peak:   datasize.ByteSize(a.peak.Load()),
		Allocs: a.allocs.Load(),
		Frees:  a.frees.Load(),
		Failed: a.failed.Load(),
	}
}

// Report renders the counters for diagnostics attached to fatal errors.
func (a *Arena) Report() string {
	s := a.Stats()
	limit := "unlimited"
	if s.Limit > 0 {
		limit = s.Limit.HumanReadable()
	}
	return fmt.Sprintf("arena %q: in use %s, peak %s, limit %s, allocs %d, frees %d, failed %d",
		s.Name, s.InUse.HumanReadable(), s.Peak.HumanReadable(), limit, s.Allocs, s.Frees, s.Failed)
}

// Alloc returns a zeroed slice of n elements charged to a.
func Alloc[T any](a *Arena, n int) ([]T, error) {
	if n < 0 {
		return nil, fmt.Errorf("arena: negative length %d", n)
	}
	var zero T
	if err := a.reserve(int64(n) * int64(unsafe.Sizeof(zero))); err != nil {
		return nil, err
	}
	return make([]T, n), nil
}

// Release returns s to a. Releasing a nil slice is a no-op.
func Release[T any](a *Arena, s []T) {
	if s == nil {
		return
	}
	var zero T
	a.release(int64(cap(s)) * int64(unsafe.Sizeof(zero)))
}
