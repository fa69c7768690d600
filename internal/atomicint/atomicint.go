// Package atomicint provides the counters the registry keeps in O(1).
package atomicint

import (
	"fmt"
	"sync/atomic"
)

// Int64 is an int64 safe for concurrent use.
type Int64 struct {
	v int64
}

func (v *Int64) Load() int64 {
	return atomic.LoadInt64(&v.v)
}

func (v *Int64) Store(i int64) {
	atomic.StoreInt64(&v.v, i)
}

func (v *Int64) String() string {
	return fmt.Sprint(v.Load())
}

// Increment adds delta and returns the new value.
func (v *Int64) Increment(delta int64) int64 {
	return atomic.AddInt64(&v.v, delta)
}

// Inc is Increment(1).
func (v *Int64) Inc() int64 {
	return v.Increment(1)
}

// Dec is Increment(-1).
func (v *Int64) Dec() int64 {
	return v.Increment(-1)
}
