// Package bpool pools the byte buffers used to build handshake responses.
package bpool

import (
	"bytes"
	"sync"
)

var bpool sync.Pool

// Get returns a buffer from the pool or creates a new one if
// the pool is empty.
func Get() *bytes.Buffer {
	b, ok := bpool.Get().(*bytes.Buffer)
	if !ok {
		b = &bytes.Buffer{}
	}
	return b
}

// Put returns a buffer into the pool.
// Buffers that grew past 64 KiB are dropped.
func Put(b *bytes.Buffer) {
	if b.Cap() > 64<<10 {
		return
	}
	b.Reset()
	bpool.Put(b)
}

// Bytes copies the contents of b into a new slice and returns b to the pool.
func Bytes(b *bytes.Buffer) []byte {
	p := make([]byte, b.Len())
	copy(p, b.Bytes())
	Put(b)
	return p
}
