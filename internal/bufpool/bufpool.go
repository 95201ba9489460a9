// Package bufpool provides size-classed byte slice pools shared by socket
// read buffers, response output buffers and RPC record assembly.
//
// Thread Safety:
// All operations are safe for concurrent use via sync.Pool.
package bufpool

import (
	"sync"
)

const (
	// SmallSize covers response output buffers and short RPC records.
	SmallSize = 4 << 10 // 4KB

	// SocketSize covers a socket read buffer with the default head limit
	// (8KB of request head plus 8KB of body scratch).
	SocketSize = 16 << 10 // 16KB

	// MediumSize covers enlarged head limits and mid-sized RPC records.
	MediumSize = 64 << 10 // 64KB

	// LargeSize is the biggest pooled class. Larger requests are allocated
	// directly and left to the garbage collector.
	LargeSize = 1 << 20 // 1MB
)

type class struct {
	size int
	pool sync.Pool
}

func newClass(size int) *class {
	c := &class{size: size}
	c.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return c
}

// Pool manages one sync.Pool per size class.
type Pool struct {
	classes []*class
}

// New returns a pool with the standard size classes.
func New() *Pool {
	return &Pool{
		classes: []*class{
			newClass(SmallSize),
			newClass(SocketSize),
			newClass(MediumSize),
			newClass(LargeSize),
		},
	}
}

var global = New()

// Get returns a byte slice of exactly size bytes, backed by a pooled
// buffer whose capacity is the smallest class that fits.
//
// Parameters:
//   - size: Minimum required buffer size in bytes
//
// Returns:
//   - A slice with len == size. Oversized requests are not pooled.
func (p *Pool) Get(size int) []byte {
	for _, c := range p.classes {
		if size <= c.size {
			buf := *(c.pool.Get().(*[]byte))
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a buffer obtained from Get. Buffers whose capacity does not
// match a class exactly are dropped.
//
// Thread Safety: Safe to call concurrently from multiple goroutines.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	capacity := cap(buf)
	for _, c := range p.classes {
		if capacity == c.size {
			full := buf[:capacity]
			c.pool.Put(&full)
			return
		}
	}
}

// Get acquires a buffer from the process-wide pool.
//
// Usage:
//
//	buf := bufpool.Get(size)
//	defer bufpool.Put(buf)
func Get(size int) []byte {
	return global.Get(size)
}

// Put returns a buffer to the process-wide pool.
func Put(buf []byte) {
	global.Put(buf)
}
