// Package probe allocates measurement buffers and sweeps them one cache line
// at a time.
package probe

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrAllocation is returned when a buffer of the requested size cannot be
// created.
var ErrAllocation = errors.New("buffer allocation failed")

// sink keeps sweep results reachable so the compiler cannot prove the reads
// are unobserved.
var sink atomic.Uint64

// Keep publishes a sweep result to the package sink.
func Keep(v uint64) {
	sink.Add(v)
}

// Sink returns the accumulated sweep results.
func Sink() uint64 {
	return sink.Load()
}

// Buffer is a contiguous byte region owned by a single measurement run.
type Buffer struct {
	data     []byte
	lineSize int
	released bool
}

// Size returns the buffer size in bytes. A released buffer has size 0.
func (b *Buffer) Size() int {
	return len(b.data)
}

// LineSize returns the cache line size the buffer was prepared with.
func (b *Buffer) LineSize() int {
	return b.lineSize
}

// Lines returns the number of cache lines the buffer spans.
func (b *Buffer) Lines() int {
	if b.lineSize <= 0 {
		return 0
	}
	return (len(b.data) + b.lineSize - 1) / b.lineSize
}

// Release drops the backing memory. Calling it more than once is a no-op.
func (b *Buffer) Release() {
	b.data = nil
	b.released = true
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b.released
}

// Allocator creates buffers, optionally capped at Limit bytes.
type Allocator struct {
	// Limit is the largest buffer the allocator hands out. Zero means no
	// limit beyond what the runtime can provide.
	Limit int64
}

// Alloc creates a buffer of size bytes. One byte of every line is written so
// that each page is backed by its own frame instead of the shared zero page.
func (a Allocator) Alloc(size, lineSize int) (buf *Buffer, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size %d: %w", size, ErrAllocation)
	}

	if lineSize <= 0 {
		return nil, fmt.Errorf("invalid line size %d: %w", lineSize, ErrAllocation)
	}

	if a.Limit > 0 && int64(size) > a.Limit {
		return nil, fmt.Errorf("%d bytes exceeds limit of %d: %w",
			size, a.Limit, ErrAllocation)
	}

	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = fmt.Errorf("%d bytes: %v: %w", size, r, ErrAllocation)
		}
	}()

	data := make([]byte, size)
	for i := 0; i < size; i += lineSize {
		data[i] = byte(i / lineSize)
	}

	return &Buffer{data: data, lineSize: lineSize}, nil
}

// Sweep reads one byte at offsets 0, stride, 2*stride, ... to the end of the
// buffer and returns the sum of the bytes read. Nothing is written.
//
//go:noinline
func Sweep(buf *Buffer, stride int) uint64 {
	data := buf.data
	if stride <= 0 {
		stride = 1
	}

	var sum uint64
	for i := 0; i < len(data); i += stride {
		sum += uint64(data[i])
	}

	return sum
}
