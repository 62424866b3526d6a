// Package region owns bounded byte-range views over pool memory.
//
// A Region never exposes a raw address: every access is an (offset, length)
// pair checked against the region size.
package region

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrOutOfRange = errors.New("region: range out of bounds")
	ErrClosed     = errors.New("region: closed")
)

// Region is a fixed-size byte range that can be made durable.
type Region interface {
	Size() uint64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// Flush makes [off, off+length) durable.
	Flush(off, length uint64) error
	Close() error
}

// Check validates that [off, off+length) lies within [0, size).
func Check(size, off, length uint64) error {
	end := off + length
	if end < off || off > size || end > size {
		return fmt.Errorf("%w: offset=%d length=%d size=%d", ErrOutOfRange, off, length, size)
	}
	return nil
}

// Buffer is a Region over heap memory. Flush is a no-op.
type Buffer struct {
	mu     sync.RWMutex
	buf    []byte
	closed bool
}

func NewBuffer(buf []byte) *Buffer {
	return &Buffer{buf: buf}
}

// Allocate returns a zeroed Buffer of the given size.
func Allocate(size uint64) *Buffer {
	return NewBuffer(make([]byte, size))
}

func (b *Buffer) Size() uint64 {
	return uint64(len(b.buf))
}

// Slice returns the live view of [off, off+length) without copying.
func (b *Buffer) Slice(off, length uint64) ([]byte, error) {
	if err := Check(b.Size(), off, length); err != nil {
		return nil, err
	}
	return b.buf[off : off+length], nil
}

func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	return copyOut(b.buf, p, off)
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	return copyIn(b.buf, p, off)
}

func (b *Buffer) Flush(off, length uint64) error {
	return Check(b.Size(), off, length)
}

func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func copyOut(src, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if err := Check(uint64(len(src)), uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(p, src[off:]), nil
}

func copyIn(dst, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}
	if err := Check(uint64(len(dst)), uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(dst[off:], p), nil
}
