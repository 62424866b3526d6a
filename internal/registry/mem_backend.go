package registry

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/danmuck/poolrep/internal/region"
)

const DefaultGranularity uint64 = 4096

// MemBackend keeps pools in heap memory up to a fixed total capacity.
type MemBackend struct {
	mu       sync.Mutex
	capacity uint64
	used     uint64
	unit     uint64
	pools    map[string]memPool
}

type memPool struct {
	meta Meta
	buf  *region.Buffer
}

// NewMemBackend creates a backend bounded by capacity bytes; zero means unbounded.
func NewMemBackend(capacity uint64) *MemBackend {
	return &MemBackend{
		capacity: capacity,
		unit:     DefaultGranularity,
		pools:    make(map[string]memPool),
	}
}

func (b *MemBackend) AllocateCapacity(meta Meta) (region.Region, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pools[meta.Name]; ok {
		return nil, ErrAlreadyExists
	}
	if b.capacity > 0 && meta.Size > b.capacity-b.used {
		return nil, fmt.Errorf("%w: need %d bytes, %d free", ErrOutOfSpace, meta.Size, b.capacity-b.used)
	}
	if meta.Size > math.MaxInt {
		return nil, fmt.Errorf("%w: %d bytes exceeds addressable heap", ErrOutOfSpace, meta.Size)
	}
	buf := region.Allocate(meta.Size)
	b.pools[meta.Name] = memPool{meta: meta, buf: buf}
	b.used += meta.Size
	return buf, nil
}

func (b *MemBackend) FindCapacity(name string) (region.Region, Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pools[name]
	if !ok {
		return nil, Meta{}, ErrNotFound
	}
	return p.buf, p.meta, nil
}

func (b *MemBackend) DeleteCapacity(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pools[name]
	if !ok {
		return ErrNotFound
	}
	delete(b.pools, name)
	b.used -= p.meta.Size
	return nil
}

func (b *MemBackend) List() ([]Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Meta, 0, len(b.pools))
	for _, p := range b.pools {
		out = append(out, p.meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (b *MemBackend) Granularity() uint64 {
	return b.unit
}

// Used reports bytes currently reserved.
func (b *MemBackend) Used() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *MemBackend) Close() error {
	return nil
}
