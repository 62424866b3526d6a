package registry

import (
	"math"

	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/region"
)

// Meta is the durable description of one reserved pool.
type Meta struct {
	Name       string
	Size       uint64
	Attributes attr.Attributes
}

// Backend is the storage provider behind a Registry: an opaque durable
// key-value store of pool metadata plus reserved byte ranges.
type Backend interface {
	// AllocateCapacity reserves meta.Size bytes for a new pool.
	// Returns ErrAlreadyExists or ErrOutOfSpace.
	AllocateCapacity(meta Meta) (region.Region, error)
	// FindCapacity maps an existing pool. Returns ErrNotFound.
	FindCapacity(name string) (region.Region, Meta, error)
	// DeleteCapacity reclaims a pool's bytes and metadata. Returns ErrNotFound.
	DeleteCapacity(name string) error
	List() ([]Meta, error)
	// Granularity is the unit pool capacities are rounded up to.
	Granularity() uint64
	Close() error
}

// roundUp reports false when rounding size up to unit would overflow.
func roundUp(size, unit uint64) (uint64, bool) {
	if unit <= 1 {
		return size, true
	}
	rem := size % unit
	if rem == 0 {
		return size, true
	}
	if size > math.MaxUint64-(unit-rem) {
		return 0, false
	}
	return size + unit - rem, true
}
