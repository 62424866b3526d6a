// Package registry owns the node-local catalog of named pools.
//
// Every mutation of one name (create, open, release, remove) runs under that
// name's exclusive lock; lookups take it shared. Operations on different
// names only contend on the short map critical section.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/observability"
	"github.com/danmuck/poolrep/internal/region"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyExists = errors.New("registry: pool already exists")
	ErrNotFound      = errors.New("registry: pool not found")
	ErrBusy          = errors.New("registry: pool has open sessions")
	ErrOutOfSpace    = errors.New("registry: out of space")
	ErrSizeTooLarge  = errors.New("registry: requested size exceeds pool capacity")
	ErrInvalidSize   = errors.New("registry: invalid pool size")
	ErrInvalidName   = errors.New("registry: invalid pool name")
	ErrClosed        = errors.New("registry: closed")
)

// Entry is one registered pool. Capacity, attributes, and region are fixed
// for the entry's lifetime; the session count is guarded by the name lock.
type Entry struct {
	name     string
	capacity uint64
	attrs    attr.Attributes
	region   region.Region
	sessions int
}

func (e *Entry) Name() string                { return e.name }
func (e *Entry) Capacity() uint64            { return e.capacity }
func (e *Entry) Attributes() attr.Attributes { return e.attrs }
func (e *Entry) Region() region.Region       { return e.region }

// EntryInfo is a point-in-time copy of an entry for listings.
type EntryInfo struct {
	Name       string
	Capacity   uint64
	Sessions   int
	Attributes attr.Attributes
	Loaded     bool
}

// Registry is an explicitly owned, reference-counted pool catalog. The
// creator holds the first reference; Retain adds one and Close drops one.
// The backend is closed with the last reference.
type Registry struct {
	backend Backend

	mu      sync.Mutex
	entries map[string]*Entry
	locks   map[string]*nameLock

	refs   atomic.Int64
	closed atomic.Bool
}

type nameLock struct {
	mu      sync.RWMutex
	holders int
}

func New(backend Backend) *Registry {
	r := &Registry{
		backend: backend,
		entries: make(map[string]*Entry),
		locks:   make(map[string]*nameLock),
	}
	r.refs.Store(1)
	return r
}

// NewMemory is a convenience for an in-memory registry bounded by capacity bytes.
func NewMemory(capacity uint64) *Registry {
	return New(NewMemBackend(capacity))
}

func (r *Registry) Backend() Backend {
	return r.backend
}

func (r *Registry) Retain() *Registry {
	r.refs.Add(1)
	return r
}

func (r *Registry) Close() error {
	if r.refs.Add(-1) != 0 {
		return nil
	}
	r.closed.Store(true)
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.region.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.name, err))
		}
	}
	if err := r.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Create registers a new pool and counts the creating session.
func (r *Registry) Create(name string, size uint64, attrs attr.Attributes) (*Entry, error) {
	e, err := r.create(name, size, attrs)
	observability.RecordRegistryOp("create", err)
	return e, err
}

func (r *Registry) create(name string, size uint64, attrs attr.Attributes) (*Entry, error) {
	if err := r.check(name); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, ErrInvalidSize
	}
	if err := attr.Verify(attrs); err != nil {
		return nil, err
	}

	unlock := r.lock(name, true)
	defer unlock()

	if _, err := r.load(name); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	capacity, ok := roundUp(size, r.backend.Granularity())
	if !ok {
		return nil, fmt.Errorf("%w: %d bytes cannot be rounded to granularity %d", ErrOutOfSpace, size, r.backend.Granularity())
	}
	reg, err := r.backend.AllocateCapacity(Meta{Name: name, Size: capacity, Attributes: attrs})
	if err != nil {
		return nil, err
	}
	e := &Entry{name: name, capacity: capacity, attrs: attrs, region: reg, sessions: 1}
	r.mu.Lock()
	r.entries[name] = e
	r.mu.Unlock()

	log.Info().Str("pool", name).Uint64("capacity", capacity).Str("attrs", attrs.String()).Msg("registry.Create")
	return e, nil
}

// Find looks up a pool without counting a session.
func (r *Registry) Find(name string) (*Entry, error) {
	if err := r.check(name); err != nil {
		return nil, err
	}
	unlock := r.lock(name, false)
	defer unlock()
	return r.load(name)
}

// Open finds a pool, validates its stored attributes against expected,
// confirms size fits, and counts the session. All or nothing.
func (r *Registry) Open(name string, size uint64, expected attr.Attributes) (*Entry, error) {
	e, err := r.open(name, size, expected)
	observability.RecordRegistryOp("open", err)
	return e, err
}

func (r *Registry) open(name string, size uint64, expected attr.Attributes) (*Entry, error) {
	if err := r.check(name); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, ErrInvalidSize
	}
	unlock := r.lock(name, true)
	defer unlock()

	e, err := r.load(name)
	if err != nil {
		return nil, err
	}
	if err := attr.Validate(e.attrs, expected); err != nil {
		log.Warn().Err(err).Str("pool", name).Msg("registry.Open attribute check failed")
		return nil, err
	}
	if size > e.capacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrSizeTooLarge, size, e.capacity)
	}
	e.sessions++
	log.Debug().Str("pool", name).Int("sessions", e.sessions).Msg("registry.Open")
	return e, nil
}

// Release drops one session reference from name.
func (r *Registry) Release(name string) error {
	unlock := r.lock(name, true)
	defer unlock()
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if e.sessions > 0 {
		e.sessions--
	}
	log.Debug().Str("pool", name).Int("sessions", e.sessions).Msg("registry.Release")
	return nil
}

// Remove deletes a pool's data and entry. Fails with ErrBusy while any
// session holds it.
func (r *Registry) Remove(name string) error {
	err := r.remove(name)
	observability.RecordRegistryOp("remove", err)
	return err
}

func (r *Registry) remove(name string) error {
	if err := r.check(name); err != nil {
		return err
	}
	unlock := r.lock(name, true)
	defer unlock()

	e, err := r.load(name)
	if err != nil {
		return err
	}
	if e.sessions > 0 {
		return fmt.Errorf("%w: %s sessions=%d", ErrBusy, name, e.sessions)
	}
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
	if err := e.region.Close(); err != nil {
		log.Warn().Err(err).Str("pool", name).Msg("registry.Remove region close")
	}
	if err := r.backend.DeleteCapacity(name); err != nil {
		return err
	}
	log.Info().Str("pool", name).Msg("registry.Remove")
	return nil
}

// Sessions reports the open session count for name.
func (r *Registry) Sessions(name string) (int, error) {
	unlock := r.lock(name, false)
	defer unlock()
	e, err := r.load(name)
	if err != nil {
		return 0, err
	}
	return e.sessions, nil
}

// List returns every pool known to the backend, sorted by name.
func (r *Registry) List() ([]EntryInfo, error) {
	metas, err := r.backend.List()
	if err != nil {
		return nil, err
	}
	out := make([]EntryInfo, 0, len(metas))
	for _, m := range metas {
		info := EntryInfo{Name: m.Name, Capacity: m.Size, Attributes: m.Attributes}
		unlock := r.lock(m.Name, false)
		r.mu.Lock()
		if e, ok := r.entries[m.Name]; ok {
			info.Sessions = e.sessions
			info.Loaded = true
		}
		r.mu.Unlock()
		unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// load returns the cached entry or maps it from the backend. Caller holds the name lock.
func (r *Registry) load(name string) (*Entry, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if ok {
		return e, nil
	}
	reg, meta, err := r.probe(name)
	if err != nil {
		return nil, err
	}
	e = &Entry{name: name, capacity: meta.Size, attrs: meta.Attributes, region: reg}
	r.mu.Lock()
	if cached, ok := r.entries[name]; ok {
		r.mu.Unlock()
		if reg != cached.region {
			_ = reg.Close()
		}
		return cached, nil
	}
	r.entries[name] = e
	r.mu.Unlock()
	return e, nil
}

func (r *Registry) probe(name string) (region.Region, Meta, error) {
	reg, meta, err := r.backend.FindCapacity(name)
	if err != nil {
		return nil, Meta{}, err
	}
	return reg, meta, nil
}

func (r *Registry) check(name string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// lock acquires name's lock and returns its release func.
func (r *Registry) lock(name string, exclusive bool) func() {
	r.mu.Lock()
	l, ok := r.locks[name]
	if !ok {
		l = &nameLock{}
		r.locks[name] = l
	}
	l.holders++
	r.mu.Unlock()

	if exclusive {
		l.mu.Lock()
	} else {
		l.mu.RLock()
	}
	return func() {
		if exclusive {
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		r.mu.Lock()
		l.holders--
		if l.holders == 0 {
			delete(r.locks, name)
		}
		r.mu.Unlock()
	}
}

// ValidName accepts names usable as a single path element: letters, digits,
// '.', '-', '_', not starting or ending with a separator, no doubled separators.
func ValidName(name string) bool {
	if name == "" || len(name) > 255 || strings.TrimSpace(name) != name {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isAlpha || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(name)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
