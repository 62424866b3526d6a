package rpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/lane"
	"github.com/danmuck/poolrep/internal/region"
	"github.com/danmuck/poolrep/internal/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrUnknownSession = errors.New("rpool: unknown session")

// PoolInfo is the target's handle for one opened pool.
type PoolInfo struct {
	SessionID  string
	Name       string
	Capacity   uint64
	Attributes attr.Attributes
}

// Target is the node holding the replica. Each successful CreatePool or
// OpenPool holds one registry reference until ClosePool.
type Target interface {
	CreatePool(ctx context.Context, name string, size uint64, attrs attr.Attributes) (PoolInfo, error)
	OpenPool(ctx context.Context, name string, size uint64, expected attr.Attributes) (PoolInfo, error)
	ClosePool(ctx context.Context, info PoolInfo) error
	RemovePool(ctx context.Context, name string) error
	Dialer(info PoolInfo) (lane.Dialer, error)
}

// LocalTarget serves pools from a registry in this process.
type LocalTarget struct {
	reg      *registry.Registry
	maxLanes int

	mu       sync.Mutex
	sessions map[string]*registry.Entry
	closed   bool
}

// NewLocalTarget retains reg; Close releases it. maxLanes bounds channels
// per session, zero means unbounded.
func NewLocalTarget(reg *registry.Registry, maxLanes int) *LocalTarget {
	return &LocalTarget{
		reg:      reg.Retain(),
		maxLanes: maxLanes,
		sessions: make(map[string]*registry.Entry),
	}
}

func (t *LocalTarget) Registry() *registry.Registry {
	return t.reg
}

func (t *LocalTarget) CreatePool(ctx context.Context, name string, size uint64, attrs attr.Attributes) (PoolInfo, error) {
	if err := ctx.Err(); err != nil {
		return PoolInfo{}, err
	}
	e, err := t.reg.Create(name, size, attrs)
	if err != nil {
		return PoolInfo{}, err
	}
	return t.track(e)
}

func (t *LocalTarget) OpenPool(ctx context.Context, name string, size uint64, expected attr.Attributes) (PoolInfo, error) {
	if err := ctx.Err(); err != nil {
		return PoolInfo{}, err
	}
	e, err := t.reg.Open(name, size, expected)
	if err != nil {
		return PoolInfo{}, err
	}
	return t.track(e)
}

func (t *LocalTarget) track(e *registry.Entry) (PoolInfo, error) {
	id := uuid.NewString()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = t.reg.Release(e.Name())
		return PoolInfo{}, registry.ErrClosed
	}
	t.sessions[id] = e
	t.mu.Unlock()
	log.Debug().Str("pool", e.Name()).Str("session_id", id).Msg("rpool.LocalTarget session open")
	return PoolInfo{
		SessionID:  id,
		Name:       e.Name(),
		Capacity:   e.Capacity(),
		Attributes: e.Attributes(),
	}, nil
}

func (t *LocalTarget) ClosePool(_ context.Context, info PoolInfo) error {
	t.mu.Lock()
	e, ok := t.sessions[info.SessionID]
	delete(t.sessions, info.SessionID)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, info.SessionID)
	}
	log.Debug().Str("pool", e.Name()).Str("session_id", info.SessionID).Msg("rpool.LocalTarget session close")
	return t.reg.Release(e.Name())
}

func (t *LocalTarget) RemovePool(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.reg.Remove(name)
}

func (t *LocalTarget) Dialer(info PoolInfo) (lane.Dialer, error) {
	r, ok := t.Region(info.SessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, info.SessionID)
	}
	return lane.NewRegionDialer(r, t.maxLanes), nil
}

// Region resolves the replica region bound to an open session.
func (t *LocalTarget) Region(sessionID string) (region.Region, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.Region(), true
}

// Sessions lists open session ids in sorted order.
func (t *LocalTarget) Sessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close releases every session still open and drops the registry reference.
func (t *LocalTarget) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	open := t.sessions
	t.sessions = make(map[string]*registry.Entry)
	t.mu.Unlock()

	var errs []error
	for id, e := range open {
		if err := t.reg.Release(e.Name()); err != nil {
			errs = append(errs, fmt.Errorf("release %s (%s): %w", e.Name(), id, err))
		}
	}
	if err := t.reg.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
