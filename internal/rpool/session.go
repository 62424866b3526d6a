// Package rpool replicates a caller-owned byte range into a pool held by a
// target node.
//
// A Session pairs the local range with one remote pool and a fixed set of
// lanes. Persist and Read run on caller goroutines and hold the session's read
// lock; Close takes the write lock and so waits for them to finish.
package rpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/lane"
	"github.com/danmuck/poolrep/internal/region"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidRange  = errors.New("rpool: range exceeds pool size")
	ErrInvalidLane   = errors.New("rpool: lane not owned by session")
	ErrSessionClosed = errors.New("rpool: session closed")
	ErrInvalidBuffer = errors.New("rpool: local buffer smaller than pool size")
)

type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

type Options struct {
	Lane lane.Config
}

type Session struct {
	mu    sync.RWMutex
	state State

	target Target
	info   PoolInfo
	local  *region.Buffer
	size   uint64
	pool   *lane.Pool
}

// Create registers a new pool named name on target and opens nlanes lanes to
// it. On lane failure the registration is rolled back.
func Create(ctx context.Context, target Target, name string, local []byte, size uint64, nlanes int, attrs attr.Attributes, opts Options) (*Session, error) {
	if err := checkLocal(local, size); err != nil {
		return nil, err
	}
	if err := attr.Verify(attrs); err != nil {
		return nil, err
	}
	info, err := target.CreatePool(ctx, name, size, attrs)
	if err != nil {
		return nil, err
	}
	s, err := start(ctx, target, info, local, size, nlanes, opts)
	if err != nil {
		rollback(target, info, true)
		return nil, err
	}
	log.Info().Str("pool", name).Uint64("size", size).Uint64("capacity", info.Capacity).Int("lanes", s.pool.Len()).Msg("rpool.Create")
	return s, nil
}

// Open attaches to an existing pool whose stored attributes must equal expected.
func Open(ctx context.Context, target Target, name string, local []byte, size uint64, nlanes int, expected attr.Attributes, opts Options) (*Session, error) {
	if err := checkLocal(local, size); err != nil {
		return nil, err
	}
	info, err := target.OpenPool(ctx, name, size, expected)
	if err != nil {
		return nil, err
	}
	s, err := start(ctx, target, info, local, size, nlanes, opts)
	if err != nil {
		rollback(target, info, false)
		return nil, err
	}
	log.Info().Str("pool", name).Uint64("size", size).Uint64("capacity", info.Capacity).Int("lanes", s.pool.Len()).Msg("rpool.Open")
	return s, nil
}

// Remove deletes a pool on target. It fails while any session holds the pool.
func Remove(ctx context.Context, target Target, name string) error {
	return target.RemovePool(ctx, name)
}

func checkLocal(local []byte, size uint64) error {
	if uint64(len(local)) < size {
		return fmt.Errorf("%w: local=%d size=%d", ErrInvalidBuffer, len(local), size)
	}
	return nil
}

func start(ctx context.Context, target Target, info PoolInfo, local []byte, size uint64, nlanes int, opts Options) (*Session, error) {
	dialer, err := target.Dialer(info)
	if err != nil {
		return nil, err
	}
	pool, err := lane.Allocate(ctx, dialer, nlanes, opts.Lane)
	if err != nil {
		return nil, err
	}
	return &Session{
		state:  StateActive,
		target: target,
		info:   info,
		local:  region.NewBuffer(local[:size:size]),
		size:   size,
		pool:   pool,
	}, nil
}

func rollback(target Target, info PoolInfo, remove bool) {
	ctx := context.Background()
	if err := target.ClosePool(ctx, info); err != nil {
		log.Warn().Err(err).Str("pool", info.Name).Msg("rpool rollback close")
	}
	if !remove {
		return
	}
	if err := target.RemovePool(ctx, info.Name); err != nil {
		log.Warn().Err(err).Str("pool", info.Name).Msg("rpool rollback remove")
	}
}

func (s *Session) Name() string {
	return s.info.Name
}

func (s *Session) SessionID() string {
	return s.info.SessionID
}

// Size is the replicated byte count.
func (s *Session) Size() uint64 {
	return s.size
}

// Capacity is the pool's granular capacity on the target.
func (s *Session) Capacity() uint64 {
	return s.info.Capacity
}

func (s *Session) Attributes() attr.Attributes {
	return s.info.Attributes
}

// Lanes is the negotiated lane count.
func (s *Session) Lanes() int {
	return s.pool.Len()
}

// Live counts lanes that have not faulted.
func (s *Session) Live() int {
	return s.pool.Live()
}

func (s *Session) Lane(i int) (*lane.Lane, error) {
	l, ok := s.pool.Lane(i)
	if !ok {
		return nil, fmt.Errorf("%w: index %d of %d", ErrInvalidLane, i, s.pool.Len())
	}
	return l, nil
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Persist copies [off, off+length) of the local range to the replica on l and
// returns once the replica reports it durable.
func (s *Session) Persist(ctx context.Context, l *lane.Lane, off, length uint64) error {
	err := s.persist(ctx, l, off, length)
	s.escalate(err)
	return err
}

// PersistIndex is Persist on the lane with ordinal i.
func (s *Session) PersistIndex(ctx context.Context, i int, off, length uint64) error {
	l, err := s.Lane(i)
	if err != nil {
		return err
	}
	return s.Persist(ctx, l, off, length)
}

func (s *Session) persist(ctx context.Context, l *lane.Lane, off, length uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.admit(l, off, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	data, err := s.local.Slice(off, length)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	return translate(l.Persist(ctx, data, off))
}

// Read fills buf from the replica at off on the next live lane.
func (s *Session) Read(ctx context.Context, buf []byte, off uint64) error {
	if s.State() != StateActive {
		return ErrSessionClosed
	}
	l, err := s.pool.Pick()
	if err != nil {
		s.escalate(err)
		return err
	}
	return s.ReadLane(ctx, l, buf, off)
}

// ReadLane fills buf from the replica at off on l.
func (s *Session) ReadLane(ctx context.Context, l *lane.Lane, buf []byte, off uint64) error {
	err := s.read(ctx, l, buf, off)
	s.escalate(err)
	return err
}

func (s *Session) read(ctx context.Context, l *lane.Lane, buf []byte, off uint64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.admit(l, off, uint64(len(buf))); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return translate(l.Read(ctx, buf, off))
}

// admit checks state, lane ownership, and bounds in that order. Caller holds
// the read lock.
func (s *Session) admit(l *lane.Lane, off, length uint64) error {
	if s.state != StateActive {
		return ErrSessionClosed
	}
	if !s.pool.Owns(l) {
		return ErrInvalidLane
	}
	if err := region.Check(s.size, off, length); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRange, err)
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, lane.ErrReleased) {
		return ErrSessionClosed
	}
	return err
}

// escalate closes the session once every lane has faulted.
func (s *Session) escalate(err error) {
	if err == nil || !errors.Is(err, lane.ErrLaneFault) || s.pool.Live() > 0 {
		return
	}
	log.Error().Err(err).Str("pool", s.info.Name).Str("session_id", s.info.SessionID).Msg("rpool: all lanes faulted, closing session")
	if cerr := s.Close(context.Background()); cerr != nil {
		log.Warn().Err(cerr).Str("pool", s.info.Name).Msg("rpool: escalated close")
	}
}

// Close waits for in-flight requests, releases the lanes, and drops the
// target's pool reference. Later calls return nil.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	if err := s.pool.Release(); err != nil {
		log.Warn().Err(err).Str("pool", s.info.Name).Msg("rpool: lane release")
	}
	if err := s.target.ClosePool(ctx, s.info); err != nil {
		return err
	}
	log.Info().Str("pool", s.info.Name).Str("session_id", s.info.SessionID).Msg("rpool.Close")
	return nil
}
