// Package lane owns the parallel replication channels of one session.
//
// A Lane is a capability handed out by its Pool. Each lane has one worker
// goroutine draining a FIFO queue, so requests on a lane complete in issue
// order while lanes progress independently of each other. A timeout or
// transport error faults the lane; everything queued behind it then fails.
package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/poolrep/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrLaneFault  = errors.New("lane: fault")
	ErrNoCapacity = errors.New("lane: no channels available")
	ErrReleased   = errors.New("lane: pool released")
	// ErrRejected marks a request the remote answered with an error. The
	// channel stays usable, so the lane does not fault.
	ErrRejected = errors.New("lane: request rejected")
)

// Channel is one ordered, acknowledged connection to the replica.
type Channel interface {
	// SendAndWait returns once data is durable at off on the replica.
	SendAndWait(ctx context.Context, data []byte, off uint64) error
	// ReadAt fills buf from off on the replica.
	ReadAt(ctx context.Context, buf []byte, off uint64) error
	Close() error
}

// Dialer opens channels to one replica pool.
type Dialer interface {
	OpenChannel(ctx context.Context) (Channel, error)
}

type opKind uint8

const (
	opPersist opKind = iota + 1
	opRead
)

func (o opKind) String() string {
	if o == opRead {
		return "read"
	}
	return "persist"
}

type request struct {
	ctx  context.Context
	op   opKind
	data []byte
	off  uint64
	done chan error
}

// Pending is an issued request. Its result is delivered exactly once.
type Pending struct {
	req  *request
	once sync.Once
	err  error
}

// Wait blocks until the request completes and returns its result. Repeated
// calls return the same result.
func (p *Pending) Wait() error {
	p.once.Do(func() {
		p.err = <-p.req.done
	})
	return p.err
}

type Lane struct {
	pool  *Pool
	index int
	ch    Channel
	cfg   Config

	submitMu sync.Mutex
	queue    chan *request
	closed   bool

	faulted atomic.Bool
	done    chan struct{}
}

func newLane(p *Pool, index int, ch Channel, cfg Config) *Lane {
	l := &Lane{
		pool:  p,
		index: index,
		ch:    ch,
		cfg:   cfg,
		queue: make(chan *request, cfg.QueueDepth),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Lane) Index() int {
	return l.index
}

func (l *Lane) Faulted() bool {
	return l.faulted.Load()
}

// Persist copies data to off on the replica and blocks until it is durable.
func (l *Lane) Persist(ctx context.Context, data []byte, off uint64) error {
	p, err := l.Submit(ctx, data, off)
	if err != nil {
		return err
	}
	return p.Wait()
}

// Read fills buf from off on the replica.
func (l *Lane) Read(ctx context.Context, buf []byte, off uint64) error {
	p, err := l.enqueue(ctx, opRead, buf, off)
	if err != nil {
		return err
	}
	return p.Wait()
}

// Submit enqueues a persist without waiting for it. data must stay unchanged
// until the returned request completes.
func (l *Lane) Submit(ctx context.Context, data []byte, off uint64) (*Pending, error) {
	return l.enqueue(ctx, opPersist, data, off)
}

func (l *Lane) enqueue(ctx context.Context, op opKind, data []byte, off uint64) (*Pending, error) {
	if l.faulted.Load() {
		return nil, fmt.Errorf("%w: lane %d", ErrLaneFault, l.index)
	}
	req := &request{ctx: ctx, op: op, data: data, off: off, done: make(chan error, 1)}

	l.submitMu.Lock()
	defer l.submitMu.Unlock()
	if l.closed {
		return nil, ErrReleased
	}
	select {
	case l.queue <- req:
		return &Pending{req: req}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Lane) run() {
	defer close(l.done)
	for req := range l.queue {
		req.done <- l.serve(req)
	}
}

func (l *Lane) serve(req *request) error {
	if l.faulted.Load() {
		return fmt.Errorf("%w: lane %d", ErrLaneFault, l.index)
	}
	if err := req.ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(req.ctx, l.cfg.AckTimeout)
	defer cancel()

	start := time.Now()
	var err error
	switch req.op {
	case opRead:
		err = l.ch.ReadAt(ctx, req.data, req.off)
	default:
		err = l.ch.SendAndWait(ctx, req.data, req.off)
	}
	if err != nil && !errors.Is(err, ErrRejected) {
		err = l.fault(err)
	}
	observability.RecordLaneRequest(req.op.String(), len(req.data), time.Since(start), err)
	return err
}

// fault marks the lane dead. Once faulted the channel may hold a stale reply,
// so no further request is sent on it.
func (l *Lane) fault(cause error) error {
	if l.faulted.CompareAndSwap(false, true) {
		l.pool.live.Add(-1)
		observability.RecordLaneFault()
		log.Warn().Err(cause).Int("lane", l.index).Int32("live", l.pool.live.Load()).Msg("lane.fault")
	}
	return fmt.Errorf("%w: lane %d: %w", ErrLaneFault, l.index, cause)
}

func (l *Lane) closeQueue() {
	l.submitMu.Lock()
	defer l.submitMu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.queue)
}
