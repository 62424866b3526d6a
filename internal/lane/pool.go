package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const (
	DefaultAckTimeout   = 5 * time.Second
	DefaultQueueDepth   = 64
	DefaultDialFailures = 3
)

type Config struct {
	// AckTimeout bounds each request from send to acknowledgment.
	AckTimeout time.Duration
	QueueDepth int
	// DialFailures consecutive failed dials with no lane open trip the
	// allocation breaker.
	DialFailures uint32
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:   DefaultAckTimeout,
		QueueDepth:   DefaultQueueDepth,
		DialFailures: DefaultDialFailures,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.DialFailures == 0 {
		c.DialFailures = d.DialFailures
	}
	return c
}

// Pool is the fixed set of lanes negotiated for one session.
type Pool struct {
	lanes []*Lane
	live  atomic.Int32
	next  atomic.Uint32

	releaseOnce sync.Once
	releaseErr  error
}

// Allocate opens up to n channels through d. Once at least one channel is
// open, the first failed dial ends allocation with what was obtained. With
// none open, dials are retried until the breaker trips.
func Allocate(ctx context.Context, d Dialer, n int, cfg Config) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: requested %d lanes", ErrNoCapacity, n)
	}
	cfg = cfg.withDefaults()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "lane-allocate",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.DialFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Debug().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("lane.Allocate breaker")
		},
	})

	channels := make([]Channel, 0, n)
	var lastErr error
	for len(channels) < n {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		out, err := cb.Execute(func() (interface{}, error) {
			return d.OpenChannel(ctx)
		})
		if err != nil {
			if !errors.Is(err, gobreaker.ErrOpenState) {
				lastErr = err
			}
			if len(channels) > 0 || errors.Is(err, gobreaker.ErrOpenState) {
				break
			}
			continue
		}
		channels = append(channels, out.(Channel))
	}

	if len(channels) == 0 {
		if lastErr == nil {
			return nil, ErrNoCapacity
		}
		return nil, fmt.Errorf("%w: %w", ErrNoCapacity, lastErr)
	}

	p := &Pool{lanes: make([]*Lane, len(channels))}
	for i, ch := range channels {
		p.lanes[i] = newLane(p, i, ch, cfg)
	}
	p.live.Store(int32(len(channels)))
	if len(channels) < n {
		log.Info().Err(lastErr).Int("requested", n).Int("lanes", len(channels)).Msg("lane.Allocate partial")
	}
	return p, nil
}

// Len is the negotiated lane count.
func (p *Pool) Len() int {
	return len(p.lanes)
}

// Live counts lanes that have not faulted.
func (p *Pool) Live() int {
	return int(p.live.Load())
}

func (p *Pool) Lane(i int) (*Lane, bool) {
	if i < 0 || i >= len(p.lanes) {
		return nil, false
	}
	return p.lanes[i], true
}

func (p *Pool) Lanes() []*Lane {
	out := make([]*Lane, len(p.lanes))
	copy(out, p.lanes)
	return out
}

// Owns reports whether l was handed out by p.
func (p *Pool) Owns(l *Lane) bool {
	return l != nil && l.pool == p
}

// Pick returns the next live lane in round-robin order.
func (p *Pool) Pick() (*Lane, error) {
	n := len(p.lanes)
	start := int(p.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		l := p.lanes[(start+i)%n]
		if !l.Faulted() {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: no live lanes", ErrLaneFault)
}

// Release stops accepting requests, waits for queued ones to finish, and
// closes every channel. Safe to call more than once.
func (p *Pool) Release() error {
	p.releaseOnce.Do(func() {
		for _, l := range p.lanes {
			l.closeQueue()
		}
		var errs []error
		for _, l := range p.lanes {
			<-l.done
			if err := l.ch.Close(); err != nil {
				errs = append(errs, fmt.Errorf("lane %d: %w", l.index, err))
			}
		}
		p.releaseErr = errors.Join(errs...)
	})
	return p.releaseErr
}
