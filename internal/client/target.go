// Package client reaches a poolrepd daemon over the network and presents it
// as an rpool.Target.
//
// Each session owns one control connection; the daemon releases the session
// when that connection drops. Lanes are separate connections attached to the
// session id.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/lane"
	"github.com/danmuck/poolrep/internal/protocol/transport"
	"github.com/danmuck/poolrep/internal/rpool"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("client: target closed")

type Config struct {
	Address   string
	Transport transport.Config
}

// Target is a remote rpool.Target.
type Target struct {
	addr string
	cfg  transport.Config

	mu       sync.Mutex
	sessions map[string]*controlConn
	closed   bool
}

var _ rpool.Target = (*Target)(nil)

func New(cfg Config) (*Target, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, fmt.Errorf("client: address required")
	}
	tcfg := cfg.Transport.WithDefaults()
	if err := tcfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	return &Target{
		addr:     addr,
		cfg:      tcfg,
		sessions: make(map[string]*controlConn),
	}, nil
}

func (t *Target) Address() string {
	return t.addr
}

func (t *Target) CreatePool(ctx context.Context, name string, size uint64, attrs attr.Attributes) (rpool.PoolInfo, error) {
	return t.openSession(ctx, transport.Request{
		Op:         transport.OpCreate,
		Name:       name,
		Size:       size,
		Attributes: attrs.EncodeHex(),
	})
}

func (t *Target) OpenPool(ctx context.Context, name string, size uint64, expected attr.Attributes) (rpool.PoolInfo, error) {
	return t.openSession(ctx, transport.Request{
		Op:         transport.OpOpen,
		Name:       name,
		Size:       size,
		Attributes: expected.EncodeHex(),
	})
}

func (t *Target) openSession(ctx context.Context, req transport.Request) (rpool.PoolInfo, error) {
	cc, err := t.connect(ctx)
	if err != nil {
		return rpool.PoolInfo{}, err
	}
	reply, err := cc.roundTrip(ctx, req)
	if err != nil {
		_ = cc.Close()
		return rpool.PoolInfo{}, err
	}
	attrs, err := attr.DecodeHex(reply.Attributes)
	if err != nil {
		_ = cc.Close()
		return rpool.PoolInfo{}, fmt.Errorf("client: %s reply attributes: %w", req.Op, err)
	}
	info := rpool.PoolInfo{
		SessionID:  reply.SessionID,
		Name:       reply.Name,
		Capacity:   reply.Capacity,
		Attributes: attrs,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = cc.Close()
		return rpool.PoolInfo{}, ErrClosed
	}
	t.sessions[info.SessionID] = cc
	t.mu.Unlock()
	log.Debug().Str("pool", info.Name).Str("session_id", info.SessionID).Str("remote", t.addr).Msg("client session open")
	return info, nil
}

func (t *Target) ClosePool(ctx context.Context, info rpool.PoolInfo) error {
	t.mu.Lock()
	cc, ok := t.sessions[info.SessionID]
	delete(t.sessions, info.SessionID)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", rpool.ErrUnknownSession, info.SessionID)
	}
	defer cc.Close()
	_, err := cc.roundTrip(ctx, transport.Request{Op: transport.OpClose, SessionID: info.SessionID})
	return err
}

func (t *Target) RemovePool(ctx context.Context, name string) error {
	cc, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer cc.Close()
	_, err = cc.roundTrip(ctx, transport.Request{Op: transport.OpRemove, Name: name})
	return err
}

// Dialer opens lane connections attached to info's session.
func (t *Target) Dialer(info rpool.PoolInfo) (lane.Dialer, error) {
	t.mu.Lock()
	_, ok := t.sessions[info.SessionID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", rpool.ErrUnknownSession, info.SessionID)
	}
	return &laneDialer{target: t, sessionID: info.SessionID}, nil
}

// Close drops every control connection, which releases their sessions on
// the daemon.
func (t *Target) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	open := t.sessions
	t.sessions = make(map[string]*controlConn)
	t.mu.Unlock()

	var errs []error
	for _, cc := range open {
		errs = append(errs, cc.Close())
	}
	return errors.Join(errs...)
}

// connect dials a control connection, retrying per the backoff policy.
func (t *Target) connect(ctx context.Context) (*controlConn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var conn net.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, err := t.cfg.Dial(ctx, t.addr)
		if err != nil {
			log.Debug().Str("remote", t.addr).Int("attempt", attempt).Err(err).Msg("client dial failed")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, t.cfg.Backoff.NewBackOff(ctx)); err != nil {
		return nil, fmt.Errorf("client: dial %s after %d attempts: %w", t.addr, attempt, err)
	}
	return &controlConn{conn: conn, reader: bufio.NewReader(conn), timeout: t.cfg.AckTimeout}, nil
}

type controlConn struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// roundTrip sends req and returns the daemon's reply. A rejected reply
// becomes the remote error.
func (c *controlConn) roundTrip(ctx context.Context, req transport.Request) (transport.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	release := bindDeadline(ctx, c.conn, c.timeout)
	defer release()

	if err := transport.WriteRequest(c.conn, req); err != nil {
		return transport.Reply{}, contextError(ctx, err)
	}
	reply, err := transport.ReadReply(c.reader, req.Op)
	if err != nil {
		return transport.Reply{}, contextError(ctx, err)
	}
	if err := reply.Err(); err != nil {
		return transport.Reply{}, err
	}
	return reply, nil
}

func (c *controlConn) Close() error {
	return c.conn.Close()
}

// bindDeadline applies ctx's deadline, or timeout when ctx has none, and
// interrupts blocked I/O when ctx ends.
func bindDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	deadline, ok := ctx.Deadline()
	if !ok && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

// contextError prefers the context's error so callers see cancellation
// and timeouts as such.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}
