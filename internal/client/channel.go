package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danmuck/poolrep/internal/lane"
	"github.com/danmuck/poolrep/internal/protocol/frame"
	"github.com/danmuck/poolrep/internal/protocol/schema"
	"github.com/danmuck/poolrep/internal/protocol/transport"
	"github.com/rs/zerolog/log"
)

var ErrUnexpectedReply = errors.New("client: unexpected lane reply")

// defaultWindow bounds unacknowledged chunks per lane so a large range never
// leaves both peers blocked writing into full socket buffers.
const defaultWindow = 8

type laneDialer struct {
	target    *Target
	sessionID string
}

// OpenChannel dials once and attaches the connection to the session. Retry
// policy for lanes belongs to the lane pool's breaker.
func (d *laneDialer) OpenChannel(ctx context.Context) (lane.Channel, error) {
	conn, err := d.target.cfg.Dial(ctx, d.target.addr)
	if err != nil {
		return nil, err
	}
	cc := &controlConn{conn: conn, reader: bufio.NewReader(conn), timeout: d.target.cfg.AckTimeout}
	if _, err := cc.roundTrip(ctx, transport.Request{Op: transport.OpAttach, SessionID: d.sessionID}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug().Str("session_id", d.sessionID).Str("remote", d.target.addr).Msg("client lane attached")
	return &laneChannel{
		conn:   conn,
		reader: cc.reader,
		limits: d.target.cfg.Limits(),
		window: defaultWindow,
	}, nil
}

// laneChannel pipelines chunked requests on one attached connection and
// matches replies by message id.
type laneChannel struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits
	nextID uint64
	window int
}

type chunk struct {
	id     uint64
	off    uint64
	length uint64
	pos    int
}

func (c *laneChannel) plan(total int, off uint64) []chunk {
	out := make([]chunk, 0, (total+transport.MaxChunk-1)/transport.MaxChunk)
	for pos := 0; pos < total; pos += transport.MaxChunk {
		n := min(transport.MaxChunk, total-pos)
		c.nextID++
		out = append(out, chunk{id: c.nextID, off: off + uint64(pos), length: uint64(n), pos: pos})
	}
	return out
}

// SendAndWait writes data at off and returns once every chunk is acked.
func (c *laneChannel) SendAndWait(ctx context.Context, data []byte, off uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	release := bindDeadline(ctx, c.conn, 0)
	defer release()

	return c.exchange(ctx, c.plan(len(data), off), schema.MsgPersistAck,
		func(ch chunk) transport.LaneMessage {
			return transport.PersistMessage(ch.id, ch.off, data[ch.pos:ch.pos+int(ch.length)])
		},
		func(ch chunk, m transport.LaneMessage) bool {
			return m.Offset == ch.off && m.Length == ch.length
		})
}

// ReadAt fills buf from off.
func (c *laneChannel) ReadAt(ctx context.Context, buf []byte, off uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	release := bindDeadline(ctx, c.conn, 0)
	defer release()

	return c.exchange(ctx, c.plan(len(buf), off), schema.MsgReadData,
		func(ch chunk) transport.LaneMessage {
			return transport.ReadMessage(ch.id, ch.off, ch.length)
		},
		func(ch chunk, m transport.LaneMessage) bool {
			if m.Offset != ch.off || uint64(len(m.Data)) != ch.length {
				return false
			}
			copy(buf[ch.pos:], m.Data)
			return true
		})
}

// exchange keeps at most window chunks unacknowledged and reads one reply
// per chunk in order. Error frames are remembered and reported as rejections
// once the connection is drained; anything else out of place leaves the
// channel unusable.
func (c *laneChannel) exchange(ctx context.Context, chunks []chunk, want uint32, request func(chunk) transport.LaneMessage, accept func(chunk, transport.LaneMessage) bool) error {
	window := c.window
	if window <= 0 {
		window = defaultWindow
	}
	var rejected error
	sent := 0
	for i, ch := range chunks {
		for ; sent < len(chunks) && sent < i+window; sent++ {
			if err := transport.WriteLaneMessage(c.conn, request(chunks[sent]), c.limits); err != nil {
				return contextError(ctx, err)
			}
		}
		m, err := transport.ReadLaneMessage(c.reader, c.limits)
		if err != nil {
			return contextError(ctx, err)
		}
		if m.ID != ch.id {
			return fmt.Errorf("%w: id %d want %d", ErrUnexpectedReply, m.ID, ch.id)
		}
		if m.Type == schema.MsgError {
			if rejected == nil {
				rejected = fmt.Errorf("%w: %w", lane.ErrRejected, m.Err())
			}
			continue
		}
		if m.Type != want || !accept(ch, m) {
			return fmt.Errorf("%w: %s for id %d", ErrUnexpectedReply, schema.MessageName(m.Type), ch.id)
		}
	}
	return rejected
}

func (c *laneChannel) Close() error {
	return c.conn.Close()
}
