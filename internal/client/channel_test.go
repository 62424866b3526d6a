package client

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/poolrep/internal/protocol/schema"
	"github.com/danmuck/poolrep/internal/protocol/transport"
	"github.com/danmuck/poolrep/internal/testutil/testlog"
)

// memPeer answers lane frames against an in-memory replica. Requests are
// read on their own goroutine so the client never blocks writing.
type memPeer struct {
	mu          sync.Mutex
	replica     []byte
	received    atomic.Int64
	replied     atomic.Int64
	maxInFlight atomic.Int64
}

func (p *memPeer) serve(conn net.Conn) {
	limits := transport.DefaultConfig().Limits()
	reader := bufio.NewReader(conn)
	queue := make(chan transport.LaneMessage, 256)
	go func() {
		defer close(queue)
		for {
			m, err := transport.ReadLaneMessage(reader, limits)
			if err != nil {
				return
			}
			p.received.Add(1)
			queue <- m
		}
	}()
	for m := range queue {
		if n := p.received.Load() - p.replied.Load(); n > p.maxInFlight.Load() {
			p.maxInFlight.Store(n)
		}
		if err := transport.WriteLaneMessage(conn, p.answer(m), limits); err != nil {
			return
		}
		p.replied.Add(1)
	}
}

func (p *memPeer) answer(m transport.LaneMessage) transport.LaneMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch m.Type {
	case schema.MsgPersist:
		copy(p.replica[m.Offset:], m.Data)
		return transport.PersistAckMessage(m.ID, m.Offset, uint64(len(m.Data)))
	default:
		out := make([]byte, m.Length)
		copy(out, p.replica[m.Offset:])
		return transport.ReadDataMessage(m.ID, m.Offset, out)
	}
}

// lockstepPeer reads one request and writes its reply before reading the
// next, which is all an unbuffered pipe allows.
func lockstepPeer(conn net.Conn, replica []byte) {
	limits := transport.DefaultConfig().Limits()
	reader := bufio.NewReader(conn)
	p := &memPeer{replica: replica}
	for {
		m, err := transport.ReadLaneMessage(reader, limits)
		if err != nil {
			return
		}
		if err := transport.WriteLaneMessage(conn, p.answer(m), limits); err != nil {
			return
		}
	}
}

func pipeChannel(t *testing.T, window int) (*laneChannel, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return &laneChannel{
		conn:   local,
		reader: bufio.NewReader(local),
		limits: transport.DefaultConfig().Limits(),
		window: window,
	}, remote
}

func TestLaneChannelNeverOutrunsAnUnbufferedPeer(t *testing.T) {
	testlog.Start(t)
	size := 4*transport.MaxChunk + 5
	ch, remote := pipeChannel(t, 1)
	replica := make([]byte, size)
	go lockstepPeer(remote, replica)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data := pattern(size, 0x21)
	if err := ch.SendAndWait(ctx, data, 0); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got := make([]byte, size)
	if err := ch.ReadAt(ctx, got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back differs")
	}
}

func TestLaneChannelBoundsChunksInFlight(t *testing.T) {
	testlog.Start(t)
	const window = 3
	size := 12 * transport.MaxChunk
	ch, remote := pipeChannel(t, window)
	peer := &memPeer{replica: make([]byte, size)}
	go peer.serve(remote)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data := pattern(size, 0x42)
	if err := ch.SendAndWait(ctx, data, 0); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got := make([]byte, size)
	if err := ch.ReadAt(ctx, got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read back differs")
	}
	if n := peer.maxInFlight.Load(); n > window {
		t.Fatalf("%d chunks in flight, window is %d", n, window)
	}
}
