package lane

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/poolrep/internal/region"
	"github.com/danmuck/poolrep/internal/testutil/testlog"
)

// recordingChannel appends every persisted offset in the order it arrives.
type recordingChannel struct {
	mu     sync.Mutex
	offs   []uint64
	delay  time.Duration
	block  chan struct{}
	failOn uint64
	closed atomic.Bool
}

func (c *recordingChannel) SendAndWait(ctx context.Context, data []byte, off uint64) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.failOn != 0 && off == c.failOn {
		return errors.New("link reset")
	}
	c.mu.Lock()
	c.offs = append(c.offs, off)
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) ReadAt(ctx context.Context, buf []byte, off uint64) error {
	return c.SendAndWait(ctx, buf, off)
}

func (c *recordingChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *recordingChannel) recorded() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.offs...)
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*recordingChannel
	limit    int
	attempts int
	build    func() *recordingChannel
}

func (d *fakeDialer) OpenChannel(ctx context.Context) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if len(d.channels) >= d.limit {
		return nil, errors.New("no more channels")
	}
	ch := &recordingChannel{}
	if d.build != nil {
		ch = d.build()
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func TestAllocateStopsAtFirstFailure(t *testing.T) {
	testlog.Start(t)
	d := &fakeDialer{limit: 3}
	p, err := Allocate(context.Background(), d, 8, Config{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer p.Release()
	if p.Len() != 3 || p.Live() != 3 {
		t.Fatalf("expected 3 lanes, got len=%d live=%d", p.Len(), p.Live())
	}
	if d.attempts != 4 {
		t.Fatalf("expected allocation to stop after first failure, attempts=%d", d.attempts)
	}
}

func TestAllocateNoCapacityTripsBreaker(t *testing.T) {
	testlog.Start(t)
	d := &fakeDialer{limit: 0}
	_, err := Allocate(context.Background(), d, 4, Config{DialFailures: 2})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if d.attempts != 2 {
		t.Fatalf("expected breaker to stop after 2 attempts, got %d", d.attempts)
	}
	if _, err := Allocate(context.Background(), d, 0, Config{}); !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity for zero lanes, got %v", err)
	}
}

func TestSameLaneCompletesInIssueOrder(t *testing.T) {
	testlog.Start(t)
	d := &fakeDialer{limit: 1, build: func() *recordingChannel {
		return &recordingChannel{delay: 50 * time.Microsecond}
	}}
	p, err := Allocate(context.Background(), d, 1, Config{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer p.Release()
	l, _ := p.Lane(0)

	const n = 200
	pending := make([]*Pending, 0, n)
	for i := 1; i <= n; i++ {
		pr, err := l.Submit(context.Background(), []byte{byte(i)}, uint64(i))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		pending = append(pending, pr)
	}
	for i, pr := range pending {
		if err := pr.Wait(); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if err := pr.Wait(); err != nil {
			t.Fatalf("second wait %d: %v", i+1, err)
		}
	}
	got := d.channels[0].recorded()
	for i, off := range got {
		if off != uint64(i+1) {
			t.Fatalf("out of order at %d: %v", i, got[:i+1])
		}
	}
	if len(got) != n {
		t.Fatalf("expected %d completions, got %d", n, len(got))
	}
}

func TestLanesProgressIndependently(t *testing.T) {
	testlog.Start(t)
	block := make(chan struct{})
	first := true
	d := &fakeDialer{limit: 2, build: func() *recordingChannel {
		if first {
			first = false
			return &recordingChannel{block: block}
		}
		return &recordingChannel{}
	}}
	p, err := Allocate(context.Background(), d, 2, Config{AckTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer p.Release()
	stalled, _ := p.Lane(0)
	free, _ := p.Lane(1)

	pending, err := stalled.Submit(context.Background(), []byte("a"), 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := free.Persist(context.Background(), []byte("b"), uint64(i)); err != nil {
			t.Fatalf("free lane persist %d: %v", i, err)
		}
	}
	close(block)
	if err := pending.Wait(); err != nil {
		t.Fatalf("stalled lane: %v", err)
	}
}

func TestTimeoutFaultsLaneAndQueuedRequests(t *testing.T) {
	testlog.Start(t)
	block := make(chan struct{})
	defer close(block)
	d := &fakeDialer{limit: 2, build: func() *recordingChannel {
		return &recordingChannel{block: block}
	}}
	p, err := Allocate(context.Background(), d, 2, Config{AckTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer p.Release()
	l, _ := p.Lane(0)

	first, _ := l.Submit(context.Background(), []byte("x"), 0)
	second, _ := l.Submit(context.Background(), []byte("y"), 1)
	if err := first.Wait(); !errors.Is(err, ErrLaneFault) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected lane fault from timeout, got %v", err)
	}
	if err := second.Wait(); !errors.Is(err, ErrLaneFault) {
		t.Fatalf("expected queued request to fail with ErrLaneFault, got %v", err)
	}
	if err := l.Persist(context.Background(), []byte("z"), 2); !errors.Is(err, ErrLaneFault) {
		t.Fatalf("expected future request to fail with ErrLaneFault, got %v", err)
	}
	if !l.Faulted() || p.Live() != 1 {
		t.Fatalf("expected one live lane, faulted=%v live=%d", l.Faulted(), p.Live())
	}
	for i := 0; i < 4; i++ {
		picked, err := p.Pick()
		if err != nil || picked.Index() != 1 {
			t.Fatalf("pick should skip faulted lane: lane=%v err=%v", picked, err)
		}
	}
}

func TestChannelErrorFaultsRejectDoesNot(t *testing.T) {
	testlog.Start(t)
	d := &fakeDialer{limit: 1, build: func() *recordingChannel {
		return &recordingChannel{failOn: 7}
	}}
	p, err := Allocate(context.Background(), d, 1, Config{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer p.Release()
	l, _ := p.Lane(0)
	if err := l.Persist(context.Background(), []byte("ok"), 1); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := l.Persist(context.Background(), []byte("bad"), 7); !errors.Is(err, ErrLaneFault) {
		t.Fatalf("expected ErrLaneFault, got %v", err)
	}
	if _, err := p.Pick(); !errors.Is(err, ErrLaneFault) {
		t.Fatalf("expected no live lanes, got %v", err)
	}

	rp, err := Allocate(context.Background(), NewRegionDialer(region.Allocate(16), 0), 1, Config{})
	if err != nil {
		t.Fatalf("allocate region: %v", err)
	}
	defer rp.Release()
	rl, _ := rp.Lane(0)
	if err := rl.Persist(context.Background(), make([]byte, 32), 0); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if rl.Faulted() {
		t.Fatalf("rejected request must not fault the lane")
	}
}

func TestReleaseDrainsAndClosesChannels(t *testing.T) {
	testlog.Start(t)
	d := &fakeDialer{limit: 2, build: func() *recordingChannel {
		return &recordingChannel{delay: time.Millisecond}
	}}
	p, err := Allocate(context.Background(), d, 2, Config{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	l, _ := p.Lane(0)
	var pending []*Pending
	for i := 0; i < 10; i++ {
		pr, err := l.Submit(context.Background(), []byte{1}, uint64(i))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		pending = append(pending, pr)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	for i, pr := range pending {
		if err := pr.Wait(); err != nil {
			t.Fatalf("queued request %d should drain: %v", i, err)
		}
	}
	for i, ch := range d.channels {
		if !ch.closed.Load() {
			t.Fatalf("channel %d not closed", i)
		}
	}
	if err := p.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := l.Persist(context.Background(), []byte{1}, 0); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
}

func TestOwnsRejectsForeignLane(t *testing.T) {
	testlog.Start(t)
	a, err := Allocate(context.Background(), &fakeDialer{limit: 1}, 1, Config{})
	if err != nil {
		t.Fatalf("allocate a: %v", err)
	}
	defer a.Release()
	b, err := Allocate(context.Background(), &fakeDialer{limit: 1}, 1, Config{})
	if err != nil {
		t.Fatalf("allocate b: %v", err)
	}
	defer b.Release()
	la, _ := a.Lane(0)
	if !a.Owns(la) || b.Owns(la) || a.Owns(nil) {
		t.Fatalf("ownership check failed")
	}
	if _, ok := a.Lane(1); ok {
		t.Fatalf("lane index out of range should not resolve")
	}
}

func TestRegionDialerRoundTripAndLimit(t *testing.T) {
	testlog.Start(t)
	buf := region.Allocate(4096)
	d := NewRegionDialer(buf, 2)
	p, err := Allocate(context.Background(), d, 4, Config{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p.Len() != 2 || d.Open() != 2 {
		t.Fatalf("expected 2 lanes, len=%d open=%d", p.Len(), d.Open())
	}
	l, _ := p.Lane(1)
	if err := l.Persist(context.Background(), []byte("hello"), 100); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got := make([]byte, 5)
	if err := l.Read(context.Background(), got, 100); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("read back %q", got)
	}
	if err := p.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if d.Open() != 0 {
		t.Fatalf("channels still open after release: %d", d.Open())
	}
}
