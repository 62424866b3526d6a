package rpool

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/lane"
	"github.com/danmuck/poolrep/internal/registry"
	"github.com/danmuck/poolrep/internal/testutil/testlog"
)

const mib = 1 << 20

func newTarget(t *testing.T, maxLanes int) *LocalTarget {
	t.Helper()
	reg := registry.NewMemory(0)
	target := NewLocalTarget(reg, maxLanes)
	_ = reg.Close()
	t.Cleanup(func() { _ = target.Close() })
	return target
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i) ^ seed
	}
	return out
}

func TestReplicateEightMiBAcrossLanes(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	nodeA := newTarget(t, 0)
	a := attr.New("OBJPOOL", 1, 0)

	local := pattern(8*mib, 0x5a)
	s, err := Create(ctx, nodeA, "pool1", local, 8*mib, 4, a, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Lanes() != 4 || s.Size() != 8*mib || s.Capacity() != 8*mib {
		t.Fatalf("unexpected session: lanes=%d size=%d capacity=%d", s.Lanes(), s.Size(), s.Capacity())
	}

	chunk := uint64(2 * mib)
	var wg sync.WaitGroup
	errs := make([]error, s.Lanes())
	for i := 0; i < s.Lanes(); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.PersistIndex(ctx, i, uint64(i)*chunk, chunk)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("lane %d persist: %v", i, err)
		}
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	mirror := make([]byte, 8*mib)
	reopened, err := Open(ctx, nodeA, "pool1", mirror, 8*mib, 2, a, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reopened.Close(ctx)
	got := make([]byte, 8*mib)
	if err := reopened.Read(ctx, got, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, local) {
		t.Fatalf("replica does not match local range")
	}
}

func TestOpenErrors(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	target := newTarget(t, 0)
	a := attr.New("OBJPOOL", 1, 0)
	buf := make([]byte, mib)

	if _, err := Open(ctx, target, "missing", buf, mib, 1, a, Options{}); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s, err := Create(ctx, target, "pool1", buf, mib, 1, a, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close(ctx)

	other := a
	other.Signature = attr.SignatureFrom("BLKPOOL")
	_, err = Open(ctx, target, "pool1", buf, mib, 1, other, Options{})
	if field, ok := attr.MismatchField(err); !ok || field != "signature" || !errors.Is(err, attr.ErrAttributeMismatch) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	big := make([]byte, 2*mib)
	if _, err := Open(ctx, target, "pool1", big, 2*mib, 1, a, Options{}); !errors.Is(err, registry.ErrSizeTooLarge) {
		t.Fatalf("expected ErrSizeTooLarge, got %v", err)
	}
	if _, err := Open(ctx, target, "pool1", buf[:10], mib, 1, a, Options{}); !errors.Is(err, ErrInvalidBuffer) {
		t.Fatalf("expected ErrInvalidBuffer, got %v", err)
	}
	if n, _ := target.Registry().Sessions("pool1"); n != 1 {
		t.Fatalf("failed opens must not hold references, sessions=%d", n)
	}
}

func TestCreateErrors(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	target := newTarget(t, 0)
	a := attr.New("OBJPOOL", 1, 0)
	buf := make([]byte, mib)

	corrupt := a
	corrupt.Checksum++
	if _, err := Create(ctx, target, "pool1", buf, mib, 1, corrupt, Options{}); !errors.Is(err, attr.ErrInvalidAttributes) {
		t.Fatalf("expected ErrInvalidAttributes, got %v", err)
	}
	s, err := Create(ctx, target, "pool1", buf, mib, 1, a, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close(ctx)
	if _, err := Create(ctx, target, "pool1", buf, mib, 1, a, Options{}); !errors.Is(err, registry.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateRollsBackWithoutLanes(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	target := newTarget(t, 0)
	a := attr.New("OBJPOOL", 1, 0)

	_, err := Create(ctx, target, "pool1", make([]byte, mib), mib, 0, a, Options{})
	if !errors.Is(err, lane.ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if _, err := target.Registry().Find("pool1"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("registration should be rolled back, got %v", err)
	}
	if ids := target.Sessions(); len(ids) != 0 {
		t.Fatalf("sessions leaked: %v", ids)
	}
}

func TestNegotiatesFewerLanes(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	target := newTarget(t, 3)
	s, err := Create(ctx, target, "pool1", make([]byte, mib), mib, 8, attr.New("OBJPOOL", 1, 0), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close(ctx)
	if s.Lanes() != 3 {
		t.Fatalf("expected 3 negotiated lanes, got %d", s.Lanes())
	}
}

func TestPersistContractErrors(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	target := newTarget(t, 0)
	a := attr.New("OBJPOOL", 1, 0)
	s, err := Create(ctx, target, "pool1", make([]byte, mib), mib, 2, a, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := Create(ctx, target, "pool2", make([]byte, mib), mib, 1, a, Options{})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	defer other.Close(ctx)

	l, _ := s.Lane(0)
	foreign, _ := other.Lane(0)
	if err := s.Persist(ctx, l, mib-10, 11); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if err := s.Persist(ctx, l, ^uint64(0), 2); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange on overflow, got %v", err)
	}
	if err := s.Persist(ctx, foreign, 0, 1); !errors.Is(err, ErrInvalidLane) {
		t.Fatalf("expected ErrInvalidLane, got %v", err)
	}
	if _, err := s.Lane(2); !errors.Is(err, ErrInvalidLane) {
		t.Fatalf("expected ErrInvalidLane for ordinal, got %v", err)
	}
	if err := s.Persist(ctx, l, mib, 0); err != nil {
		t.Fatalf("zero-length persist at end: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := s.Persist(ctx, l, 0, 1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Read(ctx, make([]byte, 1), 0); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on read, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
}

func TestRemoveBusyWhileOpen(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	target := newTarget(t, 0)
	a := attr.New("OBJPOOL", 1, 0)
	s, err := Create(ctx, target, "pool1", make([]byte, mib), mib, 1, a, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Remove(ctx, target, "pool1"); !errors.Is(err, registry.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := Remove(ctx, target, "pool1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := Open(ctx, target, "pool1", make([]byte, mib), mib, 1, a, Options{}); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestPersistOnlyTouchesRequestedRange(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	target := newTarget(t, 0)
	a := attr.New("OBJPOOL", 1, 0)
	local := pattern(64*1024, 1)
	s, err := Create(ctx, target, "pool1", local, uint64(len(local)), 2, a, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close(ctx)

	if err := s.PersistIndex(ctx, 1, 4096, 100); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got := make([]byte, 300)
	l, _ := s.Lane(0)
	if err := s.ReadLane(ctx, l, got, 4000); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got[:96], make([]byte, 96)) || !bytes.Equal(got[196:], make([]byte, 104)) {
		t.Fatalf("bytes outside the persisted range changed")
	}
	if !bytes.Equal(got[96:196], local[4096:4196]) {
		t.Fatalf("persisted range mismatch")
	}
}

type faultyTarget struct {
	*LocalTarget
}

type brokenChannel struct{}

func (brokenChannel) SendAndWait(context.Context, []byte, uint64) error { return errors.New("link down") }
func (brokenChannel) ReadAt(context.Context, []byte, uint64) error      { return errors.New("link down") }
func (brokenChannel) Close() error                                      { return nil }

type brokenDialer struct{}

func (brokenDialer) OpenChannel(context.Context) (lane.Channel, error) { return brokenChannel{}, nil }

func (f faultyTarget) Dialer(PoolInfo) (lane.Dialer, error) { return brokenDialer{}, nil }

func TestAllLanesFaultedClosesSession(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	target := faultyTarget{newTarget(t, 0)}
	s, err := Create(ctx, target, "pool1", make([]byte, mib), mib, 2, attr.New("OBJPOOL", 1, 0), Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.PersistIndex(ctx, 0, 0, 10); !errors.Is(err, lane.ErrLaneFault) {
		t.Fatalf("expected ErrLaneFault, got %v", err)
	}
	if s.State() != StateActive || s.Live() != 1 {
		t.Fatalf("one live lane should keep the session active: state=%s live=%d", s.State(), s.Live())
	}
	if err := s.PersistIndex(ctx, 1, 0, 10); !errors.Is(err, lane.ErrLaneFault) {
		t.Fatalf("expected ErrLaneFault, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected escalation to closed, got %s", s.State())
	}
	if n, _ := target.Registry().Sessions("pool1"); n != 0 {
		t.Fatalf("escalated close must drop the registry reference, sessions=%d", n)
	}
}
