package registry

import (
	"errors"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/testutil/testlog"
)

const mib = 1 << 20

func TestCreateFindAndDuplicate(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(0)
	defer r.Close()
	a := attr.New("OBJPOOL", 1, 0)

	e, err := r.Create("pool1", 8*mib, a)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Capacity() != 8*mib || e.Attributes() != a {
		t.Fatalf("unexpected entry: capacity=%d", e.Capacity())
	}
	if _, err := r.Create("pool1", 8*mib, a); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	got, err := r.Find("pool1")
	if err != nil || got != e {
		t.Fatalf("find: entry=%p err=%v", got, err)
	}
	if _, err := r.Find("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRoundsCapacityToGranularity(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(0)
	defer r.Close()
	e, err := r.Create("odd", 5000, attr.New("OBJPOOL", 1, 0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Capacity() != 8192 {
		t.Fatalf("expected capacity 8192, got %d", e.Capacity())
	}
	if e.Region().Size() != 8192 {
		t.Fatalf("expected region size 8192, got %d", e.Region().Size())
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(0)
	defer r.Close()
	a := attr.New("OBJPOOL", 1, 0)

	bad := a
	bad.Major = 7
	if _, err := r.Create("pool1", mib, bad); !errors.Is(err, attr.ErrInvalidAttributes) {
		t.Fatalf("expected ErrInvalidAttributes, got %v", err)
	}
	if _, err := r.Create("pool1", 0, a); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
	if _, err := r.Create("../etc", mib, a); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, err := r.Find("pool1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected create must not register: %v", err)
	}
}

func TestCreateOutOfSpace(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(8 * mib)
	defer r.Close()
	a := attr.New("OBJPOOL", 1, 0)
	if _, err := r.Create("big", 6*mib, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create("bigger", 4*mib, a); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
}

func TestCreateRejectsSizesNearMaxUint64(t *testing.T) {
	testlog.Start(t)
	a := attr.New("OBJPOOL", 1, 0)
	for _, capacity := range []uint64{1 << 20, 0} {
		r := NewMemory(capacity)
		for _, size := range []uint64{math.MaxUint64, math.MaxUint64 - 100, math.MaxUint64 - DefaultGranularity + 2} {
			e, err := r.Create("huge", size, a)
			if !errors.Is(err, ErrOutOfSpace) {
				t.Fatalf("capacity=%d size=%d: expected ErrOutOfSpace, got entry=%v err=%v", capacity, size, e != nil, err)
			}
		}
		if _, err := r.Find("huge"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("capacity=%d: rejected pool was registered: %v", capacity, err)
		}
		_ = r.Close()
	}
}

func TestMemBackendUsageDoesNotWrap(t *testing.T) {
	testlog.Start(t)
	b := NewMemBackend(8 * mib)
	if _, err := b.AllocateCapacity(Meta{Name: "small", Size: 4 * mib}); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	huge := uint64(math.MaxUint64) - 2*mib
	if _, err := b.AllocateCapacity(Meta{Name: "wrap", Size: huge}); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
	if got := b.Used(); got != 4*mib {
		t.Fatalf("used changed to %d", got)
	}
}

func TestRoundUpReportsOverflow(t *testing.T) {
	cases := []struct {
		size, unit, want uint64
		ok               bool
	}{
		{size: 1, unit: 4096, want: 4096, ok: true},
		{size: 4096, unit: 4096, want: 4096, ok: true},
		{size: math.MaxUint64 - 4095, unit: 4096, want: math.MaxUint64 - 4095, ok: true},
		{size: math.MaxUint64 - 100, unit: 4096, ok: false},
		{size: math.MaxUint64, unit: 1, want: math.MaxUint64, ok: true},
	}
	for _, tc := range cases {
		got, ok := roundUp(tc.size, tc.unit)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("roundUp(%d, %d) = %d,%v want %d,%v", tc.size, tc.unit, got, ok, tc.want, tc.ok)
		}
	}
}

func TestOpenValidatesAttributesAndSize(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(0)
	defer r.Close()
	a := attr.New("OBJPOOL", 1, 0)
	if _, err := r.Create("pool1", 8*mib, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	wrong := a
	wrong.Signature = attr.SignatureFrom("OTHER")
	_, err := r.Open("pool1", 8*mib, wrong)
	if field, ok := attr.MismatchField(err); !ok || field != "signature" {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if _, err := r.Open("pool1", 9*mib, a); !errors.Is(err, ErrSizeTooLarge) {
		t.Fatalf("expected ErrSizeTooLarge, got %v", err)
	}
	if _, err := r.Open("nope", mib, a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n, _ := r.Sessions("pool1"); n != 1 {
		t.Fatalf("failed opens must not count sessions, got %d", n)
	}

	if _, err := r.Open("pool1", 4*mib, a); err != nil {
		t.Fatalf("open smaller: %v", err)
	}
	if n, _ := r.Sessions("pool1"); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}
}

func TestRemoveBusyUntilReleased(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(0)
	defer r.Close()
	a := attr.New("OBJPOOL", 1, 0)
	if _, err := r.Create("pool1", mib, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Open("pool1", mib, a); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := r.Remove("pool1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	_ = r.Release("pool1")
	if err := r.Remove("pool1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy with one session left, got %v", err)
	}
	_ = r.Release("pool1")
	if err := r.Remove("pool1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.Remove("pool1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Create("pool1", mib, a); err != nil {
		t.Fatalf("name should be reusable after remove: %v", err)
	}
}

func TestConcurrentCreateSameNameSingleWinner(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(0)
	defer r.Close()
	a := attr.New("OBJPOOL", 1, 0)

	var wins, dups atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create("race", mib, a)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyExists):
				dups.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || dups.Load() != 15 {
		t.Fatalf("wins=%d dups=%d", wins.Load(), dups.Load())
	}
}

func TestConcurrentRemoveAndOpenStayConsistent(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(0)
	defer r.Close()
	a := attr.New("OBJPOOL", 1, 0)

	for round := 0; round < 50; round++ {
		if _, err := r.Create("flip", mib, a); err != nil {
			t.Fatalf("round %d create: %v", round, err)
		}
		_ = r.Release("flip")

		var wg sync.WaitGroup
		var openErr, removeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, openErr = r.Open("flip", mib, a)
		}()
		go func() {
			defer wg.Done()
			removeErr = r.Remove("flip")
		}()
		wg.Wait()

		switch {
		case removeErr == nil:
			if !errors.Is(openErr, ErrNotFound) {
				t.Fatalf("round %d: remove won but open got %v", round, openErr)
			}
		case errors.Is(removeErr, ErrBusy):
			if openErr != nil {
				t.Fatalf("round %d: open won but returned %v", round, openErr)
			}
			_ = r.Release("flip")
			if err := r.Remove("flip"); err != nil {
				t.Fatalf("round %d cleanup remove: %v", round, err)
			}
		default:
			t.Fatalf("round %d: unexpected remove error %v", round, removeErr)
		}
	}
}

func TestListSorted(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(0)
	defer r.Close()
	a := attr.New("OBJPOOL", 1, 0)
	for _, name := range []string{"pool.z", "pool.a", "pool.m"} {
		if _, err := r.Create(name, mib, a); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	list, err := r.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	names := []string{list[0].Name, list[1].Name, list[2].Name}
	want := []string{"pool.a", "pool.m", "pool.z"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("list not sorted: got=%v want=%v", names, want)
	}
	if list[0].Sessions != 1 || !list[0].Loaded {
		t.Fatalf("unexpected info: %+v", list[0])
	}
}

func TestValidNameFailures(t *testing.T) {
	testlog.Start(t)
	for _, name := range []string{"", ".pool", "pool.", "po..ol", "po/ol", " pool", "pool name"} {
		if ValidName(name) {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
	for _, name := range []string{"pool1", "Pool-A", "obj_verify.1"} {
		if !ValidName(name) {
			t.Fatalf("expected %q to be accepted", name)
		}
	}
}

func TestRetainCloseLifetime(t *testing.T) {
	testlog.Start(t)
	r := NewMemory(0)
	shared := r.Retain()
	if err := r.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if _, err := shared.Create("still", mib, attr.New("OBJPOOL", 1, 0)); err != nil {
		t.Fatalf("registry must stay usable while retained: %v", err)
	}
	if err := shared.Close(); err != nil {
		t.Fatalf("last close: %v", err)
	}
	if _, err := shared.Find("still"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
