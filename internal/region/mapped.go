package region

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrNoSpace = errors.New("region: no space left on device")

// Mapped is a Region backed by a shared file mapping; Flush is msync(MS_SYNC).
type Mapped struct {
	mu     sync.RWMutex
	path   string
	f      *os.File
	data   []byte
	size   uint64
	closed bool
}

// CreateMapped creates path exclusively, reserves size bytes, and maps it.
func CreateMapped(path string, size uint64) (*Mapped, error) {
	if size == 0 {
		return nil, fmt.Errorf("region: zero size mapping %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if err := reserve(f, size); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	m, err := mapFile(path, f, size)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return m, nil
}

// OpenMapped maps an existing file of at least size bytes.
func OpenMapped(path string, size uint64) (*Mapped, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if uint64(fi.Size()) < size || size == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("region: %s has %d bytes, need %d", path, fi.Size(), size)
	}
	m, err := mapFile(path, f, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

func reserve(f *os.File, size uint64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOSPC):
		return fmt.Errorf("%w: %d bytes", ErrNoSpace, size)
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOSYS):
		return f.Truncate(int64(size))
	default:
		return err
	}
}

func mapFile(path string, f *os.File, size uint64) (*Mapped, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("region: mmap %s: %w", path, err)
	}
	return &Mapped{path: path, f: f, data: data, size: size}, nil
}

func (m *Mapped) Path() string {
	return m.path
}

func (m *Mapped) Size() uint64 {
	return m.size
}

func (m *Mapped) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return copyOut(m.data, p, off)
}

func (m *Mapped) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return copyIn(m.data, p, off)
}

func (m *Mapped) Flush(off, length uint64) error {
	if err := Check(m.Size(), off, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	page := uint64(os.Getpagesize())
	start := off &^ (page - 1)
	return unix.Msync(m.data[start:off+length], unix.MS_SYNC)
}

func (m *Mapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := unix.Munmap(m.data)
	m.data = nil
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
