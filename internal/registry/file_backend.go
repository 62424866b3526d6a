package registry

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/region"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	poolFileSuffix = ".pool"
	metaFileSuffix = ".pool.toml"
)

// FileBackend stores each pool as a mapped file under one directory with a
// TOML sidecar holding its size and attributes.
type FileBackend struct {
	mu  sync.Mutex
	dir string
}

type metaFile struct {
	Name       string `toml:"name"`
	Size       int64  `toml:"size"`
	Attributes string `toml:"attributes"`
}

func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("registry: pool dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create pool dir %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) AllocateCapacity(meta Meta) (region.Region, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := os.Stat(b.metaPath(meta.Name)); err == nil {
		return nil, ErrAlreadyExists
	}
	if meta.Size > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d bytes exceeds file offset range", ErrOutOfSpace, meta.Size)
	}
	if usage, err := disk.Usage(b.dir); err == nil {
		if usage.Free < meta.Size {
			return nil, fmt.Errorf("%w: need %d bytes, %d free on %s", ErrOutOfSpace, meta.Size, usage.Free, b.dir)
		}
	} else {
		log.Warn().Err(err).Str("dir", b.dir).Msg("registry.FileBackend disk usage unavailable")
	}

	poolPath := b.poolPath(meta.Name)
	m, err := region.CreateMapped(poolPath, meta.Size)
	if errors.Is(err, os.ErrExist) {
		// No sidecar means the pool was never committed.
		log.Warn().Str("pool", meta.Name).Str("path", poolPath).Msg("registry.FileBackend reclaim orphan pool file")
		if rerr := os.Remove(poolPath); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return nil, fmt.Errorf("registry: reclaim orphan %s: %w", poolPath, rerr)
		}
		m, err = region.CreateMapped(poolPath, meta.Size)
	}
	if err != nil {
		if errors.Is(err, region.ErrNoSpace) {
			return nil, fmt.Errorf("%w: %v", ErrOutOfSpace, err)
		}
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	if err := b.writeMeta(meta); err != nil {
		_ = m.Close()
		_ = os.Remove(poolPath)
		return nil, err
	}
	return m, nil
}

func (b *FileBackend) FindCapacity(name string) (region.Region, Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	meta, err := b.readMeta(b.metaPath(name))
	if err != nil {
		return nil, Meta{}, err
	}
	m, err := region.OpenMapped(b.poolPath(name), meta.Size)
	if err != nil {
		return nil, Meta{}, err
	}
	return m, meta, nil
}

func (b *FileBackend) DeleteCapacity(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	metaErr := os.Remove(b.metaPath(name))
	if metaErr != nil && !errors.Is(metaErr, os.ErrNotExist) {
		return metaErr
	}
	// The pool file goes even without a sidecar so an orphan never pins the name.
	if err := os.Remove(b.poolPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if metaErr != nil {
		return ErrNotFound
	}
	return syncDir(b.dir)
}

func (b *FileBackend) List() ([]Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	paths, err := filepath.Glob(filepath.Join(b.dir, "*"+metaFileSuffix))
	if err != nil {
		return nil, err
	}
	out := make([]Meta, 0, len(paths))
	for _, p := range paths {
		meta, err := b.readMeta(p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("registry.FileBackend skip unreadable metadata")
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (b *FileBackend) Granularity() uint64 {
	return uint64(os.Getpagesize())
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) poolPath(name string) string {
	return filepath.Join(b.dir, name+poolFileSuffix)
}

func (b *FileBackend) metaPath(name string) string {
	return filepath.Join(b.dir, name+metaFileSuffix)
}

func (b *FileBackend) writeMeta(meta Meta) error {
	tmp := b.metaPath(meta.Name) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc := toml.NewEncoder(f)
	err = enc.Encode(metaFile{
		Name:       meta.Name,
		Size:       int64(meta.Size),
		Attributes: meta.Attributes.EncodeHex(),
	})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("registry: write metadata %s: %w", meta.Name, err)
	}
	if err := os.Rename(tmp, b.metaPath(meta.Name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("registry: commit metadata %s: %w", meta.Name, err)
	}
	return syncDir(b.dir)
}

// syncDir makes renames and unlinks in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("registry: sync dir %s: %w", dir, err)
	}
	return nil
}

func (b *FileBackend) readMeta(path string) (Meta, error) {
	var raw metaFile
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, fmt.Errorf("registry: read metadata %s: %w", path, err)
	}
	a, err := attr.DecodeHex(raw.Attributes)
	if err != nil {
		return Meta{}, fmt.Errorf("registry: metadata %s: %w", path, err)
	}
	if raw.Size <= 0 {
		return Meta{}, fmt.Errorf("registry: metadata %s: invalid size %d", path, raw.Size)
	}
	return Meta{Name: raw.Name, Size: uint64(raw.Size), Attributes: a}, nil
}
