package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/poolrep/internal/region"
)

// RegionDialer hands out in-process channels that write straight into a
// region and flush it before acknowledging.
type RegionDialer struct {
	r    region.Region
	max  int32
	open atomic.Int32
}

// NewRegionDialer bounds concurrently open channels to maxChannels; zero
// means unbounded.
func NewRegionDialer(r region.Region, maxChannels int) *RegionDialer {
	return &RegionDialer{r: r, max: int32(maxChannels)}
}

func (d *RegionDialer) OpenChannel(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n := d.open.Add(1); d.max > 0 && n > d.max {
		d.open.Add(-1)
		return nil, fmt.Errorf("region dialer: %d channels open", d.max)
	}
	return &regionChannel{d: d}, nil
}

// Open reports the number of channels not yet closed.
func (d *RegionDialer) Open() int {
	return int(d.open.Load())
}

type regionChannel struct {
	d         *RegionDialer
	closeOnce sync.Once
}

func (c *regionChannel) SendAndWait(ctx context.Context, data []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.d.r.WriteAt(data, int64(off)); err != nil {
		return rejectRange(err)
	}
	return rejectRange(c.d.r.Flush(off, uint64(len(data))))
}

func (c *regionChannel) ReadAt(ctx context.Context, buf []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.d.r.ReadAt(buf, int64(off))
	return rejectRange(err)
}

func (c *regionChannel) Close() error {
	c.closeOnce.Do(func() { c.d.open.Add(-1) })
	return nil
}

func rejectRange(err error) error {
	if err != nil && errors.Is(err, region.ErrOutOfRange) {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return err
}
