package application

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// TimeSource measures the offset between the local clock and a reference.
type TimeSource interface {
	Offset(ctx context.Context) (time.Duration, error)
}

type ClockSyncParams struct {
	Source       TimeSource
	SyncInterval time.Duration
	QueryTimeout time.Duration

	Log zerolog.Logger
}

// ClockSync corrects the local clock by the last measured offset. It never
// steps the system clock.
type ClockSync struct {
	params ClockSyncParams

	offset atomic.Int64
	synced atomic.Bool

	log zerolog.Logger
}

func NewClockSync(params ClockSyncParams) *ClockSync {
	if params.SyncInterval == 0 {
		params.SyncInterval = time.Hour
	}
	if params.QueryTimeout == 0 {
		params.QueryTimeout = 5 * time.Second
	}
	return &ClockSync{params: params, log: params.Log}
}

func (c *ClockSync) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *ClockSync) Synced() bool { return c.synced.Load() }

func (c *ClockSync) Offset() time.Duration { return time.Duration(c.offset.Load()) }

// Sync queries the source once. On failure the previous offset is kept.
func (c *ClockSync) Sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.params.QueryTimeout)
	defer cancel()

	offset, err := c.params.Source.Offset(ctx)
	if err != nil {
		return err
	}
	c.offset.Store(int64(offset))
	c.synced.Store(true)
	return nil
}

// Run resyncs every SyncInterval until ctx is done. A nil source disables it.
func (c *ClockSync) Run(ctx context.Context) error {
	if c.params.Source == nil {
		return nil
	}

	ticker := time.NewTicker(c.params.SyncInterval)
	defer ticker.Stop()

	for {
		if err := c.Sync(ctx); err != nil {
			c.log.Warn().Err(err).Msg("clock sync failed")
		} else {
			c.log.Debug().Dur("offset", c.Offset()).Msg("clock synced")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
