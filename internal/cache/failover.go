package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sheetsync/internal/models"

	"github.com/rs/zerolog"
)

// localGeneration tags generations handed out by the fallback so they are
// never compared against primary's counter.
const localGeneration uint64 = 1 << 63

// FailoverCache serves from primary (redis) and falls back to a local cache
// while primary is failing. Invalidations always reach the fallback, and the
// ones primary missed during an outage are replayed before it serves again.
type FailoverCache struct {
	primary    SheetCache
	fallback   SheetCache
	logger     *zerolog.Logger
	retryAfter time.Duration

	mu        sync.Mutex
	isDown    bool
	lastCheck time.Time
	missed    map[string]struct{}

	recoverMu sync.Mutex
}

func NewFailoverCache(primary, fallback SheetCache, logger *zerolog.Logger) *FailoverCache {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverCache{
		primary:    primary,
		fallback:   fallback,
		logger:     logger,
		retryAfter: time.Minute,
		missed:     make(map[string]struct{}),
	}
}

func (c *FailoverCache) Get(ctx context.Context, sheetID string) (json.RawMessage, bool, error) {
	if c.usePrimary(ctx) {
		snapshot, ok, err := c.primary.Get(ctx, sheetID)
		if err == nil {
			return snapshot, ok, nil
		}
		c.markDown(err)
	}
	return c.fallback.Get(ctx, sheetID)
}

func (c *FailoverCache) Set(ctx context.Context, sheetID string, snapshot json.RawMessage) error {
	if c.usePrimary(ctx) {
		err := c.primary.Set(ctx, sheetID, snapshot)
		if err == nil {
			return nil
		}
		c.markDown(err)
	}
	return c.fallback.Set(ctx, sheetID, snapshot)
}

func (c *FailoverCache) Generation(ctx context.Context, sheetID string) (uint64, error) {
	if c.usePrimary(ctx) {
		gen, err := c.primary.Generation(ctx, sheetID)
		if err == nil {
			return gen, nil
		}
		c.markDown(err)
	}
	gen, err := c.fallback.Generation(ctx, sheetID)
	if err != nil {
		return 0, err
	}
	return gen | localGeneration, nil
}

// SetIfGeneration writes to the store that issued gen. If the serving store
// changed since, the write is skipped.
func (c *FailoverCache) SetIfGeneration(ctx context.Context, sheetID string, snapshot json.RawMessage, gen uint64) (bool, error) {
	if gen&localGeneration != 0 {
		if c.usePrimary(ctx) {
			return false, nil
		}
		return c.fallback.SetIfGeneration(ctx, sheetID, snapshot, gen&^localGeneration)
	}

	if !c.usePrimary(ctx) {
		return false, nil
	}
	stored, err := c.primary.SetIfGeneration(ctx, sheetID, snapshot, gen)
	if err != nil {
		c.markDown(err)
		return false, nil
	}
	return stored, nil
}

func (c *FailoverCache) Invalidate(ctx context.Context, sheetID string) error {
	if err := c.fallback.Invalidate(ctx, sheetID); err != nil {
		return err
	}

	if c.usePrimary(ctx) {
		err := c.primary.Invalidate(ctx, sheetID)
		if err == nil {
			return nil
		}
		c.markDown(err)
	}

	c.mu.Lock()
	c.missed[sheetID] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *FailoverCache) Entry(ctx context.Context, sheetID string) (*models.CacheEntry, error) {
	if c.usePrimary(ctx) {
		entry, err := c.primary.Entry(ctx, sheetID)
		if err == nil {
			return entry, nil
		}
		c.markDown(err)
	}
	return c.fallback.Entry(ctx, sheetID)
}

// Degraded reports whether requests are currently served by the fallback.
func (c *FailoverCache) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isDown
}

func (c *FailoverCache) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isDown {
		c.logger.Error().Err(err).Msg("Primary sheet cache failed, falling back to memory")
	}
	c.isDown = true
	c.lastCheck = time.Now()
}

// usePrimary reports whether primary may be used, attempting a recovery once
// retryAfter has elapsed since the last failure.
func (c *FailoverCache) usePrimary(ctx context.Context) bool {
	c.mu.Lock()
	if !c.isDown {
		c.mu.Unlock()
		return true
	}
	due := time.Since(c.lastCheck) > c.retryAfter
	c.mu.Unlock()

	if !due {
		return false
	}
	return c.tryRecover(ctx)
}

func (c *FailoverCache) tryRecover(ctx context.Context) bool {
	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()

	c.mu.Lock()
	if !c.isDown {
		c.mu.Unlock()
		return true
	}
	replay := make([]string, 0, len(c.missed))
	for id := range c.missed {
		replay = append(replay, id)
	}
	c.mu.Unlock()

	for _, id := range replay {
		if err := c.primary.Invalidate(ctx, id); err != nil {
			c.mu.Lock()
			c.lastCheck = time.Now()
			c.mu.Unlock()
			return false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range replay {
		delete(c.missed, id)
	}
	if len(c.missed) > 0 {
		// More invalidations landed during the replay; pick them up next round.
		c.lastCheck = time.Time{}
		return false
	}
	c.isDown = false
	c.logger.Info().Int("replayed", len(replay)).Msg("Primary sheet cache recovered")
	return true
}
