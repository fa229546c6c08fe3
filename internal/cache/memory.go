package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sheetsync/internal/models"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache is a process-local SheetCache backed by go-cache. Entries carry
// a defensive TTL on top of webhook-driven invalidation.
type MemoryCache struct {
	// mu serializes Set and Invalidate so an invalidation never interleaves
	// with a concurrent overwrite.
	mu    sync.Mutex
	store *gocache.Cache
	gens  map[string]uint64
	now   func() time.Time
}

// NewMemoryCache creates a cache whose entries expire after ttl (0 disables
// expiry) and whose expired entries are swept every cleanupInterval.
func NewMemoryCache(ttl, cleanupInterval time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &MemoryCache{
		store: gocache.New(ttl, cleanupInterval),
		gens:  make(map[string]uint64),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (c *MemoryCache) Get(ctx context.Context, sheetID string) (json.RawMessage, bool, error) {
	entry := c.load(sheetID)
	if !entry.Fresh() {
		return nil, false, nil
	}
	return entry.Snapshot, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, sheetID string, snapshot json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Set(sheetID, c.newEntry(sheetID, snapshot), gocache.DefaultExpiration)
	return nil
}

func (c *MemoryCache) Generation(ctx context.Context, sheetID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[sheetID], nil
}

func (c *MemoryCache) SetIfGeneration(ctx context.Context, sheetID string, snapshot json.RawMessage, gen uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[sheetID] != gen {
		return false, nil
	}
	c.store.Set(sheetID, c.newEntry(sheetID, snapshot), gocache.DefaultExpiration)
	return true, nil
}

func (c *MemoryCache) newEntry(sheetID string, snapshot json.RawMessage) *models.CacheEntry {
	return &models.CacheEntry{
		SheetID:   sheetID,
		Snapshot:  append(json.RawMessage(nil), snapshot...),
		State:     models.CacheValid,
		FetchedAt: c.now(),
	}
}

func (c *MemoryCache) Invalidate(ctx context.Context, sheetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Bumped even for absent keys: a fetch may be in flight.
	c.gens[sheetID]++

	val, expiresAt, ok := c.store.GetWithExpiration(sheetID)
	if !ok {
		return nil
	}
	current := val.(*models.CacheEntry)
	if current.State == models.CacheInvalidated {
		return nil
	}

	// Stored entries are never mutated in place; readers may hold the old pointer.
	next := *current
	now := c.now()
	next.State = models.CacheInvalidated
	next.InvalidatedAt = &now

	ttl := gocache.NoExpiration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			c.store.Delete(sheetID)
			return nil
		}
	}
	c.store.Set(sheetID, &next, ttl)
	return nil
}

func (c *MemoryCache) Entry(ctx context.Context, sheetID string) (*models.CacheEntry, error) {
	entry := c.load(sheetID)
	if entry == nil {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (c *MemoryCache) load(sheetID string) *models.CacheEntry {
	val, ok := c.store.Get(sheetID)
	if !ok {
		return nil
	}
	return val.(*models.CacheEntry)
}
