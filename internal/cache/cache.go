// Package cache holds the last-known snapshot of each sheet together with a
// freshness marker. Webhook change events invalidate entries; the fetch path
// repopulates them.
package cache

import (
	"context"
	"encoding/json"

	"sheetsync/internal/models"
)

// SheetCache maps a sheet id to its last fetched snapshot.
//
// Get reports a miss for absent, expired and invalidated entries. Invalidate
// never resurrects an absent or already invalid entry, but it always advances
// the sheet's generation.
//
// A fetch reads Generation before calling upstream and stores its result with
// SetIfGeneration, which refuses the write if an invalidation landed in
// between. Set overwrites unconditionally.
type SheetCache interface {
	Get(ctx context.Context, sheetID string) (json.RawMessage, bool, error)
	Set(ctx context.Context, sheetID string, snapshot json.RawMessage) error
	Generation(ctx context.Context, sheetID string) (uint64, error)
	SetIfGeneration(ctx context.Context, sheetID string, snapshot json.RawMessage, gen uint64) (bool, error)
	Invalidate(ctx context.Context, sheetID string) error
	Entry(ctx context.Context, sheetID string) (*models.CacheEntry, error)
}
