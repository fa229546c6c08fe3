package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is the last-known snapshot of a sheet and its freshness marker.
type CacheEntry struct {
	SheetID       string          `json:"sheet_id"`
	Snapshot      json.RawMessage `json:"snapshot"`
	State         string          `json:"state"`
	FetchedAt     time.Time       `json:"fetched_at"`
	InvalidatedAt *time.Time      `json:"invalidated_at,omitempty"`
}

// Fresh reports whether the entry may be served without refetching.
func (e *CacheEntry) Fresh() bool {
	return e != nil && e.State == CacheValid
}
