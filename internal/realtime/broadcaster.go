// Package realtime fans sheet change notifications out to live WebSocket
// subscribers.
package realtime

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"sheetsync/internal/metrics"

	"github.com/rs/zerolog"
)

// Subscriber is a live client connection registered under one sheet id.
type Subscriber interface {
	ID() string
	// Open reports whether the connection can still accept frames.
	Open() bool
	// Send enqueues a frame without blocking. It returns false when the frame
	// was not accepted.
	Send(data []byte) bool
	// OnClose registers fn to run once when the connection closes. If the
	// connection is already closed fn runs immediately.
	OnClose(fn func())
	Close()
}

// Broadcaster maps sheet ids to their subscriber sets.
type Broadcaster struct {
	mu     sync.RWMutex
	sheets map[string]map[string]Subscriber

	// pubMu keeps delivery order equal to Publish call order.
	pubMu sync.Mutex

	logger *zerolog.Logger
}

func NewBroadcaster(logger *zerolog.Logger) *Broadcaster {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Broadcaster{
		sheets: make(map[string]map[string]Subscriber),
		logger: logger,
	}
}

// Subscribe registers sub under sheetID and installs its disconnect hook.
// The returned function performs the same removal and is safe to call more
// than once.
func (b *Broadcaster) Subscribe(sheetID string, sub Subscriber) func() {
	b.mu.Lock()
	set, ok := b.sheets[sheetID]
	if !ok {
		set = make(map[string]Subscriber)
		b.sheets[sheetID] = set
	}
	set[sub.ID()] = sub
	total := len(set)
	b.mu.Unlock()

	b.logger.Info().
		Str("sheet_id", sheetID).
		Str("client_id", sub.ID()).
		Int("sheet_subscribers", total).
		Msg("WebSocket client subscribed")

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { b.remove(sheetID, sub) })
	}
	sub.OnClose(unsubscribe)
	return unsubscribe
}

func (b *Broadcaster) remove(sheetID string, sub Subscriber) {
	b.mu.Lock()
	set, ok := b.sheets[sheetID]
	if ok {
		if current, found := set[sub.ID()]; found && current == sub {
			delete(set, sub.ID())
		}
		if len(set) == 0 {
			delete(b.sheets, sheetID)
		}
	}
	remaining := len(set)
	b.mu.Unlock()

	b.logger.Info().
		Str("sheet_id", sheetID).
		Str("client_id", sub.ID()).
		Int("sheet_subscribers", remaining).
		Msg("WebSocket client unsubscribed")
}

// Publish serializes msg once and hands it to every open subscriber of
// sheetID. Closed subscribers are skipped; a subscriber whose buffer is full
// misses this frame. It returns the number of subscribers that accepted it.
func (b *Broadcaster) Publish(sheetID string, msg any) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode broadcast message: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	delivered := 0
	for _, sub := range b.snapshot(sheetID) {
		if !sub.Open() {
			metrics.IncBroadcast("skipped")
			continue
		}
		if !sub.Send(data) {
			metrics.IncBroadcast("dropped")
			b.logger.Warn().
				Str("sheet_id", sheetID).
				Str("client_id", sub.ID()).
				Msg("Subscriber buffer full, message dropped")
			continue
		}
		metrics.IncBroadcast("sent")
		delivered++
	}
	return delivered, nil
}

// snapshot copies the subscriber set so closes during delivery cannot mutate
// the slice being iterated.
func (b *Broadcaster) snapshot(sheetID string) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	set := b.sheets[sheetID]
	subs := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// Subscribers returns the number of subscribers registered under sheetID.
func (b *Broadcaster) Subscribers(sheetID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sheets[sheetID])
}

// SheetIDs lists the sheet ids that currently have subscribers, sorted.
func (b *Broadcaster) SheetIDs() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.sheets))
	for id := range b.sheets {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close closes every subscriber. Their disconnect hooks empty the mapping.
func (b *Broadcaster) Close() {
	b.mu.RLock()
	var all []Subscriber
	for _, set := range b.sheets {
		for _, sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range all {
		sub.Close()
	}
	b.logger.Info().Int("closed", len(all)).Msg("All WebSocket clients closed")
}
