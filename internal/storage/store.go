package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/willf/bloom"
	"go.uber.org/zap"

	"github.com/wisprnet/relay/internal/logger"
	"github.com/wisprnet/relay/internal/metrics"
)

// EventStore is an unbounded, process-lifetime, in-memory event sequence.
// It performs no validation and no deduplication: storing the same event
// twice yields two entries. Callers at the protocol boundary are
// responsible for validating before storing.
//
// Events are kept newest-first: a stable sort on created_at descending,
// with insertion order preserved among equal timestamps.
type EventStore struct {
	mu     sync.RWMutex
	events []nostr.Event

	// bloom tracks already-seen event IDs purely for the duplicate
	// submission metric. It never influences what gets stored.
	bloom *bloom.BloomFilter
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{
		bloom: bloom.NewWithEstimates(1_000_000, 0.01),
	}
}

// Store appends the event and re-sorts the sequence newest-first.
func (s *EventStore) Store(evt nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bloom.TestAndAdd([]byte(evt.ID)) {
		metrics.DuplicateEvents.Inc()
	}

	s.events = append(s.events, evt)
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].CreatedAt > s.events[j].CreatedAt
	})
	metrics.SetEventsStored(int64(len(s.events)))
}

// All returns a snapshot of the stored events in replay order.
func (s *EventStore) All() []nostr.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make([]nostr.Event, len(s.events))
	copy(snapshot, s.events)
	return snapshot
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Clear drops every stored event. The bloom filter is reset too so the
// duplicate metric starts fresh after a purge.
func (s *EventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.bloom.ClearAll()
	metrics.SetEventsStored(0)
}

// StartPurgeTicker clears the entire store every interval until ctx is
// canceled. This is a deliberate full flush to bound memory, not an
// LRU/TTL eviction.
func (s *EventStore) StartPurgeTicker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dropped := s.Len()
				s.Clear()
				metrics.StorePurges.Inc()
				logger.Info("Purged event store",
					zap.Int("events_dropped", dropped),
					zap.Duration("interval", interval))
			}
		}
	}()
}
