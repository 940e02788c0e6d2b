package relay

import (
	"strings"
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/wisprnet/relay/internal/domain"
	"github.com/wisprnet/relay/internal/metrics"
)

// Subscription is a (connection, subscription-id, filter-list) triple.
// Filters are fixed for the subscription's life; re-issuing the same id
// on the same connection replaces the whole entry.
type Subscription struct {
	ConnID  string
	SubID   string
	Filters []nostr.Filter
	Conn    domain.WebSocketConnection
}

// SubscriptionRegistry tracks every active subscription across all
// connections. Keys are composed as connID + "/" + subID so identical
// subscription ids on different connections never collide.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs: make(map[string]*Subscription),
	}
}

func subscriptionKey(connID, subID string) string {
	return connID + "/" + subID
}

// Add registers a subscription, overwriting any existing entry with the
// same composite key.
func (r *SubscriptionRegistry) Add(conn domain.WebSocketConnection, subID string, filters []nostr.Filter) {
	key := subscriptionKey(conn.ID(), subID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, replaced := r.subs[key]; !replaced {
		metrics.ActiveSubscriptions.Inc()
	}
	r.subs[key] = &Subscription{
		ConnID:  conn.ID(),
		SubID:   subID,
		Filters: filters,
		Conn:    conn,
	}
}

// Remove drops a subscription. It reports whether an entry existed.
func (r *SubscriptionRegistry) Remove(connID, subID string) bool {
	key := subscriptionKey(connID, subID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[key]; !ok {
		return false
	}
	delete(r.subs, key)
	metrics.ActiveSubscriptions.Dec()
	return true
}

// RemoveConnection drops every subscription owned by a connection and
// returns how many were removed.
func (r *SubscriptionRegistry) RemoveConnection(connID string) int {
	prefix := connID + "/"

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key := range r.subs {
		if strings.HasPrefix(key, prefix) {
			delete(r.subs, key)
			removed++
		}
	}
	metrics.ActiveSubscriptions.Sub(float64(removed))
	return removed
}

// Get looks up a single subscription.
func (r *SubscriptionRegistry) Get(connID, subID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[subscriptionKey(connID, subID)]
	return sub, ok
}

// ForEachActive calls fn for every active subscription. The iteration
// runs over a snapshot so fn may call back into the registry.
func (r *SubscriptionRegistry) ForEachActive(fn func(*Subscription)) {
	r.mu.RLock()
	snapshot := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	for _, sub := range snapshot {
		fn(sub)
	}
}

// Len returns the number of active subscriptions.
func (r *SubscriptionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Clear drops every subscription.
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	metrics.ActiveSubscriptions.Sub(float64(len(r.subs)))
	r.subs = make(map[string]*Subscription)
}
