package relay

import (
	"sync"
	"sync/atomic"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wisprnet/relay/internal/config"
	"github.com/wisprnet/relay/internal/domain"
	"github.com/wisprnet/relay/internal/identity"
	"github.com/wisprnet/relay/internal/logger"
	"github.com/wisprnet/relay/internal/metrics"
	"github.com/wisprnet/relay/internal/storage"
)

// Relay is the single aggregate holding all mutable relay state: the
// event store, the subscription registry, and the set of live
// connections. One instance is constructed at startup and passed into
// every session by reference.
type Relay struct {
	cfg      *config.Config
	identity *identity.RelayIdentity

	store    *storage.EventStore
	registry *SubscriptionRegistry

	connsMu sync.RWMutex
	conns   map[string]domain.WebSocketConnection

	startTime time.Time
	closing   atomic.Bool

	// Broadcast fan-out runs on the hot path; debug logging there is
	// sampled so a busy relay is not dominated by its own log writes.
	logSampler *rate.Limiter
}

// New constructs the relay aggregate.
func New(cfg *config.Config, ident *identity.RelayIdentity) *Relay {
	return &Relay{
		cfg:        cfg,
		identity:   ident,
		store:      storage.NewEventStore(),
		registry:   NewSubscriptionRegistry(),
		conns:      make(map[string]domain.WebSocketConnection),
		startTime:  time.Now(),
		logSampler: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Store returns the relay's event store.
func (r *Relay) Store() *storage.EventStore { return r.store }

// Registry returns the relay's subscription registry.
func (r *Relay) Registry() *SubscriptionRegistry { return r.registry }

// Identity returns the relay's identity, or nil when none was loaded.
func (r *Relay) Identity() *identity.RelayIdentity { return r.identity }

// StartTime returns when the relay was constructed.
func (r *Relay) StartTime() time.Time { return r.startTime }

// RegisterConn adds a live connection and bumps the connection gauge.
func (r *Relay) RegisterConn(conn domain.WebSocketConnection) {
	r.connsMu.Lock()
	r.conns[conn.ID()] = conn
	r.connsMu.Unlock()
	metrics.IncrementActiveConnections()
}

// UnregisterConn removes a connection and all its subscriptions. It is
// idempotent: a second call for the same connection is a no-op.
func (r *Relay) UnregisterConn(conn domain.WebSocketConnection) {
	r.connsMu.Lock()
	_, present := r.conns[conn.ID()]
	delete(r.conns, conn.ID())
	r.connsMu.Unlock()

	if !present {
		return
	}
	removed := r.registry.RemoveConnection(conn.ID())
	metrics.DecrementActiveConnections()
	logger.Debug("Connection unregistered",
		zap.String("conn_id", conn.ID()),
		zap.Int("subscriptions_removed", removed))
}

// ConnectionCount returns the number of live connections.
func (r *Relay) ConnectionCount() int {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return len(r.conns)
}

// BroadcastEvent pushes a stored event to every subscription whose
// filter list matches, across all connections including the
// publisher's own. Each subscription receives the event at most once.
func (r *Relay) BroadcastEvent(evt *nostr.Event) {
	delivered := 0
	r.registry.ForEachActive(func(sub *Subscription) {
		for _, f := range sub.Filters {
			if MatchesFilter(evt, f) {
				sub.Conn.SendEvent(sub.SubID, evt)
				delivered++
				break
			}
		}
	})
	metrics.BroadcastsDelivered.Add(float64(delivered))

	if delivered > 0 && r.logSampler.Allow() {
		logger.Debug("Broadcast event",
			zap.String("event_id", evt.ID),
			zap.Int("kind", evt.Kind),
			zap.Int("delivered", delivered))
	}
}

// BroadcastRaw forwards a raw frame verbatim to every connection except
// the originator. Used for signer-tunnel traffic the relay does not
// interpret.
func (r *Relay) BroadcastRaw(raw []byte, exceptConnID string) {
	r.connsMu.RLock()
	targets := make([]domain.WebSocketConnection, 0, len(r.conns))
	for id, conn := range r.conns {
		if id != exceptConnID {
			targets = append(targets, conn)
		}
	}
	r.connsMu.RUnlock()

	for _, conn := range targets {
		conn.SendMessage(raw)
	}
}

// Shutdown force-closes every connection, then clears the store and the
// registry. Idempotent: a second call is a no-op.
func (r *Relay) Shutdown() {
	if r.closing.Swap(true) {
		return
	}

	r.connsMu.RLock()
	conns := make([]domain.WebSocketConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.connsMu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}

	r.registry.Clear()
	r.store.Clear()
	logger.Info("Relay state cleared", zap.Int("connections_closed", len(conns)))
}

// Closing reports whether Shutdown has started.
func (r *Relay) Closing() bool {
	return r.closing.Load()
}
