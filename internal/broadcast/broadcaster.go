// Package broadcast fans order status transitions out to subscribers. The
// registry is an explicitly owned object constructed once per process and
// handed to whoever needs it; there is no package-level state.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solrouter/solrouter/internal/bus"
	"github.com/solrouter/solrouter/pkg/metrics"
	"github.com/solrouter/solrouter/pkg/models"
)

// StatusTopic is the bus topic carrying every status event across processes.
const StatusTopic = "orders.status"

// statusConnected is the confirmation event sent on the global channel. It is
// administrative and never appears in an order's lifecycle.
const statusConnected models.Status = "connected"

// SnapshotFunc returns the current status event for an order, so late
// subscribers always start from the present state.
type SnapshotFunc func(ctx context.Context, orderID string) (models.StatusEvent, error)

// Config tunes the broadcaster.
type Config struct {
	Buffer            int           // per-subscription channel depth (default 16)
	KeepaliveInterval time.Duration // purge sweep interval (default 30s)
	IdleTimeout       time.Duration // subscriber dropped after this much silence (default 2m)
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// Subscription is one listener's handle. Events arrive on Events(); the
// listener must call Touch (its keepalive ping) or it will be purged.
type Subscription struct {
	orderID string // empty for the global channel
	ch      chan models.StatusEvent

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// Events is the stream of status events for this subscription.
func (s *Subscription) Events() <-chan models.StatusEvent { return s.ch }

// OrderID returns the order this subscription watches, or "" for global.
func (s *Subscription) OrderID() string { return s.orderID }

// Touch records a keepalive ping and returns the time recorded, serving as
// the pong.
func (s *Subscription) Touch() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	return s.lastSeen
}

func (s *Subscription) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// envelope wraps events on the wire so a process can skip its own messages
// when they come back from the bus.
type envelope struct {
	Origin string             `json:"origin"`
	Event  models.StatusEvent `json:"event"`
}

// Broadcaster delivers every transition to the subscribers registered for the
// order, at most once each, and mirrors events onto the configured bus and
// sinks for cross-process consumers.
type Broadcaster struct {
	cfg      Config
	origin   string
	snapshot SnapshotFunc
	remote   bus.EventBus    // optional two-way transport
	mirrors  []bus.Publisher // optional publish-only sinks
	logger   *zap.Logger

	mu      sync.RWMutex
	byOrder map[string]map[*Subscription]struct{}
	global  map[*Subscription]struct{}

	stopCh    chan struct{}
	stopOnce  sync.Once
	unsubBus  func()
	startOnce sync.Once
}

// New builds a broadcaster. remote may be nil (single-process deployment);
// mirrors may be empty.
func New(cfg Config, snapshot SnapshotFunc, remote bus.EventBus, mirrors []bus.Publisher, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		cfg:      cfg.withDefaults(),
		origin:   uuid.NewString(),
		snapshot: snapshot,
		remote:   remote,
		mirrors:  mirrors,
		logger:   logger.Named("broadcast"),
		byOrder:  make(map[string]map[*Subscription]struct{}),
		global:   make(map[*Subscription]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the purge loop and, when a remote bus is configured, begins
// consuming events published by other processes.
func (b *Broadcaster) Start() error {
	var err error
	b.startOnce.Do(func() {
		go b.purgeLoop()
		if b.remote == nil {
			return
		}
		b.unsubBus, err = b.remote.Subscribe(StatusTopic, func(_ string, payload []byte) {
			var env envelope
			if jsonErr := json.Unmarshal(payload, &env); jsonErr != nil {
				b.logger.Warn("malformed bus event", zap.Error(jsonErr))
				return
			}
			if env.Origin == b.origin {
				return
			}
			b.deliverLocal(env.Event)
		})
	})
	return err
}

// Stop halts the purge loop and closes every subscription.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.unsubBus != nil {
			b.unsubBus()
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for id, subs := range b.byOrder {
			for sub := range subs {
				sub.close()
			}
			delete(b.byOrder, id)
		}
		for sub := range b.global {
			sub.close()
			delete(b.global, sub)
		}
		metrics.Subscribers.Set(0)
	})
}

// Subscribe registers a listener for one order and synchronously delivers the
// current status snapshot before any later transition can be observed.
func (b *Broadcaster) Subscribe(ctx context.Context, orderID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, err := b.snapshot(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", orderID, err)
	}

	sub := &Subscription{
		orderID:  orderID,
		ch:       make(chan models.StatusEvent, b.cfg.Buffer),
		lastSeen: time.Now(),
	}
	if b.byOrder[orderID] == nil {
		b.byOrder[orderID] = make(map[*Subscription]struct{})
	}
	b.byOrder[orderID][sub] = struct{}{}
	metrics.Subscribers.Inc()

	// Buffer is fresh, so the snapshot always fits.
	sub.ch <- snap
	return sub, nil
}

// SubscribeGlobal registers an administrative listener. It receives a single
// connection confirmation, not per-order content.
func (b *Broadcaster) SubscribeGlobal() *Subscription {
	sub := &Subscription{
		ch:       make(chan models.StatusEvent, b.cfg.Buffer),
		lastSeen: time.Now(),
	}
	b.mu.Lock()
	b.global[sub] = struct{}{}
	b.mu.Unlock()
	metrics.Subscribers.Inc()

	sub.ch <- models.StatusEvent{Status: statusConnected, Timestamp: time.Now().UTC()}
	return sub
}

// Unsubscribe removes the listener and releases its registry entry. The set
// for an order disappears with its last subscriber.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if sub.orderID == "" {
		if _, ok := b.global[sub]; ok {
			delete(b.global, sub)
			metrics.Subscribers.Dec()
		}
	} else if subs, ok := b.byOrder[sub.orderID]; ok {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			metrics.Subscribers.Dec()
		}
		if len(subs) == 0 {
			delete(b.byOrder, sub.orderID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// PublishStatus delivers ev to local subscribers and mirrors it to the remote
// transports. Implements the state machine's EventSink.
func (b *Broadcaster) PublishStatus(ctx context.Context, ev models.StatusEvent) {
	b.deliverLocal(ev)

	if b.remote == nil && len(b.mirrors) == 0 {
		return
	}
	payload, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		b.logger.Error("event marshal failed", zap.String("order_id", ev.OrderID), zap.Error(err))
		return
	}
	if b.remote != nil {
		if err := b.remote.Publish(ctx, StatusTopic, payload); err != nil {
			b.logger.Warn("bus publish failed", zap.String("order_id", ev.OrderID), zap.Error(err))
		}
	}
	for _, m := range b.mirrors {
		if err := m.Publish(ctx, StatusTopic, payload); err != nil {
			b.logger.Warn("mirror publish failed", zap.String("order_id", ev.OrderID), zap.Error(err))
		}
	}
}

// deliverLocal hands ev to every registered subscriber for the order without
// blocking: a subscriber whose buffer is full misses the event rather than
// stalling the pipeline.
func (b *Broadcaster) deliverLocal(ev models.StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.byOrder[ev.OrderID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("slow subscriber, dropping event",
				zap.String("order_id", ev.OrderID),
				zap.String("status", string(ev.Status)),
			)
		}
	}
}

// purgeLoop drops subscribers that stopped sending keepalives, so the
// registry never grows unbounded behind dead connections.
func (b *Broadcaster) purgeLoop() {
	ticker := time.NewTicker(b.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.purge(time.Now().Add(-b.cfg.IdleTimeout))
		}
	}
}

func (b *Broadcaster) purge(deadline time.Time) {
	var stale []*Subscription
	b.mu.RLock()
	for _, subs := range b.byOrder {
		for sub := range subs {
			if sub.seen().Before(deadline) {
				stale = append(stale, sub)
			}
		}
	}
	for sub := range b.global {
		if sub.seen().Before(deadline) {
			stale = append(stale, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range stale {
		b.logger.Debug("purging idle subscriber", zap.String("order_id", sub.orderID))
		b.Unsubscribe(sub)
	}
}
