package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solrouter/solrouter/internal/bus"
	"github.com/solrouter/solrouter/pkg/models"
)

// snapshotTable backs the broadcaster with a fixed set of known orders.
type snapshotTable struct {
	mu     sync.Mutex
	states map[string]models.StatusEvent
}

func newSnapshotTable() *snapshotTable {
	return &snapshotTable{states: make(map[string]models.StatusEvent)}
}

func (s *snapshotTable) set(orderID string, status models.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[orderID] = models.StatusEvent{OrderID: orderID, Status: status, Timestamp: time.Now().UTC()}
}

func (s *snapshotTable) fn(_ context.Context, orderID string) (models.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.states[orderID]
	if !ok {
		return models.StatusEvent{}, fmt.Errorf("order %s: %w", orderID, models.ErrOrderNotFound)
	}
	return ev, nil
}

func newTestBroadcaster(t *testing.T, cfg Config, table *snapshotTable, remote bus.EventBus) *Broadcaster {
	t.Helper()
	b := New(cfg, table.fn, remote, nil, zaptest.NewLogger(t))
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

func recv(t *testing.T, sub *Subscription) models.StatusEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.StatusEvent{}
	}
}

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	table := newSnapshotTable()
	table.set("order-1", models.StatusRouting)
	b := newTestBroadcaster(t, Config{}, table, nil)

	sub, err := b.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	b.PublishStatus(context.Background(), models.StatusEvent{OrderID: "order-1", Status: models.StatusBuilding})

	first := recv(t, sub)
	assert.Equal(t, models.StatusRouting, first.Status, "late subscriber starts from the current state")
	second := recv(t, sub)
	assert.Equal(t, models.StatusBuilding, second.Status)
}

func TestSubscribeUnknownOrder(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, newSnapshotTable(), nil)

	_, err := b.Subscribe(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
}

func TestFanOutIsScopedToOrder(t *testing.T) {
	table := newSnapshotTable()
	table.set("order-1", models.StatusPending)
	table.set("order-2", models.StatusPending)
	b := newTestBroadcaster(t, Config{}, table, nil)

	subA, err := b.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	subB, err := b.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	subOther, err := b.Subscribe(context.Background(), "order-2")
	require.NoError(t, err)
	for _, sub := range []*Subscription{subA, subB, subOther} {
		recv(t, sub) // drain snapshots
		defer b.Unsubscribe(sub)
	}

	b.PublishStatus(context.Background(), models.StatusEvent{OrderID: "order-1", Status: models.StatusRouting})

	assert.Equal(t, models.StatusRouting, recv(t, subA).Status)
	assert.Equal(t, models.StatusRouting, recv(t, subB).Status)
	select {
	case ev := <-subOther.Events():
		t.Fatalf("order-2 subscriber received foreign event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGlobalSubscriberGetsConfirmation(t *testing.T) {
	b := newTestBroadcaster(t, Config{}, newSnapshotTable(), nil)

	sub := b.SubscribeGlobal()
	defer b.Unsubscribe(sub)

	ev := recv(t, sub)
	assert.Equal(t, statusConnected, ev.Status)
	assert.Empty(t, sub.OrderID())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	table := newSnapshotTable()
	table.set("order-1", models.StatusPending)
	b := newTestBroadcaster(t, Config{}, table, nil)

	sub, err := b.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	recv(t, sub)
	b.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after the last unsubscribe must not panic or deliver.
	b.PublishStatus(context.Background(), models.StatusEvent{OrderID: "order-1", Status: models.StatusRouting})
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	table := newSnapshotTable()
	table.set("order-1", models.StatusPending)
	b := newTestBroadcaster(t, Config{Buffer: 1}, table, nil)

	sub, err := b.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	defer b.Unsubscribe(sub)

	// The snapshot fills the single-slot buffer; further publishes drop
	// instead of stalling.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.PublishStatus(context.Background(), models.StatusEvent{OrderID: "order-1", Status: models.StatusRouting})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestPurgeDropsIdleSubscribers(t *testing.T) {
	table := newSnapshotTable()
	table.set("order-1", models.StatusPending)
	b := newTestBroadcaster(t, Config{
		KeepaliveInterval: 10 * time.Millisecond,
		IdleTimeout:       30 * time.Millisecond,
	}, table, nil)

	idle, err := b.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	live, err := b.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	defer b.Unsubscribe(live)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				live.Touch()
			}
		}
	}()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-idle.Events():
			return !open
		default:
			// Drain the snapshot if still buffered.
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "idle subscriber should be purged")

	// The touched subscriber survives.
	b.PublishStatus(context.Background(), models.StatusEvent{OrderID: "order-1", Status: models.StatusRouting})
	drained := false
	for !drained {
		ev := recv(t, live)
		if ev.Status == models.StatusRouting {
			drained = true
		}
	}
}

func TestRemoteBusBridgesProcesses(t *testing.T) {
	shared := bus.NewInProc()
	tableA := newSnapshotTable()
	tableA.set("order-1", models.StatusPending)
	tableB := newSnapshotTable()
	tableB.set("order-1", models.StatusPending)

	procA := newTestBroadcaster(t, Config{}, tableA, shared)
	procB := newTestBroadcaster(t, Config{}, tableB, shared)

	subA, err := procA.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	defer procA.Unsubscribe(subA)
	subB, err := procB.Subscribe(context.Background(), "order-1")
	require.NoError(t, err)
	defer procB.Unsubscribe(subB)
	recv(t, subA)
	recv(t, subB)

	procA.PublishStatus(context.Background(), models.StatusEvent{OrderID: "order-1", Status: models.StatusRouting})

	// Both processes see the event, and the publisher sees it exactly once:
	// its own copy echoed back over the bus is skipped by origin.
	assert.Equal(t, models.StatusRouting, recv(t, subB).Status)
	assert.Equal(t, models.StatusRouting, recv(t, subA).Status)
	select {
	case ev := <-subA.Events():
		t.Fatalf("publisher received its own event twice: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
