// Package engine is the surface exposed to the API layer. It validates
// submissions, admits them into the queue, and drives each admitted order
// through routing and execution via the state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solrouter/solrouter/internal/broadcast"
	"github.com/solrouter/solrouter/internal/orders"
	"github.com/solrouter/solrouter/internal/queue"
	"github.com/solrouter/solrouter/internal/router"
	"github.com/solrouter/solrouter/pkg/metrics"
	"github.com/solrouter/solrouter/pkg/models"
)

// Config tunes the engine.
type Config struct {
	Queue       queue.Config
	ExecTimeout time.Duration // bound on one venue execution call (default 10s)
}

// Engine owns the processing pipeline. The submitter gets a fast
// acknowledgment; everything after that arrives on the status channel.
type Engine struct {
	sm          *orders.StateMachine
	selector    *router.Selector
	venues      map[string]router.VenueClient
	bcast       *broadcast.Broadcaster
	queue       *queue.AdmissionQueue
	execTimeout time.Duration
	logger      *zap.Logger
}

// New wires the engine and starts its admission queue. dlq may be nil.
func New(cfg Config, sm *orders.StateMachine, selector *router.Selector, venueClients []router.VenueClient,
	bcast *broadcast.Broadcaster, dlq *queue.DeadLetter, logger *zap.Logger) *Engine {

	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 10 * time.Second
	}
	e := &Engine{
		sm:          sm,
		selector:    selector,
		venues:      make(map[string]router.VenueClient, len(venueClients)),
		bcast:       bcast,
		execTimeout: cfg.ExecTimeout,
		logger:      logger.Named("engine"),
	}
	for _, v := range venueClients {
		e.venues[v.Name()] = v
	}
	e.queue = queue.New(cfg.Queue, e.process, e.onExhausted, dlq, logger.Sugar())
	return e
}

// Submit validates the request, registers a pending order, and enqueues its
// job. It returns synchronously; only malformed input fails here.
func (e *Engine) Submit(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	order, err := e.sm.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(order.ID.String(), req); err != nil {
		// A fresh uuid cannot collide; this only fires during shutdown.
		if failErr := e.sm.Fail(ctx, order.ID, "admission failed: "+err.Error()); failErr != nil {
			e.logger.Error("could not fail unadmitted order",
				zap.String("order_id", order.ID.String()), zap.Error(failErr))
		}
		return nil, fmt.Errorf("admit order %s: %w", order.ID, err)
	}
	metrics.OrdersSubmitted.Inc()
	return order, nil
}

// GetStatus returns the order's current state, or ErrOrderNotFound.
func (e *Engine) GetStatus(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return e.sm.Get(ctx, id)
}

// Cancel withdraws an order that has not started routing. Anything past
// pending is rejected with ErrCancelNotAllowed, including terminal orders.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	order, err := e.sm.Get(ctx, id)
	if err != nil {
		return err
	}
	if order.Status != models.StatusPending {
		return fmt.Errorf("cancel order %s in status %s: %w", id, order.Status, models.ErrCancelNotAllowed)
	}
	if err := e.queue.Cancel(id.String()); err != nil {
		if !errors.Is(err, models.ErrOrderNotFound) {
			// The job was picked up between the status read and now.
			return fmt.Errorf("cancel order %s: %w", id, models.ErrCancelNotAllowed)
		}
	}
	return e.sm.CancelPending(ctx, id)
}

// SubscribeStatus opens a per-order status stream.
func (e *Engine) SubscribeStatus(ctx context.Context, orderID string) (*broadcast.Subscription, error) {
	return e.bcast.Subscribe(ctx, orderID)
}

// SubscribeGlobal opens the administrative channel.
func (e *Engine) SubscribeGlobal() *broadcast.Subscription {
	return e.bcast.SubscribeGlobal()
}

// Unsubscribe releases a status subscription.
func (e *Engine) Unsubscribe(sub *broadcast.Subscription) {
	e.bcast.Unsubscribe(sub)
}

// Stats exposes the queue's bucket counts.
func (e *Engine) Stats() queue.Stats {
	return e.queue.GetStats()
}

// HealthCheck exposes queue health.
func (e *Engine) HealthCheck() queue.Health {
	return e.queue.HealthCheck()
}

// Pause stops dispatching new jobs; active ones finish.
func (e *Engine) Pause() { e.queue.Pause() }

// Resume restarts dispatch.
func (e *Engine) Resume() { e.queue.Resume() }

// Shutdown drains the queue and closes the broadcaster.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.queue.Shutdown(ctx)
	e.bcast.Stop()
	return err
}

// process runs one attempt of the pipeline. It resumes from the order's
// current status, so a retried job never repeats a completed stage and a
// once-selected venue is never reselected.
func (e *Engine) process(ctx context.Context, orderID string, _ any) error {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return fmt.Errorf("malformed job key %q: %w", orderID, err)
	}
	order, err := e.sm.Get(ctx, id)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		// Cancelled while queued; nothing to do.
		return nil
	}

	if order.Status == models.StatusPending {
		if err := e.sm.MarkRouting(ctx, id); err != nil {
			return err
		}
		order.Status = models.StatusRouting
	}

	if order.Status == models.StatusRouting {
		decision, err := e.selector.BestRoute(ctx, order.TokenIn, order.TokenOut, order.Amount)
		if err != nil {
			return err
		}
		if err := e.sm.RecordRoute(ctx, id, decision); err != nil {
			return err
		}
		order.Status = models.StatusBuilding
		order.SelectedVenue = decision.Venue
	}

	if order.Status == models.StatusBuilding {
		if err := e.sm.MarkSubmitted(ctx, id); err != nil {
			return err
		}
		order.Status = models.StatusSubmitted
	}

	venue, ok := e.venues[order.SelectedVenue]
	if !ok {
		return fmt.Errorf("selected venue %q is not configured", order.SelectedVenue)
	}
	ectx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()
	res, err := venue.Execute(ectx, order.TokenIn, order.TokenOut, order.Amount, order.Slippage)
	if err != nil {
		return fmt.Errorf("execute on %s: %w", venue.Name(), err)
	}
	if err := e.sm.Confirm(ctx, id, res); err != nil {
		return err
	}
	metrics.OrdersCompleted.WithLabelValues(string(models.StatusConfirmed)).Inc()
	return nil
}

// onExhausted marks the order failed after the last attempt. The submitter is
// never re-signaled; subscribers see the terminal event.
func (e *Engine) onExhausted(ctx context.Context, orderID string, _ any, cause error) {
	id, err := uuid.Parse(orderID)
	if err != nil {
		e.logger.Error("malformed job key on exhaustion", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	if err := e.sm.Fail(ctx, id, cause.Error()); err != nil {
		e.logger.Error("could not fail order", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	metrics.OrdersCompleted.WithLabelValues(string(models.StatusFailed)).Inc()
}

// Snapshot builds a broadcast.SnapshotFunc over the order store, giving late
// subscribers the current state of an order as their first event.
func Snapshot(store orders.Store) broadcast.SnapshotFunc {
	return func(ctx context.Context, orderID string) (models.StatusEvent, error) {
		id, err := uuid.Parse(orderID)
		if err != nil {
			return models.StatusEvent{}, fmt.Errorf("order %q: %w", orderID, models.ErrOrderNotFound)
		}
		order, err := store.GetOrder(ctx, id)
		if err != nil {
			return models.StatusEvent{}, err
		}
		ev := models.StatusEvent{
			OrderID:       order.ID.String(),
			Status:        order.Status,
			Timestamp:     order.UpdatedAt,
			SelectedVenue: order.SelectedVenue,
			TxRef:         order.TxRef,
			Error:         order.ErrorReason,
		}
		if order.ExecutedPrice.Valid {
			price := order.ExecutedPrice.Decimal
			ev.ExecutedPrice = &price
		}
		return ev, nil
	}
}
