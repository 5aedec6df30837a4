// Package orders owns the canonical order lifecycle. The state machine is the
// sole writer of an order's status and of its routing/execution fields; every
// other component goes through it.
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solrouter/solrouter/pkg/models"
)

// Store is the persistence collaborator. The engine does not prescribe a
// schema beyond these four calls.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, id uuid.UUID, fields map[string]any) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	AppendExecutionLog(ctx context.Context, orderID uuid.UUID, event, data, level string) error
}

// EventSink receives every transition as it happens. Implemented by the
// status broadcaster.
type EventSink interface {
	PublishStatus(ctx context.Context, ev models.StatusEvent)
}

// transitions is the forward-only lifecycle graph. Terminal states map to
// nothing; re-entering the current state is a no-op, not a transition.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:   {models.StatusRouting, models.StatusFailed},
	models.StatusRouting:   {models.StatusBuilding, models.StatusFailed},
	models.StatusBuilding:  {models.StatusSubmitted, models.StatusFailed},
	models.StatusSubmitted: {models.StatusConfirmed, models.StatusFailed},
	models.StatusConfirmed: {},
	models.StatusFailed:    {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to models.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateMachine validates and applies lifecycle transitions. Transitions for a
// given order are serialized; the admission queue additionally guarantees at
// most one worker per order id.
type StateMachine struct {
	store  Store
	sink   EventSink
	logger *zap.Logger
	locks  keyedMutex
}

// NewStateMachine wires the machine to its persistence and event sinks.
func NewStateMachine(store Store, sink EventSink, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		store:  store,
		sink:   sink,
		logger: logger.Named("statemachine"),
	}
}

// Create validates the request and registers a new pending order. This is the
// only way an order enters the system.
func (sm *StateMachine) Create(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &models.Order{
		ID:        uuid.New(),
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		Amount:    req.Amount,
		Slippage:  req.Slippage,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := sm.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if err := sm.store.AppendExecutionLog(ctx, order.ID, "order_created",
		fmt.Sprintf(`{"token_in":%q,"token_out":%q,"amount":%d}`, order.TokenIn, order.TokenOut, order.Amount),
		"info"); err != nil {
		sm.logger.Warn("execution log append failed", zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	sm.sink.PublishStatus(ctx, models.StatusEvent{
		OrderID:   order.ID.String(),
		Status:    order.Status,
		Timestamp: now,
	})
	return order, nil
}

// Get loads an order. Unknown ids yield ErrOrderNotFound.
func (sm *StateMachine) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return sm.store.GetOrder(ctx, id)
}

// MarkRouting moves pending -> routing.
func (sm *StateMachine) MarkRouting(ctx context.Context, id uuid.UUID) error {
	return sm.transition(ctx, id, models.StatusRouting, nil, nil)
}

// RecordRoute moves routing -> building and pins the selected venue and
// estimated price in the same step.
func (sm *StateMachine) RecordRoute(ctx context.Context, id uuid.UUID, decision models.RoutingDecision) error {
	est := decision.Quote.Price
	fields := map[string]any{
		"selected_venue":  decision.Venue,
		"estimated_price": est,
	}
	return sm.transition(ctx, id, models.StatusBuilding, fields, func(ev *models.StatusEvent) {
		d := decision
		ev.SelectedVenue = decision.Venue
		ev.Decision = &d
	})
}

// MarkSubmitted moves building -> submitted.
func (sm *StateMachine) MarkSubmitted(ctx context.Context, id uuid.UUID) error {
	return sm.transition(ctx, id, models.StatusSubmitted, nil, nil)
}

// Confirm moves submitted -> confirmed and records the execution outcome.
func (sm *StateMachine) Confirm(ctx context.Context, id uuid.UUID, res models.ExecutionResult) error {
	fields := map[string]any{
		"executed_price": res.ExecutedPrice,
		"tx_ref":         res.TxRef,
	}
	return sm.transition(ctx, id, models.StatusConfirmed, fields, func(ev *models.StatusEvent) {
		price := res.ExecutedPrice
		ev.ExecutedPrice = &price
		ev.TxRef = res.TxRef
	})
}

// Fail moves any non-terminal state to failed, recording the reason.
func (sm *StateMachine) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	fields := map[string]any{"error_reason": reason}
	return sm.transition(ctx, id, models.StatusFailed, fields, func(ev *models.StatusEvent) {
		ev.Error = reason
	})
}

// CancelPending fails an order on user request, but only while it is still
// pending. Anything past that is rejected.
func (sm *StateMachine) CancelPending(ctx context.Context, id uuid.UUID) error {
	unlock := sm.locks.lock(id)
	defer unlock()

	order, err := sm.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.Status != models.StatusPending {
		return fmt.Errorf("cancel order %s in status %s: %w", id, order.Status, models.ErrCancelNotAllowed)
	}
	return sm.applyLocked(ctx, order, models.StatusFailed,
		map[string]any{"error_reason": "cancelled by user"},
		func(ev *models.StatusEvent) { ev.Error = "cancelled by user" })
}

// transition loads, validates, persists, logs and publishes one lifecycle
// step. The publish happens under the per-order lock so a subscriber observes
// transitions strictly in order.
func (sm *StateMachine) transition(ctx context.Context, id uuid.UUID, to models.Status,
	fields map[string]any, decorate func(*models.StatusEvent)) error {

	unlock := sm.locks.lock(id)
	defer unlock()

	order, err := sm.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.Status == to {
		return nil
	}
	return sm.applyLocked(ctx, order, to, fields, decorate)
}

func (sm *StateMachine) applyLocked(ctx context.Context, order *models.Order, to models.Status,
	fields map[string]any, decorate func(*models.StatusEvent)) error {

	from := order.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, models.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	if fields == nil {
		fields = make(map[string]any, 2)
	}
	fields["status"] = to
	fields["updated_at"] = now
	if err := sm.store.UpdateOrder(ctx, order.ID, fields); err != nil {
		return fmt.Errorf("update order %s: %w", order.ID, err)
	}

	if err := sm.store.AppendExecutionLog(ctx, order.ID, "status_transition",
		fmt.Sprintf(`{"from":%q,"to":%q}`, from, to), "info"); err != nil {
		sm.logger.Warn("execution log append failed", zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	ev := models.StatusEvent{
		OrderID:   order.ID.String(),
		Status:    to,
		Timestamp: now,
	}
	if decorate != nil {
		decorate(&ev)
	}
	sm.sink.PublishStatus(ctx, ev)

	sm.logger.Debug("order transitioned",
		zap.String("order_id", order.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}
