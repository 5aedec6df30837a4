// Package models holds the shared domain types for the routing engine:
// orders, quotes, routing decisions, and the status events fanned out to
// subscribers.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// MaxSlippage is the upper bound accepted for a slippage tolerance.
var MaxSlippage = decimal.NewFromFloat(0.5)

// OrderRequest is the submission payload accepted from the API layer.
type OrderRequest struct {
	TokenIn  string          `json:"token_in" binding:"required"`
	TokenOut string          `json:"token_out" binding:"required"`
	Amount   uint64          `json:"amount" binding:"required"`
	Slippage decimal.Decimal `json:"slippage"`
}

// Validate enforces the structural invariants the engine refuses to relax,
// regardless of what the API layer already checked.
func (r OrderRequest) Validate() error {
	if r.TokenIn == "" || r.TokenOut == "" {
		return &ValidationError{Field: "token_pair", Reason: "both tokens are required"}
	}
	if r.TokenIn == r.TokenOut {
		return &ValidationError{Field: "token_pair", Reason: "token_in and token_out must differ"}
	}
	if r.Amount == 0 {
		return &ValidationError{Field: "amount", Reason: "amount must be positive"}
	}
	if r.Slippage.IsNegative() || r.Slippage.GreaterThan(MaxSlippage) {
		return &ValidationError{Field: "slippage", Reason: "slippage must be within [0, 0.5]"}
	}
	return nil
}

// Order is the single source of truth for one swap's lifecycle.
// SelectedVenue, EstimatedPrice, ExecutedPrice and TxRef are written at most
// once and never cleared.
type Order struct {
	ID             uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	TokenIn        string              `gorm:"type:varchar(64);not null" json:"token_in"`
	TokenOut       string              `gorm:"type:varchar(64);not null" json:"token_out"`
	Amount         uint64              `gorm:"not null" json:"amount"`
	Slippage       decimal.Decimal     `gorm:"type:decimal(8,6)" json:"slippage"`
	Status         Status              `gorm:"type:varchar(16);not null;index" json:"status"`
	SelectedVenue  string              `gorm:"type:varchar(32)" json:"selected_venue,omitempty"`
	EstimatedPrice decimal.NullDecimal `gorm:"type:decimal(32,12)" json:"estimated_price,omitempty"`
	ExecutedPrice  decimal.NullDecimal `gorm:"type:decimal(32,12)" json:"executed_price,omitempty"`
	TxRef          string              `gorm:"type:varchar(128)" json:"tx_ref,omitempty"`
	ErrorReason    string              `gorm:"type:text" json:"error_reason,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Quote is one venue's price snapshot for a prospective swap. Quotes are
// immutable and never reused across routing decisions.
type Quote struct {
	Venue     string          `json:"venue"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Slippage  decimal.Decimal `json:"slippage"`
	GasCost   decimal.Decimal `json:"gas_cost"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// NetPrice adjusts the quoted price downward for fee and slippage. Venues are
// compared on net price, never on the raw quote.
func (q Quote) NetPrice() decimal.Decimal {
	return q.Price.Mul(decimal.NewFromInt(1).Sub(q.Fee).Sub(q.Slippage))
}

// RoutingDecision is the outcome of comparing quotes across venues.
type RoutingDecision struct {
	Venue            string          `json:"venue"`
	Quote            Quote           `json:"quote"`
	BestAlternative  *Quote          `json:"best_alternative,omitempty"`
	Reason           string          `json:"reason"`
	PriceImprovement decimal.Decimal `json:"price_improvement_pct"`
}

// ExecutionResult is what a venue returns for a completed swap.
type ExecutionResult struct {
	TxRef         string          `json:"tx_ref"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	ActualAmount  uint64          `json:"actual_amount"`
	Cost          decimal.Decimal `json:"cost"`
}

// StatusEvent is the unit the broadcaster fans out. Beyond id, status and
// timestamp everything is optional and depends on the transition.
type StatusEvent struct {
	OrderID       string           `json:"order_id"`
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	SelectedVenue string           `json:"selected_venue,omitempty"`
	ExecutedPrice *decimal.Decimal `json:"executed_price,omitempty"`
	TxRef         string           `json:"tx_ref,omitempty"`
	Error         string           `json:"error,omitempty"`
	Decision      *RoutingDecision `json:"decision,omitempty"`
}
