// Package venues provides venue client implementations. The simulated client
// stands in for a real liquidity source and doubles as the template for real
// adapters: same interface, same timeout and failure behavior.
package venues

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solrouter/solrouter/pkg/models"
)

// SimConfig shapes one simulated venue.
type SimConfig struct {
	Name        string
	BasePrice   decimal.Decimal // mid price for the pair
	FeeBps      int64           // venue fee, basis points
	SlippageBps int64           // quoted slippage estimate, basis points
	JitterBps   int64           // max +/- price noise per quote, basis points
	Latency     time.Duration   // simulated network latency per call
	FailRate    float64         // probability in [0,1] that a call errors
	Seed        int64           // 0 means non-deterministic
}

// Sim is a simulated venue. With a fixed Seed its quote and execution
// sequences are fully deterministic, which is what the tests rely on.
type Sim struct {
	cfg    SimConfig
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSim builds a simulated venue client.
func NewSim(cfg SimConfig, logger *zap.Logger) *Sim {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sim{
		cfg:    cfg,
		logger: logger.Named("venue." + cfg.Name),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (s *Sim) Name() string { return s.cfg.Name }

// Quote returns a fresh price snapshot with bounded noise around the base
// price. Honors ctx cancellation while simulating latency.
func (s *Sim) Quote(ctx context.Context, tokenIn, tokenOut string, amount uint64) (models.Quote, error) {
	if err := s.wait(ctx); err != nil {
		return models.Quote{}, err
	}
	if s.roll() < s.cfg.FailRate {
		return models.Quote{}, fmt.Errorf("%s: quote unavailable for %s/%s", s.cfg.Name, tokenIn, tokenOut)
	}

	bps := decimal.NewFromInt(10000)
	jitter := decimal.NewFromInt(s.randBps(s.cfg.JitterBps)).Div(bps)
	price := s.cfg.BasePrice.Mul(decimal.NewFromInt(1).Add(jitter))

	return models.Quote{
		Venue:     s.cfg.Name,
		Price:     price,
		Fee:       decimal.NewFromInt(s.cfg.FeeBps).Div(bps),
		Slippage:  decimal.NewFromInt(s.cfg.SlippageBps).Div(bps),
		GasCost:   decimal.NewFromFloat(0.000005),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Execute simulates submitting the swap. The executed price lands inside the
// caller's slippage tolerance; the tx reference is unique per call.
func (s *Sim) Execute(ctx context.Context, tokenIn, tokenOut string, amount uint64, maxSlippage decimal.Decimal) (models.ExecutionResult, error) {
	if err := s.wait(ctx); err != nil {
		return models.ExecutionResult{}, err
	}
	if s.roll() < s.cfg.FailRate {
		return models.ExecutionResult{}, fmt.Errorf("%s: execution rejected for %s/%s: %w",
			s.cfg.Name, tokenIn, tokenOut, models.ErrExecutionFailed)
	}

	bps := decimal.NewFromInt(10000)
	slip := decimal.NewFromInt(s.randBps(s.cfg.SlippageBps)).Div(bps).Abs()
	if maxSlippage.IsPositive() && slip.GreaterThan(maxSlippage) {
		slip = maxSlippage
	}
	executed := s.cfg.BasePrice.Mul(decimal.NewFromInt(1).Sub(slip))

	res := models.ExecutionResult{
		TxRef:         fmt.Sprintf("%s-%s", s.cfg.Name, uuid.NewString()),
		ExecutedPrice: executed,
		ActualAmount:  amount,
		Cost:          decimal.NewFromFloat(0.000005),
	}
	s.logger.Debug("swap executed",
		zap.String("pair", tokenIn+"/"+tokenOut),
		zap.Uint64("amount", amount),
		zap.String("executed_price", executed.String()),
	)
	return res, nil
}

// wait simulates call latency while respecting cancellation.
func (s *Sim) wait(ctx context.Context) error {
	if s.cfg.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.cfg.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Sim) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// randBps returns a value in [-max, max].
func (s *Sim) randBps(max int64) int64 {
	if max <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Int63n(2*max+1) - max
}
