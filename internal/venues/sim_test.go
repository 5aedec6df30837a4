package venues

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solrouter/solrouter/pkg/models"
)

func simCfg() SimConfig {
	return SimConfig{
		Name:        "jupiter",
		BasePrice:   decimal.NewFromFloat(155.25),
		FeeBps:      30,
		SlippageBps: 10,
		JitterBps:   25,
		Seed:        42,
	}
}

func TestSimDeterministicWithSeed(t *testing.T) {
	a := NewSim(simCfg(), zaptest.NewLogger(t))
	b := NewSim(simCfg(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		qa, errA := a.Quote(ctx, "SOL", "USDC", 1)
		qb, errB := b.Quote(ctx, "SOL", "USDC", 1)
		require.Equal(t, errA == nil, errB == nil, "call %d", i)
		if errA == nil {
			assert.True(t, qa.Price.Equal(qb.Price), "call %d: %s vs %s", i, qa.Price, qb.Price)
		}
	}
}

func TestSimQuoteShape(t *testing.T) {
	s := NewSim(simCfg(), zaptest.NewLogger(t))
	q, err := s.Quote(context.Background(), "SOL", "USDC", 1)
	require.NoError(t, err)

	assert.Equal(t, "jupiter", q.Venue)
	assert.True(t, q.Fee.Equal(decimal.NewFromFloat(0.003)))
	assert.True(t, q.Slippage.Equal(decimal.NewFromFloat(0.001)))
	assert.False(t, q.FetchedAt.IsZero())

	// Jitter is bounded: price stays within +/- 25 bps of the base.
	base := decimal.NewFromFloat(155.25)
	bound := base.Mul(decimal.NewFromFloat(0.0025))
	assert.True(t, q.Price.Sub(base).Abs().LessThanOrEqual(bound), "price %s", q.Price)
}

func TestSimAlwaysFails(t *testing.T) {
	cfg := simCfg()
	cfg.FailRate = 1
	s := NewSim(cfg, zaptest.NewLogger(t))

	_, err := s.Quote(context.Background(), "SOL", "USDC", 1)
	assert.Error(t, err)

	_, err = s.Execute(context.Background(), "SOL", "USDC", 1, decimal.Zero)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrExecutionFailed)
}

func TestSimExecuteHonorsSlippageBound(t *testing.T) {
	cfg := simCfg()
	cfg.SlippageBps = 500 // venue would slip up to 5%
	s := NewSim(cfg, zaptest.NewLogger(t))

	maxSlippage := decimal.NewFromFloat(0.01)
	floor := cfg.BasePrice.Mul(decimal.NewFromInt(1).Sub(maxSlippage))
	for i := 0; i < 20; i++ {
		res, err := s.Execute(context.Background(), "SOL", "USDC", 1_000_000, maxSlippage)
		require.NoError(t, err)
		assert.True(t, res.ExecutedPrice.GreaterThanOrEqual(floor),
			"executed %s below tolerance floor %s", res.ExecutedPrice, floor)
		assert.Equal(t, uint64(1_000_000), res.ActualAmount)
		assert.Contains(t, res.TxRef, "jupiter-")
	}
}

func TestSimUniqueTxRefs(t *testing.T) {
	s := NewSim(simCfg(), zaptest.NewLogger(t))
	seen := make(map[string]struct{})
	for i := 0; i < 10; i++ {
		res, err := s.Execute(context.Background(), "SOL", "USDC", 1, decimal.Zero)
		require.NoError(t, err)
		_, dup := seen[res.TxRef]
		assert.False(t, dup, "tx ref %s repeated", res.TxRef)
		seen[res.TxRef] = struct{}{}
	}
}

func TestSimRespectsCancellation(t *testing.T) {
	cfg := simCfg()
	cfg.Latency = time.Second
	s := NewSim(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Quote(ctx, "SOL", "USDC", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
