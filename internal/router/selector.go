// Package router selects the best execution venue for a token pair by
// comparing fresh quotes across every configured venue.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solrouter/solrouter/pkg/metrics"
	"github.com/solrouter/solrouter/pkg/models"
)

// VenueClient is one liquidity source. Implementations may fail or time out
// on either call; the selector treats every failure as independent.
type VenueClient interface {
	Name() string
	Quote(ctx context.Context, tokenIn, tokenOut string, amount uint64) (models.Quote, error)
	Execute(ctx context.Context, tokenIn, tokenOut string, amount uint64, maxSlippage decimal.Decimal) (models.ExecutionResult, error)
}

// Selector fans quote requests out to all venues and picks the highest net
// price. It holds no mutable state; given the same quotes it always produces
// the same decision.
type Selector struct {
	venues       []VenueClient
	quoteTimeout time.Duration
	logger       *zap.Logger
}

// NewSelector builds a selector over the given venues. quoteTimeout bounds
// each individual quote call, not the whole fan-out.
func NewSelector(venues []VenueClient, quoteTimeout time.Duration, logger *zap.Logger) *Selector {
	if quoteTimeout <= 0 {
		quoteTimeout = 5 * time.Second
	}
	return &Selector{
		venues:       venues,
		quoteTimeout: quoteTimeout,
		logger:       logger.Named("router"),
	}
}

type quoteResult struct {
	venue string
	quote models.Quote
	err   error
}

// BestRoute fetches fresh quotes from every venue concurrently and compares
// net prices. Partial failures degrade gracefully; only a total failure
// aborts with ErrNoLiquidity.
func (s *Selector) BestRoute(ctx context.Context, tokenIn, tokenOut string, amount uint64) (models.RoutingDecision, error) {
	results := make(chan quoteResult, len(s.venues))
	for _, v := range s.venues {
		go func(v VenueClient) {
			qctx, cancel := context.WithTimeout(ctx, s.quoteTimeout)
			defer cancel()
			q, err := v.Quote(qctx, tokenIn, tokenOut, amount)
			results <- quoteResult{venue: v.Name(), quote: q, err: err}
		}(v)
	}

	var quotes []models.Quote
	var failures []string
	for range s.venues {
		r := <-results
		if r.err != nil {
			s.logger.Warn("venue quote failed",
				zap.String("venue", r.venue),
				zap.String("pair", tokenIn+"/"+tokenOut),
				zap.Error(r.err),
			)
			metrics.QuoteFailures.WithLabelValues(r.venue).Inc()
			failures = append(failures, fmt.Sprintf("%s: %v", r.venue, r.err))
			continue
		}
		quotes = append(quotes, r.quote)
	}

	if len(quotes) == 0 {
		return models.RoutingDecision{}, fmt.Errorf("all venues failed (%s): %w",
			strings.Join(failures, "; "), models.ErrNoLiquidity)
	}

	decision := pick(quotes, failures)
	metrics.RoutingDecisions.WithLabelValues(decision.Venue).Inc()
	s.logger.Info("route selected",
		zap.String("venue", decision.Venue),
		zap.String("pair", tokenIn+"/"+tokenOut),
		zap.String("net_price", decision.Quote.NetPrice().String()),
		zap.String("improvement_pct", decision.PriceImprovement.String()),
	)
	return decision, nil
}

// pick compares successful quotes on net price. With a single survivor the
// reason names which venues were unavailable and the improvement is zero.
func pick(quotes []models.Quote, failures []string) models.RoutingDecision {
	best := quotes[0]
	var second *models.Quote
	for i := 1; i < len(quotes); i++ {
		q := quotes[i]
		if q.NetPrice().GreaterThan(best.NetPrice()) {
			prev := best
			best = q
			if second == nil || prev.NetPrice().GreaterThan(second.NetPrice()) {
				second = &prev
			}
		} else if second == nil || q.NetPrice().GreaterThan(second.NetPrice()) {
			c := q
			second = &c
		}
	}

	decision := models.RoutingDecision{
		Venue:            best.Venue,
		Quote:            best,
		BestAlternative:  second,
		PriceImprovement: decimal.Zero,
	}

	if second == nil {
		if len(failures) > 0 {
			decision.Reason = fmt.Sprintf("%s selected; unavailable: %s", best.Venue, strings.Join(failures, "; "))
		} else {
			decision.Reason = fmt.Sprintf("%s selected as the only configured venue", best.Venue)
		}
		return decision
	}

	bestNet := best.NetPrice()
	secondNet := second.NetPrice()
	decision.Reason = fmt.Sprintf("%s net %s beats %s net %s",
		best.Venue, bestNet.String(), second.Venue, secondNet.String())
	decision.PriceImprovement = improvement(bestNet, secondNet)
	return decision
}

// improvement is |a-b| / min(a,b) expressed as a percentage, never negative.
func improvement(a, b decimal.Decimal) decimal.Decimal {
	diff := a.Sub(b).Abs()
	min := a
	if b.LessThan(a) {
		min = b
	}
	if min.IsZero() {
		return decimal.Zero
	}
	return diff.Div(min).Mul(decimal.NewFromInt(100))
}
