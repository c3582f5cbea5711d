// Package indicator derives quantitative metrics from order-book depth.
package indicator

import (
	"fmt"
	"math"

	"marketrelay/internal/models"
)

// DepthScorer scores the liquidity of an order book around its mid price.
type DepthScorer func(units []models.DepthLevel, mid float64) float64

// Engine computes DerivedMetrics. The zero value uses the default scorer.
type Engine struct {
	scorer DepthScorer
}

// NewEngine returns an engine whose liquidity depth decays with the
// relative distance of each level from mid, weighted by scale.
func NewEngine(scale float64) *Engine {
	return &Engine{scorer: DistanceWeighted(scale)}
}

// WithScorer returns an engine that uses scorer for LiquidityDepth.
func WithScorer(scorer DepthScorer) *Engine {
	return &Engine{scorer: scorer}
}

// Compute derives metrics from a single snapshot. It has no side effects.
func (e *Engine) Compute(ob *models.Orderbook) (models.DerivedMetrics, error) {
	if ob == nil || len(ob.Units) == 0 {
		return models.DerivedMetrics{}, fmt.Errorf("compute %s: %w", codeOf(ob), models.ErrEmptyDepth)
	}

	best := ob.Units[0]
	mid := (best.AskPrice + best.BidPrice) / 2

	m := models.DerivedMetrics{
		BestAsk:   best.AskPrice,
		BestBid:   best.BidPrice,
		Spread:    best.AskPrice - best.BidPrice,
		MidPrice:  mid,
		Imbalance: Imbalance(ob.TotalBidSize, ob.TotalAskSize),
	}

	scorer := e.scorer
	if scorer == nil {
		scorer = DistanceWeighted(DefaultScale)
	}
	m.LiquidityDepth = scorer(ob.Units, mid)
	return m, nil
}

// Compute uses a default engine.
func Compute(ob *models.Orderbook) (models.DerivedMetrics, error) {
	return defaultEngine.Compute(ob)
}

// DefaultScale is the distance weight used when none is configured.
const DefaultScale = 100

var defaultEngine = NewEngine(DefaultScale)

// Imbalance returns (bid-ask)/(bid+ask), or 0 when both sides are empty.
func Imbalance(totalBid, totalAsk float64) float64 {
	denom := totalBid + totalAsk
	if denom == 0 {
		return 0
	}
	return (totalBid - totalAsk) / denom
}

// DistanceWeighted sums the size of every level below the top of book,
// each weighted by 1/(1+scale*|p-mid|/mid). A single-level book scores 0.
func DistanceWeighted(scale float64) DepthScorer {
	return func(units []models.DepthLevel, mid float64) float64 {
		if len(units) < 2 || mid <= 0 {
			return 0
		}
		weight := func(p float64) float64 {
			return 1 / (1 + scale*math.Abs(p-mid)/mid)
		}

		var depth float64
		for _, u := range units[1:] {
			depth += u.AskSize*weight(u.AskPrice) + u.BidSize*weight(u.BidPrice)
		}
		return depth
	}
}

// WithinBand returns the percentage of all listed size that sits within
// pct percent of mid. The top of book is included.
func WithinBand(pct float64) DepthScorer {
	return func(units []models.DepthLevel, mid float64) float64 {
		if len(units) == 0 || mid <= 0 {
			return 0
		}
		lower := mid * (1 - pct/100)
		upper := mid * (1 + pct/100)

		var total, near float64
		for _, u := range units {
			total += u.AskSize + u.BidSize
			if u.AskPrice <= upper {
				near += u.AskSize
			}
			if u.BidPrice >= lower {
				near += u.BidSize
			}
		}
		if total == 0 {
			return 0
		}
		return near / total * 100
	}
}

func codeOf(ob *models.Orderbook) string {
	if ob == nil {
		return "<nil>"
	}
	return ob.Code
}
