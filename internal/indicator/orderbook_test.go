package indicator

import (
	"errors"
	"math"
	"testing"

	"marketrelay/internal/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeSingleLevel(t *testing.T) {
	ob := &models.Orderbook{
		Code:         "KRW-BTC",
		TotalAskSize: 10,
		TotalBidSize: 5,
		Units:        []models.DepthLevel{{AskPrice: 100, BidPrice: 90, AskSize: 10, BidSize: 5}},
	}

	m, err := Compute(ob)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if m.BestAsk != 100 || m.BestBid != 90 {
		t.Fatalf("unexpected best prices: %+v", m)
	}
	if m.Spread != 10 {
		t.Errorf("spread = %v, want 10", m.Spread)
	}
	if m.MidPrice != 95 {
		t.Errorf("mid = %v, want 95", m.MidPrice)
	}
	if !almostEqual(m.Imbalance, -1.0/3.0) {
		t.Errorf("imbalance = %v, want -0.3333", m.Imbalance)
	}
	if m.LiquidityDepth != 0 {
		t.Errorf("liquidity depth = %v, want 0 for a single level", m.LiquidityDepth)
	}
}

func TestComputeEmptyDepth(t *testing.T) {
	_, err := Compute(&models.Orderbook{Code: "KRW-ETH"})
	if !errors.Is(err, models.ErrEmptyDepth) {
		t.Fatalf("expected ErrEmptyDepth, got %v", err)
	}
	if _, err := Compute(nil); !errors.Is(err, models.ErrEmptyDepth) {
		t.Fatalf("expected ErrEmptyDepth for nil book, got %v", err)
	}
}

func TestComputeZeroSizes(t *testing.T) {
	ob := &models.Orderbook{Units: []models.DepthLevel{{AskPrice: 10, BidPrice: 9}}}
	m, err := Compute(ob)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if m.Imbalance != 0 {
		t.Fatalf("imbalance = %v, want 0", m.Imbalance)
	}
}

func TestComputeCrossedBookPassesThrough(t *testing.T) {
	ob := &models.Orderbook{
		TotalAskSize: 1,
		TotalBidSize: 1,
		Units:        []models.DepthLevel{{AskPrice: 99, BidPrice: 101, AskSize: 1, BidSize: 1}},
	}
	m, err := Compute(ob)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if m.Spread != -2 {
		t.Fatalf("spread = %v, want -2", m.Spread)
	}
}

func TestComputeIsPure(t *testing.T) {
	ob := &models.Orderbook{
		TotalAskSize: 7,
		TotalBidSize: 9,
		Units: []models.DepthLevel{
			{AskPrice: 101, BidPrice: 99, AskSize: 1, BidSize: 2},
			{AskPrice: 102, BidPrice: 98, AskSize: 3, BidSize: 4},
			{AskPrice: 103, BidPrice: 97, AskSize: 3, BidSize: 3},
		},
	}
	engine := NewEngine(50)
	first, err := engine.Compute(ob)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	second, _ := engine.Compute(ob)
	if first != second {
		t.Fatalf("compute not deterministic: %+v vs %+v", first, second)
	}
	if ob.Units[0].AskPrice != 101 || len(ob.Units) != 3 {
		t.Fatalf("input mutated: %+v", ob)
	}
}

func TestDistanceWeightedDepth(t *testing.T) {
	units := []models.DepthLevel{
		{AskPrice: 101, BidPrice: 99, AskSize: 100, BidSize: 100},
		{AskPrice: 102, BidPrice: 98, AskSize: 1, BidSize: 1},
	}
	// |102-100|/100 = 0.02, scale 50 -> weight 1/(1+1) = 0.5 on both sides
	got := DistanceWeighted(50)(units, 100)
	if !almostEqual(got, 1) {
		t.Fatalf("depth = %v, want 1", got)
	}

	// scale 0 degenerates to plain size below the top level
	if got := DistanceWeighted(0)(units, 100); !almostEqual(got, 2) {
		t.Fatalf("depth = %v, want 2", got)
	}
}

func TestWithinBandScorer(t *testing.T) {
	units := []models.DepthLevel{
		{AskPrice: 100.5, BidPrice: 99.5, AskSize: 1, BidSize: 1},
		{AskPrice: 105, BidPrice: 95, AskSize: 1, BidSize: 1},
	}
	engine := WithScorer(WithinBand(1))
	m, err := engine.Compute(&models.Orderbook{Units: units})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !almostEqual(m.LiquidityDepth, 50) {
		t.Fatalf("depth = %v, want 50", m.LiquidityDepth)
	}
}
