package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketrelay/internal/models"
)

type cell struct {
	mu sync.Mutex

	present    bool
	removed    bool // set by Retain once the cell left its domain map
	symbol     string
	observedAt time.Time
	source     models.Source

	ticker    *models.Ticker
	trade     *models.Trade
	orderbook *models.Orderbook
	metrics   *models.DerivedMetrics

	acc tradeAccumulator
}

// tradeAccumulator keeps running totals over every accepted trade. Sums are
// decimal so long-lived symbols do not drift.
type tradeAccumulator struct {
	notional  decimal.Decimal
	volume    decimal.Decimal
	count     int64
	lastPrice float64
}

func (a *tradeAccumulator) add(t *models.Trade) {
	if a.count > 0 && a.lastPrice != 0 {
		t.TradeImpact = (t.TradePrice - a.lastPrice) / a.lastPrice * 100
	} else {
		t.TradeImpact = 0
	}

	price := decimal.NewFromFloat(t.TradePrice)
	volume := decimal.NewFromFloat(t.TradeVolume)
	a.notional = a.notional.Add(price.Mul(volume))
	a.volume = a.volume.Add(volume)
	a.count++
	a.lastPrice = t.TradePrice

	if a.volume.IsZero() {
		t.VWAP = 0
	} else {
		t.VWAP = a.notional.Div(a.volume).InexactFloat64()
	}
	t.AverageTradeSize = a.volume.Div(decimal.NewFromInt(a.count)).InexactFloat64()
}

// apply stores a copy of the message payload. The caller holds c.mu.
func (c *cell) apply(msg models.Message, engine Calculator) error {
	switch msg.Domain {
	case models.DomainTicker:
		t := *msg.Ticker
		t.Derive()
		c.ticker = &t
	case models.DomainTrade:
		t := *msg.Trade
		c.acc.add(&t)
		c.trade = &t
	case models.DomainOrderbook:
		ob := *msg.Orderbook
		ob.Units = append([]models.DepthLevel(nil), msg.Orderbook.Units...)
		if engine == nil {
			return fmt.Errorf("orderbook %s: no metrics engine", msg.Symbol)
		}
		m, err := engine.Compute(&ob)
		if err != nil {
			return err
		}
		c.orderbook = &ob
		c.metrics = &m
	default:
		return fmt.Errorf("unknown domain %s: %w", msg.Domain, models.ErrDecode)
	}

	c.present = true
	c.symbol = msg.Symbol
	c.observedAt = msg.ObservedAt
	c.source = msg.Source
	return nil
}

// update builds the broadcast payload from the cell. The caller holds c.mu.
// Payload pointers are fresh copies so readers never share cell memory.
func (c *cell) update(domain models.Domain, symbol string) models.Update {
	u := models.Update{
		Domain:     domain,
		Symbol:     symbol,
		ObservedAt: c.observedAt,
		Source:     c.source,
	}
	switch domain {
	case models.DomainTicker:
		if c.ticker != nil {
			t := *c.ticker
			u.Ticker = &t
		}
	case models.DomainTrade:
		if c.trade != nil {
			t := *c.trade
			u.Trade = &t
		}
	case models.DomainOrderbook:
		if c.orderbook != nil {
			ob := *c.orderbook
			ob.Units = append([]models.DepthLevel(nil), c.orderbook.Units...)
			u.Orderbook = &ob
		}
		if c.metrics != nil {
			m := *c.metrics
			u.Metrics = &m
		}
	}
	return u
}
