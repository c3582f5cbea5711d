package models

import "time"

// Message is the tagged variant produced by the decoders. Exactly one of
// Ticker, Trade or Orderbook is set, matching Domain.
type Message struct {
	Domain     Domain
	Symbol     string
	ObservedAt time.Time
	Source     Source

	Ticker    *Ticker
	Trade     *Trade
	Orderbook *Orderbook
}

func TickerMessage(t *Ticker, src Source) Message {
	return Message{
		Domain:     DomainTicker,
		Symbol:     t.Code,
		ObservedAt: time.UnixMilli(t.Timestamp).UTC(),
		Source:     src,
		Ticker:     t,
	}
}

func TradeMessage(t *Trade, src Source) Message {
	return Message{
		Domain:     DomainTrade,
		Symbol:     t.Code,
		ObservedAt: time.UnixMilli(t.Timestamp).UTC(),
		Source:     src,
		Trade:      t,
	}
}

func OrderbookMessage(o *Orderbook, src Source) Message {
	return Message{
		Domain:     DomainOrderbook,
		Symbol:     o.Code,
		ObservedAt: time.UnixMilli(o.Timestamp).UTC(),
		Source:     src,
		Orderbook:  o,
	}
}

// Update is the payload handed to the broadcaster and returned by store reads.
type Update struct {
	Domain     Domain          `json:"domain"`
	Symbol     string          `json:"symbol"`
	ObservedAt time.Time       `json:"observed_at"`
	Source     Source          `json:"source"`
	Ticker     *Ticker         `json:"ticker,omitempty"`
	Trade      *Trade          `json:"trade,omitempty"`
	Orderbook  *Orderbook      `json:"orderbook,omitempty"`
	Metrics    *DerivedMetrics `json:"metrics,omitempty"`

	Fallback   bool       `json:"is_fallback"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}
