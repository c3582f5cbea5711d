package models

// Symbol is an exchange-qualified market code such as KRW-BTC.
type Symbol struct {
	Code        string `json:"code"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
}

// AskBid marks the aggressor side of a trade.
type AskBid string

const (
	Ask AskBid = "ASK"
	Bid AskBid = "BID"
)

// Change classifies a price against the previous close.
type Change string

const (
	ChangeRise Change = "RISE"
	ChangeEven Change = "EVEN"
	ChangeFall Change = "FALL"
)

// Ticker is the replace-on-update snapshot of a market.
type Ticker struct {
	Code               string  `json:"code"`
	OpeningPrice       float64 `json:"opening_price"`
	HighPrice          float64 `json:"high_price"`
	LowPrice           float64 `json:"low_price"`
	TradePrice         float64 `json:"trade_price"`
	PrevClosingPrice   float64 `json:"prev_closing_price"`
	Change             Change  `json:"change"`
	ChangePrice        float64 `json:"change_price"`
	SignedChangePrice  float64 `json:"signed_change_price"`
	ChangeRate         float64 `json:"change_rate"`
	SignedChangeRate   float64 `json:"signed_change_rate"`
	TradeVolume        float64 `json:"trade_volume"`
	AccTradeVolume     float64 `json:"acc_trade_volume"`
	AccTradeVolume24h  float64 `json:"acc_trade_volume_24h"`
	AccTradePrice      float64 `json:"acc_trade_price"`
	AccTradePrice24h   float64 `json:"acc_trade_price_24h"`
	TradeDate          string  `json:"trade_date"`
	TradeTime          string  `json:"trade_time"`
	TradeTimestamp     int64   `json:"trade_timestamp"`
	AskBid             AskBid  `json:"ask_bid"`
	AccAskVolume       float64 `json:"acc_ask_volume"`
	AccBidVolume       float64 `json:"acc_bid_volume"`
	Highest52WeekPrice float64 `json:"highest_52_week_price"`
	Highest52WeekDate  string  `json:"highest_52_week_date"`
	Lowest52WeekPrice  float64 `json:"lowest_52_week_price"`
	Lowest52WeekDate   string  `json:"lowest_52_week_date"`
	MarketState        string  `json:"market_state"`
	MarketWarning      string  `json:"market_warning"`
	Timestamp          int64   `json:"timestamp"`

	AccAskBidRate float64 `json:"acc_ask_bid_rate"`
	HighBreakout  bool    `json:"high_breakout"`
	LowBreakout   bool    `json:"low_breakout"`
}

// Derive fills the indicators computed from the ticker's own fields.
func (t *Ticker) Derive() {
	if t.AccTradeVolume != 0 {
		t.AccAskBidRate = (t.AccAskVolume - t.AccBidVolume) / t.AccTradeVolume
	} else {
		t.AccAskBidRate = 0
	}
	t.HighBreakout = t.Highest52WeekPrice > 0 && t.TradePrice > t.Highest52WeekPrice
	t.LowBreakout = t.Lowest52WeekPrice > 0 && t.TradePrice < t.Lowest52WeekPrice
}

// Trade is a single execution. Only the latest one per market is kept.
type Trade struct {
	Code             string  `json:"code"`
	TradePrice       float64 `json:"trade_price"`
	TradeVolume      float64 `json:"trade_volume"`
	AskBid           AskBid  `json:"ask_bid"`
	PrevClosingPrice float64 `json:"prev_closing_price"`
	Change           Change  `json:"change"`
	ChangePrice      float64 `json:"change_price"`
	TradeDate        string  `json:"trade_date"`
	TradeTime        string  `json:"trade_time"`
	TradeTimestamp   int64   `json:"trade_timestamp"`
	Timestamp        int64   `json:"timestamp"`
	SequentialID     int64   `json:"sequential_id"`
	BestAskPrice     float64 `json:"best_ask_price"`
	BestAskSize      float64 `json:"best_ask_size"`
	BestBidPrice     float64 `json:"best_bid_price"`
	BestBidSize      float64 `json:"best_bid_size"`

	VWAP             float64 `json:"vwap"`
	AverageTradeSize float64 `json:"average_trade_size"`
	TradeImpact      float64 `json:"trade_impact"`
}

// DepthLevel is one price tier, index 0 being the best.
type DepthLevel struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

// Orderbook is the aggregated depth snapshot reported by the exchange.
type Orderbook struct {
	Code         string       `json:"code"`
	TotalAskSize float64      `json:"total_ask_size"`
	TotalBidSize float64      `json:"total_bid_size"`
	Units        []DepthLevel `json:"orderbook_units"`
	Timestamp    int64        `json:"timestamp"`
	Level        float64      `json:"level"`
}

// DerivedMetrics are computed from an Orderbook, never sent by the exchange.
type DerivedMetrics struct {
	BestAsk        float64 `json:"best_ask"`
	BestBid        float64 `json:"best_bid"`
	Spread         float64 `json:"spread"`
	Imbalance      float64 `json:"imbalance"`
	MidPrice       float64 `json:"mid_price"`
	LiquidityDepth float64 `json:"liquidity_depth"`
}
