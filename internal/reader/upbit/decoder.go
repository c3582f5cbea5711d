package upbit

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"marketrelay/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrKeepalive marks the {"status":"UP"} frame. Callers drop it silently.
var ErrKeepalive = errors.New("keepalive frame")

// SIMPLE format type tags.
const (
	typeTicker    = "ticker"
	typeTrade     = "trade"
	typeOrderbook = "orderbook"
)

type simpleTicker struct {
	Type               string        `json:"ty"`
	Code               string        `json:"cd"`
	OpeningPrice       float64       `json:"op"`
	HighPrice          float64       `json:"hp"`
	LowPrice           float64       `json:"lp"`
	TradePrice         float64       `json:"tp"`
	PrevClosingPrice   float64       `json:"pcp"`
	Change             models.Change `json:"c"`
	ChangePrice        float64       `json:"cp"`
	SignedChangePrice  float64       `json:"scp"`
	ChangeRate         float64       `json:"cr"`
	SignedChangeRate   float64       `json:"scr"`
	TradeVolume        float64       `json:"tv"`
	AccTradeVolume     float64       `json:"atv"`
	AccTradeVolume24h  float64       `json:"atv24h"`
	AccTradePrice      float64       `json:"atp"`
	AccTradePrice24h   float64       `json:"atp24h"`
	TradeDate          string        `json:"tdt"`
	TradeTime          string        `json:"ttm"`
	TradeTimestamp     int64         `json:"ttms"`
	AskBid             models.AskBid `json:"ab"`
	AccAskVolume       float64       `json:"aav"`
	AccBidVolume       float64       `json:"abv"`
	Highest52WeekPrice float64       `json:"h52wp"`
	Highest52WeekDate  string        `json:"h52wdt"`
	Lowest52WeekPrice  float64       `json:"l52wp"`
	Lowest52WeekDate   string        `json:"l52wdt"`
	MarketState        string        `json:"ms"`
	MarketWarning      flexString    `json:"mw"`
	Timestamp          int64         `json:"tms"`
	StreamType         string        `json:"st"`
}

type simpleTrade struct {
	Type             string        `json:"ty"`
	Code             string        `json:"cd"`
	TradePrice       float64       `json:"tp"`
	TradeVolume      float64       `json:"tv"`
	AskBid           models.AskBid `json:"ab"`
	PrevClosingPrice float64       `json:"pcp"`
	Change           models.Change `json:"c"`
	ChangePrice      float64       `json:"cp"`
	TradeDate        string        `json:"td"`
	TradeTime        string        `json:"ttm"`
	TradeTimestamp   int64         `json:"ttms"`
	Timestamp        int64         `json:"tms"`
	SequentialID     int64         `json:"sid"`
	BestAskPrice     float64       `json:"bap"`
	BestAskSize      float64       `json:"bas"`
	BestBidPrice     float64       `json:"bbp"`
	BestBidSize      float64       `json:"bbs"`
	StreamType       string        `json:"st"`
}

type simpleUnit struct {
	AskPrice float64 `json:"ap"`
	BidPrice float64 `json:"bp"`
	AskSize  float64 `json:"as"`
	BidSize  float64 `json:"bs"`
}

type simpleOrderbook struct {
	Type         string       `json:"ty"`
	Code         string       `json:"cd"`
	TotalAskSize float64      `json:"tas"`
	TotalBidSize float64      `json:"tbs"`
	Units        []simpleUnit `json:"obu"`
	Timestamp    int64        `json:"tms"`
	Level        float64      `json:"lv"`
	StreamType   string       `json:"st"`
}

type errorFrame struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// flexString accepts a JSON string or bool. The market warning field has
// been sent as both over time.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch s {
	case "null":
		*f = ""
	case "true":
		*f = "CAUTION"
	case "false":
		*f = "NONE"
	default:
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
	}
	return nil
}

// Decode turns one SIMPLE format frame into a Message. Keepalive frames
// return ErrKeepalive; everything else that is not a ticker, trade or
// orderbook frame returns an error wrapping models.ErrDecode.
func Decode(raw []byte) (models.Message, error) {
	if len(raw) == 0 {
		return models.Message{}, fmt.Errorf("empty frame: %w", models.ErrDecode)
	}

	if status := json.Get(raw, "status").ToString(); status == "UP" {
		return models.Message{}, ErrKeepalive
	}
	if json.Get(raw, "error").ValueType() == jsoniter.ObjectValue {
		var ef errorFrame
		_ = json.Unmarshal(raw, &ef)
		return models.Message{}, fmt.Errorf("upstream error %s: %s: %w", ef.Error.Name, ef.Error.Message, models.ErrDecode)
	}

	switch tag := json.Get(raw, "ty").ToString(); tag {
	case typeTicker:
		return decodeTicker(raw)
	case typeTrade:
		return decodeTrade(raw)
	case typeOrderbook:
		return decodeOrderbook(raw)
	case "":
		return models.Message{}, fmt.Errorf("frame without type tag: %w", models.ErrDecode)
	default:
		return models.Message{}, fmt.Errorf("unknown frame type %q: %w", tag, models.ErrDecode)
	}
}

func decodeTicker(raw []byte) (models.Message, error) {
	var s simpleTicker
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Message{}, fmt.Errorf("ticker: %v: %w", err, models.ErrDecode)
	}
	if s.Code == "" || s.Timestamp == 0 {
		return models.Message{}, fmt.Errorf("ticker without code or timestamp: %w", models.ErrDecode)
	}
	t := &models.Ticker{
		Code:               s.Code,
		OpeningPrice:       s.OpeningPrice,
		HighPrice:          s.HighPrice,
		LowPrice:           s.LowPrice,
		TradePrice:         s.TradePrice,
		PrevClosingPrice:   s.PrevClosingPrice,
		Change:             s.Change,
		ChangePrice:        s.ChangePrice,
		SignedChangePrice:  s.SignedChangePrice,
		ChangeRate:         s.ChangeRate,
		SignedChangeRate:   s.SignedChangeRate,
		TradeVolume:        s.TradeVolume,
		AccTradeVolume:     s.AccTradeVolume,
		AccTradeVolume24h:  s.AccTradeVolume24h,
		AccTradePrice:      s.AccTradePrice,
		AccTradePrice24h:   s.AccTradePrice24h,
		TradeDate:          s.TradeDate,
		TradeTime:          s.TradeTime,
		TradeTimestamp:     s.TradeTimestamp,
		AskBid:             s.AskBid,
		AccAskVolume:       s.AccAskVolume,
		AccBidVolume:       s.AccBidVolume,
		Highest52WeekPrice: s.Highest52WeekPrice,
		Highest52WeekDate:  s.Highest52WeekDate,
		Lowest52WeekPrice:  s.Lowest52WeekPrice,
		Lowest52WeekDate:   s.Lowest52WeekDate,
		MarketState:        s.MarketState,
		MarketWarning:      string(s.MarketWarning),
		Timestamp:          s.Timestamp,
	}
	t.Derive()
	return models.TickerMessage(t, models.SourceRealtime), nil
}

func decodeTrade(raw []byte) (models.Message, error) {
	var s simpleTrade
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Message{}, fmt.Errorf("trade: %v: %w", err, models.ErrDecode)
	}
	if s.Code == "" || s.Timestamp == 0 {
		return models.Message{}, fmt.Errorf("trade without code or timestamp: %w", models.ErrDecode)
	}
	return models.TradeMessage(&models.Trade{
		Code:             s.Code,
		TradePrice:       s.TradePrice,
		TradeVolume:      s.TradeVolume,
		AskBid:           s.AskBid,
		PrevClosingPrice: s.PrevClosingPrice,
		Change:           s.Change,
		ChangePrice:      s.ChangePrice,
		TradeDate:        s.TradeDate,
		TradeTime:        s.TradeTime,
		TradeTimestamp:   s.TradeTimestamp,
		Timestamp:        s.Timestamp,
		SequentialID:     s.SequentialID,
		BestAskPrice:     s.BestAskPrice,
		BestAskSize:      s.BestAskSize,
		BestBidPrice:     s.BestBidPrice,
		BestBidSize:      s.BestBidSize,
	}, models.SourceRealtime), nil
}

func decodeOrderbook(raw []byte) (models.Message, error) {
	var s simpleOrderbook
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Message{}, fmt.Errorf("orderbook: %v: %w", err, models.ErrDecode)
	}
	if s.Code == "" || s.Timestamp == 0 {
		return models.Message{}, fmt.Errorf("orderbook without code or timestamp: %w", models.ErrDecode)
	}
	units := make([]models.DepthLevel, len(s.Units))
	for i, u := range s.Units {
		units[i] = models.DepthLevel{AskPrice: u.AskPrice, BidPrice: u.BidPrice, AskSize: u.AskSize, BidSize: u.BidSize}
	}
	return models.OrderbookMessage(&models.Orderbook{
		Code:         s.Code,
		TotalAskSize: s.TotalAskSize,
		TotalBidSize: s.TotalBidSize,
		Units:        units,
		Timestamp:    s.Timestamp,
		Level:        s.Level,
	}, models.SourceRealtime), nil
}
