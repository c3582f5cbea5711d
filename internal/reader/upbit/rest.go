package upbit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"golang.org/x/time/rate"

	"marketrelay/config"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

const (
	pathMarkets   = "/v1/market/all"
	pathTicker    = "/v1/ticker"
	pathOrderbook = "/v1/orderbook"
	pathTrades    = "/v1/trades/ticks"
)

// Client is the REST side of the exchange: the market list for the registry
// and the secondary data source of the fallback coordinator. Every request
// waits on a shared token bucket.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *logger.Entry
}

func NewClient(cfg config.UpbitConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 8
	}
	burst := cfg.RateLimit.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.RestURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger().WithComponent("upbit_rest"),
	}
}

type marketsParams struct {
	IsDetails bool `url:"isDetails"`
}

type marketsParam struct {
	Markets string `url:"markets"`
}

type tradesParams struct {
	Market string `url:"market"`
	Count  int    `url:"count"`
}

type restMarket struct {
	Market      string `json:"market"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
}

type restTicker struct {
	Market             string        `json:"market"`
	TradeDate          string        `json:"trade_date"`
	TradeTime          string        `json:"trade_time"`
	TradeTimestamp     int64         `json:"trade_timestamp"`
	OpeningPrice       float64       `json:"opening_price"`
	HighPrice          float64       `json:"high_price"`
	LowPrice           float64       `json:"low_price"`
	TradePrice         float64       `json:"trade_price"`
	PrevClosingPrice   float64       `json:"prev_closing_price"`
	Change             models.Change `json:"change"`
	ChangePrice        float64       `json:"change_price"`
	ChangeRate         float64       `json:"change_rate"`
	SignedChangePrice  float64       `json:"signed_change_price"`
	SignedChangeRate   float64       `json:"signed_change_rate"`
	TradeVolume        float64       `json:"trade_volume"`
	AccTradePrice      float64       `json:"acc_trade_price"`
	AccTradePrice24h   float64       `json:"acc_trade_price_24h"`
	AccTradeVolume     float64       `json:"acc_trade_volume"`
	AccTradeVolume24h  float64       `json:"acc_trade_volume_24h"`
	Highest52WeekPrice float64       `json:"highest_52_week_price"`
	Highest52WeekDate  string        `json:"highest_52_week_date"`
	Lowest52WeekPrice  float64       `json:"lowest_52_week_price"`
	Lowest52WeekDate   string        `json:"lowest_52_week_date"`
	Timestamp          int64         `json:"timestamp"`
}

type restOrderbook struct {
	Market         string  `json:"market"`
	Timestamp      int64   `json:"timestamp"`
	TotalAskSize   float64 `json:"total_ask_size"`
	TotalBidSize   float64 `json:"total_bid_size"`
	OrderbookUnits []struct {
		AskPrice float64 `json:"ask_price"`
		BidPrice float64 `json:"bid_price"`
		AskSize  float64 `json:"ask_size"`
		BidSize  float64 `json:"bid_size"`
	} `json:"orderbook_units"`
	Level float64 `json:"level"`
}

type restTrade struct {
	Market           string        `json:"market"`
	TradeDateUTC     string        `json:"trade_date_utc"`
	TradeTimeUTC     string        `json:"trade_time_utc"`
	Timestamp        int64         `json:"timestamp"`
	TradePrice       float64       `json:"trade_price"`
	TradeVolume      float64       `json:"trade_volume"`
	PrevClosingPrice float64       `json:"prev_closing_price"`
	ChangePrice      float64       `json:"change_price"`
	AskBid           models.AskBid `json:"ask_bid"`
	SequentialID     int64         `json:"sequential_id"`
}

// Markets fetches every listed market.
func (c *Client) Markets(ctx context.Context) ([]models.Symbol, error) {
	var out []restMarket
	if err := c.get(ctx, pathMarkets, marketsParams{IsDetails: false}, &out); err != nil {
		return nil, err
	}
	symbols := make([]models.Symbol, 0, len(out))
	for _, m := range out {
		symbols = append(symbols, models.Symbol{Code: m.Market, KoreanName: m.KoreanName, EnglishName: m.EnglishName})
	}
	return symbols, nil
}

// Tickers fetches the current ticker of every code in one request.
func (c *Client) Tickers(ctx context.Context, codes []string) ([]models.Message, error) {
	var out []restTicker
	if err := c.get(ctx, pathTicker, marketsParam{Markets: strings.Join(codes, ",")}, &out); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(out))
	for _, r := range out {
		t := &models.Ticker{
			Code:               r.Market,
			OpeningPrice:       r.OpeningPrice,
			HighPrice:          r.HighPrice,
			LowPrice:           r.LowPrice,
			TradePrice:         r.TradePrice,
			PrevClosingPrice:   r.PrevClosingPrice,
			Change:             r.Change,
			ChangePrice:        r.ChangePrice,
			SignedChangePrice:  r.SignedChangePrice,
			ChangeRate:         r.ChangeRate,
			SignedChangeRate:   r.SignedChangeRate,
			TradeVolume:        r.TradeVolume,
			AccTradeVolume:     r.AccTradeVolume,
			AccTradeVolume24h:  r.AccTradeVolume24h,
			AccTradePrice:      r.AccTradePrice,
			AccTradePrice24h:   r.AccTradePrice24h,
			TradeDate:          r.TradeDate,
			TradeTime:          r.TradeTime,
			TradeTimestamp:     r.TradeTimestamp,
			Highest52WeekPrice: r.Highest52WeekPrice,
			Highest52WeekDate:  r.Highest52WeekDate,
			Lowest52WeekPrice:  r.Lowest52WeekPrice,
			Lowest52WeekDate:   r.Lowest52WeekDate,
			Timestamp:          r.Timestamp,
		}
		t.Derive()
		msgs = append(msgs, models.TickerMessage(t, models.SourcePoll))
	}
	return msgs, nil
}

// Orderbooks fetches the depth of every code in one request.
func (c *Client) Orderbooks(ctx context.Context, codes []string) ([]models.Message, error) {
	var out []restOrderbook
	if err := c.get(ctx, pathOrderbook, marketsParam{Markets: strings.Join(codes, ",")}, &out); err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(out))
	for _, r := range out {
		units := make([]models.DepthLevel, len(r.OrderbookUnits))
		for i, u := range r.OrderbookUnits {
			units[i] = models.DepthLevel{AskPrice: u.AskPrice, BidPrice: u.BidPrice, AskSize: u.AskSize, BidSize: u.BidSize}
		}
		msgs = append(msgs, models.OrderbookMessage(&models.Orderbook{
			Code:         r.Market,
			TotalAskSize: r.TotalAskSize,
			TotalBidSize: r.TotalBidSize,
			Units:        units,
			Timestamp:    r.Timestamp,
			Level:        r.Level,
		}, models.SourcePoll))
	}
	return msgs, nil
}

// LatestTrade fetches the most recent trade of code.
func (c *Client) LatestTrade(ctx context.Context, code string) (models.Message, error) {
	var out []restTrade
	if err := c.get(ctx, pathTrades, tradesParams{Market: code, Count: 1}, &out); err != nil {
		return models.Message{}, err
	}
	if len(out) == 0 {
		return models.Message{}, fmt.Errorf("no trades for %s: %w", code, models.ErrUpstreamUnavailable)
	}
	r := out[0]
	change := models.ChangeEven
	switch {
	case r.TradePrice > r.PrevClosingPrice:
		change = models.ChangeRise
	case r.TradePrice < r.PrevClosingPrice:
		change = models.ChangeFall
	}
	return models.TradeMessage(&models.Trade{
		Code:             r.Market,
		TradePrice:       r.TradePrice,
		TradeVolume:      r.TradeVolume,
		AskBid:           r.AskBid,
		PrevClosingPrice: r.PrevClosingPrice,
		Change:           change,
		ChangePrice:      r.ChangePrice,
		TradeDate:        r.TradeDateUTC,
		TradeTime:        r.TradeTimeUTC,
		TradeTimestamp:   r.Timestamp,
		Timestamp:        r.Timestamp,
		SequentialID:     r.SequentialID,
	}, models.SourcePoll), nil
}

// Fetch returns the current value of every code in domain. Trades are
// fetched one market at a time; a failed market is skipped unless all fail.
func (c *Client) Fetch(ctx context.Context, domain models.Domain, codes []string) ([]models.Message, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	switch domain {
	case models.DomainTicker:
		return c.Tickers(ctx, codes)
	case models.DomainOrderbook:
		return c.Orderbooks(ctx, codes)
	case models.DomainTrade:
		msgs := make([]models.Message, 0, len(codes))
		var lastErr error
		for _, code := range codes {
			msg, err := c.LatestTrade(ctx, code)
			if err != nil {
				lastErr = err
				if ctx.Err() != nil {
					break
				}
				continue
			}
			msgs = append(msgs, msg)
		}
		if len(msgs) == 0 && lastErr != nil {
			return nil, lastErr
		}
		return msgs, nil
	default:
		return nil, fmt.Errorf("fetch: unknown domain %s", domain)
	}
}

func (c *Client) get(ctx context.Context, path string, params interface{}, out interface{}) error {
	values, err := query.Values(params)
	if err != nil {
		return fmt.Errorf("encode query for %s: %w", path, err)
	}
	url := c.baseURL + path
	if encoded := values.Encode(); encoded != "" {
		url += "?" + encoded
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %v: %w", path, err, models.ErrUpstreamUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %v: %w", path, err, models.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read %s: %v: %w", path, err, models.ErrUpstreamUnavailable)
	}

	c.log.WithFields(logger.Fields{
		"path":        path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("rest request")

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s: %w", path, resp.StatusCode, truncate(body, 200), models.ErrUpstreamUnavailable)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %v: %w", path, err, models.ErrUpstreamUnavailable)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
