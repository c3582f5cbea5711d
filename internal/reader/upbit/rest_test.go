package upbit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"marketrelay/config"
	"marketrelay/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.UpbitConfig{
		RestURL:        server.URL + "/",
		RequestTimeout: time.Second,
		RateLimit:      config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 10},
	})
}

func TestClientMarkets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathMarkets {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("isDetails") != "false" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"market":"KRW-BTC","korean_name":"비트코인","english_name":"Bitcoin"},{"market":"BTC-ETH","korean_name":"이더리움","english_name":"Ethereum"}]`))
	})
	symbols, err := c.Markets(context.Background())
	if err != nil {
		t.Fatalf("Markets: %v", err)
	}
	if len(symbols) != 2 || symbols[0].Code != "KRW-BTC" || symbols[0].EnglishName != "Bitcoin" {
		t.Fatalf("unexpected symbols: %+v", symbols)
	}
}

func TestClientFetchTicker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathTicker || r.URL.Query().Get("markets") != "KRW-BTC,KRW-ETH" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`[{"market":"KRW-BTC","trade_price":125,"highest_52_week_price":120,"change":"RISE","timestamp":1700000000000},{"market":"KRW-ETH","trade_price":10,"change":"EVEN","timestamp":1700000000001}]`))
	})
	msgs, err := c.Fetch(context.Background(), models.DomainTicker, []string{"KRW-BTC", "KRW-ETH"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Source != models.SourcePoll || m.Domain != models.DomainTicker || m.Symbol != "KRW-BTC" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if !m.Ticker.HighBreakout {
		t.Error("poll tickers should be derived")
	}
}

func TestClientFetchOrderbook(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathOrderbook {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[{"market":"KRW-BTC","timestamp":1700000000000,"total_ask_size":3,"total_bid_size":1,"orderbook_units":[{"ask_price":100,"bid_price":90,"ask_size":2,"bid_size":1}],"level":0}]`))
	})
	msgs, err := c.Fetch(context.Background(), models.DomainOrderbook, []string{"KRW-BTC"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Orderbook.Units) != 1 || msgs[0].Orderbook.Units[0].AskPrice != 100 {
		t.Fatalf("unexpected orderbook: %+v", msgs)
	}
}

func TestClientFetchTrades(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		if q.Get("count") != "1" {
			t.Errorf("unexpected count %s", q.Get("count"))
		}
		switch q.Get("market") {
		case "KRW-BTC":
			w.Write([]byte(`[{"market":"KRW-BTC","trade_date_utc":"2024-01-02","trade_time_utc":"03:04:05","timestamp":1700000000000,"trade_price":95,"trade_volume":2,"prev_closing_price":100,"change_price":5,"ask_bid":"ASK","sequential_id":7}]`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"name":"too_many_requests"}}`))
		}
	})
	msgs, err := c.Fetch(context.Background(), models.DomainTrade, []string{"KRW-BTC", "KRW-ETH"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one request per market, got %d", calls.Load())
	}
	if len(msgs) != 1 {
		t.Fatalf("failed markets should be skipped, got %d messages", len(msgs))
	}
	tr := msgs[0].Trade
	if tr.Change != models.ChangeFall || tr.AskBid != models.Ask || tr.SequentialID != 7 {
		t.Fatalf("unexpected trade: %+v", tr)
	}
}

func TestClientUpstreamFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if _, err := c.Markets(context.Background()); !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if _, err := c.Fetch(context.Background(), models.DomainTrade, []string{"KRW-BTC"}); !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestClientFetchNoCodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	msgs, err := c.Fetch(context.Background(), models.DomainTicker, nil)
	if err != nil || msgs != nil {
		t.Fatalf("expected nothing, got %v %v", msgs, err)
	}
}
