package upbit

import (
	"errors"
	"testing"

	"marketrelay/internal/models"
)

func TestDecodeTicker(t *testing.T) {
	raw := []byte(`{"ty":"ticker","cd":"KRW-BTC","op":100,"hp":130,"lp":90,"tp":125,"pcp":100,"c":"RISE","cp":25,"scp":25,"cr":0.25,"scr":0.25,"tv":0.5,"atv":10,"aav":6,"abv":4,"h52wp":120,"l52wp":50,"ms":"ACTIVE","mw":"NONE","tms":1700000000123,"st":"REALTIME"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Domain != models.DomainTicker || msg.Symbol != "KRW-BTC" || msg.Source != models.SourceRealtime {
		t.Fatalf("unexpected message header: %+v", msg)
	}
	if msg.Ticker == nil || msg.Ticker.TradePrice != 125 || msg.Ticker.Change != models.ChangeRise {
		t.Fatalf("unexpected ticker: %+v", msg.Ticker)
	}
	if msg.Ticker.AccAskBidRate != 0.2 {
		t.Errorf("acc ask/bid rate = %v, want 0.2", msg.Ticker.AccAskBidRate)
	}
	if !msg.Ticker.HighBreakout {
		t.Error("expected high breakout")
	}
	if msg.ObservedAt.UnixMilli() != 1700000000123 {
		t.Errorf("observed at = %v", msg.ObservedAt)
	}
}

func TestDecodeTickerBoolWarning(t *testing.T) {
	msg, err := Decode([]byte(`{"ty":"ticker","cd":"KRW-ETH","tp":1,"mw":true,"tms":1}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Ticker.MarketWarning != "CAUTION" {
		t.Fatalf("market warning = %q", msg.Ticker.MarketWarning)
	}
}

func TestDecodeTrade(t *testing.T) {
	raw := []byte(`{"ty":"trade","cd":"KRW-XRP","tp":700,"tv":12.5,"ab":"BID","pcp":690,"c":"RISE","cp":10,"td":"2024-01-02","ttm":"03:04:05","ttms":1700000000000,"tms":1700000000010,"sid":17000000000001,"bap":701,"bas":3,"bbp":699,"bbs":4,"st":"REALTIME"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Domain != models.DomainTrade || msg.Trade == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	tr := msg.Trade
	if tr.TradePrice != 700 || tr.TradeVolume != 12.5 || tr.AskBid != models.Bid || tr.SequentialID != 17000000000001 {
		t.Fatalf("unexpected trade: %+v", tr)
	}
	if tr.BestAskPrice != 701 || tr.BestBidSize != 4 {
		t.Fatalf("best quotes not decoded: %+v", tr)
	}
}

func TestDecodeOrderbook(t *testing.T) {
	raw := []byte(`{"ty":"orderbook","cd":"KRW-BTC","tas":3,"tbs":1,"obu":[{"ap":100,"bp":90,"as":2,"bs":1},{"ap":101,"bp":89,"as":1,"bs":0}],"tms":1700000000500,"lv":0,"st":"SNAPSHOT"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Domain != models.DomainOrderbook || msg.Orderbook == nil {
		t.Fatalf("unexpected message: %+v", msg)
	}
	ob := msg.Orderbook
	if len(ob.Units) != 2 || ob.Units[0].AskPrice != 100 || ob.Units[1].BidPrice != 89 {
		t.Fatalf("unexpected units: %+v", ob.Units)
	}
	if ob.TotalAskSize != 3 || ob.TotalBidSize != 1 {
		t.Fatalf("unexpected totals: %+v", ob)
	}
}

func TestDecodeKeepalive(t *testing.T) {
	if _, err := Decode([]byte(`{"status":"UP"}`)); !errors.Is(err, ErrKeepalive) {
		t.Fatalf("expected keepalive, got %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"empty":        ``,
		"malformed":    `{"ty":"ticker",`,
		"error frame":  `{"error":{"name":"INVALID_PARAM","message":"bad codes"}}`,
		"unknown type": `{"ty":"candle","cd":"KRW-BTC","tms":1}`,
		"no type":      `{"cd":"KRW-BTC","tms":1}`,
		"no code":      `{"ty":"trade","tp":1,"tms":1}`,
		"no timestamp": `{"ty":"orderbook","cd":"KRW-BTC","obu":[]}`,
		"bad field":    `{"ty":"trade","cd":"KRW-BTC","tp":"abc","tms":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			if !errors.Is(err, models.ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
}
