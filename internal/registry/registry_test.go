package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketrelay/config"
	"marketrelay/internal/models"
)

type fakeLister struct {
	mu      sync.Mutex
	symbols []models.Symbol
	err     error
	calls   int
}

func (f *fakeLister) Markets(context.Context) ([]models.Symbol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]models.Symbol(nil), f.symbols...), f.err
}

func (f *fakeLister) set(symbols []models.Symbol, err error) {
	f.mu.Lock()
	f.symbols = symbols
	f.err = err
	f.mu.Unlock()
}

func sym(code string) models.Symbol {
	return models.Symbol{Code: code, KoreanName: code, EnglishName: code}
}

func TestRefreshFailureKeepsLastGoodSet(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]models.Symbol{sym("KRW-ETH"), sym("KRW-BTC")}, nil)
	r := New(config.RegistryConfig{}, lister)

	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if codes := r.Codes(); len(codes) != 2 || codes[0] != "KRW-BTC" {
		t.Fatalf("codes = %v", codes)
	}

	lister.set(nil, errors.New("503"))
	_, err := r.Refresh(context.Background())
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if len(r.Current()) != 2 {
		t.Fatalf("set truncated after failure: %v", r.Current())
	}

	lister.set([]models.Symbol{}, nil)
	if _, err := r.Refresh(context.Background()); !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("empty list should fail, got %v", err)
	}
	if len(r.Codes()) != 2 {
		t.Fatalf("set truncated after empty response: %v", r.Codes())
	}
}

func TestQuoteFilter(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]models.Symbol{sym("KRW-BTC"), sym("BTC-ETH"), sym("USDT-XRP"), sym("krw-DOGE")}, nil)
	r := New(config.RegistryConfig{QuoteFilter: []string{"KRW"}}, lister)

	if _, err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	codes := r.Codes()
	if len(codes) != 2 {
		t.Fatalf("codes = %v, want the two KRW markets", codes)
	}
	if _, ok := r.Lookup("KRW-BTC"); !ok {
		t.Fatal("lookup KRW-BTC failed")
	}
	if _, ok := r.Lookup("BTC-ETH"); ok {
		t.Fatal("filtered market should not be found")
	}
}

func TestOnChangeReportsDiff(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]models.Symbol{sym("KRW-BTC"), sym("KRW-ETH")}, nil)
	r := New(config.RegistryConfig{}, lister)

	var calls int
	var added, removed, codes []string
	r.OnChange(func(a, rm, c []string) {
		calls++
		added, removed, codes = a, rm, c
	})

	r.Refresh(context.Background())
	if calls != 1 || len(added) != 2 || len(removed) != 0 {
		t.Fatalf("initial change: calls=%d added=%v removed=%v", calls, added, removed)
	}

	// unchanged set: no notification
	r.Refresh(context.Background())
	if calls != 1 {
		t.Fatalf("notified without change, calls=%d", calls)
	}

	lister.set([]models.Symbol{sym("KRW-BTC"), sym("KRW-SOL")}, nil)
	r.Refresh(context.Background())
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if len(added) != 1 || added[0] != "KRW-SOL" || len(removed) != 1 || removed[0] != "KRW-ETH" {
		t.Fatalf("added=%v removed=%v", added, removed)
	}
	if len(codes) != 2 {
		t.Fatalf("codes = %v", codes)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	lister := &fakeLister{}
	lister.set([]models.Symbol{sym("KRW-BTC")}, nil)
	r := New(config.RegistryConfig{RefreshInterval: 1}, lister)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if r.UpdatedAt().IsZero() {
		t.Fatal("Run should refresh immediately")
	}
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunRetriesUntilFirstGoodSet(t *testing.T) {
	lister := &fakeLister{}
	lister.set(nil, errors.New("dial tcp: connection refused"))
	r := New(config.RegistryConfig{RefreshInterval: 6 * time.Hour}, lister)
	r.retryMin = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if len(r.Codes()) != 0 {
		t.Fatalf("unexpected codes before recovery: %v", r.Codes())
	}
	lister.set([]models.Symbol{sym("KRW-BTC")}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for len(r.Codes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("registry still empty after the lister recovered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// With a good set in place the next refresh waits the full interval.
	calls := lister.callCount()
	lister.set(nil, errors.New("503"))
	time.Sleep(100 * time.Millisecond)
	if got := lister.callCount(); got != calls {
		t.Fatalf("refreshed %d extra times after the first good set", got-calls)
	}
	if len(r.Codes()) != 1 {
		t.Fatalf("codes = %v", r.Codes())
	}

	cancel()
	<-done
}
