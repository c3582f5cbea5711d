package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketrelay/config"
	"marketrelay/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	last     map[models.Domain]time.Time
	accepted []models.Message
	onAccept func(models.Message)
}

func newFakeStore() *fakeStore {
	return &fakeStore{last: make(map[models.Domain]time.Time)}
}

func (s *fakeStore) LastAccepted(d models.Domain) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[d]
}

func (s *fakeStore) setLast(d models.Domain, at time.Time) {
	s.mu.Lock()
	s.last[d] = at
	s.mu.Unlock()
}

func (s *fakeStore) Symbols(models.Domain) []string { return []string{"KRW-BTC"} }

func (s *fakeStore) Accept(msg models.Message) (bool, error) {
	s.mu.Lock()
	s.accepted = append(s.accepted, msg)
	cb := s.onAccept
	s.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
	return true, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accepted)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	codes []string
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, d models.Domain, codes []string) ([]models.Message, error) {
	f.mu.Lock()
	f.calls++
	f.codes = append(f.codes, codes...)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(codes))
	for _, code := range codes {
		out = append(out, models.TradeMessage(&models.Trade{Code: code, Timestamp: time.Now().UnixMilli()}, models.SourcePoll))
	}
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() config.FallbackConfig {
	return config.FallbackConfig{
		StalenessThreshold: 5 * time.Second,
		CheckInterval:      time.Hour,
		PollInterval:       time.Hour,
		PollTimeout:        time.Second,
		MaxConcurrency:     2,
		SignalBuffer:       1,
	}
}

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestHealthyToDegradedAtThreshold(t *testing.T) {
	st := newFakeStore()
	c := NewCoordinator(testConfig(), []models.Domain{models.DomainTrade, models.DomainTicker}, st, nil, nil)
	c.startedAt = t0
	st.setLast(models.DomainTrade, t0)
	st.setLast(models.DomainTicker, t0.Add(3*time.Second))

	changes, unsubscribe := c.Subscribe()
	defer unsubscribe()

	c.check(t0.Add(4999 * time.Millisecond))
	if c.State(models.DomainTrade) != models.Healthy {
		t.Fatal("degraded before threshold")
	}

	c.check(t0.Add(5 * time.Second))
	if c.State(models.DomainTrade) != models.Degraded {
		t.Fatal("expected degraded at threshold")
	}
	if c.State(models.DomainTicker) != models.Healthy {
		t.Fatal("ticker must be evaluated independently")
	}

	select {
	case sig := <-c.Signals(models.DomainTrade):
		if sig.Domain != models.DomainTrade || !sig.LastKnownUpdateTime.Equal(t0) {
			t.Fatalf("unexpected signal: %+v", sig)
		}
	default:
		t.Fatal("no fallback signal emitted")
	}

	select {
	case ch := <-changes:
		if ch.Domain != models.DomainTrade || ch.State != models.Degraded {
			t.Fatalf("unexpected state change: %+v", ch)
		}
	default:
		t.Fatal("no state change published")
	}
}

func TestSignalEmittedOncePerTransition(t *testing.T) {
	st := newFakeStore()
	c := NewCoordinator(testConfig(), []models.Domain{models.DomainTrade}, st, nil, nil)
	c.startedAt = t0
	st.setLast(models.DomainTrade, t0)

	c.check(t0.Add(10 * time.Second))
	c.check(t0.Add(20 * time.Second))
	c.check(t0.Add(30 * time.Second))

	<-c.Signals(models.DomainTrade)
	select {
	case sig := <-c.Signals(models.DomainTrade):
		t.Fatalf("duplicate signal while degraded: %+v", sig)
	default:
	}
}

func TestMarkFreshRecovers(t *testing.T) {
	st := newFakeStore()
	c := NewCoordinator(testConfig(), []models.Domain{models.DomainOrderbook}, st, nil, nil)
	c.startedAt = t0
	c.now = func() time.Time { return t0.Add(time.Minute) }

	changes, unsubscribe := c.Subscribe()
	defer unsubscribe()

	// never received anything: staleness is measured from start
	c.check(t0.Add(6 * time.Second))
	if c.State(models.DomainOrderbook) != models.Degraded {
		t.Fatal("expected degraded")
	}
	<-changes

	c.MarkFresh(models.DomainOrderbook)
	if c.State(models.DomainOrderbook) != models.Healthy {
		t.Fatal("expected healthy after fresh update")
	}
	select {
	case ch := <-changes:
		if ch.State != models.Healthy {
			t.Fatalf("unexpected change: %+v", ch)
		}
	default:
		t.Fatal("recovery not published")
	}

	// already healthy: no event
	c.MarkFresh(models.DomainOrderbook)
	select {
	case ch := <-changes:
		t.Fatalf("unexpected extra event: %+v", ch)
	default:
	}
}

func TestPollFeedsStore(t *testing.T) {
	st := newFakeStore()
	f := &fakeFetcher{}
	codes := make([]string, 0, 120)
	for i := 0; i < 120; i++ {
		codes = append(codes, "KRW-C"+string(rune('A'+i%26))+string(rune('A'+i/26)))
	}
	c := NewCoordinator(testConfig(), []models.Domain{models.DomainTrade}, st, f, func() []string { return codes })

	accepted := c.poll(context.Background(), models.DomainTrade)
	if accepted != 120 || st.count() != 120 {
		t.Fatalf("accepted %d (store %d), want 120", accepted, st.count())
	}
	if f.callCount() != 3 {
		t.Fatalf("fetch calls = %d, want 3 batches", f.callCount())
	}
}

func TestPollFailureIsNotFatal(t *testing.T) {
	st := newFakeStore()
	f := &fakeFetcher{err: errors.New("boom")}
	c := NewCoordinator(testConfig(), []models.Domain{models.DomainTicker}, st, f, nil)

	if n := c.poll(context.Background(), models.DomainTicker); n != 0 {
		t.Fatalf("accepted %d, want 0", n)
	}
	if f.callCount() != 1 {
		t.Fatalf("fetch calls = %d", f.callCount())
	}
}

func TestRequestFetchTriggersPoll(t *testing.T) {
	st := newFakeStore()
	f := &fakeFetcher{}
	c := NewCoordinator(testConfig(), []models.Domain{models.DomainTicker}, st, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}

	c.RequestFetch(models.DomainTicker)

	deadline := time.Now().Add(time.Second)
	for st.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st.count() == 0 {
		t.Fatal("requested fetch never reached the store")
	}
	cancel()
	c.Stop()
}

func TestDegradedDomainPollsUntilFresh(t *testing.T) {
	cfg := testConfig()
	cfg.StalenessThreshold = 20 * time.Millisecond
	cfg.CheckInterval = 5 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond

	st := newFakeStore()
	f := &fakeFetcher{}
	c := NewCoordinator(cfg, []models.Domain{models.DomainTrade}, st, f, nil)
	// accepted poll results refresh the domain the way the real store does
	st.onAccept = func(msg models.Message) {
		st.setLast(msg.Domain, time.Now())
		c.MarkFresh(msg.Domain)
	}

	changes, unsubscribe := c.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var sawDegraded, sawHealthy bool
	timeout := time.After(2 * time.Second)
	for !(sawDegraded && sawHealthy) {
		select {
		case ch := <-changes:
			if ch.State == models.Degraded {
				sawDegraded = true
			} else if sawDegraded {
				sawHealthy = true
			}
		case <-timeout:
			t.Fatalf("degraded=%v healthy=%v", sawDegraded, sawHealthy)
		}
	}
	if f.callCount() == 0 {
		t.Fatal("no poll while degraded")
	}
	cancel()
	c.Stop()
}
