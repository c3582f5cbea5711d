// Package store holds the latest value of every (domain, symbol) pair.
//
// Each pair lives in its own cell with its own lock. A message is applied
// only when its observation time is strictly newer than the stored one, so
// late or duplicate messages from either the feed or the polling path are
// discarded without error.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

// Calculator derives order-book metrics.
type Calculator interface {
	Compute(ob *models.Orderbook) (models.DerivedMetrics, error)
}

// Publisher receives every accepted or republished update.
type Publisher interface {
	Publish(u models.Update) bool
}

// Publishers fans one update out to several publishers. It reports true
// when at least one of them took the update.
type Publishers []Publisher

func (ps Publishers) Publish(u models.Update) bool {
	ok := false
	for _, p := range ps {
		if p != nil && p.Publish(u) {
			ok = true
		}
	}
	return ok
}

// Coordinator is told about fresh data and asked for one-shot polls.
type Coordinator interface {
	MarkFresh(domain models.Domain)
	RequestFetch(domain models.Domain)
}

type domainState struct {
	mu    sync.RWMutex
	cells map[string]*cell

	lastAccepted atomic.Int64 // unix nanos, wall clock at acceptance
	degraded     atomic.Bool
	lastKnown    atomic.Int64 // unix nanos carried by the last fallback signal
}

type Store struct {
	domains map[models.Domain]*domainState

	engine      Calculator
	publisher   Publisher
	coordinator atomic.Pointer[Coordinator]
	now         func() time.Time

	accepted atomic.Uint64
	rejected atomic.Uint64
	stale    atomic.Uint64

	log *logger.Log
}

// New creates an empty store. publisher may be nil, in which case accepted
// updates are only kept for reads.
func New(engine Calculator, publisher Publisher) *Store {
	s := &Store{
		domains:   make(map[models.Domain]*domainState, len(models.Domains)),
		engine:    engine,
		publisher: publisher,
		now:       time.Now,
		log:       logger.GetLogger(),
	}
	for _, d := range models.Domains {
		s.domains[d] = &domainState{cells: make(map[string]*cell)}
	}
	return s
}

// SetCoordinator wires the fallback coordinator after construction, since
// the coordinator itself reads recency from the store.
func (s *Store) SetCoordinator(c Coordinator) {
	if c == nil {
		s.coordinator.Store(nil)
		return
	}
	s.coordinator.Store(&c)
}

func (s *Store) coord() Coordinator {
	if p := s.coordinator.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Store) domain(d models.Domain) (*domainState, error) {
	ds, ok := s.domains[d]
	if !ok {
		return nil, fmt.Errorf("unknown domain %s: %w", d, models.ErrNotFound)
	}
	return ds, nil
}

// cellFor returns the cell of symbol, creating it on first sight.
func (ds *domainState) cellFor(symbol string) *cell {
	ds.mu.RLock()
	c, ok := ds.cells[symbol]
	ds.mu.RUnlock()
	if ok {
		return c
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if c, ok = ds.cells[symbol]; ok {
		return c
	}
	c = &cell{}
	ds.cells[symbol] = c
	return c
}

func (ds *domainState) lookup(symbol string) (*cell, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	c, ok := ds.cells[symbol]
	return c, ok
}

func (ds *domainState) snapshot() []*cell {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	out := make([]*cell, 0, len(ds.cells))
	for _, c := range ds.cells {
		out = append(out, c)
	}
	return out
}

// Accept applies msg when it is newer than the stored value. It returns
// false, nil for stale or duplicate messages.
func (s *Store) Accept(msg models.Message) (bool, error) {
	ds, err := s.domain(msg.Domain)
	if err != nil {
		return false, err
	}
	if err := validate(msg); err != nil {
		s.rejected.Add(1)
		metrics.IncRejected(msg.Domain.String(), "invalid")
		return false, err
	}

	for {
		ok, err := s.acceptInto(ds, ds.cellFor(msg.Symbol), msg)
		if errors.Is(err, errCellRemoved) {
			continue
		}
		return ok, err
	}
}

var errCellRemoved = errors.New("cell removed")

// acceptInto applies msg to c. It returns errCellRemoved when Retain took c
// out of the domain between lookup and locking; the caller looks it up again.
func (s *Store) acceptInto(ds *domainState, c *cell, msg models.Message) (bool, error) {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return false, errCellRemoved
	}
	if c.present && !msg.ObservedAt.After(c.observedAt) {
		c.mu.Unlock()
		s.stale.Add(1)
		metrics.IncRejected(msg.Domain.String(), "stale")
		return false, nil
	}

	if err := c.apply(msg, s.engine); err != nil {
		c.mu.Unlock()
		s.rejected.Add(1)
		metrics.IncRejected(msg.Domain.String(), "compute")
		return false, err
	}

	ds.lastAccepted.Store(s.now().UnixNano())
	ds.degraded.Store(false)

	if s.publisher != nil {
		s.publisher.Publish(c.update(msg.Domain, msg.Symbol))
	}
	c.mu.Unlock()

	s.accepted.Add(1)
	metrics.IncAccepted(msg.Domain.String(), string(msg.Source))

	if co := s.coord(); co != nil {
		co.MarkFresh(msg.Domain)
	}
	return true, nil
}

func validate(msg models.Message) error {
	if msg.Symbol == "" {
		return fmt.Errorf("message without symbol: %w", models.ErrDecode)
	}
	switch msg.Domain {
	case models.DomainTicker:
		if msg.Ticker == nil {
			return fmt.Errorf("ticker message for %s has no payload: %w", msg.Symbol, models.ErrDecode)
		}
	case models.DomainTrade:
		if msg.Trade == nil {
			return fmt.Errorf("trade message for %s has no payload: %w", msg.Symbol, models.ErrDecode)
		}
	case models.DomainOrderbook:
		if msg.Orderbook == nil || len(msg.Orderbook.Units) == 0 {
			return fmt.Errorf("orderbook %s: %w", msg.Symbol, models.ErrEmptyDepth)
		}
	}
	return nil
}

// Get returns the current value of (domain, symbol) or ErrNotFound. While
// the domain is degraded the value carries the fallback annotation.
func (s *Store) Get(domain models.Domain, symbol string) (models.Update, error) {
	ds, err := s.domain(domain)
	if err != nil {
		return models.Update{}, err
	}
	c, ok := ds.lookup(symbol)
	if !ok {
		return models.Update{}, fmt.Errorf("%s %s: %w", domain, symbol, models.ErrNotFound)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present {
		return models.Update{}, fmt.Errorf("%s %s: %w", domain, symbol, models.ErrNotFound)
	}
	u := c.update(domain, symbol)
	if ds.degraded.Load() {
		annotate(&u, time.Unix(0, ds.lastKnown.Load()).UTC())
	}
	return u, nil
}

func (s *Store) Ticker(symbol string) (models.Ticker, error) {
	u, err := s.Get(models.DomainTicker, symbol)
	if err != nil {
		return models.Ticker{}, err
	}
	return *u.Ticker, nil
}

func (s *Store) Trade(symbol string) (models.Trade, error) {
	u, err := s.Get(models.DomainTrade, symbol)
	if err != nil {
		return models.Trade{}, err
	}
	return *u.Trade, nil
}

// Orderbook returns the snapshot together with its derived metrics.
func (s *Store) Orderbook(symbol string) (models.Orderbook, models.DerivedMetrics, error) {
	u, err := s.Get(models.DomainOrderbook, symbol)
	if err != nil {
		return models.Orderbook{}, models.DerivedMetrics{}, err
	}
	var m models.DerivedMetrics
	if u.Metrics != nil {
		m = *u.Metrics
	}
	return *u.Orderbook, m, nil
}

// ApplyFallback marks the domain degraded, republishes every last-known
// value with the fallback annotation and asks the coordinator for a
// one-shot secondary fetch. Stored values are not modified. It returns the
// number of republished values. A signal overtaken by a newer accepted
// update is ignored.
func (s *Store) ApplyFallback(signal models.FallbackSignal) int {
	ds, err := s.domain(signal.Domain)
	if err != nil {
		return 0
	}
	if s.recoveredSince(ds, signal) {
		s.ignoreSignal(signal)
		return 0
	}
	ds.lastKnown.Store(signal.LastKnownUpdateTime.UnixNano())
	ds.degraded.Store(true)
	// an accept racing with the store above has already cleared the flag or
	// is visible here
	if s.recoveredSince(ds, signal) {
		ds.degraded.Store(false)
		s.ignoreSignal(signal)
		return 0
	}

	republished := 0
	for _, c := range ds.snapshot() {
		c.mu.Lock()
		if c.present {
			u := c.update(signal.Domain, c.symbol)
			annotate(&u, signal.LastKnownUpdateTime.UTC())
			if s.publisher != nil {
				s.publisher.Publish(u)
			}
			republished++
		}
		c.mu.Unlock()
	}

	s.log.WithComponent("store").WithFields(logger.Fields{
		"domain":      signal.Domain.String(),
		"last_update": signal.LastKnownUpdateTime,
		"republished": republished,
	}).Warn("domain degraded, serving last known values")

	if co := s.coord(); co != nil {
		co.RequestFetch(signal.Domain)
	}
	return republished
}

func (s *Store) recoveredSince(ds *domainState, signal models.FallbackSignal) bool {
	n := ds.lastAccepted.Load()
	return n != 0 && time.Unix(0, n).After(signal.LastKnownUpdateTime)
}

func (s *Store) ignoreSignal(signal models.FallbackSignal) {
	s.log.WithComponent("store").WithFields(logger.Fields{
		"domain":      signal.Domain.String(),
		"last_update": signal.LastKnownUpdateTime,
	}).Debug("fallback signal overtaken by a newer update, ignored")
}

func annotate(u *models.Update, last time.Time) {
	u.Fallback = true
	u.LastUpdate = &last
}

// Retain drops every cell whose symbol is not in codes. It returns the
// number of removed cells.
func (s *Store) Retain(codes []string) int {
	keep := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		keep[code] = struct{}{}
	}

	removed := 0
	for _, d := range models.Domains {
		ds := s.domains[d]
		ds.mu.Lock()
		for symbol, c := range ds.cells {
			if _, ok := keep[symbol]; !ok {
				c.mu.Lock()
				c.removed = true
				c.mu.Unlock()
				delete(ds.cells, symbol)
				removed++
			}
		}
		ds.mu.Unlock()
	}

	if removed > 0 {
		s.log.WithComponent("store").WithFields(logger.Fields{
			"removed": removed,
			"symbols": len(codes),
		}).Info("removed delisted symbols")
	}
	return removed
}

// LastAccepted is the wall-clock time of the last accepted update of the
// domain, zero if none.
func (s *Store) LastAccepted(domain models.Domain) time.Time {
	ds, err := s.domain(domain)
	if err != nil {
		return time.Time{}
	}
	n := ds.lastAccepted.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Store) Degraded(domain models.Domain) bool {
	ds, err := s.domain(domain)
	if err != nil {
		return false
	}
	return ds.degraded.Load()
}

// Symbols lists the symbols holding a value in the domain, sorted.
func (s *Store) Symbols(domain models.Domain) []string {
	ds, err := s.domain(domain)
	if err != nil {
		return nil
	}
	ds.mu.RLock()
	out := make([]string, 0, len(ds.cells))
	for symbol, c := range ds.cells {
		c.mu.Lock()
		if c.present {
			out = append(out, symbol)
		}
		c.mu.Unlock()
	}
	ds.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Stats are cumulative counters since start.
type Stats struct {
	Accepted uint64
	Stale    uint64
	Rejected uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Stale:    s.stale.Load(),
		Rejected: s.rejected.Load(),
	}
}
