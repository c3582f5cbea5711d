// Package fallback watches the recency of every domain and drives the REST
// polling path while a domain is stale.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"marketrelay/config"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

// Store is the part of the state store the coordinator reads and feeds.
type Store interface {
	LastAccepted(domain models.Domain) time.Time
	Symbols(domain models.Domain) []string
	Accept(msg models.Message) (bool, error)
}

// Fetcher is the secondary data source.
type Fetcher interface {
	Fetch(ctx context.Context, domain models.Domain, codes []string) ([]models.Message, error)
}

// pollBatchSize bounds how many symbols a single Fetch call covers.
const pollBatchSize = 50

type domainState struct {
	mu     sync.Mutex
	health atomic.Int32
	since  time.Time
}

type Coordinator struct {
	cfg     config.FallbackConfig
	domains []models.Domain
	store   Store
	fetcher Fetcher
	symbols func() []string
	now     func() time.Time

	states   map[models.Domain]*domainState
	signals  map[models.Domain]chan models.FallbackSignal
	fetchReq map[models.Domain]chan struct{}

	busMu   sync.Mutex
	bus     map[int]chan models.StateChange
	nextSub int

	startedAt time.Time
	mu        sync.Mutex
	running   bool
	wg        sync.WaitGroup
	log       *logger.Log
}

// NewCoordinator builds a coordinator for domains. symbols supplies the codes
// to poll; when nil the codes already held by the store are used.
func NewCoordinator(cfg config.FallbackConfig, domains []models.Domain, st Store, fetcher Fetcher, symbols func() []string) *Coordinator {
	buffer := cfg.SignalBuffer
	if buffer < 1 {
		buffer = 1
	}
	c := &Coordinator{
		cfg:      cfg,
		domains:  append([]models.Domain(nil), domains...),
		store:    st,
		fetcher:  fetcher,
		symbols:  symbols,
		now:      time.Now,
		states:   make(map[models.Domain]*domainState, len(domains)),
		signals:  make(map[models.Domain]chan models.FallbackSignal, len(domains)),
		fetchReq: make(map[models.Domain]chan struct{}, len(domains)),
		bus:      make(map[int]chan models.StateChange),
		log:      logger.GetLogger(),
	}
	for _, d := range domains {
		c.states[d] = &domainState{}
		c.signals[d] = make(chan models.FallbackSignal, buffer)
		c.fetchReq[d] = make(chan struct{}, 1)
	}
	return c
}

// Start runs one check loop and one poll loop per domain until ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("fallback coordinator already running")
	}
	c.running = true
	c.startedAt = c.now()
	c.mu.Unlock()

	log := c.log.WithComponent("fallback").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"domains":             len(c.domains),
		"staleness_threshold": c.cfg.StalenessThreshold.String(),
		"poll_interval":       c.cfg.PollInterval.String(),
	}).Info("starting fallback coordinator")

	c.wg.Add(1)
	go c.checkLoop(ctx)
	for _, d := range c.domains {
		c.wg.Add(1)
		go c.pollLoop(ctx, d)
	}
	return nil
}

// Stop waits for the loops to exit. The caller cancels the context passed to Start.
func (c *Coordinator) Stop() {
	c.wg.Wait()

	c.busMu.Lock()
	for id, ch := range c.bus {
		close(ch)
		delete(c.bus, id)
	}
	c.busMu.Unlock()

	c.log.WithComponent("fallback").Info("fallback coordinator stopped")
}

func (c *Coordinator) checkLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check(c.now())
		}
	}
}

// check evaluates every domain at now.
func (c *Coordinator) check(now time.Time) {
	for _, d := range c.domains {
		c.evaluate(d, now)
	}
}

func (c *Coordinator) evaluate(d models.Domain, now time.Time) {
	st := c.states[d]
	if models.Health(st.health.Load()) == models.Degraded {
		return
	}

	last := c.store.LastAccepted(d)
	reference := last
	if reference.IsZero() {
		// nothing seen yet: measure from startup
		reference = c.startedAt
	}
	if now.Sub(reference) < c.cfg.StalenessThreshold {
		return
	}

	st.mu.Lock()
	if models.Health(st.health.Load()) == models.Degraded {
		st.mu.Unlock()
		return
	}
	// a fresh update may have landed since the first read
	if latest := c.store.LastAccepted(d); latest.After(last) && now.Sub(latest) < c.cfg.StalenessThreshold {
		st.mu.Unlock()
		return
	}
	st.health.Store(int32(models.Degraded))
	st.since = now
	st.mu.Unlock()

	metrics.SetDegraded(d.String(), true)
	c.log.WithComponent("fallback").WithFields(logger.Fields{
		"domain":      d.String(),
		"last_update": last,
		"age":         now.Sub(reference).String(),
	}).Warn("stale data detected, switching to polling")

	signal := models.FallbackSignal{Domain: d, LastKnownUpdateTime: last}
	select {
	case c.signals[d] <- signal:
	default:
		metrics.EmitDropMetric(c.log, metrics.DropMetricSignal, d.String(), "", "fallback")
	}
	c.emit(models.StateChange{Domain: d, State: models.Degraded, At: now, LastUpdate: last})
}

// MarkFresh records an accepted update for d. A degraded domain turns healthy.
func (c *Coordinator) MarkFresh(d models.Domain) {
	st, ok := c.states[d]
	if !ok || models.Health(st.health.Load()) == models.Healthy {
		return
	}

	st.mu.Lock()
	if models.Health(st.health.Load()) == models.Healthy {
		st.mu.Unlock()
		return
	}
	now := c.now()
	degradedFor := now.Sub(st.since)
	st.health.Store(int32(models.Healthy))
	st.since = now
	st.mu.Unlock()

	metrics.SetDegraded(d.String(), false)
	c.log.WithComponent("fallback").WithFields(logger.Fields{
		"domain":       d.String(),
		"degraded_for": degradedFor.String(),
	}).Info("domain recovered")

	c.emit(models.StateChange{Domain: d, State: models.Healthy, At: now, LastUpdate: c.store.LastAccepted(d)})
}

// RequestFetch schedules one poll of d regardless of its state. Requests
// made while one is pending are merged.
func (c *Coordinator) RequestFetch(d models.Domain) {
	ch, ok := c.fetchReq[d]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Signals returns the channel carrying FallbackSignals of d.
func (c *Coordinator) Signals(d models.Domain) <-chan models.FallbackSignal {
	return c.signals[d]
}

// State returns the current health of d.
func (c *Coordinator) State(d models.Domain) models.Health {
	st, ok := c.states[d]
	if !ok {
		return models.Healthy
	}
	return models.Health(st.health.Load())
}

// States snapshots the health of every watched domain.
func (c *Coordinator) States() map[models.Domain]models.Health {
	out := make(map[models.Domain]models.Health, len(c.domains))
	for _, d := range c.domains {
		out[d] = c.State(d)
	}
	return out
}

// Subscribe attaches a listener to the state change bus. Slow listeners
// miss events. The returned func detaches it.
func (c *Coordinator) Subscribe() (<-chan models.StateChange, func()) {
	ch := make(chan models.StateChange, 16)

	c.busMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.bus[id] = ch
	c.busMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.busMu.Lock()
			if _, ok := c.bus[id]; ok {
				delete(c.bus, id)
				close(ch)
			}
			c.busMu.Unlock()
		})
	}
}

func (c *Coordinator) emit(change models.StateChange) {
	c.busMu.Lock()
	defer c.busMu.Unlock()
	for _, ch := range c.bus {
		select {
		case ch <- change:
		default:
		}
	}
}

func (c *Coordinator) pollLoop(ctx context.Context, d models.Domain) {
	defer c.wg.Done()

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.fetchReq[d]:
			c.poll(ctx, d)
		case <-ticker.C:
			if c.State(d) == models.Degraded {
				c.poll(ctx, d)
			}
		}
	}
}

// poll fetches every symbol of d once and feeds the results to the store.
// It returns the number of accepted updates.
func (c *Coordinator) poll(ctx context.Context, d models.Domain) int {
	if c.fetcher == nil {
		return 0
	}
	codes := c.pollCodes(d)
	if len(codes) == 0 {
		return 0
	}

	timeout := c.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limit := c.cfg.MaxConcurrency
	if limit < 1 {
		limit = 1
	}
	var (
		accepted atomic.Int64
		failed   atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	log := c.log.WithComponent("fallback").WithFields(logger.Fields{"domain": d.String(), "operation": "poll"})
	for start := 0; start < len(codes); start += pollBatchSize {
		end := start + pollBatchSize
		if end > len(codes) {
			end = len(codes)
		}
		batch := codes[start:end]
		g.Go(func() error {
			msgs, err := c.fetcher.Fetch(gctx, d, batch)
			if err != nil {
				failed.Add(1)
				metrics.IncPoll(d.String(), "error")
				log.WithError(err).WithFields(logger.Fields{"symbols": len(batch)}).Warn("secondary fetch failed")
				// one failed batch must not cancel the others
				return nil
			}
			metrics.IncPoll(d.String(), "ok")
			for _, msg := range msgs {
				ok, err := c.store.Accept(msg)
				if err != nil {
					log.WithError(err).WithFields(logger.Fields{"symbol": msg.Symbol}).Debug("poll result rejected")
					continue
				}
				if ok {
					accepted.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(logger.Fields{
		"symbols":        len(codes),
		"accepted":       accepted.Load(),
		"failed_batches": failed.Load(),
	}).Debug("poll cycle finished")
	return int(accepted.Load())
}

func (c *Coordinator) pollCodes(d models.Domain) []string {
	if c.symbols != nil {
		if codes := c.symbols(); len(codes) > 0 {
			return codes
		}
	}
	return c.store.Symbols(d)
}
