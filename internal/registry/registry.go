// Package registry keeps the authoritative list of tradable symbols.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"marketrelay/config"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

// Lister fetches the full market list from the exchange.
type Lister interface {
	Markets(ctx context.Context) ([]models.Symbol, error)
}

// ChangeFunc is called with the codes added and removed by a refresh and
// the complete new code list.
type ChangeFunc func(added, removed, codes []string)

const defaultRetryDelay = time.Second

type Registry struct {
	cfg    config.RegistryConfig
	lister Lister

	// retryMin is the first delay between attempts while no good set exists.
	retryMin time.Duration

	mu      sync.RWMutex
	symbols []models.Symbol
	codes   []string
	updated time.Time

	listenersMu sync.Mutex
	listeners   []ChangeFunc

	log *logger.Log
}

func New(cfg config.RegistryConfig, lister Lister) *Registry {
	return &Registry{
		cfg:      cfg,
		lister:   lister,
		retryMin: defaultRetryDelay,
		log:      logger.GetLogger(),
	}
}

// OnChange registers fn for every change of the code set.
func (r *Registry) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Refresh fetches the market list and replaces the current set. On failure
// or an empty result the previous set is kept and an error wrapping
// ErrUpstreamUnavailable is returned.
func (r *Registry) Refresh(ctx context.Context) ([]models.Symbol, error) {
	fetched, err := r.lister.Markets(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh markets: %w", unavailable(err))
	}

	symbols := r.filter(fetched)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("refresh markets: empty market list: %w", models.ErrUpstreamUnavailable)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Code < symbols[j].Code })

	codes := make([]string, len(symbols))
	for i, s := range symbols {
		codes[i] = s.Code
	}

	r.mu.Lock()
	previous := r.codes
	r.symbols = symbols
	r.codes = codes
	r.updated = time.Now()
	r.mu.Unlock()

	added, removed := diff(previous, codes)
	if len(added) > 0 || len(removed) > 0 {
		r.log.WithComponent("registry").WithFields(logger.Fields{
			"added":   len(added),
			"removed": len(removed),
			"total":   len(codes),
		}).Info("market list changed")
		r.notify(added, removed, codes)
	}

	return append([]models.Symbol(nil), symbols...), nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
}

func (r *Registry) filter(in []models.Symbol) []models.Symbol {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.Symbol, 0, len(in))
	for _, s := range in {
		if s.Code == "" {
			continue
		}
		if _, dup := seen[s.Code]; dup {
			continue
		}
		if !r.quoteAllowed(s.Code) {
			continue
		}
		seen[s.Code] = struct{}{}
		out = append(out, s)
	}
	return out
}

// quoteAllowed matches the quote prefix of codes like KRW-BTC.
func (r *Registry) quoteAllowed(code string) bool {
	if len(r.cfg.QuoteFilter) == 0 {
		return true
	}
	quote, _, ok := strings.Cut(code, "-")
	if !ok {
		return false
	}
	for _, q := range r.cfg.QuoteFilter {
		if strings.EqualFold(q, quote) {
			return true
		}
	}
	return false
}

func (r *Registry) notify(added, removed, codes []string) {
	r.listenersMu.Lock()
	listeners := append([]ChangeFunc(nil), r.listeners...)
	r.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(added, removed, append([]string(nil), codes...))
	}
}

// Current returns the last good symbol set. It never blocks on the network.
func (r *Registry) Current() []models.Symbol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Symbol(nil), r.symbols...)
}

// Codes returns the codes of the last good set.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.codes...)
}

// Lookup returns the symbol with code.
func (r *Registry) Lookup(code string) (models.Symbol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.SearchStrings(r.codes, code)
	if i < len(r.codes) && r.codes[i] == code {
		return r.symbols[i], true
	}
	return models.Symbol{}, false
}

// UpdatedAt is the time of the last successful refresh.
func (r *Registry) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated
}

// Run refreshes immediately and then every refresh interval until ctx is
// done. Until the first good set arrives, failed attempts are retried with
// exponential backoff capped at the refresh interval. Later failures are
// logged and counted; the last good set stays in place.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.RefreshInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	retry := &backoff.Backoff{Min: r.retryMin, Max: interval, Factor: 2}

	timer := time.NewTimer(r.nextDelay(r.refreshAndLog(ctx), retry, interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.WithComponent("registry").Info("registry refresh stopped")
			return
		case <-timer.C:
			timer.Reset(r.nextDelay(r.refreshAndLog(ctx), retry, interval))
		}
	}
}

func (r *Registry) nextDelay(ok bool, retry *backoff.Backoff, interval time.Duration) time.Duration {
	if ok || len(r.Codes()) > 0 {
		retry.Reset()
		return interval
	}
	delay := retry.Duration()
	r.log.WithComponent("registry").WithFields(logger.Fields{
		"retry_in": delay.String(),
	}).Warn("no market list yet, retrying")
	return delay
}

func (r *Registry) refreshAndLog(ctx context.Context) bool {
	log := r.log.WithComponent("registry").WithFields(logger.Fields{"operation": "refresh"})
	symbols, err := r.Refresh(ctx)
	if err != nil {
		metrics.EmitMetric(r.log, "registry", "refresh_failures", 1, "counter", logger.Fields{"unit": "count"})
		log.WithError(err).WithFields(logger.Fields{"kept": len(r.Codes())}).Error("market refresh failed, keeping last good set")
		return false
	}
	metrics.EmitMetric(r.log, "registry", "symbols", len(symbols), "gauge", logger.Fields{"unit": "count"})
	log.WithFields(logger.Fields{"symbols": len(symbols)}).Info("market list refreshed")
	return true
}

func diff(previous, current []string) (added, removed []string) {
	prev := make(map[string]struct{}, len(previous))
	for _, c := range previous {
		prev[c] = struct{}{}
	}
	cur := make(map[string]struct{}, len(current))
	for _, c := range current {
		cur[c] = struct{}{}
		if _, ok := prev[c]; !ok {
			added = append(added, c)
		}
	}
	for _, c := range previous {
		if _, ok := cur[c]; !ok {
			removed = append(removed, c)
		}
	}
	return added, removed
}
