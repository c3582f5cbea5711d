// Registers relay counters and gauges on a private registry:
//
//	#marketrelay_frames_received_total{domain}
//	#marketrelay_decode_errors_total{domain}
//	#marketrelay_reconnects_total{domain}
//	#marketrelay_drops_total{stage}
//	#marketrelay_updates_accepted_total{domain,source}
//	#marketrelay_updates_rejected_total{domain,reason}
//	#marketrelay_polls_total{domain,result}
//	#marketrelay_domain_degraded{domain}
//	#marketrelay_subscribers
//	#go_* and process_* system metrics
//
// Handler exposes them for the gateway's /metrics route.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	framesReceived  *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	drops           *prometheus.CounterVec
	updatesAccepted *prometheus.CounterVec
	updatesRejected *prometheus.CounterVec
	polls           *prometheus.CounterVec
	domainDegraded  *prometheus.GaugeVec
	subscribers     prometheus.Gauge
)

func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketrelay_frames_received_total",
			Help: "Frames read from the upstream feed",
		}, []string{"domain"})
		decodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketrelay_decode_errors_total",
			Help: "Frames dropped because they could not be decoded",
		}, []string{"domain"})
		reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketrelay_reconnects_total",
			Help: "Upstream reconnect attempts",
		}, []string{"domain"})
		drops = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketrelay_drops_total",
			Help: "Messages dropped on a full queue",
		}, []string{"stage"})
		updatesAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketrelay_updates_accepted_total",
			Help: "Updates applied by the state store",
		}, []string{"domain", "source"})
		updatesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketrelay_updates_rejected_total",
			Help: "Updates rejected by the state store",
		}, []string{"domain", "reason"})
		polls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketrelay_polls_total",
			Help: "Secondary REST fetches while a domain is degraded",
		}, []string{"domain", "result"})
		domainDegraded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketrelay_domain_degraded",
			Help: "1 while the domain is served from the fallback path",
		}, []string{"domain"})
		subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketrelay_subscribers",
			Help: "Active broadcast subscriptions",
		})

		registry.MustRegister(
			framesReceived, decodeErrors, reconnects, drops,
			updatesAccepted, updatesRejected, polls, domainDegraded, subscribers,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the relay registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mostly for tests.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

func IncFrame(domain string) {
	if framesReceived != nil {
		framesReceived.WithLabelValues(domain).Inc()
	}
}

func IncDecodeError(domain string) {
	if decodeErrors != nil {
		decodeErrors.WithLabelValues(domain).Inc()
	}
}

func IncReconnect(domain string) {
	if reconnects != nil {
		reconnects.WithLabelValues(domain).Inc()
	}
}

func IncDrop(stage string) {
	if drops != nil {
		drops.WithLabelValues(stage).Inc()
	}
}

func IncAccepted(domain, source string) {
	if updatesAccepted != nil {
		updatesAccepted.WithLabelValues(domain, source).Inc()
	}
}

func IncRejected(domain, reason string) {
	if updatesRejected != nil {
		updatesRejected.WithLabelValues(domain, reason).Inc()
	}
}

func IncPoll(domain, result string) {
	if polls != nil {
		polls.WithLabelValues(domain, result).Inc()
	}
}

// SetDegraded flips the health gauge of a domain.
func SetDegraded(domain string, degraded bool) {
	if domainDegraded == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	domainDegraded.WithLabelValues(domain).Set(v)
}

func AddSubscribers(delta float64) {
	if subscribers != nil {
		subscribers.Add(delta)
	}
}
