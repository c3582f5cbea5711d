package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketrelay/config"
	"marketrelay/internal/broadcast"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

// Reader serves the latest value of a topic.
type Reader interface {
	Get(domain models.Domain, symbol string) (models.Update, error)
}

// Markets is the registry snapshot.
type Markets interface {
	Current() []models.Symbol
	UpdatedAt() time.Time
}

// HealthSource reports per-domain health and publishes transitions.
type HealthSource interface {
	States() map[models.Domain]models.Health
	Subscribe() (<-chan models.StateChange, func())
}

// Hub hands out topic subscriptions.
type Hub interface {
	Subscribe(domain models.Domain, symbol string, buffer int) *broadcast.Subscription
}

// Deps are the relay components exposed over HTTP.
type Deps struct {
	Reader         Reader
	Markets        Markets
	Health         HealthSource
	Hub            Hub
	ListenerBuffer int
}

// Server is the client facing HTTP and WebSocket gateway.
type Server struct {
	cfg           config.GatewayConfig
	deps          Deps
	log           *logger.Log
	events        *eventStore
	logs          *logStore
	metricHandler metrics.MetricHandlerID
	health        *healthTracker
	sampler       *resourceSampler
	httpServer    *http.Server
}

// NewServer returns nil when the gateway is disabled.
func NewServer(cfg config.GatewayConfig, deps Deps, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if deps.Reader == nil || deps.Hub == nil {
		return nil, errors.New("gateway requires a reader and a subscription hub")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.History <= 0 {
		cfg.History = 200
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if deps.ListenerBuffer <= 0 {
		deps.ListenerBuffer = 64
	}

	events := newEventStore(cfg.History)
	logs := newLogStore(cfg.History)
	log.AddHook(logs)

	return &Server{
		cfg:           cfg,
		deps:          deps,
		log:           log,
		events:        events,
		logs:          logs,
		metricHandler: metrics.RegisterMetricHandler(events.handle),
		health:        newHealthTracker(deps.Health, cfg.History),
		sampler:       newResourceSampler(cfg.History, cfg.ResourceInterval, "/", log),
	}, nil
}

// Run serves until ctx is cancelled, then shuts down within the configured
// timeout.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.health.start(ctx)
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("gateway").WithFields(logger.Fields{"address": s.cfg.Address}).Info("gateway listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logs != nil {
		s.logs.close()
	}
	if s.sampler != nil {
		s.sampler.stop()
	}
	if s.health != nil {
		s.health.stop()
	}
}

// Address reports the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/sub/coin/:domain/:symbol", s.handleSubscribe)

	api := router.Group("/api/v1")
	api.GET("/ticker/:symbol", s.handleRead(models.DomainTicker))
	api.GET("/trade/:symbol", s.handleRead(models.DomainTrade))
	api.GET("/orderbook/:symbol", s.handleRead(models.DomainOrderbook))
	api.GET("/markets", s.handleMarkets)
	api.GET("/events", s.handleEvents)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", s.handleResources)

	return router, nil
}

func (s *Server) handleRead(domain models.Domain) gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := normalizeSymbol(c.Param("symbol"))
		u, err := s.deps.Reader.Get(domain, symbol)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

func (s *Server) handleMarkets(c *gin.Context) {
	if s.deps.Markets == nil {
		c.JSON(http.StatusOK, gin.H{"markets": []models.Symbol{}})
		return
	}
	markets := s.deps.Markets.Current()
	if markets == nil {
		markets = []models.Symbol{}
	}
	payload := gin.H{"markets": markets, "count": len(markets)}
	if at := s.deps.Markets.UpdatedAt(); !at.IsZero() {
		payload["updated_at"] = at.Format(time.RFC3339Nano)
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleEvents(c *gin.Context) {
	snapshot := s.events.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
}

func (s *Server) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
