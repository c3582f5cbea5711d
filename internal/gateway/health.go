package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"marketrelay/internal/models"
)

// healthTracker keeps the recent state transitions seen on the coordinator bus.
type healthTracker struct {
	source HealthSource
	limit  int

	mu          sync.RWMutex
	transitions []models.StateChange

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHealthTracker(source HealthSource, limit int) *healthTracker {
	if limit <= 0 {
		limit = 200
	}
	return &healthTracker{source: source, limit: limit}
}

func (h *healthTracker) start(ctx context.Context) {
	if h == nil || h.source == nil {
		return
	}
	changes, detach := h.source.Subscribe()
	childCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer detach()
		for {
			select {
			case <-childCtx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				h.record(change)
			}
		}
	}()
}

func (h *healthTracker) stop() {
	if h == nil {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *healthTracker) record(change models.StateChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transitions = append(h.transitions, change)
	if len(h.transitions) > h.limit {
		h.transitions = append([]models.StateChange(nil), h.transitions[len(h.transitions)-h.limit:]...)
	}
}

func (h *healthTracker) recent() []models.StateChange {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.StateChange, len(h.transitions))
	copy(out, h.transitions)
	return out
}

// handleHealth answers 200 while every domain is healthy and 503 otherwise.
// The body lists the state per domain and the recent transitions.
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	states := s.deps.Health.States()
	byName := make(map[string]string, len(states))
	degraded := false
	for d, h := range states {
		byName[d.String()] = h.String()
		if h == models.Degraded {
			degraded = true
		}
	}
	status, code := "ok", http.StatusOK
	if degraded {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"domains":     byName,
		"transitions": s.health.recent(),
	})
}
