package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"marketrelay/internal/models"
	"marketrelay/logger"
)

const (
	clientPongWait   = 60 * time.Second
	clientPingPeriod = clientPongWait * 9 / 10
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts every origin unless allowed_origins is set.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// handleSubscribe upgrades the request and forwards every update of the
// topic until the client goes away. Updates published before the upgrade
// are not replayed.
func (s *Server) handleSubscribe(c *gin.Context) {
	domain, err := models.ParseDomain(c.Param("domain"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	symbol := normalizeSymbol(c.Param("symbol"))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	up := s.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("gateway").WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.deps.Hub.Subscribe(domain, symbol, s.deps.ListenerBuffer)
	defer sub.Unsubscribe()

	log := s.log.WithComponent("gateway").WithFields(logger.Fields{
		"topic":  sub.Topic(),
		"remote": c.Request.RemoteAddr,
	})
	log.Debug("client subscribed")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(clientPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(clientPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(clientPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.WithFields(logger.Fields{"dropped": sub.Dropped()}).Debug("client disconnected")
			return
		case u, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				log.WithError(err).Debug("write to client failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
