package upbit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"marketrelay/config"
	"marketrelay/internal/channel"
	"marketrelay/internal/metrics"
	"marketrelay/internal/models"
	"marketrelay/logger"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultPingInterval     = 30 * time.Second
	writeTimeout            = 5 * time.Second
)

type StreamStats struct {
	FramesReceived uint64
	FramesDropped  uint64
	Reconnects     uint64
}

// Stream owns the WebSocket connection of one domain. It reads frames into
// the domain queue and never inspects their content.
type Stream struct {
	domain   models.Domain
	cfg      config.UpbitConfig
	feed     config.FeedConfig
	codes    func() []string
	channels *channel.Channels
	dialer   *websocket.Dialer
	backoff  *backoff.Backoff
	// onRetry, when set, sees every reconnect delay before the wait.
	onRetry func(delay time.Duration)

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	wake    chan struct{}

	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	reconnects     atomic.Uint64

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	log     *logger.Entry
}

// NewStream builds the connector of domain. codes is read on every
// (re)connect so a reconnect always subscribes the latest registry snapshot.
func NewStream(domain models.Domain, cfg config.UpbitConfig, feed config.FeedConfig, codes func() []string, ch *channel.Channels) *Stream {
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	return &Stream{
		domain:   domain,
		cfg:      cfg,
		feed:     feed,
		codes:    codes,
		channels: ch,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshake,
		},
		backoff: newBackoff(feed.Backoff),
		wake:    make(chan struct{}, 1),
		log: logger.GetLogger().WithComponent("upbit_stream").WithFields(logger.Fields{
			"domain": domain.String(),
		}),
	}
}

func (s *Stream) Domain() models.Domain { return s.domain }

func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%s stream already running", s.domain)
	}
	s.running = true
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"url": s.cfg.WebSocketURL}).Info("starting upbit stream")

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop waits for the read loop to exit. The caller cancels the context
// passed to Start.
func (s *Stream) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.closeConn()
	s.wg.Wait()
	s.log.Info("upbit stream stopped")
}

// Connect dials the exchange. Handshake rejections with 401 or 403 wrap
// models.ErrAuth, everything else wraps models.ErrConnection.
func (s *Stream) Connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.WebSocketURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: status %d: %w", s.cfg.WebSocketURL, resp.StatusCode, models.ErrAuth)
		}
		return nil, fmt.Errorf("dial %s: %v: %w", s.cfg.WebSocketURL, err, models.ErrConnection)
	}
	return conn, nil
}

// Subscribe writes a subscription for codes on conn.
func (s *Stream) Subscribe(conn *websocket.Conn, codes []string) error {
	req, err := BuildRequest(s.domain, codes, RequestOptions{
		IsOnlyRealtime: s.feed.IsOnlyRealtime,
		IsOnlySnapshot: s.feed.IsOnlySnapshot,
	})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("subscribe %s: %v: %w", s.domain, err, models.ErrConnection)
	}
	return nil
}

// Resubscribe replaces the subscription on the live connection with codes.
// Without a connection it only wakes a waiting reconnect. A failed write
// closes the connection so the reconnect path subscribes from scratch.
func (s *Stream) Resubscribe(codes []string) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil {
		select {
		case s.wake <- struct{}{}:
		default:
		}
		return nil
	}

	if err := s.Subscribe(conn, codes); err != nil {
		s.log.WithError(err).Warn("resubscribe failed, forcing reconnect")
		_ = conn.Close()
		return err
	}
	s.log.WithFields(logger.Fields{"symbols": len(codes)}).Info("resubscribed")
	return nil
}

func (s *Stream) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Stream) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Stream) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		codes := s.codes()
		if len(codes) == 0 {
			s.log.Debug("no symbols to subscribe yet")
			if s.waitForWake(ctx, s.backoff.Min) {
				return
			}
			continue
		}

		conn, err := s.Connect(ctx)
		if err != nil {
			if errors.Is(err, models.ErrAuth) {
				s.log.WithError(err).Error("upbit rejected the handshake, stream stopped")
				return
			}
			if s.retry(ctx, err, "failed to connect to upbit websocket") {
				return
			}
			continue
		}

		if err := s.Subscribe(conn, codes); err != nil {
			_ = conn.Close()
			if s.retry(ctx, err, "failed to subscribe") {
				return
			}
			continue
		}

		s.backoff.Reset()
		s.setConn(conn)
		s.log.WithFields(logger.Fields{"symbols": len(codes)}).Info("connected and subscribed")

		pingCancel := s.startPingLoop(ctx, conn)
		err = s.readLoop(ctx, conn)
		pingCancel()

		s.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if s.retry(ctx, err, "upbit websocket read loop ended") {
			return
		}
	}
}

// retry logs err, counts a reconnect and sleeps for the next backoff step.
// It returns true when ctx ended during the wait.
func (s *Stream) retry(ctx context.Context, err error, msg string) bool {
	delay := s.backoff.Duration()
	s.reconnects.Add(1)
	metrics.IncReconnect(s.domain.String())
	s.log.WithError(err).WithFields(logger.Fields{
		"retry_in": delay.String(),
		"attempt":  s.reconnects.Load(),
	}).Warn(msg)
	if s.onRetry != nil {
		s.onRetry(delay)
	}
	return waitForReconnect(ctx, delay)
}

func (s *Stream) waitForWake(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-s.wake:
		return false
	case <-timer.C:
		return false
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %v: %w", err, models.ErrConnection)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		s.framesReceived.Add(1)
		metrics.IncFrame(s.domain.String())

		frame := channel.Frame{Domain: s.domain, Data: data, ReceivedAt: time.Now()}
		if !s.channels.SendRaw(ctx, frame) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.framesDropped.Add(1)
			metrics.EmitDropMetric(nil, metrics.DropMetricRawFrame, s.domain.String(), "", "reader")
		}
	}
}

func (s *Stream) startPingLoop(ctx context.Context, conn *websocket.Conn) context.CancelFunc {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					s.log.WithError(err).Warn("failed to send websocket ping")
					_ = conn.Close()
					return
				}
			}
		}
	}()
	return cancel
}

func (s *Stream) Stats() StreamStats {
	return StreamStats{
		FramesReceived: s.framesReceived.Load(),
		FramesDropped:  s.framesDropped.Load(),
		Reconnects:     s.reconnects.Load(),
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
