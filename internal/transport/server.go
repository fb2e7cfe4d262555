package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stobieee-bit/AsterianServer/internal/config"
	"github.com/stobieee-bit/AsterianServer/internal/guard"
	"github.com/stobieee-bit/AsterianServer/internal/hub"
	"github.com/stobieee-bit/AsterianServer/internal/metrics"
)

// Server owns the HTTP listener and the WebSocket accept path. The hub
// never touches sockets directly; this layer upgrades connections, runs
// the per-connection pumps, and exposes the health and metrics routes.
type Server struct {
	cfg   *config.Config
	log   zerolog.Logger
	h     *hub.Hub
	g     *guard.Guard
	m     *metrics.Registry
	lim   *connRateLimiter
	httpd *http.Server

	startTime    time.Time
	shuttingDown atomic.Bool

	upgrader websocket.Upgrader
}

// NewServer wires the transport around an already-constructed hub.
func NewServer(cfg *config.Config, logger zerolog.Logger, h *hub.Hub, g *guard.Guard, m *metrics.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		log:       logger.With().Str("component", "transport").Logger(),
		h:         h,
		g:         g,
		m:         m,
		lim:       newConnRateLimiter(cfg.ConnRatePerIP, cfg.ConnBurstPerIP),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients connect from arbitrary origins (itch.io pages,
			// local files); the protocol carries nothing origin-sensitive.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return s
}

// Handler returns the route mux: /ws, /health, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.m.Handler())
	return mux
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then stops
// accepting upgrades and shuts the listener down with a timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.lim.sweepLoop(ctx)

	s.httpd = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
		errCh <- s.httpd.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.shuttingDown.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpd.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown error")
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// handleWebSocket is the accept path: shutdown gate, per-IP rate limit,
// resource guard, upgrade, pumps, then hand the connection to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		s.m.ConnectionsRejected.WithLabelValues("shutdown").Inc()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.lim.allow(ip) {
		s.m.ConnectionsRejected.WithLabelValues("rate_limit").Inc()
		s.log.Warn().Str("client_ip", ip).Msg("connection rejected: rate limit exceeded")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if ok, reason := s.g.Allow(); !ok {
		s.m.ConnectionsRejected.WithLabelValues("overload").Inc()
		s.log.Warn().Str("client_ip", ip).Str("reason", reason).Msg("connection rejected: server overloaded")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Debug().Err(err).Str("client_ip", ip).Msg("websocket upgrade failed")
		return
	}

	c := newWSConn(conn, s.h, s.cfg, s.log, s.m)
	s.m.ConnectionsActive.Inc()

	// Accept before the read pump starts, so the hub sees the connection
	// before any of its frames. Capacity is the hub's call; a full
	// registry answers with an error frame and an immediate close.
	go c.writePump()
	s.h.Accept(c)
	go c.readPump()
}

// handleHealth reports the relay's status for load balancers and the
// client's server browser.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	healthy, _ := s.g.Allow()
	if s.shuttingDown.Load() {
		healthy = false
	}
	status := "healthy"
	if !healthy {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	payload := map[string]any{
		"status":         status,
		"healthy":        healthy,
		"players":        s.h.SessionCount(),
		"capacity":       s.cfg.MaxPlayers,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_bytes":     memStats.HeapAlloc,
		"cpu_percent":    s.g.CPUPercent(),
		"rss_bytes":      s.g.RSSBytes(),
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("health encode failed")
	}
}

// clientIP extracts the originating IP, honoring X-Forwarded-For when a
// proxy fronts the relay.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
