package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wisprnet/relay/internal/config"
	"github.com/wisprnet/relay/internal/constants"
	"github.com/wisprnet/relay/internal/logger"
	"github.com/wisprnet/relay/internal/metrics"
)

// Server owns the HTTP listener, upgrades WebSocket requests into
// sessions, and coordinates cooperative shutdown.
type Server struct {
	cfg      *config.Config
	relay    *Relay
	upgrader websocket.Upgrader

	httpSrv      *http.Server
	shutdownOnce sync.Once
}

// NewServer constructs a Server around the relay aggregate.
func NewServer(cfg *config.Config, r *Relay) *Server {
	return &Server{
		cfg:   cfg,
		relay: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Handler returns the root HTTP handler: WebSocket upgrades become
// relay sessions, NIP-11 requests get the information document, and
// /health reports liveness.
func (s *Server) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isWebSocketRequest(r):
			s.handleWebSocket(ctx, w, r)
		case r.Header.Get("Accept") == "application/nostr+json":
			s.serveRelayMetadata(w)
		case r.URL.Path == "/health":
			s.handleHealth(w)
		case r.URL.Path == "/":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(s.cfg.Relay.Name + " - connect with a Nostr client via WebSocket\n"))
		default:
			http.NotFound(w, r)
		}
	})
}

// handleWebSocket upgrades the request and starts a session.
func (s *Server) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if s.relay.Closing() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.Error(err),
			zap.String("client", r.RemoteAddr))
		metrics.ErrorsCount.WithLabelValues("websocket").Inc()
		return
	}

	conn := NewWsConnection(ctx, wsConn, s.relay)
	s.relay.RegisterConn(conn)

	logger.Debug("WebSocket connection established",
		zap.String("client", conn.RemoteAddr()),
		zap.String("conn_id", conn.ID()),
		zap.Int64("active_connections", metrics.GetActiveConnectionsCount()))

	go conn.HandleMessages(ctx)
}

// serveRelayMetadata answers NIP-11 information document requests.
func (s *Server) serveRelayMetadata(w http.ResponseWriter) {
	var pubkey string
	if ident := s.relay.Identity(); ident != nil {
		pubkey = ident.PublicKey
	}
	doc := constants.DefaultRelayMetadata(s.cfg, pubkey)

	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		http.Error(w, "failed to encode metadata", http.StatusInternalServerError)
	}
}

type healthStatus struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
	EventsHeld  int    `json:"events_held"`
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthStatus{
		Status:      "ok",
		Uptime:      time.Since(s.relay.StartTime()).Round(time.Second).String(),
		Connections: s.relay.ConnectionCount(),
		EventsHeld:  s.relay.Store().Len(),
	})
}

// ListenAndServe starts the relay on addr and blocks until the listener
// stops. Canceling ctx triggers shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(ctx),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 0, // the relay imposes no idle timeout on clients
	}

	if s.cfg.Store.PurgeEnabled {
		s.relay.Store().StartPurgeTicker(ctx, s.cfg.Store.PurgeInterval)
	}

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	logger.Info("Relay WebSocket server listening", zap.String("address", addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes every socket, clears relay state, then stops the
// listener. A second call is a no-op. If the listener does not report
// closed within the timeout, shutdown resolves anyway rather than hang.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		logger.Info("Shutting down relay server...")
		s.relay.Shutdown()

		if s.httpSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Listener did not close cleanly, proceeding", zap.Error(err))
		}
	})
}

// isWebSocketRequest checks if the request is a WebSocket upgrade request
func isWebSocketRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.ToLower(r.Header.Get("Upgrade")) == "websocket"
}
