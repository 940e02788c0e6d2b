package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/wisprnet/relay/internal/domain"
	"github.com/wisprnet/relay/internal/logger"
	"github.com/wisprnet/relay/internal/metrics"
)

// generateConnID returns a random identifier for a connection.
func generateConnID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// WsConnection is a single WebSocket client session. It owns the read
// loop for its socket; the only state transition is Connected → Closed.
type WsConnection struct {
	id         string
	ws         *websocket.Conn
	relay      *Relay
	remoteAddr string

	writeTimeout time.Duration
	pingTicker   *time.Ticker

	writeMu   sync.Mutex
	closeOnce sync.Once
	isClosed  atomic.Bool
	done      chan struct{}

	reasonMu    sync.Mutex
	closeReason string
}

var _ domain.WebSocketConnection = (*WsConnection)(nil)

// NewWsConnection wraps an upgraded socket in a session and starts its
// keepalive ticker.
func NewWsConnection(ctx context.Context, ws *websocket.Conn, r *Relay) *WsConnection {
	conn := &WsConnection{
		id:           generateConnID(),
		ws:           ws,
		relay:        r,
		remoteAddr:   ws.RemoteAddr().String(),
		writeTimeout: r.cfg.Relay.WriteTimeout,
		pingTicker:   time.NewTicker(r.cfg.Relay.PingInterval),
		done:         make(chan struct{}),
	}

	ws.SetReadLimit(r.cfg.Relay.MaxMessageSize)

	// Echo back the same ping payload in the pong response.
	ws.SetPingHandler(func(appData string) error {
		conn.writeMu.Lock()
		defer conn.writeMu.Unlock()
		_ = conn.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		return nil
	})

	go conn.keepalive(ctx)
	return conn
}

// ID returns the relay-assigned connection identifier.
func (c *WsConnection) ID() string { return c.id }

// setCloseReason records why the session ended. The first reason wins;
// later callers (the read loop and the keepalive goroutine can race
// here) are no-ops.
func (c *WsConnection) setCloseReason(reason string) {
	c.reasonMu.Lock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	c.reasonMu.Unlock()
}

func (c *WsConnection) getCloseReason() string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.closeReason
}

// RemoteAddr returns the client's remote address.
func (c *WsConnection) RemoteAddr() string { return c.remoteAddr }

// HandleMessages runs the session read loop until the socket closes or
// ctx is canceled. Panics in frame handling are recovered inside
// dispatch; only a read error or cancellation ends the session.
func (c *WsConnection) HandleMessages(ctx context.Context) {
	defer func() {
		c.setCloseReason("message handler terminated")
		c.Close()
		c.relay.UnregisterConn(c)
	}()

	logger.Debug("Starting message handler",
		zap.String("client", c.RemoteAddr()),
		zap.String("conn_id", c.id))

	for {
		select {
		case <-ctx.Done():
			c.setCloseReason("server shutting down")
			return
		default:
		}

		_, rawMsg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setCloseReason("client closed connection")
			} else {
				c.setCloseReason("read error")
				logger.Debug("WS read error, disconnecting client",
					zap.Error(err),
					zap.String("client", c.RemoteAddr()))
			}
			return
		}

		metrics.IncrementMessagesProcessed()
		metrics.MessageSizeBytes.Observe(float64(len(rawMsg)))

		c.dispatch(rawMsg)
	}
}

// dispatch decodes one frame and routes it to its handler. Errors are
// surfaced as NOTICE frames; a panic while handling a frame is logged
// and the session carries on reading.
func (c *WsConnection) dispatch(rawMsg []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic while handling frame",
				zap.Any("panic", r),
				zap.String("client", c.RemoteAddr()))
		}
	}()

	msg, err := DecodeClientMessage(rawMsg)
	if err != nil {
		metrics.ErrorsCount.WithLabelValues("decode").Inc()
		c.sendNotice(err.Error())
		return
	}

	metrics.CommandsReceived.WithLabelValues(msg.Verb()).Inc()
	start := time.Now()
	defer func() {
		metrics.CommandProcessingDuration.WithLabelValues(msg.Verb()).Observe(time.Since(start).Seconds())
	}()

	switch m := msg.(type) {
	case EventMessage:
		c.handleEvent(m)
	case SignerEventMessage:
		c.handleSignerEvent(m)
	case ReqMessage:
		c.handleReq(m)
	case CloseMessage:
		c.handleClose(m)
	case TunnelMessage:
		c.relay.BroadcastRaw(m.Raw, c.id)
	}
}

// handleEvent runs the validating publish path: the event is stored
// before the OK is written, so a REQ issued by any connection after
// observing the OK always replays it.
func (c *WsConnection) handleEvent(msg EventMessage) {
	evt := msg.Event

	valid, reason := ValidateEvent(&evt)
	if !valid {
		metrics.ErrorsCount.WithLabelValues("validation").Inc()
		metrics.EventsRejected.WithLabelValues(rejectionLabel(reason)).Inc()
		c.sendOK(evt.ID, false, reason)
		return
	}

	c.relay.Store().Store(evt)
	metrics.EventsProcessed.WithLabelValues(fmt.Sprintf("%d", evt.Kind)).Inc()
	c.sendOK(evt.ID, true, "")

	c.relay.BroadcastEvent(&evt)
}

// rejectionLabel maps a validation reason onto its metrics label.
func rejectionLabel(reason string) string {
	switch {
	case strings.Contains(reason, ErrStaleTimestamp.Error()):
		return "stale_timestamp"
	case strings.Contains(reason, ErrInvalidEventID.Error()):
		return "id_mismatch"
	default:
		return "bad_signature"
	}
}

// handleSignerEvent is the signer-tunnel bypass: no validation, raw
// frame forwarded to every other socket, then an unconditional OK.
func (c *WsConnection) handleSignerEvent(msg SignerEventMessage) {
	c.relay.Store().Store(msg.Event)
	c.relay.BroadcastRaw(msg.Raw, c.id)
	c.sendOK(msg.Event.ID, true, "")
}

// keepalive sends periodic pings so intermediaries keep the socket
// open. A failed ping write means the socket is gone.
func (c *WsConnection) keepalive(ctx context.Context) {
	defer c.pingTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.pingTicker.C:
			if c.isClosed.Load() {
				return
			}
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.setCloseReason("ping failed")
				c.Close()
				c.relay.UnregisterConn(c)
				return
			}
		}
	}
}

// SendMessage writes a raw text frame to the client.
func (c *WsConnection) SendMessage(msg []byte) {
	if c.isClosed.Load() {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed.Load() {
		return
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		logger.Debug("Failed to write message",
			zap.Error(err),
			zap.String("client", c.RemoteAddr()))
		metrics.ErrorsCount.WithLabelValues("websocket").Inc()
		return
	}
	metrics.IncrementMessagesSent()
}

// sendMessage marshals a top-level array like ["NOTICE", "xyz"].
func (c *WsConnection) sendMessage(msgType string, args ...any) {
	data := append([]any{msgType}, args...)
	raw, err := json.Marshal(data)
	if err != nil {
		logger.Warn("Failed to marshal message", zap.Error(err))
		return
	}
	c.SendMessage(raw)
}

// sendNotice sends ["NOTICE", <message>].
func (c *WsConnection) sendNotice(message string) {
	c.sendMessage("NOTICE", message)
}

// sendOK sends ["OK", <eventID>, <accepted>, <message>].
func (c *WsConnection) sendOK(eventID string, accepted bool, message string) {
	c.sendMessage("OK", eventID, accepted, message)
}

// sendEOSE sends ["EOSE", <subID>] marking the end of historical replay.
func (c *WsConnection) sendEOSE(subID string) {
	c.sendMessage("EOSE", subID)
}

// SendEvent sends ["EVENT", <subID>, <event>] to the client.
func (c *WsConnection) SendEvent(subID string, evt *nostr.Event) {
	c.sendMessage("EVENT", subID, evt)
}

// Close gracefully shuts down the socket. Safe to call more than once.
func (c *WsConnection) Close() {
	c.closeOnce.Do(func() {
		c.isClosed.Store(true)
		c.pingTicker.Stop()
		if c.done != nil {
			close(c.done)
		}
		reason := c.getCloseReason()

		logger.Debug("WebSocket connection closed",
			zap.String("reason", reason),
			zap.String("client", c.RemoteAddr()),
			zap.String("conn_id", c.id))

		// Attempt a polite close before dropping the socket.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		_ = c.ws.Close()
	})
}
