package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/presence"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/response"
)

const (
	pongWait   = constants.WebSocketPingInterval
	pingPeriod = (pongWait * 9) / 10
	writeWait  = constants.WebSocketWriteTimeout
)

// PresenceRefresher keeps a connected user's mirrored presence alive
type PresenceRefresher interface {
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// HubConfig holds signaling hub settings
type HubConfig struct {
	// MaxConnections caps concurrent sockets on this instance
	MaxConnections int
	// CheckOrigin vets the Origin header of upgrade requests
	CheckOrigin func(r *http.Request) bool
	// Refresher is optional
	Refresher PresenceRefresher
}

// SignalingHub accepts signaling WebSockets, registers them in presence and
// hands every inbound message to the relay.
type SignalingHub struct {
	relay     *signaling.Relay
	registry  *presence.Registry
	refresher PresenceRefresher
	upgrader  websocket.Upgrader

	maxConnections int
	semaphore      chan struct{}
	connections    atomic.Int64

	metrics *metrics.Metrics
	log     *zap.Logger
}

// SignalingClient is one signaling WebSocket. It implements presence.Handle.
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	id     string
	userID uuid.UUID
	// callID is set when the socket was opened with a call-scoped token
	callID uuid.UUID

	mu     sync.RWMutex
	send   chan []byte
	closed bool
}

// NewSignalingHub creates a new signaling hub
func NewSignalingHub(relay *signaling.Relay, registry *presence.Registry, cfg HubConfig, m *metrics.Metrics, log *zap.Logger) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = constants.MaxSignalingConnections
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SignalingHub{
		relay:     relay,
		registry:  registry,
		refresher: cfg.Refresher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		maxConnections: cfg.MaxConnections,
		semaphore:      make(chan struct{}, cfg.MaxConnections),
		metrics:        m,
		log:            log,
	}
}

// ServeWS upgrades the request and serves the socket until it closes.
// The route must sit behind middleware.WebSocketAuth.
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
		defer func() { <-h.semaphore }()
	default:
		h.log.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		h.metrics.RecordWebSocketError("capacity")
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Server at capacity, please try again later")
		return
	}

	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "Authentication required")
		return
	}
	var callID uuid.UUID
	if v, ok := c.Get(middleware.ContextCallID); ok {
		callID, _ = v.(uuid.UUID)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		h.metrics.RecordWebSocketError("upgrade")
		return
	}

	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		id:     uuid.NewString(),
		userID: userID,
		callID: callID,
		send:   make(chan []byte, constants.SignalSendBuffer),
	}

	h.metrics.SetWebSocketConnections(int(h.connections.Add(1)))
	defer func() { h.metrics.SetWebSocketConnections(int(h.connections.Add(-1))) }()

	if replaced := h.registry.Register(client); replaced != nil {
		h.log.Info("Replacing previous signaling connection", zap.String("user_id", userID.String()))
		replaced.Close()
	}
	h.log.Debug("Signaling client connected",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", client.id))

	go client.writePump()
	client.readPump()
}

// Close disconnects every client
func (h *SignalingHub) Close() {
	h.registry.Close()
}

// ID implements presence.Handle
func (c *SignalingClient) ID() string { return c.id }

// UserID implements presence.Handle
func (c *SignalingClient) UserID() uuid.UUID { return c.userID }

// Send queues a frame without blocking. A client that cannot keep up is disconnected.
func (c *SignalingClient) Send(frame []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return presence.ErrClosed
	}
	select {
	case c.send <- frame:
		c.mu.RUnlock()
		c.hub.metrics.RecordWebSocketMessage("frame", "out")
		return nil
	default:
		c.mu.RUnlock()
	}

	c.hub.log.Warn("Signaling send buffer full, dropping client", zap.String("user_id", c.userID.String()))
	c.hub.metrics.RecordWebSocketError("send_buffer_full")
	c.Close()
	return presence.ErrBufferFull
}

// Close stops the write pump, which closes the socket
func (c *SignalingClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads messages from WebSocket
func (c *SignalingClient) readPump() {
	defer func() {
		c.hub.registry.Unregister(c)
		c.Close()
		c.conn.Close()
		c.hub.log.Debug("Signaling client disconnected",
			zap.String("user_id", c.userID.String()),
			zap.String("connection_id", c.id))
	}()

	c.conn.SetReadLimit(constants.MaxSignalMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		msg, err := signaling.Decode(data)
		if err != nil {
			c.hub.metrics.RecordWebSocketError("decode")
			c.reject("", "VALIDATION_ERROR", err.Error())
			continue
		}
		c.hub.metrics.RecordWebSocketMessage(string(msg.Type), "in")

		if c.callID != uuid.Nil && msg.CallID != uuid.Nil && msg.CallID != c.callID {
			c.reject(msg.Type, "FORBIDDEN", "Signaling token is not valid for this call")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		c.hub.relay.Handle(ctx, c.userID, msg)
		cancel()
	}
}

// writePump writes messages to WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.refreshPresence()
		}
	}
}

func (c *SignalingClient) refreshPresence() {
	if c.hub.refresher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.hub.refresher.RefreshPresence(ctx, c.userID); err != nil {
		c.hub.log.Debug("Failed to refresh presence", zap.String("user_id", c.userID.String()), zap.Error(err))
	}
}

func (c *SignalingClient) reject(msgType signaling.Type, code, message string) {
	frame, err := (&signaling.Message{
		Type:      signaling.TypeError,
		To:        c.userID,
		Reason:    string(msgType),
		Error:     &signaling.ErrorBody{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}).Encode()
	if err != nil {
		return
	}
	_ = c.Send(frame)
}
