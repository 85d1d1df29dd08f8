package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/sos-scanner/models"
)

const (
	writeWait   = 5 * time.Second
	outboxSize  = 32
	pingPeriod  = 30 * time.Second
	maxReadSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow connections from any origin
	},
}

// SessionFactory creates a scan session wired to the given observers.
type SessionFactory func(id string, observers ...StateObserver) *ScanSession

// ScannerServer exposes scan sessions to presentation clients over websocket.
type ScannerServer struct {
	NewSession SessionFactory
	Logger     *zap.Logger

	mu    sync.Mutex
	conns map[string]*clientConn
}

func NewScannerServer(factory SessionFactory) *ScannerServer {
	return &ScannerServer{
		NewSession: factory,
		Logger:     zap.L(),
		conns:      make(map[string]*clientConn),
	}
}

// clientConn is one presentation client and the scan session it drives.
type clientConn struct {
	ID     string
	conn   *websocket.Conn
	logger *zap.Logger
	server *ScannerServer

	outbox chan models.WebSocketMessage
	closed chan struct{}

	mu      sync.Mutex
	session *ScanSession
}

// HandleScan upgrades the request and serves one client until it leaves.
func (srv *ScannerServer) HandleScan(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.Logger.Error("Failed to upgrade to websocket", zap.Error(err))
		return
	}

	c := &clientConn{
		ID:     uuid.New().String(),
		conn:   conn,
		server: srv,
		outbox: make(chan models.WebSocketMessage, outboxSize),
		closed: make(chan struct{}),
	}
	c.logger = srv.Logger.With(zap.String("client_id", c.ID))
	c.logger.Info("Scanner client connected")

	srv.mu.Lock()
	srv.conns[c.ID] = c
	srv.mu.Unlock()

	go c.writeLoop()
	c.readLoop()

	c.stopSession()
	close(c.closed)
	conn.Close()

	srv.mu.Lock()
	delete(srv.conns, c.ID)
	srv.mu.Unlock()
	c.logger.Info("Scanner client disconnected")
}

// Shutdown stops every active session and closes client connections.
func (srv *ScannerServer) Shutdown(ctx context.Context) {
	srv.mu.Lock()
	conns := make([]*clientConn, 0, len(srv.conns))
	for _, c := range srv.conns {
		conns = append(conns, c)
	}
	srv.mu.Unlock()

	for _, c := range conns {
		c.stopSession()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.conn.Close()
	}

	for _, c := range conns {
		select {
		case <-c.closed:
		case <-ctx.Done():
			return
		}
	}
}

func (c *clientConn) readLoop() {
	c.conn.SetReadLimit(maxReadSize)
	for {
		var msg models.WebSocketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "start":
			c.startSession()
		case "confirm":
			c.reply("confirm", c.withSession(func(s *ScanSession) error {
				return s.Confirm(labelFrom(msg.Data))
			}))
		case "mark_unknown":
			c.reply("mark_unknown", c.withSession((*ScanSession).MarkUnknown))
		case "next_item":
			c.reply("next_item", c.withSession((*ScanSession).NextItem))
		case "state":
			if s := c.currentSession(); s != nil {
				c.send("state", s.State())
			} else {
				c.send("error", errorPayload("state", ErrSessionNotStarted))
			}
		case "stop":
			c.logger.Info("Received stop command from client")
			c.stopSession()
			c.send("stop_confirmation", map[string]interface{}{
				"client_id": c.ID,
				"message":   "Session stopped successfully",
			})
		case "ping":
			c.send("pong", nil)
		default:
			c.logger.Warn("Unknown message type", zap.String("type", msg.Type))
			c.send("error", map[string]interface{}{"message": "unknown message type", "type": msg.Type})
		}
	}
}

func (c *clientConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Error("Failed to send websocket message", zap.Error(err), zap.String("type", msg.Type))
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Ping failed", zap.Error(err))
			}
		}
	}
}

// send queues a message for the writer. Messages are dropped when the client
// cannot keep up; state messages supersede each other anyway.
func (c *clientConn) send(msgType string, data interface{}) {
	msg := models.WebSocketMessage{Type: msgType, Data: data, Timestamp: time.Now()}
	select {
	case c.outbox <- msg:
	default:
		c.logger.Warn("Outbox full, dropping message", zap.String("type", msgType))
	}
}

func (c *clientConn) startSession() {
	c.stopSession()

	id := uuid.New().String()
	s := c.server.NewSession(id, func(state models.SessionState) {
		c.send("state", state)
	})

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	s.Start()
	c.send("session_started", map[string]interface{}{"session_id": id})
	c.send("state", s.State())
}

func (c *clientConn) stopSession() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}

func (c *clientConn) currentSession() *ScanSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *clientConn) withSession(fn func(*ScanSession) error) error {
	s := c.currentSession()
	if s == nil {
		return ErrSessionNotStarted
	}
	return fn(s)
}

func (c *clientConn) reply(action string, err error) {
	if err != nil {
		c.send("error", errorPayload(action, err))
	}
}

func errorPayload(action string, err error) map[string]interface{} {
	code := "internal"
	switch {
	case errors.Is(err, ErrLabelNotCandidate):
		code = "label_not_candidate"
	case errors.Is(err, ErrInvalidTransition):
		code = "invalid_transition"
	case errors.Is(err, ErrEmptyLabel):
		code = "empty_label"
	case errors.Is(err, ErrSessionNotStarted), errors.Is(err, ErrSessionClosed):
		code = "no_session"
	}
	return map[string]interface{}{
		"action":  action,
		"code":    code,
		"message": err.Error(),
	}
}

// labelFrom accepts {"label": "mask"} or a bare string.
func labelFrom(data interface{}) string {
	switch v := data.(type) {
	case string:
		return v
	case map[string]interface{}:
		if l, ok := v["label"].(string); ok {
			return l
		}
	}
	return ""
}
