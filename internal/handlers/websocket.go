package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/signaling"
	"github.com/rs/zerolog/log"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

// TransportConfig tunes the per-connection pumps
type TransportConfig struct {
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	ReadLimit  int64
	SendBuffer int
}

// DefaultTransportConfig returns the pump settings used when none are given
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  10 * time.Second,
		ReadLimit:  64 << 10,
		SendBuffer: 256,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one user's WebSocket connection. It satisfies registry.Conn.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	cfg    TransportConfig

	mu     sync.RWMutex
	send   chan []byte
	closed bool
}

func newClient(userID string, conn *websocket.Conn, cfg TransportConfig) *Client {
	return &Client{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues evt for the write pump without blocking. A full buffer drops
// the event and reports ErrSendBufferFull.
func (c *Client) Send(evt models.OutboundEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		log.Warn().Str("module", "handlers").Str("user", c.userID).Str("conn", c.id).Str("event", string(evt.Event)).Msg("send buffer full")
		return ErrSendBufferFull
	}
}

// shutdown stops accepting events and lets the write pump drain and exit.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// HandleSignaling upgrades an authenticated request to the signaling socket
// and registers it as the user's active connection
func (s *Server) HandleSignaling(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "handlers").Str("user", userID).Msg("failed to upgrade connection")
		return
	}

	cfg := s.Transport
	if cfg.SendBuffer <= 0 {
		cfg = DefaultTransportConfig()
	}
	client := newClient(userID, conn, cfg)

	prev, replaced := s.Registry.Register(userID, client)
	if replaced {
		log.Info().Str("module", "handlers").Str("user", userID).Str("conn", client.id).Str("superseded", prev.ID()).Msg("connection superseded")
	}
	s.Metrics.SetOnlineUsers(s.Registry.Len())
	if s.Presence != nil {
		ctx, cancel := sideChannelContext()
		if err := s.Presence.MarkOnline(ctx, userID, client.id); err != nil {
			log.Warn().Err(err).Str("module", "handlers").Str("user", userID).Msg("failed to publish presence")
		}
		cancel()
	}
	log.Info().Str("module", "handlers").Str("user", userID).Str("conn", client.id).Msg("signaling connected")

	go client.writePump()
	go s.readPump(client)
}

// readPump decodes frames and hands them to the dispatcher one at a time, so
// events from one connection are handled in arrival order.
func (s *Server) readPump(c *Client) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(c.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	sender := signaling.Sender{UserID: c.userID, Conn: c}
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("module", "handlers").Str("user", c.userID).Msg("websocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			log.Debug().Str("module", "handlers").Str("user", c.userID).Msg("malformed frame")
			_ = c.Send(models.OutboundEvent{
				Event: models.EventError,
				Data:  models.ErrorEvent{Error: models.ErrorSignalingError, Message: "malformed message"},
			})
			continue
		}
		s.Dispatcher.Handle(sender, env)
	}
}

// disconnect runs once the read side is gone. Call cleanup only happens if
// this connection was still the user's registered one.
func (s *Server) disconnect(c *Client) {
	c.shutdown()
	c.conn.Close()

	if !s.Registry.Release(c.userID, c) {
		log.Info().Str("module", "handlers").Str("user", c.userID).Str("conn", c.id).Msg("superseded connection closed")
		return
	}
	s.Metrics.SetOnlineUsers(s.Registry.Len())
	s.Dispatcher.Disconnect(c.userID)
	if s.Presence != nil {
		ctx, cancel := sideChannelContext()
		if err := s.Presence.MarkOffline(ctx, c.userID, c.id); err != nil {
			log.Warn().Err(err).Str("module", "handlers").Str("user", c.userID).Msg("failed to clear presence")
		}
		cancel()
	}
	log.Info().Str("module", "handlers").Str("user", c.userID).Str("conn", c.id).Msg("signaling disconnected")
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("module", "handlers").Str("user", c.userID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
