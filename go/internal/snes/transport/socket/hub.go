package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/session"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
)

// Role is declared by a connecting party in the `role` query parameter.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// ParseRole defaults to player, matching controllers that omit the parameter.
func ParseRole(s string) Role {
	if Role(s) == RoleHost {
		return RoleHost
	}
	return RolePlayer
}

var errSendBufferFull = errors.New("send buffer full")

// Config holds configuration for socket connections
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns default socket configuration
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			// controllers are opened from QR links on other origins
			return true
		},
	}
}

// Hub relays between one host and the players of each session. It serves the
// socket endpoint and also acts as an in-process Transport for hosts running
// in the same binary.
type Hub struct {
	transport.DisconnectHandlers

	registry *session.Registry
	upgrader websocket.Upgrader
	config   Config
	clock    clockwork.Clock
	ping     []byte
}

// NewHub creates a hub backed by registry.
func NewHub(registry *session.Registry, config Config, clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ping, _ := input.Ping().Encode()
	return &Hub{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		clock:  clock,
		ping:   ping,
	}
}

// Handle upgrades the request and runs the connection until it closes.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, sessionID string) error {
	if h.registry.Closed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return transport.ErrClosed
	}

	q := r.URL.Query()
	role := ParseRole(q.Get("role"))
	playerID := q.Get("playerId")
	if role == RolePlayer && playerID == "" {
		playerID = "anon-" + uuid.NewString()[:8]
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	c := &connection{
		id:          uuid.NewString(),
		role:        role,
		sessionID:   sessionID,
		playerID:    playerID,
		conn:        conn,
		send:        make(chan []byte, h.config.SendBuffer),
		done:        make(chan struct{}),
		hub:         h,
		connectedAt: h.clock.Now(),
	}

	h.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("session_id", sessionID).
		Str("role", string(role)).
		Str("player_id", playerID).
		Msg("socket connection established")
	return nil
}

func (h *Hub) register(p session.Peer) {
	switch c := p.(type) {
	case *connection:
		if c.role == RolePlayer {
			h.attachPlayer(c.sessionID, c.playerID, c)
			return
		}
		h.attachHost(c.sessionID, c)
	case *localHost:
		h.attachHost(c.sessionID, c)
	}
}

func (h *Hub) attachHost(sessionID string, host session.Peer) {
	displaced, players := h.registry.AttachHost(sessionID, host)
	if displaced != nil {
		log.Info().
			Str("session_id", sessionID).
			Str("connection_id", displaced.ID()).
			Msg("host replaced")
		if err := displaced.Close(session.CloseReplaced, "Replaced by new host"); err != nil {
			log.Debug().Err(err).Str("connection_id", displaced.ID()).Msg("close displaced host")
		}
	}
	if err := host.Send(input.Ready(players)); err != nil {
		log.Warn().Err(err).Str("connection_id", host.ID()).Msg("failed to send ready")
	}
}

func (h *Hub) attachPlayer(sessionID, playerID string, player session.Peer) {
	host, displaced := h.registry.AttachPlayer(sessionID, playerID, player)
	if displaced != nil {
		if err := displaced.Close(session.CloseReplaced, "Replaced by new player"); err != nil {
			log.Debug().Err(err).Str("connection_id", displaced.ID()).Msg("close displaced player")
		}
	}
	if host != nil {
		h.sendTo(host, input.PlayerJoin(playerID))
	}
}

// detachHost notifies players only when the departing host was still active.
func (h *Hub) detachHost(sessionID string, host session.Peer) {
	players, removed := h.registry.DetachHost(sessionID, host)
	if !removed {
		return
	}
	for _, p := range players {
		h.sendTo(p, input.HostClose())
	}
}

func (h *Hub) detachPlayer(sessionID, playerID string, player session.Peer) {
	host, removed := h.registry.DetachPlayer(sessionID, playerID, player)
	if removed && host != nil {
		h.sendTo(host, input.PlayerLeave(playerID))
	}
}

func (h *Hub) sendTo(p session.Peer, env input.Envelope) {
	if err := p.Send(env); err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", p.ID()).
			Str("type", string(env.Type)).
			Msg("failed to deliver message")
	}
}

// relayFromPlayer forwards a controller event to the active host.
func (h *Hub) relayFromPlayer(c *connection, message []byte) {
	ev, err := input.ParseEvent(message)
	if err != nil {
		log.Warn().
			Err(err).
			Str("connection_id", c.id).
			Str("session_id", c.sessionID).
			Msg("dropping player message")
		return
	}
	h.registry.Touch(c.sessionID)
	host, ok := h.registry.Host(c.sessionID)
	if !ok {
		return
	}
	h.sendTo(host, input.Wrap(c.playerID, ev, h.clock.Now()))
}

// relayFromHost forwards a to-player payload verbatim.
func (h *Hub) relayFromHost(sessionID string, message []byte) {
	env, err := input.DecodeEnvelope(message)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping host message")
		return
	}
	if env.Type != input.MessageTypeToPlayer {
		return
	}
	h.toPlayer(sessionID, env)
}

func (h *Hub) toPlayer(sessionID string, env input.Envelope) {
	target, ok := h.registry.Player(sessionID, env.PlayerID)
	if !ok {
		log.Debug().Str("session_id", sessionID).Str("player_id", env.PlayerID).Msg("to-player target not connected")
		return
	}
	if raw, ok := target.(rawSender); ok && len(env.Payload) > 0 {
		if err := raw.sendRaw(env.Payload); err != nil {
			log.Warn().Err(err).Str("connection_id", target.ID()).Msg("failed to forward to player")
		}
		return
	}
	h.sendTo(target, env)
}

// Subscribe attaches an in-process host to the session.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (transport.Subscription, error) {
	if !input.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("subscribe %q: invalid session id", sessionID)
	}
	if h.registry.Closed() {
		return nil, transport.ErrClosed
	}

	lh := &localHost{id: uuid.NewString(), sessionID: sessionID, hub: h}
	lh.stream = transport.NewStream(h.config.SendBuffer, func() {
		h.detachHost(sessionID, lh)
	})
	context.AfterFunc(ctx, func() { _ = lh.stream.Close() })

	h.register(lh)
	return lh.stream, nil
}

// Publish routes an envelope the way the socket endpoint would: to-player goes
// to the named player, everything else to the active host.
func (h *Hub) Publish(ctx context.Context, sessionID string, env input.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.registry.Closed() {
		return transport.ErrClosed
	}
	if env.Type == input.MessageTypeToPlayer {
		h.toPlayer(sessionID, env)
		return nil
	}
	h.registry.Touch(sessionID)
	host, ok := h.registry.Host(sessionID)
	if !ok {
		log.Debug().Str("session_id", sessionID).Str("type", string(env.Type)).Msg("no host attached, dropping")
		return nil
	}
	h.sendTo(host, env)
	return nil
}

// Stats reports registry occupancy.
func (h *Hub) Stats() session.Stats {
	return h.registry.Stats()
}

// Close evicts every peer.
func (h *Hub) Close() {
	h.registry.Close()
}

type rawSender interface {
	sendRaw(data []byte) error
}

// connection is a remote socket peer.
type connection struct {
	id          string
	role        Role
	sessionID   string
	playerID    string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	hub         *Hub
	connectedAt time.Time

	closeOnce sync.Once
	leaveOnce sync.Once

	mu       sync.Mutex
	lastPing time.Time
}

func (c *connection) ID() string { return c.id }

func (c *connection) Send(env input.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return c.sendRaw(data)
}

func (c *connection) sendRaw(data []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return transport.ErrClosed
	default:
		// slow or dead connection
		c.shutdown(websocket.ClosePolicyViolation, "send buffer full")
		return errSendBufferFull
	}
}

// Close sends a close frame with code and reason, then drops the connection.
func (c *connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		err = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.config.WriteTimeout))
		close(c.done)
		c.conn.Close()
	})
	return err
}

func (c *connection) shutdown(code int, reason string) {
	if err := c.Close(code, reason); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Str("connection_id", c.id).Msg("close connection")
	}
}

// leave unregisters the connection exactly once and notifies the counterpart.
func (c *connection) leave() {
	c.leaveOnce.Do(func() {
		if c.role == RoleHost {
			c.hub.detachHost(c.sessionID, c)
		} else {
			c.hub.detachPlayer(c.sessionID, c.playerID, c)
		}
		log.Info().
			Str("connection_id", c.id).
			Str("session_id", c.sessionID).
			Str("role", string(c.role)).
			Str("player_id", c.playerID).
			Dur("duration", c.hub.clock.Since(c.connectedAt)).
			Msg("socket connection closed")
	})
}

// writePump drains the send queue and emits the heartbeat
func (c *connection) writePump() {
	ticker := c.hub.clock.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown(websocket.CloseNormalClosure, "")
		c.leave()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to socket")
				return
			}
		case <-ticker.Chan():
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			// JSON ping for clients that cannot see control frames
			if err := c.conn.WriteMessage(websocket.TextMessage, c.hub.ping); err != nil {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("failed to send heartbeat")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump dispatches inbound frames in arrival order
func (c *connection) readPump() {
	defer func() {
		c.leave()
		c.shutdown(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		c.mu.Lock()
		c.lastPing = c.hub.clock.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected socket close")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))

		if isHeartbeat(message) {
			continue
		}
		if c.role == RolePlayer {
			c.hub.relayFromPlayer(c, message)
		} else {
			c.hub.relayFromHost(c.sessionID, message)
		}
	}
}

func isHeartbeat(message []byte) bool {
	var probe struct {
		Type input.MessageType `json:"type"`
	}
	if err := json.Unmarshal(message, &probe); err != nil {
		return false
	}
	return probe.Type == input.MessageTypePing
}

// localHost is a host subscribed in process.
type localHost struct {
	id        string
	sessionID string
	hub       *Hub
	stream    *transport.Stream
}

func (l *localHost) ID() string { return l.id }

func (l *localHost) Send(env input.Envelope) error {
	if l.stream.Closed() {
		return transport.ErrClosed
	}
	if !l.stream.Deliver(env) {
		return errSendBufferFull
	}
	return nil
}

func (l *localHost) Close(code int, reason string) error {
	if code == session.CloseReplaced {
		l.hub.Notify(l.sessionID, transport.ErrReplaced)
	}
	return l.stream.Close()
}
