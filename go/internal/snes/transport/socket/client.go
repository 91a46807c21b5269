package socket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/session"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
)

// Client dials the socket endpoint of a relay server. Subscribe connects as
// host; Publish connects lazily as the player named in the envelope.
type Client struct {
	transport.DisconnectHandlers

	base         *url.URL
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	buffer       int

	mu      sync.Mutex
	hosts   map[string]*clientConn
	players map[string]*clientConn
	closed  bool
}

// NewClient accepts an http(s) or ws(s) base URL.
func NewClient(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("parse base url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &Client{
		base:         u,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		writeTimeout: 10 * time.Second,
		buffer:       256,
		hosts:        make(map[string]*clientConn),
		players:      make(map[string]*clientConn),
	}, nil
}

// Endpoint builds the socket URL for a party.
func (c *Client) Endpoint(sessionID string, role Role, playerID string) string {
	u := *c.base
	u.Path = fmt.Sprintf("%s/session/%s/socket", u.Path, url.PathEscape(sessionID))
	q := url.Values{}
	q.Set("role", string(role))
	if playerID != "" {
		q.Set("playerId", playerID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type clientConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (cc *clientConn) writeJSON(v any) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.conn.SetWriteDeadline(time.Now().Add(cc.writeTimeout))
	return cc.conn.WriteJSON(v)
}

func (c *Client) dial(ctx context.Context, sessionID string, role Role, playerID string) (*clientConn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.Endpoint(sessionID, role, playerID), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s socket: %w", role, err)
	}
	return &clientConn{conn: conn, writeTimeout: c.writeTimeout}, nil
}

// Subscribe connects as host and streams every envelope the relay sends.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (transport.Subscription, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	cc, err := c.dial(ctx, sessionID, RoleHost, "")
	if err != nil {
		return nil, err
	}

	stream := transport.NewStream(c.buffer, func() {
		c.mu.Lock()
		if c.hosts[sessionID] == cc {
			delete(c.hosts, sessionID)
		}
		c.mu.Unlock()
		cc.mu.Lock()
		_ = cc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
		cc.mu.Unlock()
		cc.conn.Close()
	})

	c.mu.Lock()
	c.hosts[sessionID] = cc
	c.mu.Unlock()

	go c.readHost(sessionID, cc, stream)
	return stream, nil
}

func (c *Client) readHost(sessionID string, cc *clientConn, stream *transport.Stream) {
	for {
		_, message, err := cc.conn.ReadMessage()
		if err != nil {
			if !stream.Closed() {
				c.Notify(sessionID, disconnectCause(err))
				_ = stream.Close()
			}
			return
		}
		env, err := input.DecodeEnvelope(message)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping relay frame")
			continue
		}
		if !stream.Deliver(env) {
			log.Warn().Str("session_id", sessionID).Str("type", string(env.Type)).Msg("host stream full, dropping")
		}
	}
}

func disconnectCause(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == session.CloseReplaced {
		return fmt.Errorf("%w: %s", transport.ErrReplaced, ce.Text)
	}
	return err
}

// Publish sends a controller event over the player's socket, dialing it on
// first use. to-player envelopes go over the session's host socket.
func (c *Client) Publish(ctx context.Context, sessionID string, env input.Envelope) error {
	if env.Type == input.MessageTypeToPlayer {
		c.mu.Lock()
		cc, ok := c.hosts[sessionID]
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("publish to-player: no host socket for session %s", sessionID)
		}
		return cc.writeJSON(env)
	}

	var ev input.Event
	switch env.Type {
	case input.MessageTypeHello:
		ev = input.Event{Type: input.EventTypeHello, PlayerID: env.PlayerID, Timestamp: env.TS}
	case input.MessageTypeInput:
		if env.Input == nil {
			return fmt.Errorf("publish input: %w", input.ErrMalformed)
		}
		ev = *env.Input
	default:
		return fmt.Errorf("publish %s: %w", env.Type, input.ErrUnsupported)
	}

	cc, err := c.player(ctx, sessionID, env.PlayerID)
	if err != nil {
		return err
	}
	if err := cc.writeJSON(ev); err != nil {
		c.dropPlayer(sessionID, env.PlayerID, cc)
		return fmt.Errorf("write player event: %w", err)
	}
	return nil
}

func playerKey(sessionID, playerID string) string {
	return sessionID + "/" + playerID
}

func (c *Client) player(ctx context.Context, sessionID, playerID string) (*clientConn, error) {
	key := playerKey(sessionID, playerID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if cc, ok := c.players[key]; ok {
		c.mu.Unlock()
		return cc, nil
	}
	c.mu.Unlock()

	cc, err := c.dial(ctx, sessionID, RolePlayer, playerID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.players[key]; ok {
		c.mu.Unlock()
		cc.conn.Close()
		return existing, nil
	}
	c.players[key] = cc
	c.mu.Unlock()

	go c.readPlayer(sessionID, playerID, cc)
	return cc, nil
}

// readPlayer keeps control frames flowing and watches for host-close.
func (c *Client) readPlayer(sessionID, playerID string, cc *clientConn) {
	for {
		_, message, err := cc.conn.ReadMessage()
		if err != nil {
			if c.dropPlayer(sessionID, playerID, cc) {
				c.Notify(sessionID, disconnectCause(err))
			}
			return
		}
		log.Debug().
			Str("session_id", sessionID).
			Str("player_id", playerID).
			RawJSON("message", message).
			Msg("relay message for player")
	}
}

func (c *Client) dropPlayer(sessionID, playerID string, cc *clientConn) bool {
	key := playerKey(sessionID, playerID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.players[key] != cc {
		return false
	}
	delete(c.players, key)
	cc.conn.Close()
	return true
}

// Close drops every socket the client holds.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conns := make([]*clientConn, 0, len(c.hosts)+len(c.players))
	for k, cc := range c.hosts {
		conns = append(conns, cc)
		delete(c.hosts, k)
	}
	for k, cc := range c.players {
		conns = append(conns, cc)
		delete(c.players, k)
	}
	c.mu.Unlock()

	for _, cc := range conns {
		cc.conn.Close()
	}
	return nil
}
