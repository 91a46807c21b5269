package session

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/input"
)

// Close codes used when the registry evicts a peer.
const (
	CloseReplaced  = websocket.CloseServiceRestart
	CloseGoingAway = websocket.CloseGoingAway
)

// Peer is one connected party of a session.
type Peer interface {
	ID() string
	Send(env input.Envelope) error
	Close(code int, reason string) error
}

// Session pairs at most one host with any number of players keyed by player id.
type Session struct {
	ID         string
	host       Peer
	players    map[string]Peer
	lastActive time.Time
}

func (s *Session) empty() bool {
	return s.host == nil && len(s.players) == 0
}

// Stats summarizes registry occupancy.
type Stats struct {
	Sessions int `json:"sessions"`
	Hosts    int `json:"hosts"`
	Players  int `json:"players"`
}

// Registry is the process-local session table used by the self-hosted
// transports. It is not shared across replicas.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    clockwork.Clock
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		clock:    clock,
	}
}

// getOrCreate must be called with mu held.
func (r *Registry) getOrCreate(id string) *Session {
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{ID: id, players: make(map[string]Peer)}
		r.sessions[id] = s
		log.Debug().Str("session_id", id).Msg("session created")
	}
	s.lastActive = r.clock.Now()
	return s
}

// gc must be called with mu held.
func (r *Registry) gc(s *Session) {
	if s.empty() {
		delete(r.sessions, s.ID)
		log.Debug().Str("session_id", s.ID).Msg("session removed")
	}
}

// AttachHost makes host the active host of the session. The previous host,
// if any, is returned so the caller can close it with CloseReplaced. players
// lists the player ids already present.
func (r *Registry) AttachHost(sessionID string, host Peer) (displaced Peer, players []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreate(sessionID)
	if s.host != nil && s.host != host {
		displaced = s.host
	}
	s.host = host
	return displaced, sortedKeys(s.players)
}

// DetachHost clears the host only if host is still the active one. The
// remaining players are returned for host-close notification.
func (r *Registry) DetachHost(sessionID string, host Peer) (players []Peer, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if s.host == host {
		s.host = nil
		removed = true
	}
	for _, p := range s.players {
		players = append(players, p)
	}
	r.gc(s)
	return players, removed
}

// AttachPlayer registers a player. A previous connection with the same player
// id is returned as displaced. host is the current host, if any.
func (r *Registry) AttachPlayer(sessionID, playerID string, player Peer) (host, displaced Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.getOrCreate(sessionID)
	if prev, ok := s.players[playerID]; ok && prev != player {
		displaced = prev
	}
	s.players[playerID] = player
	return s.host, displaced
}

// DetachPlayer removes the player only if player is still registered under
// playerID. host is the current host, if any.
func (r *Registry) DetachPlayer(sessionID, playerID string, player Peer) (host Peer, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if s.players[playerID] == player {
		delete(s.players, playerID)
		removed = true
	}
	host = s.host
	r.gc(s)
	return host, removed
}

// Touch refreshes the session's last-active time.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.lastActive = r.clock.Now()
	}
}

// Host returns the active host of a session.
func (r *Registry) Host(sessionID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.host == nil {
		return nil, false
	}
	return s.host, true
}

// Player returns the connection registered for playerID.
func (r *Registry) Player(sessionID, playerID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	p, ok := s.players[playerID]
	return p, ok
}

// Players returns the sorted player ids of a session.
func (r *Registry) Players(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return sortedKeys(s.players)
}

// Sessions returns the sorted ids of all live sessions.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastActive reports when the session was last attached to or touched.
func (r *Registry) LastActive(sessionID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return s.lastActive, true
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Sessions: len(r.sessions)}
	for _, s := range r.sessions {
		if s.host != nil {
			st.Hosts++
		}
		st.Players += len(s.players)
	}
	return st
}

// Close evicts every peer with CloseGoingAway and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	var peers []Peer
	for id, s := range r.sessions {
		if s.host != nil {
			peers = append(peers, s.host)
		}
		for _, p := range s.players {
			peers = append(peers, p)
		}
		delete(r.sessions, id)
	}
	r.closed = true
	r.mu.Unlock()

	for _, p := range peers {
		if err := p.Close(CloseGoingAway, "server shutting down"); err != nil {
			log.Debug().Err(err).Str("connection_id", p.ID()).Msg("close peer")
		}
	}
	log.Info().Int("peers", len(peers)).Msg("session registry closed")
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func sortedKeys(m map[string]Peer) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
