package eventstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
)

var (
	// ErrEvicted is reported to disconnect handlers when a writer falls behind.
	ErrEvicted = errors.New("event stream evicted")
	// ErrRejected is returned when a push endpoint answers with a non-400 failure.
	ErrRejected = errors.New("push rejected")
)

// Config tunes the stream handler.
type Config struct {
	KeepAlive time.Duration
	Retry     time.Duration
	Buffer    int
}

func DefaultConfig() Config {
	return Config{
		KeepAlive: 15 * time.Second,
		Retry:     3 * time.Second,
		Buffer:    64,
	}
}

// Stats summarizes open channels.
type Stats struct {
	Channels int `json:"channels"`
	Writers  int `json:"writers"`
}

// Bus fans published envelopes out to every open stream of a session. A
// writer that cannot keep up is evicted on the next publish.
type Bus struct {
	transport.DisconnectHandlers

	mu       sync.RWMutex
	channels map[string]map[*transport.Stream]struct{}
	config   Config
	clock    clockwork.Clock
	closed   bool
}

func NewBus(config Config, clock clockwork.Clock) *Bus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bus{
		channels: make(map[string]map[*transport.Stream]struct{}),
		config:   config,
		clock:    clock,
	}
}

// Subscribe adds a writer to the session's channel. The writer is removed
// when the subscription is closed, ctx ends, or it is evicted.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (transport.Subscription, error) {
	if !input.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("subscribe %q: invalid session id", sessionID)
	}

	var s *transport.Stream
	s = transport.NewStream(b.config.Buffer, func() { b.remove(sessionID, s) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, transport.ErrClosed
	}
	ch, ok := b.channels[sessionID]
	if !ok {
		ch = make(map[*transport.Stream]struct{})
		b.channels[sessionID] = ch
	}
	ch[s] = struct{}{}
	writers := len(ch)
	b.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = s.Close() })

	log.Debug().
		Str("session_id", sessionID).
		Int("writers", writers).
		Msg("event stream subscribed")
	return s, nil
}

func (b *Bus) remove(sessionID string, s *transport.Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[sessionID]
	if !ok {
		return
	}
	delete(ch, s)
	if len(ch) == 0 {
		delete(b.channels, sessionID)
	}
}

// Publish writes env to every writer of the session.
func (b *Bus) Publish(ctx context.Context, sessionID string, env input.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return transport.ErrClosed
	}
	targets := make([]*transport.Stream, 0, len(b.channels[sessionID]))
	for s := range b.channels[sessionID] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if s.Deliver(env) {
			continue
		}
		log.Warn().
			Str("session_id", sessionID).
			Str("type", string(env.Type)).
			Msg("event stream writer blocked, evicting")
		_ = s.Close()
		b.Notify(sessionID, ErrEvicted)
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("type", string(env.Type)).
		Int("writers", len(targets)).
		Msg("event published")
	return nil
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{Channels: len(b.channels)}
	for _, ch := range b.channels {
		st.Writers += len(ch)
	}
	return st
}

// Close ends every open stream.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	var streams []*transport.Stream
	for _, ch := range b.channels {
		for s := range ch {
			streams = append(streams, s)
		}
	}
	b.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
}

// ServeEvents streams the session's envelopes as text/event-stream until the
// client goes away or a write fails.
func (b *Bus) ServeEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := b.Subscribe(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, transport.ErrClosed) {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", b.config.Retry.Milliseconds()); err != nil {
		return
	}
	flusher.Flush()

	ticker := b.clock.NewTicker(b.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			frame, err := env.Frame()
			if err != nil {
				log.Error().Err(err).Str("session_id", sessionID).Msg("failed to encode frame")
				continue
			}
			if _, err := w.Write(frame); err != nil {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("event stream write failed")
				return
			}
			flusher.Flush()
		case <-ticker.Chan():
			if _, err := fmt.Fprintf(w, ": keep-alive %d\n\n", b.clock.Now().UnixMilli()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
