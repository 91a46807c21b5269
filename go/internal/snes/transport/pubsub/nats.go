package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
)

// Config holds configuration for the NATS relay
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Buffer        int
}

// DefaultConfig returns default NATS relay configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "snes-",
		Name:          "snes-relay",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		Buffer:        256,
	}
}

// Transport relays envelopes over NATS core subjects, one per session. There
// is no local session state: the bus owns subject lifetime and fanout.
type Transport struct {
	transport.DisconnectHandlers

	nc     *nats.Conn
	config Config
	owned  bool

	mu       sync.Mutex
	sessions map[*transport.Stream]string
}

// Connect dials NATS with reconnect handling.
func Connect(cfg Config) (*Transport, error) {
	t := &Transport{config: cfg, owned: true, sessions: make(map[*transport.Stream]string)}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			t.notifyAll(err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error().Err(err).Str("subject", subject).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	t.nc = nc
	return t, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, cfg Config) *Transport {
	return &Transport{nc: nc, config: cfg, sessions: make(map[*transport.Stream]string)}
}

// Subject names the session's channel.
func (t *Transport) Subject(sessionID string) string {
	return t.config.SubjectPrefix + sessionID
}

func (t *Transport) Subscribe(ctx context.Context, sessionID string) (transport.Subscription, error) {
	if !input.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("subscribe %q: invalid session id", sessionID)
	}
	if t.nc == nil || t.nc.IsClosed() {
		return nil, transport.ErrClosed
	}

	subject := t.Subject(sessionID)
	var sub *nats.Subscription
	var stream *transport.Stream
	stream = transport.NewStream(t.config.Buffer, func() {
		t.mu.Lock()
		delete(t.sessions, stream)
		t.mu.Unlock()
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				log.Debug().Err(err).Str("subject", subject).Msg("unsubscribe")
			}
		}
	})

	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		env, err := input.DecodeEnvelope(msg.Data)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping relay message")
			return
		}
		if !stream.Deliver(env) {
			log.Warn().Str("subject", msg.Subject).Msg("subscriber full, dropping")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	// the subscription must be live on the server before Subscribe returns
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscribe %s: %w", subject, err)
	}

	t.mu.Lock()
	t.sessions[stream] = sessionID
	t.mu.Unlock()
	context.AfterFunc(ctx, func() { _ = stream.Close() })

	log.Debug().Str("subject", subject).Msg("subscribed")
	return stream, nil
}

// Publish sends env to the session subject. A nil Transport stands for an
// unconfigured bus and drops the envelope.
func (t *Transport) Publish(ctx context.Context, sessionID string, env input.Envelope) error {
	if t == nil || t.nc == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !input.ValidSessionID(sessionID) {
		return fmt.Errorf("publish %q: invalid session id", sessionID)
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if err := t.nc.Publish(t.Subject(sessionID), data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return transport.ErrClosed
		}
		return fmt.Errorf("publish %s: %w", t.Subject(sessionID), err)
	}
	return nil
}

func (t *Transport) notifyAll(err error) {
	t.mu.Lock()
	seen := make(map[string]struct{}, len(t.sessions))
	for _, id := range t.sessions {
		seen[id] = struct{}{}
	}
	t.mu.Unlock()
	for id := range seen {
		t.Notify(id, err)
	}
}

// Connected reports whether the underlying connection is up.
func (t *Transport) Connected() bool {
	return t != nil && t.nc != nil && t.nc.IsConnected()
}

// Close ends every subscription and, when Connect created it, the connection.
func (t *Transport) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	streams := make([]*transport.Stream, 0, len(t.sessions))
	for s := range t.sessions {
		streams = append(streams, s)
	}
	t.mu.Unlock()
	for _, s := range streams {
		_ = s.Close()
	}
	if t.owned && t.nc != nil {
		t.nc.Close()
	}
}
