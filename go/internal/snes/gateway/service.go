// Package gateway serves the relay endpoints: controller push, the host event
// stream, the duplex socket and the catalog and QR collaborators.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/voxdev/snesrelay/go/internal/snes/catalog"
	"github.com/voxdev/snesrelay/go/internal/snes/config"
	"github.com/voxdev/snesrelay/go/internal/snes/qr"
	"github.com/voxdev/snesrelay/go/internal/snes/session"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/eventstream"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/pubsub"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/socket"
)

// Service owns every relay backend and the collaborators behind /api.
type Service struct {
	config *config.Config
	clock  clockwork.Clock

	registry *session.Registry
	hub      *socket.Hub
	bus      *eventstream.Bus
	nats     *pubsub.Transport
	embedded *server.Server
	push     transport.Transport
	bridges  bridges

	roms  *catalog.DirCatalog
	store *catalog.Store
	qr    *qr.Renderer

	stopOnce sync.Once
	stopErr  error
}

// NewService wires the relay from configuration.
func NewService(cfg *config.Config, clock clockwork.Clock) (*Service, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Service{config: cfg, clock: clock}

	s.registry = session.NewRegistry(clock)

	socketConfig := socket.DefaultConfig()
	if cfg.Relay.Heartbeat > 0 {
		socketConfig.PingInterval = cfg.Relay.Heartbeat
	}
	if cfg.Relay.SendBuffer > 0 {
		socketConfig.SendBuffer = cfg.Relay.SendBuffer
	}
	s.hub = socket.NewHub(s.registry, socketConfig, clock)

	busConfig := eventstream.DefaultConfig()
	if cfg.Relay.KeepAlive > 0 {
		busConfig.KeepAlive = cfg.Relay.KeepAlive
	}
	if cfg.Relay.Retry > 0 {
		busConfig.Retry = cfg.Relay.Retry
	}
	if cfg.Relay.SendBuffer > 0 {
		busConfig.Buffer = cfg.Relay.SendBuffer
	}
	s.bus = eventstream.NewBus(busConfig, clock)
	s.push = s.bus

	if cfg.Relay.Push == config.PushPubSub {
		if err := s.connectNATS(); err != nil {
			s.Stop()
			return nil, err
		}
		s.push = s.nats
	}

	s.roms = catalog.NewDirCatalog(cfg.Catalog.PublicDir, cfg.Catalog.Dirs)

	store, err := catalog.OpenStore(cfg.Store.Driver, cfg.Store.ConnString(), clock)
	if err != nil {
		s.Stop()
		return nil, fmt.Errorf("failed to open rom store: %w", err)
	}
	s.store = store

	renderer, err := qr.NewRenderer(qr.Config{
		DefaultSize: cfg.QR.DefaultSize,
		MinSize:     cfg.QR.MinSize,
		MaxSize:     cfg.QR.MaxSize,
		CacheBytes:  cfg.QR.CacheBytes,
	})
	if err != nil {
		s.Stop()
		return nil, err
	}
	s.qr = renderer

	return s, nil
}

func (s *Service) connectNATS() error {
	natsConfig := pubsub.DefaultConfig()
	natsConfig.URL = s.config.NATS.URL
	natsConfig.SubjectPrefix = s.config.NATS.SubjectPrefix
	natsConfig.MaxReconnects = s.config.NATS.MaxReconnects
	natsConfig.ReconnectWait = s.config.NATS.ReconnectWait
	if s.config.Relay.SendBuffer > 0 {
		natsConfig.Buffer = s.config.Relay.SendBuffer
	}

	if s.config.NATS.Embedded {
		ns, err := pubsub.StartEmbedded()
		if err != nil {
			return err
		}
		s.embedded = ns
		natsConfig.URL = ns.ClientURL()
		log.Info().Str("url", natsConfig.URL).Msg("embedded NATS server started")
	}

	t, err := pubsub.Connect(natsConfig)
	if err != nil {
		return err
	}
	t.OnDisconnect(func(sessionID string, err error) {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("pub/sub subscription lost")
	})
	s.nats = t
	return nil
}

// PushTransport is the backend /push publishes to.
func (s *Service) PushTransport() transport.Transport { return s.push }

// Server returns the HTTP server for the configured port. Writes have no
// deadline because event streams stay open.
func (s *Service) Server() *http.Server {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedOrigins: s.config.Server.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           h2c.NewHandler(c.Handler(s.Routes()), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Start blocks until ctx is cancelled, then stops the relays.
func (s *Service) Start(ctx context.Context) error {
	log.Info().
		Str("push", s.config.Relay.Push).
		Str("store", s.config.Store.Driver).
		Msg("starting snes relay")

	<-ctx.Done()

	log.Info().Msg("snes relay shutting down")
	return s.Stop()
}

// Stop closes every session and releases backends. It is safe to call more
// than once and on a partially constructed service.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop() })
	return s.stopErr
}

func (s *Service) stop() error {
	var errs []error
	if s.hub != nil {
		s.hub.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.embedded != nil {
		s.embedded.Shutdown()
	}
	if s.qr != nil {
		s.qr.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rom store: %w", err))
		}
	}
	log.Info().Msg("snes relay stopped")
	return errors.Join(errs...)
}

// Stats is served at /stats.
type Stats struct {
	Service string            `json:"service"`
	Push    string            `json:"push"`
	Socket  session.Stats     `json:"socket"`
	Events  eventstream.Stats `json:"events"`
	NATS    bool              `json:"nats_connected"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Service: "snes_relay",
		Push:    s.config.Relay.Push,
		Socket:  s.hub.Stats(),
		Events:  s.bus.Stats(),
		NATS:    s.nats.Connected(),
	}
}
