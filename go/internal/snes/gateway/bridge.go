package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/transport"
)

// bridges forwards a pub/sub session into the local event-stream bus. One
// forwarder runs per session while at least one stream is open, so a host
// with several tabs sees each event once per tab.
type bridges struct {
	mu       sync.Mutex
	sessions map[string]*bridge
}

type bridge struct {
	refs   int
	cancel context.CancelFunc
}

func (s *Service) bridgeEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.acquireBridge(sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to subscribe pub/sub session")
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseBridge(sessionID)
	s.bus.ServeEvents(w, r, sessionID)
}

func (s *Service) acquireBridge(sessionID string) error {
	s.bridges.mu.Lock()
	defer s.bridges.mu.Unlock()
	if s.bridges.sessions == nil {
		s.bridges.sessions = make(map[string]*bridge)
	}
	if b, ok := s.bridges.sessions[sessionID]; ok {
		b.refs++
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.nats.Subscribe(ctx, sessionID)
	if err != nil {
		cancel()
		return err
	}
	s.bridges.sessions[sessionID] = &bridge{refs: 1, cancel: cancel}
	go s.forward(ctx, sessionID, sub)
	return nil
}

func (s *Service) releaseBridge(sessionID string) {
	s.bridges.mu.Lock()
	defer s.bridges.mu.Unlock()
	b, ok := s.bridges.sessions[sessionID]
	if !ok {
		return
	}
	b.refs--
	if b.refs > 0 {
		return
	}
	b.cancel()
	delete(s.bridges.sessions, sessionID)
}

func (s *Service) forward(ctx context.Context, sessionID string, sub transport.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.bus.Publish(ctx, sessionID, env); err != nil {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("bridge publish failed")
				return
			}
		}
	}
}
