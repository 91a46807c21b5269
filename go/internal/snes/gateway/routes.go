package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/input"
)

// maxPushBody bounds one controller event.
const maxPushBody = 16 << 10

// Routes builds the relay router. Unknown paths fall through to the public
// directory so the host and controller pages are served by the same origin.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/stats", s.handleStats)

	r.Route("/session/{id}", func(r chi.Router) {
		r.Use(requireSessionID)
		r.Post("/push", s.handlePush)
		r.Get("/events", s.handleEvents)
		r.Get("/socket", s.handleSocket)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/qr", s.qr.ServeHTTP)
		r.Get("/roms", s.roms.ServeHTTP)
		r.Post("/session", s.handleNewSession)
		r.Route("/library", s.libraryRoutes)
	})

	if dir := s.config.Catalog.PublicDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			r.NotFound(http.FileServer(http.Dir(dir)).ServeHTTP)
		}
	}
	return r
}

func requireSessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !input.ValidSessionID(chi.URLParam(r, "id")) {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handlePush accepts one controller event and publishes it to the session.
func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil || !json.Valid(body) {
		http.Error(w, "Bad JSON", http.StatusBadRequest)
		return
	}

	ev, err := input.ParseEvent(body)
	switch {
	case errors.Is(err, input.ErrUnsupported):
		http.Error(w, "Unsupported", http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, "Invalid input", http.StatusBadRequest)
		return
	}

	playerID := r.URL.Query().Get("playerId")
	if playerID == "" {
		playerID = ev.PlayerID
	}

	env := input.Wrap(playerID, ev, s.clock.Now())
	if err := s.push.Publish(r.Context(), sessionID, env); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID).
			Str("player_id", playerID).
			Msg("failed to publish controller event")
		http.Error(w, "Failed to relay", http.StatusServiceUnavailable)
		return
	}

	log.Debug().
		Str("session_id", sessionID).
		Str("player_id", playerID).
		Str("type", string(env.Type)).
		Msg("controller event relayed")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte("ok"))
}

// handleEvents streams the session to a host. In pub/sub mode the stream is
// fed from the NATS subject instead of the local bus.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if s.push == s.bus {
		s.bus.ServeEvents(w, r, sessionID)
		return
	}
	s.bridgeEvents(w, r, sessionID)
}

func (s *Service) handleSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := s.hub.Handle(w, r, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("socket connection rejected")
	}
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to write stats")
	}
}
