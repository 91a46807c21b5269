package gateway

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/voxdev/snesrelay/go/internal/snes/host"
)

// SessionLinks is returned by POST /api/session.
type SessionLinks struct {
	SessionID string       `json:"sessionId"`
	Players   []PlayerLink `json:"players"`
}

type PlayerLink struct {
	Player   int    `json:"player"`
	URL      string `json:"url"`
	ImageURL string `json:"imageUrl"`
}

// requestOrigin is the origin the request was addressed to.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

// handleNewSession mints a session id and the controller links for it. A
// configured public host replaces the request origin in the links.
func (s *Service) handleNewSession(w http.ResponseWriter, r *http.Request) {
	hc := s.config.Host
	origin := host.Origin(hc.Protocol, hc.Host, hc.Port, requestOrigin(r))

	out := SessionLinks{SessionID: uuid.NewString()}
	for n := 1; n <= 2; n++ {
		link := host.ControllerURL(origin, out.SessionID, n)
		out.Players = append(out.Players, PlayerLink{
			Player:   n,
			URL:      link,
			ImageURL: fmt.Sprintf("/api/qr?size=%d&text=%s", s.qr.Size(0), url.QueryEscape(link)),
		})
	}
	writeJSON(w, http.StatusCreated, out)
}
