package controller

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"

	"github.com/voxdev/snesrelay/go/internal/snes/httpx"
	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/eventstream"
)

// PushSender posts each event to the relay's push endpoint.
type PushSender struct {
	client   *retryablehttp.Client
	endpoint string
	playerID string
}

func NewPushSender(baseURL, sessionID, playerID string) *PushSender {
	return &PushSender{
		client:   httpx.NewRetryClient(2),
		endpoint: fmt.Sprintf("%s/session/%s/push", strings.TrimSuffix(baseURL, "/"), url.PathEscape(sessionID)),
		playerID: playerID,
	}
}

func (s *PushSender) Send(ctx context.Context, ev input.Event) error {
	return eventstream.PostEvent(ctx, s.client, s.endpoint, s.playerID, ev)
}

// TransportSender publishes events through any relay transport, such as a
// socket client holding a player connection.
type TransportSender struct {
	transport transport.Transport
	sessionID string
	playerID  string
	clock     clockwork.Clock
}

func NewTransportSender(t transport.Transport, sessionID, playerID string) *TransportSender {
	return &TransportSender{transport: t, sessionID: sessionID, playerID: playerID, clock: clockwork.NewRealClock()}
}

func (s *TransportSender) Send(ctx context.Context, ev input.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.transport.Publish(ctx, s.sessionID, input.Wrap(s.playerID, ev, s.clock.Now()))
}
