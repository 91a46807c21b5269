package eventstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/httpx"
	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
)

// Client consumes a relay's event stream and posts controller events to its
// push endpoint.
type Client struct {
	transport.DisconnectHandlers

	base   string
	push   *retryablehttp.Client
	stream *retryablehttp.Client
	buffer int
}

func NewClient(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse base url: unsupported scheme %q", u.Scheme)
	}
	return &Client{
		base:   strings.TrimSuffix(u.String(), "/"),
		push:   httpx.NewRetryClient(3),
		stream: httpx.NewStreamingClient(3),
		buffer: DefaultConfig().Buffer * 4,
	}, nil
}

func (c *Client) sessionURL(sessionID, leaf string) string {
	return fmt.Sprintf("%s/session/%s/%s", c.base, url.PathEscape(sessionID), leaf)
}

// Subscribe opens the event stream and decodes each data frame.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (transport.Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := retryablehttp.NewRequestWithContext(streamCtx, http.MethodGet, c.sessionURL(sessionID, "events"), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open event stream: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	stream := transport.NewStream(c.buffer, func() {
		cancel()
		resp.Body.Close()
	})
	go c.read(sessionID, resp.Body, stream)
	return stream, nil
}

func (c *Client) read(sessionID string, body io.Reader, stream *transport.Stream) {
	err := ReadFrames(body, func(data []byte) {
		env, err := input.DecodeEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping event frame")
			return
		}
		if !stream.Deliver(env) {
			log.Warn().Str("session_id", sessionID).Msg("host stream full, dropping")
		}
	})
	if stream.Closed() {
		return
	}
	if err == nil {
		err = io.EOF
	}
	c.Notify(sessionID, err)
	_ = stream.Close()
}

// ReadFrames splits an event stream into data payloads. Comment lines and
// field lines other than data are skipped; multi-line data is joined with
// newlines.
func ReadFrames(r io.Reader, fn func(data []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				fn(bytes.Clone(data.Bytes()))
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

// Publish posts the controller event carried by env. Only hello and input
// envelopes can be pushed.
func (c *Client) Publish(ctx context.Context, sessionID string, env input.Envelope) error {
	var ev input.Event
	switch env.Type {
	case input.MessageTypeHello:
		ev = input.Event{Type: input.EventTypeHello, Timestamp: env.TS}
	case input.MessageTypeInput:
		if env.Input == nil {
			return fmt.Errorf("publish input: %w", input.ErrMalformed)
		}
		ev = input.Event{Type: env.Input.Type, Control: env.Input.Control, State: env.Input.State}
	default:
		return fmt.Errorf("publish %s: %w", env.Type, input.ErrUnsupported)
	}
	return PostEvent(ctx, c.push, c.sessionURL(sessionID, "push"), env.PlayerID, ev)
}

// PostEvent sends one event to a push endpoint and maps a 400 back to the
// matching input error.
func PostEvent(ctx context.Context, client *retryablehttp.Client, endpoint, playerID string, ev input.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if playerID != "" {
		endpoint += "?playerId=" + url.QueryEscape(playerID)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusBadRequest && strings.TrimSpace(string(msg)) == "Unsupported":
		return fmt.Errorf("push event: %w", input.ErrUnsupported)
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("push event: %w: %s", input.ErrMalformed, strings.TrimSpace(string(msg)))
	default:
		return fmt.Errorf("push event: %w: %s", ErrRejected, resp.Status)
	}
}
