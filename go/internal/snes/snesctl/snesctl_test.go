package snesctl

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxdev/snesrelay/go/internal/snes/config"
	"github.com/voxdev/snesrelay/go/internal/snes/gateway"
	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/eventstream"
)

func newRelay(t *testing.T) (*gateway.Service, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Catalog.PublicDir = t.TempDir()
	cfg.Store.DSN = "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	svc, err := gateway.NewService(cfg, clockwork.NewRealClock())
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Server().Handler)
	t.Cleanup(func() {
		srv.Close()
		svc.Stop()
	})
	return svc, srv
}

func drain(t *testing.T, sub transport.Subscription, n int) []input.Envelope {
	t.Helper()
	var out []input.Envelope
	for len(out) < n {
		select {
		case env, ok := <-sub.Events():
			require.True(t, ok)
			out = append(out, env)
		case <-time.After(3 * time.Second):
			t.Fatalf("got %d of %d envelopes", len(out), n)
		}
	}
	return out
}

func TestSessionNew(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"session", "new", "--host", "192.168.1.20", "--port", "8080"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	id := strings.TrimPrefix(lines[0], "session: ")
	assert.True(t, input.ValidSessionID(id))
	assert.Equal(t, "player 1: http://192.168.1.20:8080/session/"+id+"/player/1", lines[1])
	assert.Equal(t, "player 2: http://192.168.1.20:8080/session/"+id+"/player/2", lines[2])
}

func TestControllerScript(t *testing.T) {
	for _, tr := range []string{transportPush, transportSocket} {
		t.Run(tr, func(t *testing.T) {
			_, srv := newRelay(t)
			ctx := context.Background()

			var sub transport.Subscription
			var err error
			if tr == transportPush {
				client, cerr := eventstream.NewClient(srv.URL)
				require.NoError(t, cerr)
				sub, err = client.Subscribe(ctx, "couch")
			} else {
				var closeHost func()
				sub, closeHost, err = subscribe(ctx, hostOptions{base: srv.URL, sessionID: "couch", transport: transportSocket})
				if err == nil {
					defer closeHost()
				}
			}
			require.NoError(t, err)
			defer sub.Close()

			err = runController(ctx, controllerOptions{
				base:      srv.URL,
				sessionID: "couch",
				playerID:  "2",
				transport: tr,
				script:    "start, a",
			}, clockwork.NewRealClock())
			require.NoError(t, err)

			var inputs []string
			for len(inputs) < 4 {
				env := drain(t, sub, 1)[0]
				if env.Type != input.MessageTypeInput {
					continue
				}
				inputs = append(inputs, env.Input.Control+":"+string(env.Input.State))
				assert.Equal(t, "2", env.PlayerID)
			}
			assert.Equal(t, []string{"p2_start:down", "p2_start:up", "p2_a:down", "p2_a:up"}, inputs)
		})
	}
}

func TestControllerUnknownTransport(t *testing.T) {
	err := runController(context.Background(), controllerOptions{transport: "carrier-pigeon"}, clockwork.NewRealClock())
	assert.ErrorContains(t, err, "unknown controller transport")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestHostListensUntilCancelled(t *testing.T) {
	svc, srv := newRelay(t)
	ctx, cancel := context.WithCancel(context.Background())

	var out syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- runHost(ctx, hostOptions{
			base:      srv.URL,
			sessionID: "living-room",
			transport: transportEvents,
			phone:     true,
		}, &out)
	}()

	require.Eventually(t, func() bool { return svc.Stats().Events.Writers == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "player 2: "+srv.URL+"/session/living-room/player/2")
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("host did not stop")
	}
}
