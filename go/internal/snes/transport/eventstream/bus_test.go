package eventstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxdev/snesrelay/go/internal/snes/httpx"
	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
)

func newEventsServer(t *testing.T, bus *Bus) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/session/"), "/events")
		bus.ServeEvents(w, r, id)
	}))
	t.Cleanup(func() {
		bus.Close()
		srv.Close()
	})
	return srv
}

func readBlock(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		b.WriteString(line)
		if line == "\n" {
			return b.String()
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestServeEventsFraming(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := NewBus(DefaultConfig(), clock)
	srv := newEventsServer(t, bus)

	resp, err := http.Get(srv.URL + "/session/abc123/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", resp.Header.Get("Cache-Control"))

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, "retry: 3000\n\n", readBlock(t, r))

	ctx := context.Background()
	env := input.Wrap("1", input.Button("p1_b", input.StateDown), clock.Now())
	require.NoError(t, bus.Publish(ctx, "abc123", env))
	assert.Equal(t,
		"data: {\"type\":\"input\",\"playerId\":\"1\",\"input\":{\"type\":\"button\",\"control\":\"p1_b\",\"state\":\"down\"}}\n\n",
		readBlock(t, r))

	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(tctx, 1))
	clock.Advance(15 * time.Second)
	assert.True(t, strings.HasPrefix(readBlock(t, r), ": keep-alive "))
}

func TestPublishEvictsBlockedWriter(t *testing.T) {
	bus := NewBus(Config{KeepAlive: time.Minute, Retry: time.Second, Buffer: 1}, clockwork.NewFakeClock())
	ctx := context.Background()

	var evicted []string
	bus.OnDisconnect(func(id string, err error) {
		assert.ErrorIs(t, err, ErrEvicted)
		evicted = append(evicted, id)
	})

	stuck, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	healthy, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, Stats{Channels: 1, Writers: 2}, bus.Stats())

	require.NoError(t, bus.Publish(ctx, "s1", input.Ping()))
	<-healthy.Events()
	require.NoError(t, bus.Publish(ctx, "s1", input.Ping()))

	assert.Equal(t, []string{"s1"}, evicted)
	assert.Equal(t, Stats{Channels: 1, Writers: 1}, bus.Stats())

	// the stuck writer still drains what it had, then sees the close
	<-stuck.Events()
	_, open := <-stuck.Events()
	assert.False(t, open)

	require.NoError(t, healthy.Close())
	assert.Equal(t, Stats{}, bus.Stats(), "empty channel is collected")
}

func TestSubscribeEndsWithContext(t *testing.T) {
	bus := NewBus(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "s1")
	require.NoError(t, err)

	cancel()
	_, open := <-sub.Events()
	assert.False(t, open)
	waitFor(t, func() bool { return bus.Stats().Writers == 0 })
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus(DefaultConfig(), nil)
	bus.Close()
	assert.ErrorIs(t, bus.Publish(context.Background(), "s1", input.Ping()), transport.ErrClosed)
	_, err := bus.Subscribe(context.Background(), "s1")
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestClientSubscribe(t *testing.T) {
	bus := NewBus(DefaultConfig(), nil)
	srv := newEventsServer(t, bus)

	client, err := NewClient(srv.URL)
	require.NoError(t, err)

	var mu sync.Mutex
	var drops []error
	client.OnDisconnect(func(_ string, err error) {
		mu.Lock()
		drops = append(drops, err)
		mu.Unlock()
	})

	ctx := context.Background()
	sub, err := client.Subscribe(ctx, "abc123")
	require.NoError(t, err)
	waitFor(t, func() bool { return bus.Stats().Writers == 1 })

	now := time.Now()
	require.NoError(t, bus.Publish(ctx, "abc123", input.Wrap("2", input.Hello("2", now), now)))
	require.NoError(t, bus.Publish(ctx, "abc123", input.Wrap("2", input.Button("p2_a", input.StateDown), now)))

	hello := <-sub.Events()
	assert.Equal(t, input.MessageTypeHello, hello.Type)
	assert.Equal(t, "2", hello.PlayerID)
	down := <-sub.Events()
	assert.Equal(t, "p2_a", down.Input.Control)

	require.NoError(t, sub.Close())
	waitFor(t, func() bool { return bus.Stats().Writers == 0 })
	mu.Lock()
	assert.Empty(t, drops, "closing locally is not a disconnect")
	mu.Unlock()
}

func TestReadFrames(t *testing.T) {
	stream := "retry: 3000\n\n: keep-alive 1\n\ndata: {\"a\":1}\n\nevent: x\ndata: line1\ndata: line2\n\n"
	var got []string
	require.NoError(t, ReadFrames(strings.NewReader(stream), func(b []byte) { got = append(got, string(b)) }))
	assert.Equal(t, []string{`{"a":1}`, "line1\nline2"}, got)
}

func TestPostEvent(t *testing.T) {
	var gotPlayer string
	var gotBody input.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPlayer = r.URL.Query().Get("playerId")
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &gotBody); err != nil {
			http.Error(w, "Bad JSON", http.StatusBadRequest)
			return
		}
		if gotBody.Control == "bad" {
			http.Error(w, "Invalid input", http.StatusBadRequest)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	ctx := context.Background()
	client := httpx.NewRetryClient(0)
	require.NoError(t, PostEvent(ctx, client, srv.URL, "1", input.Button("p1_up", input.StateDown)))
	assert.Equal(t, "1", gotPlayer)
	assert.Equal(t, "p1_up", gotBody.Control)

	err := PostEvent(ctx, client, srv.URL, "1", input.Button("bad", input.StateDown))
	assert.ErrorIs(t, err, input.ErrMalformed)
}
