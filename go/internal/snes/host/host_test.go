package host

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxdev/snesrelay/go/internal/snes/catalog"
	"github.com/voxdev/snesrelay/go/internal/snes/controls"
	"github.com/voxdev/snesrelay/go/internal/snes/emulator"
	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []emulator.KeyEvent
}

func (r *recorder) Dispatch(ev emulator.KeyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []emulator.KeyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emulator.KeyEvent(nil), r.events...)
}

type listerFunc func(ctx context.Context) ([]catalog.Entry, error)

func (f listerFunc) List(ctx context.Context) ([]catalog.Entry, error) { return f(ctx) }

func remoteEntries(names ...string) Lister {
	return listerFunc(func(context.Context) ([]catalog.Entry, error) {
		out := make([]catalog.Entry, 0, len(names))
		for _, n := range names {
			out = append(out, catalog.Entry{Name: n, URL: "/roms/" + n, Source: catalog.SourceRemote})
		}
		return out, nil
	})
}

type fixture struct {
	host    *Host
	runtime *emulator.Headless
	sink    *recorder
	clock   *clockwork.FakeClock
	store   *catalog.Store
}

func newFixture(t *testing.T, remote Lister) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	store, err := catalog.OpenStore("sqlite", dsn, clock)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		runtime: emulator.NewHeadless(),
		sink:    &recorder{},
		clock:   clock,
		store:   store,
	}
	f.host = New(Config{
		SessionID: "abc123",
		Origin:    "http://192.168.1.20:8080/",
		Runtime:   f.runtime,
		Sink:      f.sink,
		Store:     store,
		Remote:    remote,
		Clock:     clock,
	})
	t.Cleanup(func() { f.host.Close() })
	return f
}

// startGame walks keyboard play into the emulator with the first entry.
func (f *fixture) startGame(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.host.ChooseInput(InputKeyboard)
	require.NoError(t, f.host.Refresh(ctx))
	require.NoError(t, f.host.Play(ctx, nil))
	require.Equal(t, StageEmulator, f.host.Stage())
}

func button(player, control string, state input.ButtonState) input.Envelope {
	ev := input.Button(control, state)
	return input.Wrap(player, ev, time.Time{})
}

func hello(player string) input.Envelope {
	return input.Wrap(player, input.Hello(player, time.Time{}), time.Time{})
}

func TestPresenceAdvancesPairing(t *testing.T) {
	f := newFixture(t, remoteEntries("Axelay.smc"))
	ctx := context.Background()

	f.host.ChooseInput(InputPhone)
	assert.Equal(t, StageQR, f.host.Stage())
	assert.False(t, f.host.ControllerPresent())

	f.host.Handle(ctx, hello("1"))
	assert.True(t, f.host.ControllerPresent())
	assert.Equal(t, StageGameSelection, f.host.Stage())

	for i := 0; i < 5; i++ {
		f.host.Handle(ctx, button("1", "p1_a", input.StateDown))
		f.host.Handle(ctx, button("1", "p1_a", input.StateUp))
	}
	f.host.Handle(ctx, hello("1"))
	state := f.host.State()
	assert.True(t, state.ControllerPresent)
	assert.Equal(t, 1, state.Controllers)
	assert.Equal(t, StageGameSelection, state.Stage)

	f.host.BackToLanding()
	assert.Equal(t, InputPhone, f.host.State().Landing)
	f.host.ChooseInput(InputPhone)
	assert.Equal(t, StageGameSelection, f.host.Stage(), "controller already present")
}

func TestPresenceFromSocketMessages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.host.ChooseInput(InputPhone)

	f.host.Handle(ctx, input.Ready([]string{"1", "2"}))
	assert.Equal(t, StageGameSelection, f.host.Stage())
	assert.Equal(t, 2, f.host.State().Controllers)

	f.host.Handle(ctx, input.PlayerLeave("2"))
	f.host.Handle(ctx, input.PlayerJoin("3"))
	state := f.host.State()
	assert.Equal(t, 2, state.Controllers)
	assert.True(t, state.ControllerPresent)
}

func TestLegacyHelloButton(t *testing.T) {
	f := newFixture(t, nil)
	f.host.ChooseInput(InputPhone)
	f.host.Handle(context.Background(), button("1", controls.Hello, input.StateDown))
	assert.Equal(t, StageGameSelection, f.host.Stage())
	assert.Empty(t, f.sink.Events())
}

func TestLandingKeys(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.host.HandleKey(ctx, "ArrowRight", true)
	assert.Equal(t, InputPhone, f.host.State().Landing)
	f.host.HandleKey(ctx, "ArrowUp", true)
	assert.Equal(t, InputKeyboard, f.host.State().Landing)
	f.host.HandleKey(ctx, "ArrowDown", true)
	f.host.HandleKey(ctx, "Enter", false)
	assert.Equal(t, StageLanding, f.host.Stage(), "key up does not confirm")

	f.host.HandleKey(ctx, "KeyB", true)
	assert.Equal(t, StageQR, f.host.Stage())
	assert.Equal(t, InputPhone, f.host.State().Input)

	f.host.HandleKey(ctx, "Escape", true)
	assert.Equal(t, StageLanding, f.host.Stage())
}

func TestControllerNavigatesLanding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.host.Handle(ctx, button("2", "p2_right", input.StateDown))
	assert.Equal(t, InputPhone, f.host.State().Landing)
	f.host.Handle(ctx, button("2", "p2_start", input.StateDown))
	assert.Equal(t, StageQR, f.host.Stage(), "button input does not announce a controller")
}

func TestQRLinks(t *testing.T) {
	f := newFixture(t, nil)
	links := f.host.QRLinks()
	require.Len(t, links, 2)
	assert.Equal(t, "http://192.168.1.20:8080/session/abc123/player/1", links[0].URL)
	assert.Equal(t, "/api/qr?size=180&text=http%3A%2F%2F192.168.1.20%3A8080%2Fsession%2Fabc123%2Fplayer%2F2", links[1].ImageURL)
}

func TestOrigin(t *testing.T) {
	assert.Equal(t, "http://localhost:3000", Origin("", "", "", "http://localhost:3000/"))
	assert.Equal(t, "https://10.0.0.5:8443", Origin("https:", "10.0.0.5", "8443", "http://localhost"))
	assert.Equal(t, "http://snes.lan", Origin("", "snes.lan", "", ""))
}

func TestLibraryCursorCrossesLists(t *testing.T) {
	f := newFixture(t, remoteEntries("Chrono_Trigger.sfc", "Donkey Kong Country.smc"))
	ctx := context.Background()

	_, err := f.store.Put(ctx, "Axelay.smc", "", []byte{1})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.store.Put(ctx, "Bomberman.sfc", "", []byte{2})
	require.NoError(t, err)

	f.host.ChooseInput(InputKeyboard)
	require.NoError(t, f.host.Refresh(ctx))
	local, remote := f.host.Library()
	require.Len(t, local, 2)
	require.Len(t, remote, 2)
	assert.Equal(t, "Bomberman.sfc", local[0].Name, "newest first")

	cursor := func() Cursor { return f.host.State().Cursor }
	assert.Equal(t, Cursor{List: catalog.SourceLocal, Index: 0}, cursor())

	f.host.HandleKey(ctx, "ArrowUp", true)
	assert.Equal(t, Cursor{List: catalog.SourceLocal, Index: 0}, cursor(), "no wrap at the top")

	f.host.HandleKey(ctx, "ArrowDown", true)
	f.host.Handle(ctx, button("1", "p1_down", input.StateDown))
	assert.Equal(t, Cursor{List: catalog.SourceRemote, Index: 0}, cursor())

	f.host.HandleKey(ctx, "ArrowDown", true)
	f.host.HandleKey(ctx, "ArrowDown", true)
	assert.Equal(t, Cursor{List: catalog.SourceRemote, Index: 1}, cursor(), "no wrap at the bottom")

	f.host.HandleKey(ctx, "ArrowUp", true)
	f.host.HandleKey(ctx, "ArrowUp", true)
	assert.Equal(t, Cursor{List: catalog.SourceLocal, Index: 1}, cursor())

	f.host.Search("donkey")
	local, remote = f.host.Library()
	assert.Empty(t, local)
	require.Len(t, remote, 1)
	assert.Equal(t, Cursor{List: catalog.SourceRemote, Index: 0}, cursor())

	f.host.HandleKey(ctx, "Enter", true)
	state := f.host.State()
	assert.Equal(t, StageEmulator, state.Stage)
	require.NotNil(t, state.Active)
	assert.Equal(t, "Donkey Kong Country.smc", state.Active.Name)
	assert.Equal(t, "Donkey Kong Country.smc", f.runtime.Game())
}

func TestRemoteManifestFailure(t *testing.T) {
	f := newFixture(t, listerFunc(func(context.Context) ([]catalog.Entry, error) {
		return nil, catalog.ErrManifestUnavailable
	}))
	err := f.host.Refresh(context.Background())
	assert.ErrorIs(t, err, catalog.ErrManifestUnavailable)
	assert.Equal(t, "Failed to load manifest", f.host.State().RemoteError)
}

func TestPlayMissingROM(t *testing.T) {
	f := newFixture(t, nil)
	f.host.ChooseInput(InputKeyboard)
	err := f.host.Play(context.Background(), &catalog.Entry{Name: "gone.sfc", Source: catalog.SourceLocal})
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.Equal(t, "ROM not found", f.host.Status())
	assert.Equal(t, StageGameSelection, f.host.Stage())
}

func TestLoadFocusesThenCapturesThumbnail(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.store.Put(ctx, "Axelay.smc", "", []byte{1, 2, 3})
	require.NoError(t, err)
	f.startGame(t)
	assert.Equal(t, "Starting emulator…", f.host.Status())
	assert.False(t, f.runtime.Focused())

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Second)
	require.Eventually(t, f.runtime.Focused, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return f.host.Status() == "" }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		_, ok := f.host.Thumbnail("Axelay.smc")
		return ok
	}, time.Second, 5*time.Millisecond)

	stored, err := f.store.Thumbnail(ctx, "Axelay.smc")
	require.NoError(t, err)
	assert.NotEmpty(t, stored)
}

func TestBackCancelsPendingLoad(t *testing.T) {
	f := newFixture(t, remoteEntries("Axelay.smc"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.startGame(t)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.host.Back()
	assert.Equal(t, StageGameSelection, f.host.Stage())
	assert.Equal(t, "Returned to the game library.", f.host.Status())
	assert.False(t, f.runtime.Loaded())

	require.NoError(t, f.clock.BlockUntilContext(ctx, 0))
	f.clock.Advance(time.Minute)
	assert.False(t, f.runtime.Focused())
}

func TestRelayPressAndRelease(t *testing.T) {
	f := newFixture(t, remoteEntries("Axelay.smc"))
	f.startGame(t)
	ctx := context.Background()

	f.host.Handle(ctx, button("1", "p1_up", input.StateDown))
	f.host.Handle(ctx, button("1", "p1_up", input.StateUp))

	assert.Equal(t, []emulator.KeyEvent{
		emulator.NewKeyEvent("KeyW", true),
		emulator.NewKeyEvent("KeyW", false),
	}, f.sink.Events())
}

func TestDuplicateTransitionsDropped(t *testing.T) {
	f := newFixture(t, remoteEntries("Axelay.smc"))
	f.startGame(t)
	ctx := context.Background()

	f.host.Handle(ctx, button("2", "p2_a", input.StateUp))
	f.host.Handle(ctx, button("2", "p2_a", input.StateDown))
	f.host.Handle(ctx, button("2", "p2_a", input.StateDown))
	f.host.Handle(ctx, button("2", "p2_a", input.StateUp))
	f.host.Handle(ctx, button("2", "p2_a", input.StateUp))

	assert.Equal(t, []emulator.KeyEvent{
		emulator.NewKeyEvent("KeyI", true),
		emulator.NewKeyEvent("KeyI", false),
	}, f.sink.Events())
}

func TestUnknownControlDropped(t *testing.T) {
	f := newFixture(t, remoteEntries("Axelay.smc"))
	f.startGame(t)
	f.host.Handle(context.Background(), button("1", "p3_turbo", input.StateDown))
	assert.Empty(t, f.sink.Events())
	assert.Equal(t, StageEmulator, f.host.Stage())
}

func TestHostKeyboardReachesGame(t *testing.T) {
	f := newFixture(t, remoteEntries("Axelay.smc"))
	f.startGame(t)
	ctx := context.Background()
	f.host.HandleKey(ctx, "Space", true)
	f.host.HandleKey(ctx, "Escape", true)
	assert.Equal(t, []emulator.KeyEvent{emulator.NewKeyEvent("Space", true)}, f.sink.Events())
}

func TestMenuConsumesControls(t *testing.T) {
	f := newFixture(t, remoteEntries("Axelay.smc"))
	f.startGame(t)
	ctx := context.Background()

	f.host.Handle(ctx, button("1", "p1_a", input.StateDown))
	f.host.Handle(ctx, button("1", controls.MenuToggle, input.StateDown))
	f.host.Handle(ctx, button("1", controls.MenuToggle, input.StateUp))

	menu := f.host.State().Menu
	assert.True(t, menu.Open)
	assert.Equal(t, 0, menu.Index)
	released := []emulator.KeyEvent{
		emulator.NewKeyEvent("KeyX", true),
		emulator.NewKeyEvent("KeyX", false),
	}
	assert.Equal(t, released, f.sink.Events(), "opening the menu releases held keys")

	f.host.Handle(ctx, button("1", "p1_down", input.StateDown))
	assert.Equal(t, 1, f.host.State().Menu.Index)
	f.host.Handle(ctx, button("1", "p1_down", input.StateUp))
	f.host.Handle(ctx, button("1", "p1_up", input.StateDown))
	f.host.Handle(ctx, button("1", "p1_up", input.StateDown))
	assert.Equal(t, 2, f.host.State().Menu.Index, "wraps from the first option")
	f.host.Handle(ctx, button("1", "p1_a", input.StateDown))
	f.host.Handle(ctx, button("2", "p2_x", input.StateDown))
	assert.Equal(t, released, f.sink.Events(), "nothing reaches the game while open")

	f.host.Handle(ctx, button("1", "p1_select", input.StateDown))
	assert.False(t, f.host.State().Menu.Open)

	f.host.Handle(ctx, button("1", "p1_b", input.StateDown))
	assert.Len(t, f.sink.Events(), 3)
}

func TestMenuBack(t *testing.T) {
	f := newFixture(t, remoteEntries("Axelay.smc"))
	f.startGame(t)
	ctx := context.Background()

	f.host.Handle(ctx, button("1", controls.MenuToggle, input.StateDown))
	f.host.Handle(ctx, button("1", "p1_start", input.StateDown))

	state := f.host.State()
	assert.Equal(t, StageGameSelection, state.Stage)
	assert.False(t, state.Menu.Open)
	assert.Nil(t, state.Active)
	assert.Equal(t, "Returned to the game library.", state.Status)
}

func TestMenuSaveAndLoad(t *testing.T) {
	f := newFixture(t, remoteEntries("Axelay.smc"))
	f.startGame(t)
	ctx := context.Background()

	f.host.Handle(ctx, button("1", controls.MenuToggle, input.StateDown))
	f.host.Handle(ctx, button("1", "p1_down", input.StateDown))
	f.host.Handle(ctx, button("1", "p1_b", input.StateDown))
	state := f.host.State()
	assert.Equal(t, "Game saved to this browser.", state.Status)
	assert.False(t, state.Menu.Open)

	f.host.ToggleMenu()
	f.host.HandleKey(ctx, "ArrowUp", true)
	f.host.HandleKey(ctx, "Enter", true)
	assert.Equal(t, "Loaded the most recent save.", f.host.Status())
}

func TestMenuSaveFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(rt *emulator.Headless)
		want  string
	}{
		{
			name:  "not ready",
			setup: func(rt *emulator.Headless) { rt.Unload() },
			want:  "Emulator has not finished loading yet.",
		},
		{
			name: "unsupported",
			setup: func(rt *emulator.Headless) {
				rt.Remove("saveStateSlot")
				rt.Remove("loadStateSlot")
			},
			want: "This emulator build does not expose save/load controls.",
		},
		{
			name: "internal error",
			setup: func(rt *emulator.Headless) {
				rt.Register("saveState", func(context.Context, ...any) error { return errors.New("quota exceeded") })
			},
			want: "Save system reported an internal error. Check console logs.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, remoteEntries("Axelay.smc"))
			f.startGame(t)
			tc.setup(f.runtime)
			ctx := context.Background()

			f.host.ToggleMenu()
			f.host.HandleKey(ctx, "ArrowDown", true)
			f.host.HandleKey(ctx, "Enter", true)

			state := f.host.State()
			assert.Equal(t, tc.want, state.Status)
			assert.Equal(t, tc.want, state.Menu.Status)
			assert.True(t, state.Menu.Open)
		})
	}
}

func TestMenuIgnoredOutsideEmulator(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Handle(context.Background(), button("1", controls.MenuToggle, input.StateDown))
	f.host.ToggleMenu()
	assert.False(t, f.host.State().Menu.Open)
}

func TestConsume(t *testing.T) {
	f := newFixture(t, nil)
	f.host.ChooseInput(InputPhone)

	stream := transport.NewStream(4, nil)
	require.True(t, stream.Deliver(hello("1")))
	require.NoError(t, stream.Close())

	err := f.host.Consume(context.Background(), stream)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Equal(t, StageGameSelection, f.host.Stage())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.host.Consume(ctx, transport.NewStream(1, nil)), context.Canceled)
}
