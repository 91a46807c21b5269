// Package host is the display side of a session: the stage machine that walks
// from input selection through pairing and the game library into a running
// emulator, and the relay that turns controller input into key events.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/catalog"
	"github.com/voxdev/snesrelay/go/internal/snes/controls"
	"github.com/voxdev/snesrelay/go/internal/snes/emulator"
	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
)

type Stage string

const (
	StageLanding       Stage = "landing"
	StageQR            Stage = "qr"
	StageGameSelection Stage = "gameSelection"
	StageEmulator      Stage = "emulator"
)

type InputMethod string

const (
	InputKeyboard InputMethod = "keyboard"
	InputPhone    InputMethod = "phone"
)

// ROMStore is the local persistent ROM store.
type ROMStore interface {
	Entries(ctx context.Context) ([]catalog.Entry, error)
	Get(ctx context.Context, name string) (catalog.ROMMeta, []byte, error)
	PutThumbnail(ctx context.Context, name string, png []byte) error
}

// Lister is a remote ROM catalog.
type Lister interface {
	List(ctx context.Context) ([]catalog.Entry, error)
}

type Config struct {
	SessionID string
	// Origin prefixes controller links, e.g. http://192.168.1.20:8080.
	Origin string

	Runtime emulator.Runtime
	Sink    emulator.Sink
	Store   ROMStore
	Remote  Lister
	Clock   clockwork.Clock

	FocusDelay      time.Duration
	ScreenshotDelay time.Duration
	QRSize          int
}

// Host is safe for concurrent use; every input is applied under one lock so
// transitions are serialized.
type Host struct {
	cfg   Config
	clock clockwork.Clock

	mu          sync.Mutex
	stage       Stage
	method      InputMethod
	landing     InputMethod
	present     bool
	controllers map[string]struct{}
	status      string

	library library
	active  *catalog.Entry
	held    map[controls.KeyCode]bool
	menu    menuState
	caps    emulator.Capabilities

	cancelLoad context.CancelFunc
	thumbnails map[string][]byte
}

func New(cfg Config) *Host {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Runtime == nil {
		cfg.Runtime = emulator.NewHeadless()
	}
	if cfg.Sink == nil {
		cfg.Sink = emulator.SinkFunc(func(emulator.KeyEvent) {})
	}
	if cfg.FocusDelay <= 0 {
		cfg.FocusDelay = time.Second
	}
	if cfg.ScreenshotDelay <= 0 {
		cfg.ScreenshotDelay = 3 * time.Second
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = 180
	}
	return &Host{
		cfg:         cfg,
		clock:       cfg.Clock,
		stage:       StageLanding,
		landing:     InputKeyboard,
		controllers: make(map[string]struct{}),
		library:     newLibrary(),
		held:        make(map[controls.KeyCode]bool),
		thumbnails:  make(map[string][]byte),
	}
}

// State is a point in time view of the host.
type State struct {
	Stage             Stage
	Input             InputMethod
	Landing           InputMethod
	ControllerPresent bool
	Controllers       int
	Status            string
	Search            string
	Cursor            Cursor
	Active            *catalog.Entry
	RemoteError       string
	Menu              MenuState
}

func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var active *catalog.Entry
	if h.active != nil {
		e := *h.active
		active = &e
	}
	return State{
		Stage:             h.stage,
		Input:             h.method,
		Landing:           h.landing,
		ControllerPresent: h.present,
		Controllers:       len(h.controllers),
		Status:            h.status,
		Search:            h.library.search,
		Cursor:            h.library.cursor,
		Active:            active,
		RemoteError:       h.library.remoteErr,
		Menu:              h.menu.snapshot(),
	}
}

func (h *Host) Stage() Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage
}

func (h *Host) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Host) ControllerPresent() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.present
}

// Thumbnail returns the frame captured after a game loaded.
func (h *Host) Thumbnail(name string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	png, ok := h.thumbnails[name]
	return png, ok
}

// ChooseInput leaves the landing stage. Keyboard play goes straight to the
// library; phones go through pairing.
func (h *Host) ChooseInput(method InputMethod) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chooseInput(method)
}

func (h *Host) chooseInput(method InputMethod) {
	if h.stage != StageLanding {
		log.Debug().Str("stage", string(h.stage)).Msg("input already chosen")
		return
	}
	h.landing = method
	h.method = method
	if method == InputKeyboard {
		h.setStage(StageGameSelection)
		return
	}
	h.setStage(StageQR)
	h.advancePairing()
}

// BackToLanding returns to input selection from pairing or the library.
func (h *Host) BackToLanding() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backToLanding()
}

func (h *Host) backToLanding() {
	if h.stage != StageQR && h.stage != StageGameSelection {
		return
	}
	if h.method != "" {
		h.landing = h.method
	}
	h.setStage(StageLanding)
}

func (h *Host) setStage(s Stage) {
	if h.stage == s {
		return
	}
	log.Info().
		Str("session_id", h.cfg.SessionID).
		Str("from", string(h.stage)).
		Str("state", string(s)).
		Msg("host stage changed")
	if h.stage == StageEmulator {
		h.menu.close()
	}
	h.stage = s
}

// markPresent records a controller. The presence flag flips at most once.
func (h *Host) markPresent(playerID string) {
	h.controllers[playerID] = struct{}{}
	if h.present {
		return
	}
	h.present = true
	log.Info().
		Str("session_id", h.cfg.SessionID).
		Str("player_id", playerID).
		Msg("controller connected")
	h.advancePairing()
}

func (h *Host) advancePairing() {
	if h.present && h.stage == StageQR {
		h.setStage(StageGameSelection)
	}
}

// Handle applies one relayed envelope.
func (h *Host) Handle(ctx context.Context, env input.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch env.Type {
	case input.MessageTypeHello, input.MessageTypePlayerJoin:
		h.markPresent(env.PlayerID)
	case input.MessageTypeReady:
		for _, id := range env.Players {
			h.markPresent(id)
		}
	case input.MessageTypePlayerLeave:
		delete(h.controllers, env.PlayerID)
		log.Info().Str("session_id", h.cfg.SessionID).Str("player_id", env.PlayerID).Msg("controller left")
	case input.MessageTypeInput:
		if env.Input == nil || env.Input.Type != input.EventTypeButton || env.Input.Validate() != nil {
			log.Debug().Str("player_id", env.PlayerID).Msg("dropping malformed input")
			return
		}
		if env.Input.Control == controls.Hello {
			h.markPresent(env.PlayerID)
			return
		}
		h.relay(ctx, env.Input.Control, env.Input.Down())
	case input.MessageTypeHostClose:
		log.Warn().Str("session_id", h.cfg.SessionID).Msg("relay closed the host")
	}
}

// Consume applies envelopes from sub until it ends or ctx is done.
func (h *Host) Consume(ctx context.Context, sub transport.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-sub.Events():
			if !ok {
				return transport.ErrClosed
			}
			h.Handle(ctx, env)
		}
	}
}

// Close stops any pending load timers and unloads the runtime.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLoad()
	return h.cfg.Runtime.Unload()
}

// QRLink is the pairing link for one controller slot.
type QRLink struct {
	Player   int
	URL      string
	ImageURL string
}

func (h *Host) QRLinks() []QRLink {
	links := make([]QRLink, 0, 2)
	for n := 1; n <= 2; n++ {
		u := ControllerURL(h.cfg.Origin, h.cfg.SessionID, n)
		links = append(links, QRLink{
			Player:   n,
			URL:      u,
			ImageURL: fmt.Sprintf("/api/qr?size=%d&text=%s", h.cfg.QRSize, url.QueryEscape(u)),
		})
	}
	return links
}

// ControllerURL is the page a phone opens to become controller n.
func ControllerURL(origin, sessionID string, n int) string {
	return fmt.Sprintf("%s/session/%s/player/%d", strings.TrimSuffix(origin, "/"), url.PathEscape(sessionID), n)
}

// Origin builds the public origin from an explicit host override, falling
// back to the given origin when no host is set.
func Origin(protocol, host, port, fallback string) string {
	if host == "" {
		return strings.TrimSuffix(fallback, "/")
	}
	if protocol == "" {
		protocol = "http"
	}
	origin := strings.TrimSuffix(protocol, ":") + "://" + host
	if port != "" {
		origin += ":" + port
	}
	return origin
}

var errNoSelection = errors.New("no game selected")
