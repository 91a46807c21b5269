package emulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"maps"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/controls"
)

// Frame size of the SNES output.
const (
	FrameWidth  = 256
	FrameHeight = 224
)

var errNoGame = errors.New("no game configured")

// Headless is an in-process runtime that tracks key state instead of running
// a core. It is also the focused surface keys are dispatched to.
type Headless struct {
	mu       sync.Mutex
	cfg      Config
	loaded   bool
	focused  bool
	pressed  map[controls.KeyCode]bool
	history  []KeyEvent
	slots    map[int]map[controls.KeyCode]bool
	methods  map[string]Method
	loadHook func(Config) error
}

// NewHeadless returns a runtime exposing saveStateSlot and loadStateSlot.
func NewHeadless() *Headless {
	h := &Headless{
		pressed: make(map[controls.KeyCode]bool),
		slots:   make(map[int]map[controls.KeyCode]bool),
	}
	h.methods = map[string]Method{
		"saveStateSlot": h.saveSlot,
		"loadStateSlot": h.loadSlot,
	}
	return h
}

// Register exposes an extra method, or replaces an existing one.
func (h *Headless) Register(name string, m Method) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[name] = m
}

// Remove hides a method.
func (h *Headless) Remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.methods, name)
}

// OnLoad installs a hook run by Load; a returned error fails the load.
func (h *Headless) OnLoad(fn func(Config) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loadHook = fn
}

func (h *Headless) Load(ctx context.Context, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cfg.HasGame() {
		return fmt.Errorf("load %s: %w", cfg.GameName, errNoGame)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loadHook != nil {
		if err := h.loadHook(cfg); err != nil {
			return err
		}
	}
	h.cfg = cfg
	h.loaded = true
	h.focused = false
	clear(h.pressed)
	log.Info().Str("game", cfg.GameName).Str("core", cfg.Core).Msg("headless emulator loaded")
	return nil
}

func (h *Headless) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

func (h *Headless) Focus() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loaded {
		return ErrNotReady
	}
	h.focused = true
	return nil
}

func (h *Headless) Focused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focused
}

func (h *Headless) Method(name string) (Method, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.methods[name]
	return m, ok
}

// Screenshot renders a frame tinted by the game name.
func (h *Headless) Screenshot(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	loaded, name := h.loaded, h.cfg.GameName
	h.mu.Unlock()
	if !loaded {
		return nil, ErrNotReady
	}

	sum := fnv.New32a()
	sum.Write([]byte(name))
	v := sum.Sum32()
	fill := color.RGBA{R: uint8(v), G: uint8(v >> 8), B: uint8(v >> 16), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, FrameWidth, FrameHeight))
	for y := 0; y < FrameHeight; y++ {
		for x := 0; x < FrameWidth; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (h *Headless) Unload() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded = false
	h.focused = false
	h.cfg = Config{}
	clear(h.pressed)
	return nil
}

func (h *Headless) Name() string { return "canvas" }

func (h *Headless) DispatchKey(ev KeyEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.loaded {
		return ErrNotReady
	}
	h.history = append(h.history, ev)
	if ev.Down() {
		h.pressed[ev.Code] = true
	} else {
		delete(h.pressed, ev.Code)
	}
	return nil
}

// Pressed returns the keys currently held, sorted.
func (h *Headless) Pressed() []controls.KeyCode {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]controls.KeyCode, 0, len(h.pressed))
	for code := range h.pressed {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// History returns every event dispatched since the runtime was created.
func (h *Headless) History() []KeyEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]KeyEvent(nil), h.history...)
}

func (h *Headless) Game() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.GameName
}

func (h *Headless) saveSlot(_ context.Context, args ...any) error {
	slot, err := slotArg(args)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots[slot] = maps.Clone(h.pressed)
	return nil
}

func (h *Headless) loadSlot(_ context.Context, args ...any) error {
	slot, err := slotArg(args)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.slots[slot]
	if !ok {
		return fmt.Errorf("slot %d is empty", slot)
	}
	h.pressed = maps.Clone(state)
	return nil
}

func slotArg(args []any) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	slot, ok := args[0].(int)
	if !ok {
		return 0, fmt.Errorf("slot must be an int, got %T", args[0])
	}
	return slot, nil
}
