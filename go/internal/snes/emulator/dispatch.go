package emulator

import (
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/controls"
)

type KeyType string

const (
	KeyDown KeyType = "keydown"
	KeyUp   KeyType = "keyup"
)

// KeyEvent is a synthesized keyboard event.
type KeyEvent struct {
	Type       KeyType          `json:"type"`
	Key        string           `json:"key"`
	Code       controls.KeyCode `json:"code"`
	Bubbles    bool             `json:"bubbles"`
	Cancelable bool             `json:"cancelable"`
	Composed   bool             `json:"composed"`
}

func NewKeyEvent(code controls.KeyCode, down bool) KeyEvent {
	typ := KeyUp
	if down {
		typ = KeyDown
	}
	return KeyEvent{
		Type:       typ,
		Key:        controls.KeyFor(code),
		Code:       code,
		Bubbles:    true,
		Cancelable: true,
		Composed:   true,
	}
}

func (e KeyEvent) Down() bool { return e.Type == KeyDown }

// Sink receives resolved key events from the host.
type Sink interface {
	Dispatch(ev KeyEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev KeyEvent)

func (f SinkFunc) Dispatch(ev KeyEvent) { f(ev) }

// Target is one place a runtime may listen for keys.
type Target interface {
	Name() string
	Focus() error
	DispatchKey(ev KeyEvent) error
}

// Dispatcher injects key events into a runtime that listens at more than one
// level: the focused surface first, then every mirror target.
type Dispatcher struct {
	surface Target
	mirrors []Target
}

// NewDispatcher builds a dispatcher. surface may be nil when the runtime has
// not rendered one.
func NewDispatcher(surface Target, mirrors ...Target) *Dispatcher {
	return &Dispatcher{surface: surface, mirrors: mirrors}
}

func (d *Dispatcher) Dispatch(ev KeyEvent) {
	dispatched := false
	if d.surface != nil {
		if err := d.surface.Focus(); err != nil {
			log.Debug().Err(err).Str("target", d.surface.Name()).Msg("failed to focus target")
		}
		if err := d.surface.DispatchKey(ev); err != nil {
			log.Warn().Err(err).Str("target", d.surface.Name()).Msg("failed to dispatch key")
		} else {
			dispatched = true
		}
	}
	for _, t := range d.mirrors {
		if err := t.DispatchKey(ev); err != nil {
			log.Warn().Err(err).Str("target", t.Name()).Msg("failed to dispatch key")
		}
	}
	if !dispatched {
		log.Warn().
			Str("code", string(ev.Code)).
			Str("type", string(ev.Type)).
			Msg("no emulator target detected for event")
	}
}

// LogTarget mirrors events into the log.
type LogTarget struct{}

func (LogTarget) Name() string { return "log" }

func (LogTarget) Focus() error { return nil }

func (LogTarget) DispatchKey(ev KeyEvent) error {
	log.Info().
		Str("type", string(ev.Type)).
		Str("key", ev.Key).
		Str("code", string(ev.Code)).
		Msg("key event")
	return nil
}
