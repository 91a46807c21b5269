package host

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/controls"
	"github.com/voxdev/snesrelay/go/internal/snes/emulator"
)

// relay routes a controller button. Outside the emulator the d-pad and
// confirm buttons drive the screens; in the emulator they reach the game
// unless the menu is open.
func (h *Host) relay(ctx context.Context, control string, down bool) {
	if control == controls.MenuToggle {
		if down && h.stage == StageEmulator {
			h.toggleMenu()
		}
		return
	}

	if h.stage != StageEmulator {
		if down {
			h.navigate(ctx, controls.Navigation(control))
		}
		return
	}

	if h.menu.open {
		if down {
			h.navigateMenu(ctx, controls.Navigation(control))
		}
		return
	}

	code, ok := controls.Resolve(control)
	if !ok {
		log.Warn().Str("control", control).Msg("unknown control")
		return
	}
	h.press(code, down)
}

// HandleKey applies a key from the host's own keyboard.
func (h *Host) HandleKey(ctx context.Context, code controls.KeyCode, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stage != StageEmulator {
		if down {
			h.navigate(ctx, controls.NavigationForCode(code))
		}
		return
	}
	if h.menu.open {
		if down {
			h.navigateMenu(ctx, controls.NavigationForCode(code))
		}
		return
	}
	if _, ok := controls.ControlForCode(code); !ok {
		return
	}
	h.press(code, down)
}

func (h *Host) navigate(ctx context.Context, nav controls.Nav) {
	if nav == controls.NavNone {
		return
	}
	switch h.stage {
	case StageLanding:
		switch {
		case nav.Previous():
			h.landing = InputKeyboard
		case nav.Next():
			h.landing = InputPhone
		case nav == controls.NavConfirm:
			h.chooseInput(h.landing)
		}
	case StageQR:
		if nav == controls.NavCancel {
			h.backToLanding()
		}
	case StageGameSelection:
		h.navigateLibrary(ctx, nav)
	}
}

// press forwards a key transition once. A repeated down for a held key and
// an up for a key that is not held are dropped.
func (h *Host) press(code controls.KeyCode, down bool) {
	if down == h.held[code] {
		log.Debug().Str("code", string(code)).Bool("down", down).Msg("dropping duplicate key transition")
		return
	}
	if down {
		h.held[code] = true
	} else {
		delete(h.held, code)
	}
	h.cfg.Sink.Dispatch(emulator.NewKeyEvent(code, down))
}

// releaseHeld sends a key up for every held key.
func (h *Host) releaseHeld() {
	codes := make([]controls.KeyCode, 0, len(h.held))
	for code := range h.held {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for _, code := range codes {
		h.press(code, false)
	}
}
