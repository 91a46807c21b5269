package host

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/controls"
	"github.com/voxdev/snesrelay/go/internal/snes/emulator"
)

type MenuAction string

const (
	ActionBack MenuAction = "back"
	ActionSave MenuAction = "save"
	ActionLoad MenuAction = "load"
)

type MenuOption struct {
	ID          MenuAction
	Label       string
	Description string
}

var MenuOptions = []MenuOption{
	{ID: ActionBack, Label: "Back to game library", Description: "Close the emulator and return to the save/game picker."},
	{ID: ActionSave, Label: "Save game state", Description: "Snapshot progress to this browser so you can continue later."},
	{ID: ActionLoad, Label: "Load last save", Description: "Restore the most recent save state captured on this device."},
}

const (
	statusSaved       = "Game saved to this browser."
	statusLoaded      = "Loaded the most recent save."
	statusSaving      = "Saving game…"
	statusLoadingSave = "Loading game…"
	statusNotReady    = "Emulator has not finished loading yet."
	statusUnsupported = "This emulator build does not expose save/load controls."
	statusInternal    = "Save system reported an internal error. Check console logs."
	statusSaveFailed  = "Unable to save game."
	statusLoadFailed  = "Unable to load game."
)

type MenuState struct {
	Open   bool
	Index  int
	Status string
}

type menuState struct {
	open   bool
	index  int
	status string
}

func (m *menuState) close() {
	m.open = false
	m.status = ""
}

func (m menuState) snapshot() MenuState {
	return MenuState{Open: m.open, Index: m.index, Status: m.status}
}

// toggleMenu opens or closes the global menu. Opening releases every held
// key so the game does not see a stuck button.
func (h *Host) toggleMenu() {
	if h.menu.open {
		h.menu.close()
		log.Debug().Str("session_id", h.cfg.SessionID).Msg("menu closed")
		return
	}
	h.releaseHeld()
	h.menu = menuState{open: true}
	log.Debug().Str("session_id", h.cfg.SessionID).Msg("menu opened")
}

// ToggleMenu is the host side equivalent of the reserved menu control.
func (h *Host) ToggleMenu() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stage == StageEmulator {
		h.toggleMenu()
	}
}

func (h *Host) navigateMenu(ctx context.Context, nav controls.Nav) {
	last := len(MenuOptions) - 1
	switch {
	case nav.Previous():
		if h.menu.index == 0 {
			h.menu.index = last
		} else {
			h.menu.index--
		}
	case nav.Next():
		if h.menu.index == last {
			h.menu.index = 0
		} else {
			h.menu.index++
		}
	case nav == controls.NavCancel:
		h.menu.close()
	case nav == controls.NavConfirm:
		h.runAction(ctx, MenuOptions[h.menu.index].ID)
	}
}

func (h *Host) runAction(ctx context.Context, action MenuAction) {
	if action == ActionBack {
		h.menu.close()
		h.back()
		return
	}

	save := action == ActionSave
	if save {
		h.menu.status = statusSaving
	} else {
		h.menu.status = statusLoadingSave
	}
	if !h.caps.Negotiated() {
		h.caps = emulator.Negotiate(h.cfg.Runtime)
	}

	var err error
	if save {
		err = h.caps.Save(ctx)
	} else {
		err = h.caps.Load(ctx)
	}

	if err == nil {
		msg := statusLoaded
		if save {
			msg = statusSaved
		}
		h.status = msg
		h.menu.status = msg
		h.menu.open = false
		return
	}

	msg := statusLoadFailed
	if save {
		msg = statusSaveFailed
	}
	switch {
	case errors.Is(err, emulator.ErrNotReady):
		msg = statusNotReady
	case errors.Is(err, emulator.ErrUnsupported):
		msg = statusUnsupported
	case errors.Is(err, emulator.ErrInternal):
		msg = statusInternal
	}
	log.Warn().Err(err).Str("action", string(action)).Msg("menu action failed")
	h.status = msg
	h.menu.status = msg
}
