package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/catalog"
	"github.com/voxdev/snesrelay/go/internal/snes/emulator"
)

const (
	statusLoading  = "Loading ROM…"
	statusStarting = "Starting emulator…"
	statusNotFound = "ROM not found"
	statusStartErr = "Failed to start emulator"
	statusReturned = "Returned to the game library."
)

// Play loads the selected entry, or the given one, into the runtime.
func (h *Host) Play(ctx context.Context, entry *catalog.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry == nil {
		e, ok := h.library.current()
		if !ok {
			return errNoSelection
		}
		entry = &e
	}
	return h.play(ctx, *entry)
}

func (h *Host) play(ctx context.Context, entry catalog.Entry) error {
	if h.stage != StageGameSelection {
		return fmt.Errorf("play %s: host is in stage %s", entry.Name, h.stage)
	}
	h.status = statusLoading

	cfg, err := h.runtimeConfig(ctx, entry)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			h.status = statusNotFound
		} else {
			h.status = statusStartErr
		}
		return err
	}

	e := entry
	h.active = &e
	h.setStage(StageEmulator)
	clear(h.held)
	h.caps = emulator.Capabilities{}

	if err := h.cfg.Runtime.Load(ctx, cfg); err != nil {
		h.status = err.Error()
		return fmt.Errorf("load %s: %w", entry.Name, err)
	}
	h.status = statusStarting
	log.Info().
		Str("session_id", h.cfg.SessionID).
		Str("game", entry.Name).
		Str("source", string(entry.Source)).
		Msg("emulator starting")

	h.stopLoad()
	loadCtx, cancel := context.WithCancel(context.Background())
	h.cancelLoad = cancel
	go h.afterLoad(loadCtx, entry.Name)
	return nil
}

func (h *Host) runtimeConfig(ctx context.Context, entry catalog.Entry) (emulator.Config, error) {
	if entry.Source != catalog.SourceLocal {
		return emulator.NewConfig(entry.Name, entry.URL, nil), nil
	}
	if h.cfg.Store == nil {
		return emulator.Config{}, fmt.Errorf("rom %s: %w", entry.Name, catalog.ErrNotFound)
	}
	_, data, err := h.cfg.Store.Get(ctx, entry.Name)
	if err != nil {
		return emulator.Config{}, err
	}
	return emulator.NewConfig(entry.Name, "", data), nil
}

// afterLoad focuses the runtime once it had time to start, then captures one
// frame as the game's thumbnail.
func (h *Host) afterLoad(ctx context.Context, game string) {
	if !h.wait(ctx, h.cfg.FocusDelay) {
		return
	}
	h.mu.Lock()
	if ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	if err := h.cfg.Runtime.Focus(); err != nil {
		log.Warn().Err(err).Str("game", game).Msg("failed to focus emulator")
	}
	h.status = ""
	h.caps = emulator.Negotiate(h.cfg.Runtime)
	h.mu.Unlock()

	if !h.wait(ctx, h.cfg.ScreenshotDelay) {
		return
	}
	png, err := h.cfg.Runtime.Screenshot(ctx)
	if err != nil {
		log.Warn().Err(err).Str("game", game).Msg("failed to capture screenshot")
		return
	}
	if h.cfg.Store != nil {
		if err := h.cfg.Store.PutThumbnail(ctx, game, png); err != nil {
			log.Warn().Err(err).Str("game", game).Msg("failed to store thumbnail")
		}
	}
	h.mu.Lock()
	h.thumbnails[game] = png
	h.mu.Unlock()
	log.Debug().Str("game", game).Int("bytes", len(png)).Msg("captured thumbnail")
}

func (h *Host) wait(ctx context.Context, d time.Duration) bool {
	timer := h.clock.NewTimer(d)
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		stopAndDrainTimer(timer)
		return false
	}
}

func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

func (h *Host) stopLoad() {
	if h.cancelLoad != nil {
		h.cancelLoad()
		h.cancelLoad = nil
	}
}

// Back closes the running game and returns to the library.
func (h *Host) Back() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.back()
}

func (h *Host) back() {
	if h.stage != StageEmulator {
		return
	}
	h.stopLoad()
	h.releaseHeld()
	if err := h.cfg.Runtime.Unload(); err != nil {
		log.Warn().Err(err).Msg("failed to unload emulator")
	}
	h.active = nil
	h.caps = emulator.Capabilities{}
	h.setStage(StageGameSelection)
	h.status = statusReturned
}
