package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/catalog"
	"github.com/voxdev/snesrelay/go/internal/snes/controls"
)

// Cursor addresses an entry in one of the two library lists.
type Cursor struct {
	List  catalog.Source
	Index int
}

type library struct {
	local     []catalog.Entry
	remote    []catalog.Entry
	remoteErr string
	search    string
	cursor    Cursor
}

func newLibrary() library {
	return library{cursor: Cursor{List: catalog.SourceLocal}}
}

// filtered returns both lists narrowed by the search query. Remote entries
// also match on their URL.
func (l *library) filtered() (local, remote []catalog.Entry) {
	for _, e := range l.local {
		if catalog.Matches(l.search, e.Name) {
			local = append(local, e)
		}
	}
	for _, e := range l.remote {
		if catalog.Matches(l.search, e.Name, e.URL) {
			remote = append(remote, e)
		}
	}
	return local, remote
}

// reset puts the cursor on the first entry, preferring the local list.
func (l *library) reset() {
	local, _ := l.filtered()
	l.cursor = Cursor{List: catalog.SourceLocal}
	if len(local) == 0 {
		l.cursor.List = catalog.SourceRemote
	}
}

func (l *library) current() (catalog.Entry, bool) {
	local, remote := l.filtered()
	list := local
	if l.cursor.List == catalog.SourceRemote {
		list = remote
	}
	if l.cursor.Index < 0 || l.cursor.Index >= len(list) {
		return catalog.Entry{}, false
	}
	return list[l.cursor.Index], true
}

// move steps the cursor. Moving up from the top of the remote list lands on
// the last local entry and moving down from the last local entry lands on
// the first remote one; the outer ends do not wrap.
func (l *library) move(nav controls.Nav) bool {
	local, remote := l.filtered()
	list := local
	if l.cursor.List == catalog.SourceRemote {
		list = remote
	}
	if len(list) == 0 {
		return false
	}

	next := l.cursor
	switch nav {
	case controls.NavUp:
		if l.cursor.List == catalog.SourceRemote && l.cursor.Index == 0 && len(local) > 0 {
			next = Cursor{List: catalog.SourceLocal, Index: len(local) - 1}
		} else if l.cursor.Index > 0 {
			next.Index--
		}
	case controls.NavDown:
		if l.cursor.List == catalog.SourceLocal && l.cursor.Index == len(local)-1 && len(remote) > 0 {
			next = Cursor{List: catalog.SourceRemote, Index: 0}
		} else if l.cursor.Index < len(list)-1 {
			next.Index++
		}
	default:
		return false
	}
	if next == l.cursor {
		return false
	}
	l.cursor = next
	return true
}

// Refresh reloads the local store and the remote manifest. Either source may
// fail on its own; what loaded is kept.
func (h *Host) Refresh(ctx context.Context) error {
	var local, remote []catalog.Entry
	var errs []error
	remoteErr := ""

	if h.cfg.Store != nil {
		entries, err := h.cfg.Store.Entries(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list local roms: %w", err))
		} else {
			local = entries
		}
	}
	if h.cfg.Remote != nil {
		entries, err := h.cfg.Remote.List(ctx)
		if err != nil {
			log.Warn().Err(err).Str("session_id", h.cfg.SessionID).Msg("failed to load remote manifest")
			remoteErr = "Failed to load manifest"
			errs = append(errs, err)
		} else {
			remote = entries
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.library.local = local
	h.library.remote = remote
	h.library.remoteErr = remoteErr
	h.library.reset()
	return errors.Join(errs...)
}

// Search narrows the library and resets the cursor.
func (h *Host) Search(query string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.library.search = query
	h.library.reset()
}

// Library returns the filtered local and remote lists.
func (h *Host) Library() (local, remote []catalog.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.library.filtered()
}

// Selected returns the entry under the cursor.
func (h *Host) Selected() (catalog.Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.library.current()
}

func (h *Host) navigateLibrary(ctx context.Context, nav controls.Nav) {
	switch nav {
	case controls.NavUp, controls.NavDown:
		if h.library.move(nav) {
			log.Debug().
				Str("list", string(h.library.cursor.List)).
				Int("index", h.library.cursor.Index).
				Msg("library cursor moved")
		}
	case controls.NavConfirm:
		entry, ok := h.library.current()
		if !ok {
			return
		}
		if err := h.play(ctx, entry); err != nil {
			log.Warn().Err(err).Str("game", entry.Name).Msg("failed to start game")
		}
	}
}
