package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/catalog"
)

// maxROMSize bounds an uploaded ROM image.
const maxROMSize = 32 << 20

// libraryRoutes exposes the persistent ROM store the host's local library
// lists from.
func (s *Service) libraryRoutes(r chi.Router) {
	r.Get("/", s.listLibrary)
	r.Put("/{name}", s.uploadROM)
	r.Get("/{name}", s.downloadROM)
	r.Delete("/{name}", s.deleteROM)
	r.Get("/{name}/thumbnail", s.thumbnail)
}

func romName(r *http.Request) (string, error) {
	name := chi.URLParam(r, "name")
	if name == "" || name != path.Base(name) || !catalog.IsROM(name) {
		return "", fmt.Errorf("invalid rom name %q", name)
	}
	return name, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func (s *Service) listLibrary(w http.ResponseWriter, r *http.Request) {
	roms, err := s.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list library")
		http.Error(w, "Failed to list library", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, roms)
}

func (s *Service) uploadROM(w http.ResponseWriter, r *http.Request) {
	name, err := romName(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxROMSize+1))
	if err != nil {
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "Empty upload", http.StatusBadRequest)
		return
	}
	if len(data) > maxROMSize {
		http.Error(w, "ROM too large", http.StatusRequestEntityTooLarge)
		return
	}

	meta, err := s.store.Put(r.Context(), name, r.Header.Get("Content-Type"), data)
	if err != nil {
		log.Error().Err(err).Str("rom", name).Msg("failed to store rom")
		http.Error(w, "Failed to store ROM", http.StatusInternalServerError)
		return
	}

	log.Info().Str("rom", name).Int64("size", meta.Size).Msg("rom stored")
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Service) downloadROM(w http.ResponseWriter, r *http.Request) {
	name, err := romName(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	meta, data, err := s.store.Get(r.Context(), name)
	if errors.Is(err, catalog.ErrNotFound) {
		http.Error(w, "ROM not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("rom", name).Msg("failed to load rom")
		http.Error(w, "Failed to load ROM", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", meta.Type)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	w.Write(data)
}

func (s *Service) deleteROM(w http.ResponseWriter, r *http.Request) {
	name, err := romName(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.Delete(r.Context(), name); err != nil {
		log.Error().Err(err).Str("rom", name).Msg("failed to delete rom")
		http.Error(w, "Failed to delete ROM", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) thumbnail(w http.ResponseWriter, r *http.Request) {
	name, err := romName(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	png, err := s.store.Thumbnail(r.Context(), name)
	if errors.Is(err, catalog.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("rom", name).Msg("failed to load thumbnail")
		http.Error(w, "Failed to load thumbnail", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
