package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Source tells where an entry lives.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Entry is one playable ROM.
type Entry struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Source Source `json:"-"`
}

// DirCatalog lists ROM files from sub directories of a public web root.
type DirCatalog struct {
	Root string
	Dirs []string
}

func NewDirCatalog(root string, dirs []string) *DirCatalog {
	return &DirCatalog{Root: root, Dirs: dirs}
}

// List returns every ROM across the configured directories, sorted by name.
// Missing directories are skipped.
func (c *DirCatalog) List(ctx context.Context) ([]Entry, error) {
	out := []Entry{}
	for _, dir := range c.Dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(filepath.Join(c.Root, dir))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("dir", dir).Msg("failed to read rom directory")
			}
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !IsROM(e.Name()) {
				continue
			}
			out = append(out, Entry{
				Name:   e.Name(),
				URL:    path.Join("/", dir, e.Name()),
				Source: SourceRemote,
			})
		}
	}
	SortByName(out)
	return out, nil
}

// SortByName orders entries with a locale-aware collator.
func SortByName(entries []Entry) {
	col := collate.New(language.English, collate.IgnoreCase)
	sort.SliceStable(entries, func(i, j int) bool {
		return col.CompareString(entries[i].Name, entries[j].Name) < 0
	})
}

// ServeHTTP serves the listing as a JSON array of {name, url}.
func (c *DirCatalog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entries, err := c.List(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list roms: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		log.Error().Err(err).Msg("failed to write rom listing")
	}
}
