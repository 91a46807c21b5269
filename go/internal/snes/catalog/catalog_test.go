package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrettify(t *testing.T) {
	cases := map[string]string{
		"Super_Mario_World (USA) [!].sfc":   "Super Mario World",
		"Chrono.Trigger.smc":                "Chrono Trigger",
		"Donkey Kong Country (1).zip":       "Donkey Kong Country",
		"F-Zero (Japan) (Rev 1).fig":        "F-Zero",
		"Earthbound [T+Eng1.0]  (Hack).SWC": "Earthbound",
		"notarom.txt":                       "notarom txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, Prettify(in), in)
	}
}

func TestSearch(t *testing.T) {
	assert.Equal(t, "fzero", SearchKey("F-Zero (USA).sfc"))
	assert.True(t, Matches("", "anything"))
	assert.True(t, Matches("mario", "Super_Mario_World.sfc"))
	assert.True(t, Matches("zero", "nope", "F_Zero.smc"))
	assert.False(t, Matches("zelda", "Super_Mario_World.sfc"))
}

func TestIsROM(t *testing.T) {
	for _, n := range []string{"a.smc", "b.SFC", "c.zip", "d.7z", "e.fig", "f.swc"} {
		assert.True(t, IsROM(n), n)
	}
	assert.False(t, IsROM("readme.md"))
	assert.False(t, IsROM("sfc"))
}

func TestDirCatalog(t *testing.T) {
	root := t.TempDir()
	write := func(rel string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("rom"), 0o644))
	}
	write("roms/zelda.sfc")
	write("roms/notes.txt")
	write("snes/Axelay.smc")
	write("@roms/bomberman.zip")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "roms", "nested.sfc"), 0o755))

	c := NewDirCatalog(root, []string{"roms", "snes", "@roms", "missing"})
	entries, err := c.List(context.Background())
	require.NoError(t, err)

	var names, urls []string
	for _, e := range entries {
		names = append(names, e.Name)
		urls = append(urls, e.URL)
	}
	assert.Equal(t, []string{"Axelay.smc", "bomberman.zip", "zelda.sfc"}, names)
	assert.Equal(t, []string{"/snes/Axelay.smc", "/@roms/bomberman.zip", "/roms/zelda.sfc"}, urls)

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/roms", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"name":"Axelay.smc","url":"/snes/Axelay.smc"},
		{"name":"bomberman.zip","url":"/@roms/bomberman.zip"},
		{"name":"zelda.sfc","url":"/roms/zelda.sfc"}
	]`, rec.Body.String())
}

func TestDirCatalogEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	NewDirCatalog(t.TempDir(), []string{"roms"}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/roms", nil))
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestRemoteCatalogFallsBackAndCaches(t *testing.T) {
	var apiHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/snes/roms.json":
			http.NotFound(w, r)
		case "/api/roms":
			apiHits.Add(1)
			json.NewEncoder(w).Encode([]Entry{{Name: "Pilotwings.sfc", URL: "/roms/Pilotwings.sfc"}})
		}
	}))
	defer srv.Close()

	rc, err := NewRemoteCatalog(srv.URL, nil, time.Minute)
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()
	entries, err := rc.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Pilotwings.sfc", entries[0].Name)
	assert.Equal(t, SourceRemote, entries[0].Source)

	again, err := rc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, again)
	assert.Equal(t, int32(1), apiHits.Load())

	rc.Invalidate()
	_, err = rc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), apiHits.Load())
}

func TestRemoteCatalogNonArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"roms":[]}`)
	}))
	defer srv.Close()

	rc, err := NewRemoteCatalog("", []string{srv.URL + "/manifest.json"}, 0)
	require.NoError(t, err)
	defer rc.Close()

	entries, err := rc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoteCatalogUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rc, err := NewRemoteCatalog(srv.URL, nil, 0)
	require.NoError(t, err)
	defer rc.Close()

	_, err = rc.List(context.Background())
	assert.ErrorIs(t, err, ErrManifestUnavailable)
}

func newTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	s, err := OpenStore("sqlite", dsn, clock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	_, err := s.Put(ctx, "old.sfc", "", []byte{1, 2, 3})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	meta, err := s.Put(ctx, "new.smc", "application/x-snes", []byte{4})
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Size)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new.smc", list[0].Name, "newest first")
	assert.Equal(t, "application/octet-stream", list[1].Type)

	got, data, err := s.Get(ctx, "old.sfc")
	require.NoError(t, err)
	assert.Equal(t, "old.sfc", got.Name)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, _, err = s.Get(ctx, "missing.sfc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutThumbnail(ctx, "old.sfc", []byte("png")))
	thumb, err := s.Thumbnail(ctx, "old.sfc")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), thumb)

	require.NoError(t, s.Delete(ctx, "old.sfc"))
	_, err = s.Thumbnail(ctx, "old.sfc")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Name: "new.smc", Source: SourceLocal}}, entries)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore("mysql", "x", nil)
	assert.Error(t, err)
}
