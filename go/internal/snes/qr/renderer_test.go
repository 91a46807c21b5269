package qr

import (
	"bytes"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestSizeClamp(t *testing.T) {
	r := newRenderer(t)
	assert.Equal(t, 180, r.Size(0))
	assert.Equal(t, 64, r.Size(10))
	assert.Equal(t, 1024, r.Size(5000))
	assert.Equal(t, 300, r.Size(300))
}

func TestRender(t *testing.T) {
	r := newRenderer(t)
	data, err := r.Render("http://192.168.1.2:8080/session/abc/player/1", 200)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())

	_, err = r.Render("", 200)
	assert.ErrorIs(t, err, ErrMissingText)
}

func TestHandler(t *testing.T) {
	r := newRenderer(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/qr?size=180", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing `text`\n", rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/qr?text=hello&size=abc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 180, img.Bounds().Dx())
}
