// Package qr renders the controller-link QR codes shown on the host's pairing
// screen.
package qr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

// ErrMissingText is returned when there is nothing to encode.
var ErrMissingText = errors.New("Missing `text`")

type Config struct {
	DefaultSize int
	MinSize     int
	MaxSize     int
	CacheBytes  int64
}

func DefaultConfig() Config {
	return Config{DefaultSize: 180, MinSize: 64, MaxSize: 1024, CacheBytes: 16 << 20}
}

// Renderer encodes text as a borderless PNG QR code with medium error
// correction. Images are cached by text and size.
type Renderer struct {
	config Config
	cache  *ristretto.Cache[string, []byte]
}

func NewRenderer(cfg Config) (*Renderer, error) {
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = DefaultConfig().CacheBytes
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10_000,
		MaxCost:     cfg.CacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create qr cache: %w", err)
	}
	return &Renderer{config: cfg, cache: cache}, nil
}

// Size clamps a requested size. Zero or unparseable sizes use the default.
func (r *Renderer) Size(size int) int {
	if size <= 0 {
		size = r.config.DefaultSize
	}
	return max(r.config.MinSize, min(r.config.MaxSize, size))
}

// Render returns the PNG for text at the clamped size.
func (r *Renderer) Render(text string, size int) ([]byte, error) {
	if text == "" {
		return nil, ErrMissingText
	}
	size = r.Size(size)
	key := strconv.Itoa(size) + ":" + text
	if png, ok := r.cache.Get(key); ok {
		return png, nil
	}

	code, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	code.DisableBorder = true
	png, err := code.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	r.cache.Set(key, png, int64(len(png)))
	return png, nil
}

// ServeHTTP handles GET /api/qr?text=…&size=….
func (r *Renderer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	text := req.URL.Query().Get("text")
	size, _ := strconv.Atoi(req.URL.Query().Get("size"))

	png, err := r.Render(text, size)
	if errors.Is(err, ErrMissingText) {
		http.Error(w, ErrMissingText.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error().Err(err).Int("size", size).Msg("failed to generate qr")
		http.Error(w, "Failed to generate QR", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (r *Renderer) Close() {
	r.cache.Close()
}
