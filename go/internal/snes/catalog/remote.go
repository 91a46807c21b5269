package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/httpx"
)

// ManifestPaths are tried in order against an origin when no explicit
// manifest URLs are configured.
var ManifestPaths = []string{"/snes/roms.json", "/api/roms"}

// ErrManifestUnavailable is returned when every manifest URL failed.
var ErrManifestUnavailable = errors.New("failed to load manifest")

// RemoteCatalog reads a static ROM manifest, a JSON array of {name, url}.
type RemoteCatalog struct {
	urls   []string
	client *retryablehttp.Client
	cache  *ristretto.Cache[string, []Entry]
	ttl    time.Duration
}

// NewRemoteCatalog builds a catalog over urls. If urls is empty, the manifest
// paths are resolved against origin.
func NewRemoteCatalog(origin string, urls []string, ttl time.Duration) (*RemoteCatalog, error) {
	if len(urls) == 0 {
		origin = strings.TrimSuffix(origin, "/")
		for _, p := range ManifestPaths {
			urls = append(urls, origin+p)
		}
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []Entry]{
		NumCounters: 1000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create manifest cache: %w", err)
	}
	return &RemoteCatalog{
		urls:   urls,
		client: httpx.NewRetryClient(2),
		cache:  cache,
		ttl:    ttl,
	}, nil
}

const manifestKey = "manifest"

// List returns the first manifest that loads, cached for the catalog TTL.
// A manifest that is not a JSON array yields an empty list.
func (c *RemoteCatalog) List(ctx context.Context) ([]Entry, error) {
	if entries, ok := c.cache.Get(manifestKey); ok {
		return entries, nil
	}

	var lastErr error
	for _, u := range c.urls {
		entries, err := c.fetch(ctx, u)
		if err != nil {
			log.Debug().Err(err).Str("url", u).Msg("manifest fetch failed")
			lastErr = err
			continue
		}
		if c.ttl > 0 {
			c.cache.SetWithTTL(manifestKey, entries, int64(len(entries)+1), c.ttl)
			c.cache.Wait()
		}
		return entries, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, lastErr)
}

func (c *RemoteCatalog) fetch(ctx context.Context, u string) ([]Entry, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create manifest request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch manifest: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if _, ok := raw.([]any); !ok {
		return []Entry{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	for i := range entries {
		entries[i].Source = SourceRemote
	}
	return entries, nil
}

// Invalidate drops the cached manifest.
func (c *RemoteCatalog) Invalidate() {
	c.cache.Del(manifestKey)
}

func (c *RemoteCatalog) Close() {
	c.cache.Close()
}
