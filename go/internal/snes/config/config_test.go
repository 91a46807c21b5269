package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, PushEventStream, cfg.Relay.Push)
	assert.Equal(t, 25*time.Second, cfg.Relay.Heartbeat)
	assert.Equal(t, 15*time.Second, cfg.Relay.KeepAlive)
	assert.Equal(t, 3*time.Second, cfg.Relay.Retry)
	assert.Equal(t, "snes-", cfg.NATS.SubjectPrefix)
	assert.Equal(t, []string{"roms", "snes", "@roms"}, cfg.Catalog.Dirs)
	assert.Equal(t, 180, cfg.QR.DefaultSize)
	assert.Equal(t, DefaultSQLiteDSN, cfg.Store.ConnString())
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  log_level: debug
relay:
  push: pubsub
  keep_alive: 5s
nats:
  embedded: true
`), 0o600))

	t.Setenv("SNES_SERVER_PORT", "9100")
	t.Setenv("SNES_CATALOG_REMOTE_URLS", "https://a.example/snes/roms.json,https://a.example/api/roms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "env wins over file")
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, PushPubSub, cfg.Relay.Push)
	assert.Equal(t, 5*time.Second, cfg.Relay.KeepAlive)
	assert.Equal(t, 25*time.Second, cfg.Relay.Heartbeat, "unset keys keep defaults")
	assert.True(t, cfg.NATS.Embedded)
	assert.Len(t, cfg.Catalog.RemoteURLs, 2)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Relay.Push = "carrier-pigeon"
	cfg.QR.MinSize = 2000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay.push")
	assert.Contains(t, err.Error(), "qr sizes")

	t.Setenv("SNES_STORE_DRIVER", "mysql")
	_, err = Load("")
	assert.ErrorContains(t, err, "store.driver")
}

func TestPostgresConnString(t *testing.T) {
	sc := StoreConfig{
		Driver:   DriverPostgres,
		Host:     "db",
		Port:     5432,
		User:     "snes",
		Password: "p@ss",
		Database: "roms",
		SSLMode:  "disable",
	}
	assert.Equal(t, "postgres://snes:p%40ss@db:5432/roms?sslmode=disable", sc.ConnString())

	sc.DSN = "postgres://other"
	assert.Equal(t, "postgres://other", sc.ConnString())
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
