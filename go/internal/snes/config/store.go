package config

import (
	"fmt"
	"net/url"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects the ROM store backend. For postgres, DSN may be left
// empty and is built from the connection fields.
type StoreConfig struct {
	Driver   string `yaml:"driver" envconfig:"DRIVER"`
	DSN      string `yaml:"dsn" envconfig:"DSN"`
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT"`
	User     string `yaml:"user" envconfig:"USER"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	Database string `yaml:"database" envconfig:"DATABASE"`
	SSLMode  string `yaml:"sslmode" envconfig:"SSLMODE"`
}

// DefaultSQLiteDSN is used when the sqlite driver has no DSN.
const DefaultSQLiteDSN = "file:snes.db?cache=shared"

// ConnString returns the DSN handed to the gorm driver.
func (c StoreConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == DriverSQLite {
		return DefaultSQLiteDSN
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func (c StoreConfig) validate() error {
	switch c.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DSN == "" && c.Host == "" {
			return fmt.Errorf("store.host or store.dsn required for %s", DriverPostgres)
		}
	default:
		return fmt.Errorf("store.driver %q must be %s or %s", c.Driver, DriverSQLite, DriverPostgres)
	}
	return nil
}
