// Package emulator is the glue between the host state machine and the
// embedded emulator runtime: its configuration surface, save/load capability
// negotiation and synthesized key delivery.
package emulator

import "github.com/voxdev/snesrelay/go/internal/snes/controls"

const (
	DefaultPlayer   = "#ejs-container"
	DefaultCore     = "snes"
	DefaultDataPath = "https://cdn.emulatorjs.org/latest/data/"
)

// Config is handed to the runtime when a game is loaded. The JSON names are
// the globals the browser runtime reads.
type Config struct {
	Player           string            `json:"EJS_player"`
	Core             string            `json:"EJS_core"`
	GameName         string            `json:"EJS_gameName"`
	DataPath         string            `json:"EJS_pathtodata"`
	GameURL          string            `json:"EJS_gameUrl,omitempty"`
	GameData         []byte            `json:"-"`
	Controls         map[string]string `json:"EJS_controls"`
	KeyboardControls bool              `json:"EJS_keyboardControls"`
	MobileDevices    bool              `json:"EJS_mobileDevices"`
}

// NewConfig builds the two-player configuration for a game. Either url or
// data locates the ROM; stored ROMs carry their bytes.
func NewConfig(gameName, url string, data []byte) Config {
	return Config{
		Player:           DefaultPlayer,
		Core:             DefaultCore,
		GameName:         gameName,
		DataPath:         DefaultDataPath,
		GameURL:          url,
		GameData:         data,
		Controls:         controls.EmulatorControls(),
		KeyboardControls: true,
		MobileDevices:    true,
	}
}

// HasGame reports whether the config points at a ROM.
func (c Config) HasGame() bool {
	return c.GameURL != "" || len(c.GameData) > 0
}
