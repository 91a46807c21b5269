package controls

import "strings"

// KeyCode is a physical key identifier in DOM `code` form (KeyW, ArrowUp, ...).
type KeyCode string

// Reserved control names are never mapped to a game key.
const (
	MenuToggle = "__menu"
	Hello      = "__hello"
)

// Player one sits on the WASD cluster and player two on the arrow cluster so
// two local players never press the same key.
var players = map[string]KeyCode{
	"p1_up":     "KeyW",
	"p1_down":   "KeyS",
	"p1_left":   "KeyA",
	"p1_right":  "KeyD",
	"p1_a":      "KeyX",
	"p1_b":      "KeyZ",
	"p1_x":      "KeyC",
	"p1_y":      "KeyV",
	"p1_l":      "KeyQ",
	"p1_r":      "KeyE",
	"p1_start":  "Enter",
	"p1_select": "ShiftLeft",

	"p2_up":     "ArrowUp",
	"p2_down":   "ArrowDown",
	"p2_left":   "ArrowLeft",
	"p2_right":  "ArrowRight",
	"p2_a":      "KeyI",
	"p2_b":      "KeyO",
	"p2_x":      "KeyK",
	"p2_y":      "KeyL",
	"p2_l":      "KeyU",
	"p2_r":      "KeyP",
	"p2_start":  "Space",
	"p2_select": "ShiftRight",
}

// legacy single-player names sent by controllers that do not know their slot
var legacy = map[string]KeyCode{
	"up":     "ArrowUp",
	"down":   "ArrowDown",
	"left":   "ArrowLeft",
	"right":  "ArrowRight",
	"a":      "KeyX",
	"b":      "KeyZ",
	"x":      "KeyS",
	"y":      "KeyA",
	"l":      "KeyQ",
	"r":      "KeyW",
	"start":  "Enter",
	"select": "ShiftRight",
}

var byCode = func() map[KeyCode]string {
	m := make(map[KeyCode]string, len(players))
	for control, code := range players {
		m[code] = control
	}
	return m
}()

// Resolve maps a logical control name to its key code.
func Resolve(control string) (KeyCode, bool) {
	if code, ok := players[control]; ok {
		return code, true
	}
	code, ok := legacy[control]
	return code, ok
}

// ControlForCode is the reverse of Resolve over the player tables.
func ControlForCode(code KeyCode) (string, bool) {
	control, ok := byCode[code]
	return control, ok
}

// EmulatorControls returns a copy of the per-player table in the shape the
// runtime configuration expects.
func EmulatorControls() map[string]string {
	out := make(map[string]string, len(players))
	for control, code := range players {
		out[control] = string(code)
	}
	return out
}

// Reserved reports whether control is one of the double-underscore names.
func Reserved(control string) bool {
	return strings.HasPrefix(control, "__")
}

// Prefix returns the control prefix for a controller slot, or "" when the
// slot is unknown and legacy names should be used.
func Prefix(playerID string) string {
	switch playerID {
	case "1":
		return "p1"
	case "2":
		return "p2"
	default:
		return ""
	}
}

// Qualify prefixes a bare button name. Reserved names pass through.
func Qualify(prefix, name string) string {
	if Reserved(name) || prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// Split separates "p1_up" into ("p1", "up"). Legacy names have no prefix.
func Split(control string) (prefix, base string) {
	if p, b, ok := strings.Cut(control, "_"); ok && (p == "p1" || p == "p2") {
		return p, b
	}
	return "", control
}

// Player returns the slot prefix of a control, "" for legacy names.
func Player(control string) string {
	p, _ := Split(control)
	return p
}

// Base returns the button name without its slot prefix.
func Base(control string) string {
	_, b := Split(control)
	return b
}
