package controls

import "strings"

// KeyFor derives the DOM `key` value paired with a code when synthesizing
// keyboard events.
func KeyFor(code KeyCode) string {
	c := string(code)
	switch {
	case strings.HasPrefix(c, "Key"):
		return strings.ToLower(strings.TrimPrefix(c, "Key"))
	case strings.HasPrefix(c, "Arrow"):
		return c
	case strings.HasPrefix(c, "Shift"):
		return "Shift"
	case c == "Enter":
		return "Enter"
	case c == "Space":
		return " "
	case c == "Escape", c == "Backspace":
		return c
	default:
		return ""
	}
}

// Nav is a user-interface navigation intent shared by the landing screen,
// the library and the global menu.
type Nav int

const (
	NavNone Nav = iota
	NavUp
	NavDown
	NavLeft
	NavRight
	NavConfirm
	NavCancel
)

func (n Nav) String() string {
	switch n {
	case NavUp:
		return "up"
	case NavDown:
		return "down"
	case NavLeft:
		return "left"
	case NavRight:
		return "right"
	case NavConfirm:
		return "confirm"
	case NavCancel:
		return "cancel"
	default:
		return "none"
	}
}

// Previous reports whether the intent moves a cursor backwards.
func (n Nav) Previous() bool { return n == NavUp || n == NavLeft }

// Next reports whether the intent moves a cursor forwards.
func (n Nav) Next() bool { return n == NavDown || n == NavRight }

// Directional reports whether the intent is a d-pad direction.
func (n Nav) Directional() bool { return n.Previous() || n.Next() }

// Navigation classifies a relayed control by its button, independent of the
// player slot: the d-pad navigates, B and Start confirm, Select cancels.
func Navigation(control string) Nav {
	_, base := Split(control)
	switch base {
	case "up":
		return NavUp
	case "down":
		return NavDown
	case "left":
		return NavLeft
	case "right":
		return NavRight
	case "b", "start":
		return NavConfirm
	case "select":
		return NavCancel
	default:
		return NavNone
	}
}

// NavigationForCode classifies a host keyboard key.
func NavigationForCode(code KeyCode) Nav {
	switch code {
	case "ArrowUp":
		return NavUp
	case "ArrowDown":
		return NavDown
	case "ArrowLeft":
		return NavLeft
	case "ArrowRight":
		return NavRight
	case "Enter", "Space", "KeyZ", "KeyO", "KeyB":
		return NavConfirm
	case "Escape", "Backspace":
		return NavCancel
	default:
		return NavNone
	}
}
