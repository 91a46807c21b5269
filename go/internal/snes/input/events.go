package input

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrMalformed is returned for payloads that are not valid JSON or carry an
	// invalid button shape.
	ErrMalformed = errors.New("malformed input event")
	// ErrUnsupported is returned for well formed payloads of an unknown type.
	ErrUnsupported = errors.New("unsupported input event")
)

// EventType tags the controller-originated event variant
type EventType string

const (
	EventTypeButton EventType = "button"
	EventTypeHello  EventType = "hello"
)

// ButtonState is the pressed state carried by a button event
type ButtonState string

const (
	StateDown ButtonState = "down"
	StateUp   ButtonState = "up"
)

// Event is what a controller emits. Hello carries no control and only exists
// to make the session exist and announce the controller.
type Event struct {
	Type      EventType   `json:"type"`
	Control   string      `json:"control,omitempty"`
	State     ButtonState `json:"state,omitempty"`
	PlayerID  string      `json:"playerId,omitempty"`
	Timestamp int64       `json:"ts,omitempty"`
}

// Button builds a button event.
func Button(control string, state ButtonState) Event {
	return Event{Type: EventTypeButton, Control: control, State: state}
}

// Hello builds a presence event stamped with now.
func Hello(playerID string, now time.Time) Event {
	return Event{Type: EventTypeHello, PlayerID: playerID, Timestamp: now.UnixMilli()}
}

// Down reports whether the event is a button press.
func (e Event) Down() bool {
	return e.Type == EventTypeButton && e.State == StateDown
}

// Validate checks the event shape.
func (e Event) Validate() error {
	switch e.Type {
	case EventTypeButton:
		if e.Control == "" {
			return fmt.Errorf("%w: missing control", ErrMalformed)
		}
		if e.State != StateDown && e.State != StateUp {
			return fmt.Errorf("%w: invalid state %q", ErrMalformed, e.State)
		}
		return nil
	case EventTypeHello:
		return nil
	default:
		return fmt.Errorf("%w: type %q", ErrUnsupported, e.Type)
	}
}

// ParseEvent decodes and validates a controller payload
func ParseEvent(data []byte) (Event, error) {
	var raw struct {
		Type      string          `json:"type"`
		Control   json.RawMessage `json:"control"`
		State     json.RawMessage `json:"state"`
		PlayerID  string          `json:"playerId"`
		Timestamp int64           `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev := Event{
		Type:      EventType(raw.Type),
		Control:   stringField(raw.Control),
		State:     ButtonState(stringField(raw.State)),
		PlayerID:  raw.PlayerID,
		Timestamp: raw.Timestamp,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// stringField accepts strings and falls back to the raw JSON text for other
// scalars, so `"state": 1` fails validation rather than decoding.
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id can name a session on every transport.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
