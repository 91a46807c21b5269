package input

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags the envelope exchanged between relay and host
type MessageType string

const (
	MessageTypePing        MessageType = "ping"
	MessageTypeReady       MessageType = "ready"
	MessageTypeInput       MessageType = "input"
	MessageTypeHello       MessageType = "hello"
	MessageTypePlayerJoin  MessageType = "player-join"
	MessageTypePlayerLeave MessageType = "player-leave"
	MessageTypeHostClose   MessageType = "host-close"
	MessageTypeToPlayer    MessageType = "to-player"
)

// Envelope is the frame delivered over every transport.
type Envelope struct {
	Type     MessageType     `json:"type"`
	PlayerID string          `json:"playerId,omitempty"`
	Input    *Event          `json:"input,omitempty"`
	Players  []string        `json:"players,omitempty"`
	TS       int64           `json:"ts,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Wrap turns a validated controller event into the envelope the host sees.
func Wrap(playerID string, ev Event, now time.Time) Envelope {
	if ev.Type == EventTypeHello {
		return Envelope{Type: MessageTypeHello, PlayerID: playerID, TS: now.UnixMilli()}
	}
	in := Event{Type: ev.Type, Control: ev.Control, State: ev.State}
	return Envelope{Type: MessageTypeInput, PlayerID: playerID, Input: &in}
}

func Ping() Envelope { return Envelope{Type: MessageTypePing} }

func HostClose() Envelope { return Envelope{Type: MessageTypeHostClose} }

func PlayerJoin(playerID string) Envelope {
	return Envelope{Type: MessageTypePlayerJoin, PlayerID: playerID}
}

func PlayerLeave(playerID string) Envelope {
	return Envelope{Type: MessageTypePlayerLeave, PlayerID: playerID}
}

// Ready tells a freshly attached host which players are already present.
func Ready(players []string) Envelope {
	if players == nil {
		players = []string{}
	}
	return Envelope{Type: MessageTypeReady, Players: players}
}

// ToPlayer is sent by a host to address one player; Payload is forwarded verbatim.
func ToPlayer(playerID string, payload json.RawMessage) Envelope {
	return Envelope{Type: MessageTypeToPlayer, PlayerID: playerID, Payload: payload}
}

// MarshalJSON always writes the players array on ready frames, even when empty.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	if e.Type != MessageTypeReady {
		return json.Marshal(plain(e))
	}
	players := e.Players
	if players == nil {
		players = []string{}
	}
	return json.Marshal(struct {
		plain
		Players []string `json:"players"`
	}{plain(e), players})
}

// Encode marshals the envelope for a text frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a relay frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// Frame formats the envelope as one event-stream frame.
func (e Envelope) Frame() ([]byte, error) {
	data, err := e.Encode()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}
