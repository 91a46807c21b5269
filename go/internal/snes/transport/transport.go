// Package transport defines the contract shared by the socket, event-stream
// and pub/sub relays.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/voxdev/snesrelay/go/internal/snes/input"
)

var (
	// ErrClosed is returned when publishing through or subscribing on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrReplaced is reported to disconnect handlers when a newer host takes the session.
	ErrReplaced = errors.New("replaced by new host")
)

// Subscription is a stream of envelopes for one session.
type Subscription interface {
	Events() <-chan input.Envelope
	Close() error
}

// Transport is implemented by every relay backend. Publish is fire and forget:
// a nil error means the envelope was handed to the backend, not that a host
// received it.
type Transport interface {
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
	Publish(ctx context.Context, sessionID string, env input.Envelope) error
	OnDisconnect(fn func(sessionID string, err error))
}

// DisconnectHandlers is an embeddable OnDisconnect implementation.
type DisconnectHandlers struct {
	mu  sync.RWMutex
	fns []func(sessionID string, err error)
}

func (d *DisconnectHandlers) OnDisconnect(fn func(sessionID string, err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fns = append(d.fns, fn)
}

// Notify calls every registered handler.
func (d *DisconnectHandlers) Notify(sessionID string, err error) {
	d.mu.RLock()
	fns := append([]func(string, error){}, d.fns...)
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(sessionID, err)
	}
}

// Stream is a buffered channel subscription. Deliver never blocks; a full
// buffer drops the envelope and reports false.
type Stream struct {
	events  chan input.Envelope
	onClose func()

	mu     sync.Mutex
	closed bool
}

// NewStream creates a stream with the given buffer. onClose, if set, runs once
// on the first Close.
func NewStream(buffer int, onClose func()) *Stream {
	return &Stream{events: make(chan input.Envelope, buffer), onClose: onClose}
}

func (s *Stream) Events() <-chan input.Envelope { return s.events }

// Deliver enqueues env without blocking.
func (s *Stream) Deliver(env input.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- env:
		return true
	default:
		return false
	}
}

// Close ends the stream. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// Closed reports whether Close has run.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
