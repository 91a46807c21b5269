// Package controller is the phone side of a session: it announces itself to
// the host and turns button presses into ordered input events.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/voxdev/snesrelay/go/internal/snes/controls"
	"github.com/voxdev/snesrelay/go/internal/snes/input"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/eventstream"
)

const (
	StatusRegisterFailed = "Failed to register with host"
	StatusUnreachable    = "Failed to reach host"
)

var (
	// StartPattern is played once when the controller is started.
	StartPattern = []time.Duration{100 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}
	// PressPulse is played on every button press.
	PressPulse = 50 * time.Millisecond
)

var ErrClosed = errors.New("controller closed")

// Sender delivers one event to the host. Calls are made from a single
// goroutine in emission order.
type Sender interface {
	Send(ctx context.Context, ev input.Event) error
}

// Haptics drives the device vibration motor.
type Haptics interface {
	Vibrate(pattern ...time.Duration) error
}

// Display is the device screen.
type Display interface {
	RequestFullscreen() error
	LockLandscape() error
	Portrait() bool
}

type Config struct {
	SessionID string
	PlayerID  string
	Sender    Sender
	Haptics   Haptics
	Display   Display
	Clock     clockwork.Clock
	// SendTimeout bounds each delivery.
	SendTimeout time.Duration
	QueueSize   int
}

// Status is what the controller screen shows.
type Status struct {
	Connected         bool
	Error             string
	Started           bool
	OrientationLocked bool
}

type job struct {
	ev     input.Event
	result chan error
}

type Controller struct {
	cfg    Config
	prefix string
	clock  clockwork.Clock

	queue chan job
	done  chan struct{}

	mu     sync.Mutex
	status Status
	closed bool
}

// New starts the controller's send loop. Close stops it.
func New(cfg Config) *Controller {
	if cfg.Haptics == nil {
		cfg.Haptics = NopHaptics{}
	}
	if cfg.Display == nil {
		cfg.Display = NopDisplay{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	c := &Controller{
		cfg:    cfg,
		prefix: controls.Prefix(cfg.PlayerID),
		clock:  cfg.Clock,
		queue:  make(chan job, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for j := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
		err := c.cfg.Sender.Send(ctx, j.ev)
		cancel()
		if j.result != nil {
			j.result <- err
			continue
		}
		if err != nil {
			log.Warn().
				Err(err).
				Str("session_id", c.cfg.SessionID).
				Str("player_id", c.cfg.PlayerID).
				Str("control", j.ev.Control).
				Msg("failed to send input")
		}
	}
}

func (c *Controller) enqueue(ctx context.Context, j job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) sendAndWait(ctx context.Context, ev input.Event) error {
	j := job{ev: ev, result: make(chan error, 1)}
	if err := c.enqueue(ctx, j); err != nil {
		return err
	}
	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mount registers the controller with the host before any button is sent.
// A host that rejects hello is retried with the legacy presence button.
func (c *Controller) Mount(ctx context.Context) error {
	err := c.sendAndWait(ctx, input.Hello(c.cfg.PlayerID, c.clock.Now()))
	if err != nil && rejected(err) {
		log.Debug().Err(err).Str("player_id", c.cfg.PlayerID).Msg("hello rejected, trying legacy presence")
		err = c.sendAndWait(ctx, input.Button(controls.Hello, input.StateDown))
		if err != nil && rejected(err) {
			c.setError(StatusRegisterFailed)
			return err
		}
	}
	if err != nil {
		c.setError(StatusUnreachable)
		return err
	}

	c.mu.Lock()
	c.status.Connected = true
	c.status.Error = ""
	c.mu.Unlock()
	log.Info().
		Str("session_id", c.cfg.SessionID).
		Str("player_id", c.cfg.PlayerID).
		Msg("controller registered")
	return nil
}

func rejected(err error) bool {
	return errors.Is(err, input.ErrMalformed) ||
		errors.Is(err, input.ErrUnsupported) ||
		errors.Is(err, eventstream.ErrRejected)
}

func (c *Controller) setError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Error = msg
}

// Start runs on the first user gesture. Every step is best effort.
func (c *Controller) Start(ctx context.Context) {
	if err := c.cfg.Haptics.Vibrate(StartPattern...); err != nil {
		log.Debug().Err(err).Msg("vibration unavailable")
	}
	if err := c.cfg.Display.RequestFullscreen(); err != nil {
		log.Debug().Err(err).Msg("fullscreen unavailable")
	}
	locked := true
	if err := c.cfg.Display.LockLandscape(); err != nil {
		log.Debug().Err(err).Msg("orientation lock unavailable")
		locked = false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Started = true
	c.status.OrientationLocked = locked
}

// Press sends a button down for name ("up", "a", "start", ...) and pulses
// the motor.
func (c *Controller) Press(ctx context.Context, name string) error {
	if err := c.button(ctx, name, input.StateDown); err != nil {
		return err
	}
	if err := c.cfg.Haptics.Vibrate(PressPulse); err != nil {
		log.Trace().Err(err).Msg("vibration unavailable")
	}
	return nil
}

// Release sends a button up for name.
func (c *Controller) Release(ctx context.Context, name string) error {
	return c.button(ctx, name, input.StateUp)
}

func (c *Controller) button(ctx context.Context, name string, state input.ButtonState) error {
	return c.enqueue(ctx, job{ev: input.Button(controls.Qualify(c.prefix, name), state)})
}

// Control returns the qualified control name sent for a button.
func (c *Controller) Control(name string) string {
	return controls.Qualify(c.prefix, name)
}

// RotatePrompt reports whether to ask the player to turn the phone.
func (c *Controller) RotatePrompt() bool {
	c.mu.Lock()
	started, locked := c.status.Started, c.status.OrientationLocked
	c.mu.Unlock()
	return started && !locked && c.cfg.Display.Portrait()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close stops accepting input and waits for queued events to be sent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()
	<-c.done
	return nil
}

type NopHaptics struct{}

func (NopHaptics) Vibrate(...time.Duration) error { return nil }

// NopDisplay is a landscape screen without fullscreen or orientation support.
type NopDisplay struct{}

var errNoDisplay = errors.New("not supported")

func (NopDisplay) RequestFullscreen() error { return errNoDisplay }
func (NopDisplay) LockLandscape() error     { return errNoDisplay }
func (NopDisplay) Portrait() bool           { return false }
