package emulator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNotReady is returned when the runtime has not finished loading.
	ErrNotReady = errors.New("emulator not ready")
	// ErrUnsupported is returned when the runtime exposes none of the
	// save or load candidates.
	ErrUnsupported = errors.New("emulator does not expose save/load")
	// ErrInternal wraps failures raised by the runtime's own save or load.
	ErrInternal = errors.New("emulator internal error")
)

// Method is a callable the runtime exposes by name.
type Method func(ctx context.Context, args ...any) error

// Runtime is the embedded emulator. Its internals are opaque; only the
// configuration surface and optional named methods are visible.
type Runtime interface {
	Load(ctx context.Context, cfg Config) error
	Loaded() bool
	Focus() error
	Method(name string) (Method, bool)
	Screenshot(ctx context.Context) ([]byte, error)
	Unload() error
}

// Candidate is a conventional method name and the arguments it takes.
type Candidate struct {
	Name string
	Args []any
}

var (
	SaveCandidates = []Candidate{
		{Name: "saveState"},
		{Name: "saveStateSlot", Args: []any{0}},
		{Name: "saveStateFile"},
		{Name: "saveStateToLocalStorage"},
		{Name: "quickSave"},
	}
	LoadCandidates = []Candidate{
		{Name: "loadState"},
		{Name: "loadStateSlot", Args: []any{0}},
		{Name: "loadStateFile"},
		{Name: "loadStateFromLocalStorage"},
		{Name: "quickLoad"},
	}
)

type binding struct {
	name   string
	args   []any
	method Method
}

// Capabilities is the outcome of probing a loaded runtime once. The zero
// value reports ErrNotReady.
type Capabilities struct {
	runtime    Runtime
	negotiated bool
	save       *binding
	load       *binding
}

// Negotiate probes rt for the first save and load candidates it exposes.
// A runtime that is not loaded yet yields un-negotiated capabilities.
func Negotiate(rt Runtime) Capabilities {
	if rt == nil || !rt.Loaded() {
		return Capabilities{}
	}
	caps := Capabilities{
		runtime:    rt,
		negotiated: true,
		save:       probe(rt, SaveCandidates),
		load:       probe(rt, LoadCandidates),
	}
	log.Debug().
		Str("save", caps.SaveMethod()).
		Str("load", caps.LoadMethod()).
		Msg("negotiated emulator capabilities")
	return caps
}

func probe(rt Runtime, candidates []Candidate) *binding {
	for _, c := range candidates {
		if m, ok := rt.Method(c.Name); ok && m != nil {
			return &binding{name: c.Name, args: c.Args, method: m}
		}
	}
	return nil
}

func (c Capabilities) Negotiated() bool { return c.negotiated }

// SaveMethod names the bound save method, "" when unsupported.
func (c Capabilities) SaveMethod() string { return c.save.String() }

// LoadMethod names the bound load method, "" when unsupported.
func (c Capabilities) LoadMethod() string { return c.load.String() }

func (c Capabilities) Save(ctx context.Context) error { return c.invoke(ctx, c.save) }

func (c Capabilities) Load(ctx context.Context) error { return c.invoke(ctx, c.load) }

func (c Capabilities) invoke(ctx context.Context, b *binding) (err error) {
	if !c.negotiated || !c.runtime.Loaded() {
		return ErrNotReady
	}
	if b == nil {
		return ErrUnsupported
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("method", b.name).Interface("panic", r).Msg("emulator method panicked")
			err = fmt.Errorf("%w: %s: %v", ErrInternal, b.name, r)
		}
	}()
	if err := b.method(ctx, b.args...); err != nil {
		log.Error().Err(err).Str("method", b.name).Msg("emulator method failed")
		return fmt.Errorf("%w: %s: %v", ErrInternal, b.name, err)
	}
	return nil
}

func (b *binding) String() string {
	if b == nil {
		return ""
	}
	return b.name
}
