package snesctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/voxdev/snesrelay/go/internal/snes/catalog"
	"github.com/voxdev/snesrelay/go/internal/snes/config"
	"github.com/voxdev/snesrelay/go/internal/snes/emulator"
	"github.com/voxdev/snesrelay/go/internal/snes/host"
	"github.com/voxdev/snesrelay/go/internal/snes/transport"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/eventstream"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/pubsub"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/socket"
)

// Host transports.
const (
	transportEvents = "events"
	transportNATS   = "nats"
)

type hostOptions struct {
	base       string
	origin     string
	sessionID  string
	transport  string
	natsURL    string
	natsPrefix string
	storeDSN   string
	phone      bool
	manifest   time.Duration
	remoteURLs []string
}

func newHostCmd() *cobra.Command {
	opts := hostOptions{}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run a headless host that logs the keys it would send to the emulator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(os.Getenv("SNES_CONFIG"))
			if err != nil {
				return err
			}
			opts.origin = host.Origin(cfg.Host.Protocol, cfg.Host.Host, cfg.Host.Port, opts.base)
			opts.natsPrefix = cfg.NATS.SubjectPrefix
			opts.remoteURLs = cfg.Catalog.RemoteURLs
			if !cmd.Flags().Changed("nats-url") {
				opts.natsURL = cfg.NATS.URL
			}
			if !cmd.Flags().Changed("manifest-ttl") {
				opts.manifest = cfg.Catalog.CacheTTL
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = runHost(ctx, opts, cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.base, "base", getEnv("SNES_BASE_URL", "http://localhost:8080"), "relay origin")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id (default: a new one)")
	cmd.Flags().StringVar(&opts.transport, "transport", transportEvents, "events, socket or nats")
	cmd.Flags().StringVar(&opts.natsURL, "nats-url", "", "NATS server for --transport nats (default from configuration)")
	cmd.Flags().StringVar(&opts.storeDSN, "store", "", "sqlite DSN of a local ROM store")
	cmd.Flags().BoolVar(&opts.phone, "phone", true, "pair with phone controllers instead of the keyboard")
	cmd.Flags().DurationVar(&opts.manifest, "manifest-ttl", 0, "how long the remote ROM manifest is cached (default from configuration)")
	return cmd
}

func subscribe(ctx context.Context, opts hostOptions) (transport.Subscription, func(), error) {
	var t transport.Transport
	closeFn := func() {}

	switch opts.transport {
	case transportEvents:
		client, err := eventstream.NewClient(opts.base)
		if err != nil {
			return nil, nil, err
		}
		t = client
	case transportSocket:
		client, err := socket.NewClient(opts.base)
		if err != nil {
			return nil, nil, err
		}
		t = client
		closeFn = func() { _ = client.Close() }
	case transportNATS:
		cfg := pubsub.DefaultConfig()
		cfg.URL = opts.natsURL
		if opts.natsPrefix != "" {
			cfg.SubjectPrefix = opts.natsPrefix
		}
		cfg.Name = "snesctl-host"
		client, err := pubsub.Connect(cfg)
		if err != nil {
			return nil, nil, err
		}
		t = client
		closeFn = client.Close
	default:
		return nil, nil, fmt.Errorf("unknown host transport %q", opts.transport)
	}

	t.OnDisconnect(func(sessionID string, err error) {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("host transport disconnected")
	})
	sub, err := t.Subscribe(ctx, opts.sessionID)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("subscribe %s: %w", opts.sessionID, err)
	}
	return sub, closeFn, nil
}

func runHost(ctx context.Context, opts hostOptions, out io.Writer) error {
	if opts.sessionID == "" {
		opts.sessionID = uuid.NewString()
	}
	if opts.origin == "" {
		opts.origin = opts.base
	}

	runtime := emulator.NewHeadless()
	cfg := host.Config{
		SessionID: opts.sessionID,
		Origin:    opts.origin,
		Runtime:   runtime,
		Sink:      emulator.NewDispatcher(runtime, emulator.LogTarget{}),
		Clock:     clockwork.NewRealClock(),
	}

	if opts.storeDSN != "" {
		store, err := catalog.OpenStore("sqlite", opts.storeDSN, cfg.Clock)
		if err != nil {
			return err
		}
		defer store.Close()
		cfg.Store = store
	}
	remote, err := catalog.NewRemoteCatalog(opts.base, opts.remoteURLs, opts.manifest)
	if err != nil {
		return err
	}
	defer remote.Close()
	cfg.Remote = remote

	h := host.New(cfg)
	defer h.Close()

	if err := h.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("library incomplete")
	}

	sub, closeTransport, err := subscribe(ctx, opts)
	if err != nil {
		return err
	}
	defer closeTransport()
	defer sub.Close()

	if opts.phone {
		h.ChooseInput(host.InputPhone)
		fmt.Fprintf(out, "session: %s\n", opts.sessionID)
		for _, link := range h.QRLinks() {
			fmt.Fprintf(out, "player %d: %s\n", link.Player, link.URL)
		}
	} else {
		h.ChooseInput(host.InputKeyboard)
	}

	log.Info().
		Str("session_id", opts.sessionID).
		Str("transport", opts.transport).
		Str("stage", string(h.Stage())).
		Msg("headless host listening")
	err = h.Consume(ctx, sub)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
