package snesctl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/voxdev/snesrelay/go/internal/snes/controller"
	"github.com/voxdev/snesrelay/go/internal/snes/transport/socket"
)

// Controller transports.
const (
	transportPush   = "push"
	transportSocket = "socket"
)

type controllerOptions struct {
	base      string
	sessionID string
	playerID  string
	transport string
	script    string
	hold      time.Duration
	gap       time.Duration
}

func newControllerCmd() *cobra.Command {
	opts := controllerOptions{}

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Join a session as a scripted controller",
		Long: `Registers with the session, then presses each control of --script in turn.
Controls are unprefixed button names; the player prefix is added from --player.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runController(cmd.Context(), opts, clockwork.NewRealClock())
		},
	}
	cmd.Flags().StringVar(&opts.base, "base", getEnv("SNES_BASE_URL", "http://localhost:8080"), "relay origin")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&opts.playerID, "player", "1", "player number")
	cmd.Flags().StringVar(&opts.transport, "transport", transportPush, "push or socket")
	cmd.Flags().StringVar(&opts.script, "script", "start,down,down,b", "comma separated controls to press")
	cmd.Flags().DurationVar(&opts.hold, "hold", 80*time.Millisecond, "how long each control stays down")
	cmd.Flags().DurationVar(&opts.gap, "gap", 150*time.Millisecond, "pause between presses")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newSender(opts controllerOptions) (controller.Sender, func() error, error) {
	switch opts.transport {
	case transportPush:
		return controller.NewPushSender(opts.base, opts.sessionID, opts.playerID), func() error { return nil }, nil
	case transportSocket:
		client, err := socket.NewClient(opts.base)
		if err != nil {
			return nil, nil, err
		}
		return controller.NewTransportSender(client, opts.sessionID, opts.playerID), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown controller transport %q", opts.transport)
	}
}

func runController(ctx context.Context, opts controllerOptions, clock clockwork.Clock) error {
	sender, closeSender, err := newSender(opts)
	if err != nil {
		return err
	}
	defer closeSender()

	c := controller.New(controller.Config{
		SessionID: opts.sessionID,
		PlayerID:  opts.playerID,
		Sender:    sender,
		Clock:     clock,
	})
	defer c.Close()

	if err := c.Mount(ctx); err != nil {
		return fmt.Errorf("mount controller: %w", err)
	}
	c.Start(ctx)
	log.Info().
		Str("session_id", opts.sessionID).
		Str("player_id", opts.playerID).
		Str("transport", opts.transport).
		Str("script", opts.script).
		Msg("running controller script")

	for _, name := range strings.Split(opts.script, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := c.Press(ctx, name); err != nil {
			return fmt.Errorf("press %s: %w", name, err)
		}
		if err := sleep(ctx, clock, opts.hold); err != nil {
			return err
		}
		if err := c.Release(ctx, name); err != nil {
			return fmt.Errorf("release %s: %w", name, err)
		}
		log.Info().Str("control", c.Control(name)).Msg("pressed")
		if err := sleep(ctx, clock, opts.gap); err != nil {
			return err
		}
	}
	return c.Close()
}

func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
