package snesctl

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/voxdev/snesrelay/go/internal/snes/host"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage session ids",
	}
	cmd.AddCommand(newSessionNewCmd())
	return cmd
}

func newSessionNewCmd() *cobra.Command {
	var base, protocol, hostname, port string

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Print a fresh session id and both controller links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id := uuid.NewString()
			origin := host.Origin(protocol, hostname, port, base)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session: %s\n", id)
			for n := 1; n <= 2; n++ {
				fmt.Fprintf(out, "player %d: %s\n", n, host.ControllerURL(origin, id, n))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "base", getEnv("SNES_BASE_URL", "http://localhost:8080"), "relay origin")
	cmd.Flags().StringVar(&protocol, "protocol", getEnv("SNES_HOST_PROTOCOL", ""), "public protocol override")
	cmd.Flags().StringVar(&hostname, "host", getEnv("SNES_HOST_HOST", ""), "public host override, e.g. a LAN address")
	cmd.Flags().StringVar(&port, "port", getEnv("SNES_HOST_PORT", ""), "public port override")
	return cmd
}
