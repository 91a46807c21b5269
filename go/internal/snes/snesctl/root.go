// Package snesctl is the command line companion to the relay: it simulates a
// phone controller, runs a headless host and mints session links.
package snesctl

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	var level string

	rootCmd := &cobra.Command{
		Use:           "snesctl",
		Short:         "SNES relay tools",
		Long:          `Drive a SNES relay from the terminal: act as a controller, run a headless host, or create session links.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			lvl, err := zerolog.ParseLevel(level)
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(lvl)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&level, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newControllerCmd())
	rootCmd.AddCommand(newHostCmd())
	rootCmd.AddCommand(newSessionCmd())
	return rootCmd
}

func Execute() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	rootCmd := NewRootCmd()
	rootCmd.SetContext(context.Background())
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// getEnv returns the environment value for key, or fallback when unset.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
