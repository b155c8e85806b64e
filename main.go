// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-core-stack/mcp-command-proxy/pkg/config"
	"github.com/go-core-stack/mcp-command-proxy/pkg/logging"
	"github.com/go-core-stack/mcp-command-proxy/pkg/proxy"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	// Stdout carries the protocol; bootstrap logs go to stderr.
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mcp-command-proxy",
		Short:         "Expose a remote agent fleet as a stdio MCP server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       proxy.Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Flags())
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func run(flags *pflag.FlagSet) error {
	cfg, err := config.Load(flags)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return err
	}

	logger, closer, err := logging.New(logging.Options{
		Path:  cfg.LogPath,
		Level: cfg.LogLevel,
		Debug: cfg.Debug,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to set up logging")
		return err
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("close log file failed")
		}
	}()
	log.Logger = logger

	p, err := proxy.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct proxy")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("proxy exited with error")
		return err
	}
	return nil
}
