// Package cli implements the relay command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/blackmichael/imessage-bluesky/internal/bluesky"
	"github.com/blackmichael/imessage-bluesky/internal/config"
	"github.com/blackmichael/imessage-bluesky/internal/media"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Verbose    bool
}

// NewRootCommand creates the root command for the relay CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay iMessages from one contact to Bluesky",
		Long: `relay polls the macOS Messages database for new messages from a single
contact and republishes each one, with its images, as a Bluesky post.

Configuration comes from RELAY_* and BLUESKY_* environment variables, an
optional .env file in the working directory, and --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to a config file (yaml, json, toml or env)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPostCommand(opts))
	cmd.AddCommand(NewCleanStagingCommand(opts))

	return cmd
}

func newLogger(w io.Writer, cfg config.Config, verbose bool) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func newTransformer(cfg config.Config, logger *slog.Logger) (*media.Transformer, error) {
	var conv media.Converter
	detected, err := media.DetectConverter(cfg.Media.Converter)
	if err != nil {
		if cfg.Media.Converter != "" {
			return nil, fmt.Errorf("converter: %w", err)
		}
		logger.Warn("no image converter available, HEIC attachments will fail", "error", err)
		conv = media.ConverterFunc(func(context.Context, string, string) error { return err })
	} else {
		logger.Debug("using image converter", "converter", detected.String())
		conv = detected
	}
	t, err := media.NewTransformer("", cfg.Media.StagingDir, conv)
	if err != nil {
		return nil, err
	}
	t.SetMaxBytes(bluesky.MaxBlobSize)
	return t, nil
}

func newPublisher(cfg config.Config) *bluesky.Publisher {
	return bluesky.NewPublisher(bluesky.NewClient(cfg.Bluesky.PDS), cfg.Bluesky.Handle, cfg.Bluesky.AppPassword, cfg.Bluesky.Langs)
}

func loadToolConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.LoadForTool(opts.ConfigFile)
	if err != nil {
		return config.Config{}, WrapExitError(ExitFailure, "load config", err)
	}
	return cfg, nil
}

func stderrLogger(cmd *cobra.Command, cfg config.Config, verbose bool) *slog.Logger {
	return newLogger(cmd.ErrOrStderr(), cfg, verbose)
}
