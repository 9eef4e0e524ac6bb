package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackmichael/imessage-bluesky/internal/domain"
	"github.com/blackmichael/imessage-bluesky/internal/ledger"
	"github.com/blackmichael/imessage-bluesky/internal/messages"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check Messages database access and Bluesky credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadToolConfig(opts)
			if err != nil {
				return err
			}
			logger := stderrLogger(cmd, cfg, opts.Verbose)
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			transformer, err := newTransformer(cfg, logger)
			if err != nil {
				return WrapExitError(ExitFailure, "set up media transformer", err)
			}

			dbPath := transformer.Resolve(cfg.Source.ChatDBPath)
			source, err := messages.Open(dbPath, cfg.Source.FromMe)
			if err != nil {
				return WrapExitError(ExitFailure, "open Messages database", fmt.Errorf("%w (%s)", err, fullDiskAccessHint))
			}
			defer source.Close()
			fmt.Fprintf(out, "Messages database: ok (%s)\n", dbPath)

			if cfg.Relay.Contact != "" {
				records, err := source.FetchRecent(ctx, cfg.Relay.Contact, cfg.Relay.WindowSize)
				if err != nil {
					return WrapExitError(ExitFailure, "query Messages database", fmt.Errorf("%w (%s)", err, fullDiskAccessHint))
				}
				fmt.Fprintf(out, "Recent messages from %s: %d\n", cfg.Relay.Contact, len(records))
			}

			publisher := newPublisher(cfg)
			if err := publisher.VerifyIdentity(ctx); err != nil {
				return WrapExitError(ExitFailure, "verify Bluesky identity", fmt.Errorf("%w (%s)", err, appPasswordHint))
			}
			fmt.Fprintf(out, "Bluesky: ok (%s, %s)\n", publisher.Client().Handle(), publisher.Client().DID())
			return nil
		},
	}
}

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	JSON bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadToolConfig(opts.RootOptions)
			if err != nil {
				return err
			}
			l := ledger.Open(cfg.LedgerPath, stderrLogger(cmd, cfg, opts.Verbose))
			posted, failed := l.Counts()

			out := cmd.OutOrStdout()
			if opts.JSON {
				return json.NewEncoder(out).Encode(map[string]any{
					"ledger":          l.Path(),
					"posted":          posted,
					"failed_terminal": failed,
				})
			}
			fmt.Fprintf(out, "Ledger:   %s\n", l.Path())
			fmt.Fprintf(out, "Posted:   %d\n", posted)
			fmt.Fprintf(out, "Failed:   %d\n", failed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print JSON")

	return cmd
}

// PostOptions holds flags for the post command.
type PostOptions struct {
	*RootOptions
	Images []string
}

// NewPostCommand creates the post command, which publishes one post by hand
// without touching the ledger.
func NewPostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "post <text>",
		Short: "Publish a single post with optional images",
		Long: `Publish one post directly, converting HEIC images the same way the relay does.
The ledger is not consulted or updated.

Example:
  relay post "hello from the relay" --image ~/Pictures/cat.heic`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadToolConfig(opts.RootOptions)
			if err != nil {
				return err
			}
			logger := stderrLogger(cmd, cfg, opts.Verbose)
			ctx := cmd.Context()

			normalized := domain.Normalize(domain.Record{Text: args[0]}, cfg.Relay.MaxTextLength, 0)
			if normalized.PublishText == "" && len(opts.Images) == 0 {
				return WrapExitError(ExitFailure, "nothing to post", fmt.Errorf("text is empty and no images were given"))
			}
			if n := len(opts.Images); n > cfg.Relay.MaxImages {
				return WrapExitError(ExitFailure, "too many images", fmt.Errorf("%d given, at most %d allowed", n, cfg.Relay.MaxImages))
			}

			publisher := newPublisher(cfg)
			if err := publisher.VerifyIdentity(ctx); err != nil {
				return WrapExitError(ExitFailure, "verify Bluesky identity", fmt.Errorf("%w (%s)", err, appPasswordHint))
			}

			transformer, err := newTransformer(cfg, logger)
			if err != nil {
				return WrapExitError(ExitFailure, "set up media transformer", err)
			}

			var refs []domain.MediaRef
			for _, img := range opts.Images {
				path := transformer.Resolve(img)
				if transformer.NeedsTransform(path) {
					if path, err = transformer.Transform(ctx, path); err != nil {
						return WrapExitError(ExitFailure, "convert image", err)
					}
				}
				data, mimeType, err := transformer.ReadFile(ctx, path)
				if err != nil {
					return WrapExitError(ExitFailure, "read image", err)
				}
				ref, err := publisher.UploadMedia(ctx, data, mimeType)
				if err != nil {
					return WrapExitError(ExitFailure, "upload image", err)
				}
				refs = append(refs, ref)
			}

			text := normalized.PublishText
			if text == "" {
				text = domain.EmptyPostText
			}
			uri, err := publisher.Post(ctx, text, refs)
			if err != nil {
				return WrapExitError(ExitFailure, "publish post", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Post published: %s\n", uri)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Images, "image", "i", nil, "image to attach (repeatable)")

	return cmd
}

// NewCleanStagingCommand creates the clean-staging command.
func NewCleanStagingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean-staging",
		Short: "Delete converted images from the staging directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadToolConfig(opts)
			if err != nil {
				return err
			}
			transformer, err := newTransformer(cfg, stderrLogger(cmd, cfg, opts.Verbose))
			if err != nil {
				return WrapExitError(ExitFailure, "set up media transformer", err)
			}
			removed, err := transformer.CleanStaging()
			if err != nil {
				return WrapExitError(ExitFailure, "clean staging", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d file(s) from %s\n", removed, transformer.StagingDir())
			return nil
		},
	}
}
