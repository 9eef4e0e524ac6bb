package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackmichael/imessage-bluesky/internal/bluesky"
	"github.com/blackmichael/imessage-bluesky/internal/config"
	"github.com/blackmichael/imessage-bluesky/internal/domain"
	"github.com/blackmichael/imessage-bluesky/internal/httpserver"
	"github.com/blackmichael/imessage-bluesky/internal/ledger"
	"github.com/blackmichael/imessage-bluesky/internal/media"
	"github.com/blackmichael/imessage-bluesky/internal/messages"
)

const (
	fullDiskAccessHint = "grant Full Disk Access to the program running the relay (System Settings > Privacy & Security > Full Disk Access) and check RELAY_CHAT_DB"
	appPasswordHint    = "check BLUESKY_HANDLE and BLUESKY_APP_PASSWORD; create an App Password under Settings > Privacy and security > App passwords"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Once bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the Messages database and publish new messages",
		Long: `Start the relay loop.

Before polling, run checks that the Messages database is readable and that the
Bluesky credentials work, and exits with status 1 if either fails. The loop
stops cleanly on SIGINT or SIGTERM and exits with status 3 after repeated
failures to read the Messages database.

Example:
  relay run
  relay run --once --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single cycle and exit")

	return cmd
}

// relay bundles the collaborators of a running relay.
type relay struct {
	source      *messages.Source
	ledger      *ledger.Ledger
	transformer *media.Transformer
	publisher   *bluesky.Publisher
}

func runRelay(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitFailure, "load config", err)
	}
	logger := newLogger(cmd.OutOrStdout(), cfg, opts.Verbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := preflight(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer r.source.Close()

	svc, err := domain.NewRelayService(domain.RelayConfig{
		Contact:           cfg.Relay.Contact,
		WindowSize:        cfg.Relay.WindowSize,
		MaxTextLength:     cfg.Relay.MaxTextLength,
		MaxImages:         cfg.Relay.MaxImages,
		UploadConcurrency: cfg.Relay.UploadConcurrency,
		PollInterval:      cfg.Relay.PollInterval,
	}, r.source, r.publisher, r.ledger, r.transformer, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "create relay service", err)
	}

	var server *httpserver.Server
	if cfg.StatusPort > 0 {
		server = httpserver.NewServer(cfg.StatusPort, svc, domain.MaxConsecutiveFailures, logger)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server exited with error", "error", err)
			}
		}()
	}

	if opts.Once {
		var stats domain.CycleStats
		stats, err = svc.RunCycle(ctx)
		if err == nil {
			logger.Info("cycle finished", "posted", stats.Posted, "skipped", stats.Skipped, "failed", stats.Failed)
		}
	} else {
		err = svc.Run(ctx)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			logger.Error("error shutting down status server", "error", serr)
		}
		cancel()
	}
	if ferr := r.ledger.Flush(); ferr != nil {
		logger.Error("failed to flush ledger", "path", r.ledger.Path(), "error", ferr)
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		posted, failed := r.ledger.Counts()
		logger.Info("relay stopped", "posted_total", posted, "failed_total", failed)
		return nil
	case errors.Is(err, domain.ErrTooManyFailures):
		return WrapExitError(ExitTooManyFailures, "relay gave up", err)
	default:
		return WrapExitError(ExitFailure, "relay failed", err)
	}
}

// preflight opens every collaborator and checks that the Messages database is
// readable and the Bluesky account can log in.
func preflight(ctx context.Context, cfg config.Config, logger *slog.Logger) (*relay, error) {
	transformer, err := newTransformer(cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "set up media transformer", err)
	}

	dbPath := transformer.Resolve(cfg.Source.ChatDBPath)
	source, err := messages.Open(dbPath, cfg.Source.FromMe)
	if err != nil {
		logger.Error("cannot read Messages database", "path", dbPath, "error", err, "hint", fullDiskAccessHint)
		return nil, WrapExitError(ExitFailure, "open Messages database", fmt.Errorf("%w (%s)", err, fullDiskAccessHint))
	}
	if _, err := source.FetchRecent(ctx, cfg.Relay.Contact, 1); err != nil {
		source.Close()
		logger.Error("cannot query Messages database", "path", dbPath, "error", err, "hint", fullDiskAccessHint)
		return nil, WrapExitError(ExitFailure, "query Messages database", fmt.Errorf("%w (%s)", err, fullDiskAccessHint))
	}
	logger.Info("messages database ready", "path", dbPath)

	publisher := newPublisher(cfg)
	if err := publisher.VerifyIdentity(ctx); err != nil {
		source.Close()
		logger.Error("cannot log in to Bluesky", "handle", cfg.Bluesky.Handle, "pds", cfg.Bluesky.PDS, "error", err, "hint", appPasswordHint)
		return nil, WrapExitError(ExitFailure, "verify Bluesky identity", fmt.Errorf("%w (%s)", err, appPasswordHint))
	}
	logger.Info("bluesky session ready", "handle", publisher.Client().Handle(), "did", publisher.Client().DID())

	return &relay{
		source:      source,
		ledger:      ledger.Open(cfg.LedgerPath, logger),
		transformer: transformer,
		publisher:   publisher,
	}, nil
}
