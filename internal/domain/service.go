package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MaxConsecutiveFailures is the number of back-to-back failed fetches after
// which Run gives up.
const MaxConsecutiveFailures = 5

// EmptyPostText stands in for an empty body; the remote API rejects empty posts.
const EmptyPostText = " "

// RelayConfig holds the tunables of the relay loop.
type RelayConfig struct {
	// Contact is the source handle whose messages are relayed.
	Contact string

	// WindowSize is how many of the most recent records are fetched per cycle.
	WindowSize int

	// MaxTextLength is the publish limit in characters.
	MaxTextLength int

	// MaxImages caps the number of images attached to one post.
	MaxImages int

	// UploadConcurrency bounds parallel uploads within one record.
	UploadConcurrency int

	// PollInterval is the sleep between cycles.
	PollInterval time.Duration
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	CycleID            string    `json:"cycle_id"`
	StartedAt          time.Time `json:"started_at"`
	Duration           string    `json:"duration"`
	Fetched            int       `json:"fetched"`
	AlreadyResolved    int       `json:"already_resolved"`
	Posted             int       `json:"posted"`
	Skipped            int       `json:"skipped"`
	Failed             int       `json:"failed"`
	AttachmentFailures int       `json:"attachment_failures"`
	DroppedAttachments int       `json:"dropped_attachments"`
	PersistenceErrors  int       `json:"persistence_errors"`
}

// Status is a point-in-time view of the relay for the status endpoint and CLI.
type Status struct {
	Posted              int         `json:"posted"`
	Failed              int         `json:"failed"`
	Cycles              int64       `json:"cycles"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastCycle           *CycleStats `json:"last_cycle,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
}

// RelayService is the core domain service. It polls the record source, filters
// records already in the ledger, and publishes the rest oldest first, recording
// a terminal outcome for every record it touches.
type RelayService struct {
	cfg       RelayConfig
	source    RecordSource
	publisher Publisher
	ledger    Ledger
	media     MediaTransformer
	logger    *slog.Logger

	sleep      func(ctx context.Context, d time.Duration) error
	newCycleID func() string

	mu                  sync.Mutex
	consecutiveFailures int
	cycles              int64
	lastCycle           *CycleStats
	lastErr             string
}

// NewRelayService creates a RelayService. All collaborators are required.
func NewRelayService(
	cfg RelayConfig,
	source RecordSource,
	publisher Publisher,
	ledger Ledger,
	media MediaTransformer,
	logger *slog.Logger,
) (*RelayService, error) {
	if cfg.Contact == "" {
		return nil, fmt.Errorf("relay: contact is required")
	}
	if cfg.WindowSize < 1 {
		return nil, fmt.Errorf("relay: window size must be positive, got %d", cfg.WindowSize)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("relay: poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.UploadConcurrency < 1 {
		cfg.UploadConcurrency = 1
	}
	if source == nil || publisher == nil || ledger == nil || media == nil {
		return nil, fmt.Errorf("relay: source, publisher, ledger and media transformer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RelayService{
		cfg:        cfg,
		source:     source,
		publisher:  publisher,
		ledger:     ledger,
		media:      media,
		logger:     logger,
		sleep:      sleepContext,
		newCycleID: uuid.NewString,
	}, nil
}

// Run polls until ctx is cancelled or MaxConsecutiveFailures fetches fail in a
// row. Cancellation returns nil; the failure guard returns an error wrapping
// ErrTooManyFailures. A record already being processed when ctx is cancelled
// is finished and recorded before Run returns.
func (s *RelayService) Run(ctx context.Context) error {
	s.logger.Info("relay started",
		"contact", s.cfg.Contact,
		"poll_interval", s.cfg.PollInterval,
		"window_size", s.cfg.WindowSize,
	)

	for {
		if ctx.Err() != nil {
			s.logger.Info("relay stopping")
			return nil
		}

		wait := s.cfg.PollInterval
		if _, err := s.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("relay stopping")
				return nil
			}

			failures := s.ConsecutiveFailures()
			s.logger.Error("poll cycle failed",
				"consecutive_failures", failures,
				"threshold", MaxConsecutiveFailures,
				"error", err,
			)
			if failures >= MaxConsecutiveFailures {
				return fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyFailures, failures, err)
			}
			wait *= 2
		}

		if err := s.sleep(ctx, wait); err != nil {
			s.logger.Info("relay stopping")
			return nil
		}
	}
}

// RunCycle performs a single fetch, filter and publish pass. The only error it
// returns is a fetch failure (wrapping ErrSourceUnavailable) or ctx's error;
// per-record failures are recorded in the ledger and the stats instead.
func (s *RelayService) RunCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{
		CycleID:   s.newCycleID(),
		StartedAt: time.Now().UTC(),
	}
	logger := s.logger.With("cycle_id", stats.CycleID)

	records, err := s.source.FetchRecent(ctx, s.cfg.Contact, s.cfg.WindowSize)
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if !errors.Is(err, ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		s.finishCycle(&stats, err, true)
		return stats, err
	}
	stats.Fetched = len(records)

	pending := make([]Record, 0, len(records))
	for _, r := range records {
		if s.ledger.IsResolved(r.ID) {
			stats.AlreadyResolved++
			continue
		}
		pending = append(pending, r)
	}

	// The source returns newest first; publish oldest first so an interrupted
	// batch resumes in order.
	slices.Reverse(pending)

	if len(pending) > 0 {
		logger.Info("new records found", "fetched", stats.Fetched, "pending", len(pending))
	}

	for i, r := range pending {
		if ctx.Err() != nil {
			logger.Info("cycle interrupted", "remaining", len(pending)-i)
			break
		}
		// Detach so a shutdown request cannot abort a record halfway through.
		s.processRecord(context.WithoutCancel(ctx), logger, r, &stats)
	}

	s.finishCycle(&stats, nil, false)
	return stats, nil
}

// Status returns a snapshot of the relay's counters.
func (s *RelayService) Status() Status {
	posted, failed := s.ledger.Counts()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Posted:              posted,
		Failed:              failed,
		Cycles:              s.cycles,
		ConsecutiveFailures: s.consecutiveFailures,
		LastError:           s.lastErr,
	}
	if s.lastCycle != nil {
		c := *s.lastCycle
		st.LastCycle = &c
	}
	return st
}

// ConsecutiveFailures returns the current count of back-to-back failed fetches.
func (s *RelayService) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

func (s *RelayService) finishCycle(stats *CycleStats, err error, failed bool) {
	stats.Duration = time.Since(stats.StartedAt).String()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycles++
	c := *stats
	s.lastCycle = &c
	if failed {
		s.consecutiveFailures++
		s.lastErr = err.Error()
		return
	}
	s.consecutiveFailures = 0
	s.lastErr = ""
}

// processRecord drives one record to a terminal ledger outcome.
func (s *RelayService) processRecord(ctx context.Context, logger *slog.Logger, record Record, stats *CycleStats) {
	logger = logger.With("record_id", record.ID)

	unit := Normalize(record, s.cfg.MaxTextLength, s.cfg.MaxImages)
	if unit.Dropped > 0 {
		stats.DroppedAttachments += unit.Dropped
		logger.Warn("attachments dropped",
			"dropped", unit.Dropped,
			"kept", len(unit.MediaPaths),
			"max_images", s.cfg.MaxImages,
		)
	}

	if !unit.Valid() {
		stats.Skipped++
		s.resolve(logger, record.ID, OutcomePosted, stats)
		logger.Info("record resolved", "outcome", "skipped", "reason", "nothing to publish")
		return
	}

	refs, failures := s.uploadAll(ctx, logger, unit.MediaPaths)
	stats.AttachmentFailures += failures

	if len(unit.MediaPaths) > 0 && len(refs) == 0 && unit.PublishText == "" {
		stats.Skipped++
		s.resolve(logger, record.ID, OutcomePosted, stats)
		logger.Info("record resolved", "outcome", "skipped", "reason", "no attachment could be uploaded")
		return
	}

	text := unit.PublishText
	if text == "" {
		text = EmptyPostText
	}

	postID, err := s.publisher.Post(ctx, text, refs)
	if err != nil {
		if !errors.Is(err, ErrPublish) {
			err = fmt.Errorf("%w: %w", ErrPublish, err)
		}
		stats.Failed++
		s.resolve(logger, record.ID, OutcomeFailedTerminal, stats)
		logger.Error("record resolved", "outcome", "failed", "error", err)
		return
	}

	stats.Posted++
	s.resolve(logger, record.ID, OutcomePosted, stats)
	logger.Info("record resolved",
		"outcome", "posted",
		"post_id", postID,
		"images", len(refs),
		"attachment_failures", failures,
		"truncated", unit.WasTruncated,
	)
}

// resolve writes the terminal outcome. A write failure does not stop the loop:
// the in-memory ledger already holds the entry for this session, but a restart
// before the next successful write may repeat the record.
func (s *RelayService) resolve(logger *slog.Logger, id string, outcome Outcome, stats *CycleStats) {
	var err error
	switch outcome {
	case OutcomeFailedTerminal:
		err = s.ledger.MarkFailedTerminal(id)
	default:
		err = s.ledger.MarkPosted(id)
	}
	if err != nil {
		stats.PersistenceErrors++
		logger.Error("ledger write failed, record may be repeated after restart",
			"outcome", string(outcome),
			"error", err,
		)
	}
}

// uploadAll prepares and uploads every path with bounded fan-out. Failed
// attachments are logged and left out; the returned refs keep source order.
// All uploads finish before it returns.
func (s *RelayService) uploadAll(ctx context.Context, logger *slog.Logger, paths []string) ([]MediaRef, int) {
	if len(paths) == 0 {
		return nil, 0
	}

	results := make([]*MediaRef, len(paths))
	var g errgroup.Group
	g.SetLimit(s.cfg.UploadConcurrency)

	for i, p := range paths {
		g.Go(func() error {
			ref, err := s.uploadOne(ctx, p)
			if err != nil {
				logger.Warn("attachment failed", "index", i, "path", p, "error", err)
				return nil
			}
			results[i] = &ref
			return nil
		})
	}
	_ = g.Wait()

	refs := make([]MediaRef, 0, len(paths))
	for _, r := range results {
		if r != nil {
			refs = append(refs, *r)
		}
	}
	return refs, len(paths) - len(refs)
}

func (s *RelayService) uploadOne(ctx context.Context, path string) (MediaRef, error) {
	resolved := s.media.Resolve(path)
	if !s.media.Exists(resolved) {
		return MediaRef{}, fmt.Errorf("%w: %s", ErrAttachmentNotFound, resolved)
	}

	if s.media.NeedsTransform(resolved) {
		out, err := s.media.Transform(ctx, resolved)
		if err != nil {
			return MediaRef{}, wrapKind(ErrTransform, err)
		}
		resolved = out
	}

	data, mimeType, err := s.media.ReadFile(ctx, resolved)
	if err != nil {
		return MediaRef{}, wrapKind(ErrAttachmentNotFound, err)
	}

	ref, err := s.publisher.UploadMedia(ctx, data, mimeType)
	if err != nil {
		return MediaRef{}, wrapKind(ErrUpload, err)
	}
	return ref, nil
}

// wrapKind tags err with kind unless it already carries one of the attachment
// error kinds.
func wrapKind(kind, err error) error {
	if errors.Is(err, ErrAttachmentNotFound) || errors.Is(err, ErrTransform) || errors.Is(err, ErrUpload) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
