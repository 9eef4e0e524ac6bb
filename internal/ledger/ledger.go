// Package ledger persists which records have reached a terminal outcome so the
// relay never handles the same record twice, across restarts included.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/blackmichael/imessage-bluesky/internal/domain"
)

// fileLayout is the on-disk JSON document.
type fileLayout struct {
	Posted         []string  `json:"posted"`
	FailedTerminal []string  `json:"failedTerminal"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Ledger implements domain.Ledger on a JSON file. Every mutation rewrites the
// whole file through a temp file and rename, so a crash mid-write leaves the
// previous version intact.
type Ledger struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	outcomes map[string]domain.Outcome
}

// Open loads the ledger at path. A missing or unreadable file is not an
// error: the ledger starts empty and a warning is logged.
func Open(path string, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		path:     path,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		outcomes: make(map[string]domain.Outcome),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Warn("ledger not found, starting empty", "path", path)
		return l
	case err != nil:
		logger.Warn("ledger unreadable, starting empty", "path", path, "error", err)
		return l
	}

	var doc fileLayout
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("ledger unparsable, starting empty", "path", path, "error", err)
		return l
	}

	for _, id := range doc.FailedTerminal {
		l.outcomes[id] = domain.OutcomeFailedTerminal
	}
	// Posted wins if an id somehow appears in both lists.
	for _, id := range doc.Posted {
		l.outcomes[id] = domain.OutcomePosted
	}

	posted, failed := l.counts()
	logger.Info("ledger loaded", "path", path, "posted", posted, "failed", failed, "updated_at", doc.UpdatedAt)
	return l
}

// Path returns the backing file path.
func (l *Ledger) Path() string {
	return l.path
}

// IsResolved reports whether id has any recorded outcome.
func (l *Ledger) IsResolved(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.outcomes[id]
	return ok
}

// Outcome returns the recorded outcome for id, if any.
func (l *Ledger) Outcome(id string) (domain.Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.outcomes[id]
	return o, ok
}

// MarkPosted records id as posted, overwriting any previous outcome.
func (l *Ledger) MarkPosted(id string) error {
	return l.mark(id, domain.OutcomePosted)
}

// MarkFailedTerminal records id as permanently failed.
func (l *Ledger) MarkFailedTerminal(id string) error {
	return l.mark(id, domain.OutcomeFailedTerminal)
}

// Counts returns the number of posted and failed entries.
func (l *Ledger) Counts() (posted, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts()
}

// Flush rewrites the backing file from memory. It is used on shutdown to retry
// a write that failed earlier.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save()
}

func (l *Ledger) mark(id string, outcome domain.Outcome) error {
	if id == "" {
		return fmt.Errorf("ledger: empty record id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// The in-memory entry is kept even if the write below fails, so this
	// process never repeats the record.
	l.outcomes[id] = outcome
	return l.save()
}

func (l *Ledger) counts() (posted, failed int) {
	for _, o := range l.outcomes {
		if o == domain.OutcomePosted {
			posted++
		} else {
			failed++
		}
	}
	return posted, failed
}

// save writes the ledger durably. Callers hold l.mu.
func (l *Ledger) save() error {
	doc := fileLayout{
		Posted:         []string{},
		FailedTerminal: []string{},
		UpdatedAt:      l.now(),
	}
	for id, o := range l.outcomes {
		if o == domain.OutcomePosted {
			doc.Posted = append(doc.Posted, id)
		} else {
			doc.FailedTerminal = append(doc.FailedTerminal, id)
		}
	}
	slices.Sort(doc.Posted)
	slices.Sort(doc.FailedTerminal)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal ledger: %w", domain.ErrPersistence, err)
	}

	if err := writeFileAtomic(l.path, data); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}

	// Sync the directory so the rename itself survives a crash.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
