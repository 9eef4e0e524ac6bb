package ledger

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/imessage-bluesky/internal/domain"
)

var _ domain.Ledger = (*Ledger)(nil)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "ledger.json"), discardLogger())

	posted, failed := l.Counts()
	assert.Zero(t, posted)
	assert.Zero(t, failed)
	assert.False(t, l.IsResolved("1"))
}

func TestOpenCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"posted": [`), 0o644))

	l := Open(path, discardLogger())
	assert.False(t, l.IsResolved("1"))

	// The next write replaces the corrupt file with a valid one.
	require.NoError(t, l.MarkPosted("1"))
	assert.True(t, Open(path, discardLogger()).IsResolved("1"))
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.json")

	first := Open(path, discardLogger())
	require.NoError(t, first.MarkPosted("100"))
	require.NoError(t, first.MarkPosted("101"))
	require.NoError(t, first.MarkFailedTerminal("102"))

	second := Open(path, discardLogger())
	for _, id := range []string{"100", "101", "102"} {
		assert.True(t, second.IsResolved(id), "id %s", id)
	}
	assert.False(t, second.IsResolved("103"))

	posted, failed := second.Counts()
	assert.Equal(t, 2, posted)
	assert.Equal(t, 1, failed)

	o, ok := second.Outcome("102")
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeFailedTerminal, o)
}

func TestFileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := Open(path, discardLogger())
	require.NoError(t, l.MarkPosted("b"))
	require.NoError(t, l.MarkPosted("a"))
	require.NoError(t, l.MarkFailedTerminal("c"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc fileLayout
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, []string{"a", "b"}, doc.Posted)
	assert.Equal(t, []string{"c"}, doc.FailedTerminal)
	assert.False(t, doc.UpdatedAt.IsZero())

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMarkIsIdempotentAndOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := Open(path, discardLogger())

	require.NoError(t, l.MarkFailedTerminal("1"))
	require.NoError(t, l.MarkFailedTerminal("1"))
	posted, failed := l.Counts()
	assert.Equal(t, 0, posted)
	assert.Equal(t, 1, failed)

	require.NoError(t, l.MarkPosted("1"))
	posted, failed = l.Counts()
	assert.Equal(t, 1, posted)
	assert.Equal(t, 0, failed)

	o, _ := Open(path, discardLogger()).Outcome("1")
	assert.Equal(t, domain.OutcomePosted, o)
}

func TestWriteFailureKeepsMemoryView(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	l := Open(filepath.Join(blocker, "ledger.json"), discardLogger())

	err := l.MarkPosted("1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.True(t, l.IsResolved("1"))
}

func TestMarkRejectsEmptyID(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "ledger.json"), discardLogger())
	assert.Error(t, l.MarkPosted(""))
	assert.False(t, l.IsResolved(""))
}

func TestFlushRewritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := Open(path, discardLogger())
	require.NoError(t, l.MarkPosted("1"))
	require.NoError(t, os.Remove(path))

	require.NoError(t, l.Flush())
	assert.True(t, Open(path, discardLogger()).IsResolved("1"))
}
