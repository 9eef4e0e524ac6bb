package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/imessage-bluesky/internal/domain"
	"github.com/blackmichael/imessage-bluesky/internal/ledger"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "relay", cmd.Use)
	assert.Contains(t, cmd.Long, "Bluesky")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"run", "verify", "status", "post", "clean-staging"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))

	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	once := runCmd.Flags().Lookup("once")
	require.NotNil(t, once)
	assert.Equal(t, "false", once.DefValue)

	postCmd, _, err := cmd.Find([]string{"post"})
	require.NoError(t, err)
	image := postCmd.Flags().Lookup("image")
	require.NotNil(t, image)
	assert.Equal(t, "i", image.Shorthand)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))

	wrapped := WrapExitError(ExitTooManyFailures, "relay gave up", domain.ErrTooManyFailures)
	assert.Equal(t, ExitTooManyFailures, ExitCode(wrapped))
	assert.ErrorIs(t, wrapped, domain.ErrTooManyFailures)
	assert.Equal(t, "relay gave up: "+domain.ErrTooManyFailures.Error(), wrapped.Error())
}

func TestRunRequiresContact(t *testing.T) {
	t.Setenv("RELAY_CONTACT", "")

	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, err.Error(), "RELAY_CONTACT")
}

func TestRunFailsPreflightWhenDatabaseIsUnreadable(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAY_CONTACT", "friend@example.com")
	t.Setenv("RELAY_CHAT_DB", filepath.Join(dir, "missing", "chat.db"))
	t.Setenv("RELAY_STAGING_DIR", filepath.Join(dir, "staging"))
	t.Setenv("RELAY_LEDGER_PATH", filepath.Join(dir, "ledger.json"))
	t.Setenv("RELAY_CONVERTER", "cp {in} {out}")

	_, err := execute(t, "run", "--once")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, err.Error(), "Full Disk Access")

	_, statErr := os.Stat(filepath.Join(dir, "ledger.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStatusCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := ledger.Open(path, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, l.MarkPosted("1"))
	require.NoError(t, l.MarkPosted("2"))
	require.NoError(t, l.MarkFailedTerminal("3"))
	t.Setenv("RELAY_LEDGER_PATH", path)

	out, err := execute(t, "status", "--json")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, path, got["ledger"])
	assert.Equal(t, float64(2), got["posted"])
	assert.Equal(t, float64(1), got["failed_terminal"])

	out, err = execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Posted:   2")
}

func TestCleanStagingCommand(t *testing.T) {
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, "a.jpg"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "b.jpg"), []byte("b"), 0o644))
	t.Setenv("RELAY_STAGING_DIR", staging)
	t.Setenv("RELAY_CONVERTER", "cp {in} {out}")

	out, err := execute(t, "clean-staging")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 2 file(s)")

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPostRequiresCredentials(t *testing.T) {
	t.Setenv("BLUESKY_HANDLE", "")
	t.Setenv("BLUESKY_APP_PASSWORD", "")

	_, err := execute(t, "post", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIdentity)
	assert.Contains(t, err.Error(), "App Password")
}

func TestPostRejectsEmptyPost(t *testing.T) {
	_, err := execute(t, "post", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to post")
}
