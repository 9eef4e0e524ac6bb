package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELAY_CONTACT", "+15551234567")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "+15551234567", cfg.Relay.Contact)
	assert.Equal(t, 30*time.Second, cfg.Relay.PollInterval)
	assert.Equal(t, 20, cfg.Relay.WindowSize)
	assert.Equal(t, 300, cfg.Relay.MaxTextLength)
	assert.Equal(t, 4, cfg.Relay.MaxImages)
	assert.Equal(t, 2, cfg.Relay.UploadConcurrency)
	assert.Equal(t, "~/Library/Messages/chat.db", cfg.Source.ChatDBPath)
	assert.False(t, cfg.Source.FromMe)
	assert.Equal(t, "data/ledger.json", cfg.LedgerPath)
	assert.Equal(t, "data/staging", cfg.Media.StagingDir)
	assert.Equal(t, "https://bsky.social", cfg.Bluesky.PDS)
	assert.Equal(t, 0, cfg.StatusPort)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRequiresContact(t *testing.T) {
	t.Setenv("RELAY_CONTACT", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_CONTACT")

	_, err = LoadForTool("")
	assert.NoError(t, err)
}

func TestLoadClampsImagesAndConcurrency(t *testing.T) {
	t.Setenv("RELAY_CONTACT", "a@b.c")
	t.Setenv("RELAY_MAX_IMAGES", "9")
	t.Setenv("RELAY_UPLOAD_CONCURRENCY", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Relay.MaxImages)
	assert.Equal(t, 1, cfg.Relay.UploadConcurrency)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string][2]string{
		"short interval": {"RELAY_POLL_INTERVAL", "10ms"},
		"zero window":    {"RELAY_WINDOW_SIZE", "0"},
		"zero text":      {"RELAY_MAX_TEXT_LENGTH", "0"},
		"bad port":       {"RELAY_STATUS_PORT", "70000"},
		"bad level":      {"RELAY_LOG_LEVEL", "loud"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv("RELAY_CONTACT", "a@b.c")
			t.Setenv(kv[0], kv[1])
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay_contact: "friend@example.com"
relay_poll_interval: 1m
relay_from_me: true
bluesky_handle: relay.bsky.social
bluesky_langs: "en, de"
bluesky_pds: https://pds.example.com/
`), 0o644))
	t.Setenv("RELAY_CONTACT", "")
	t.Setenv("BLUESKY_HANDLE", "override.bsky.social")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "friend@example.com", cfg.Relay.Contact)
	assert.Equal(t, time.Minute, cfg.Relay.PollInterval)
	assert.True(t, cfg.Source.FromMe)
	assert.Equal(t, "override.bsky.social", cfg.Bluesky.Handle)
	assert.Equal(t, []string{"en", "de"}, cfg.Bluesky.Langs)
	assert.Equal(t, "https://pds.example.com", cfg.Bluesky.PDS)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := LoadForTool(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
}
