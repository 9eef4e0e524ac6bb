package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Relay   RelayConfig
	Source  SourceConfig
	Media   MediaConfig
	Bluesky BlueskyConfig

	// LedgerPath is the JSON file recording resolved messages.
	LedgerPath string

	// StatusPort serves /health and /status when non-zero.
	StatusPort int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// RelayConfig controls the poll loop.
type RelayConfig struct {
	// Contact is the iMessage handle (phone number or e-mail) to relay.
	Contact string

	PollInterval      time.Duration
	WindowSize        int
	MaxTextLength     int
	MaxImages         int
	UploadConcurrency int
}

// SourceConfig locates the Messages database.
type SourceConfig struct {
	// ChatDBPath may start with "~".
	ChatDBPath string

	// FromMe relays messages sent by this Mac's account instead of messages
	// received from the contact.
	FromMe bool
}

// MediaConfig controls attachment conversion.
type MediaConfig struct {
	StagingDir string

	// Converter is a command template with {in} and {out}; empty means detect.
	Converter string
}

// BlueskyConfig holds the publishing account.
type BlueskyConfig struct {
	Handle      string
	AppPassword string
	PDS         string
	Langs       []string
}

// maxImagesPerPost is the limit of the images embed.
const maxImagesPerPost = 4

// Load reads configuration from environment variables and, when configFile is
// set, from that file. Environment variables take precedence.
func Load(configFile string) (Config, error) {
	cfg, err := load(configFile)
	if err != nil {
		return Config{}, err
	}
	if cfg.Relay.Contact == "" {
		return Config{}, fmt.Errorf("RELAY_CONTACT is required")
	}
	return cfg, nil
}

// LoadForTool loads config for commands that do not poll, so no contact is required.
func LoadForTool(configFile string) (Config, error) {
	return load(configFile)
}

func load(configFile string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("relay_contact", "")
	v.SetDefault("relay_chat_db", "~/Library/Messages/chat.db")
	v.SetDefault("relay_from_me", false)
	v.SetDefault("relay_ledger_path", "data/ledger.json")
	v.SetDefault("relay_staging_dir", "data/staging")
	v.SetDefault("relay_poll_interval", "30s")
	v.SetDefault("relay_window_size", 20)
	v.SetDefault("relay_max_text_length", 300)
	v.SetDefault("relay_max_images", maxImagesPerPost)
	v.SetDefault("relay_upload_concurrency", 2)
	v.SetDefault("relay_converter", "")
	v.SetDefault("relay_status_port", 0)
	v.SetDefault("relay_log_level", "info")
	v.SetDefault("bluesky_handle", "")
	v.SetDefault("bluesky_app_password", "")
	v.SetDefault("bluesky_pds", "https://bsky.social")
	v.SetDefault("bluesky_langs", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	interval := v.GetDuration("relay_poll_interval")
	if interval < time.Second {
		return Config{}, fmt.Errorf("invalid RELAY_POLL_INTERVAL: %q (minimum 1s)", v.GetString("relay_poll_interval"))
	}

	window := v.GetInt("relay_window_size")
	if window < 1 || window > 1000 {
		return Config{}, fmt.Errorf("invalid RELAY_WINDOW_SIZE: %d", window)
	}

	maxText := v.GetInt("relay_max_text_length")
	if maxText < 1 {
		return Config{}, fmt.Errorf("invalid RELAY_MAX_TEXT_LENGTH: %d", maxText)
	}

	maxImages := v.GetInt("relay_max_images")
	if maxImages < 0 {
		maxImages = 0
	}
	if maxImages > maxImagesPerPost {
		maxImages = maxImagesPerPost
	}

	concurrency := v.GetInt("relay_upload_concurrency")
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > maxImagesPerPost {
		concurrency = maxImagesPerPost
	}

	port := v.GetInt("relay_status_port")
	if port < 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid RELAY_STATUS_PORT: %d", port)
	}

	level := strings.ToLower(strings.TrimSpace(v.GetString("relay_log_level")))
	if _, err := ParseLevel(level); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Relay: RelayConfig{
			Contact:           strings.TrimSpace(v.GetString("relay_contact")),
			PollInterval:      interval,
			WindowSize:        window,
			MaxTextLength:     maxText,
			MaxImages:         maxImages,
			UploadConcurrency: concurrency,
		},
		Source: SourceConfig{
			ChatDBPath: strings.TrimSpace(v.GetString("relay_chat_db")),
			FromMe:     v.GetBool("relay_from_me"),
		},
		Media: MediaConfig{
			StagingDir: strings.TrimSpace(v.GetString("relay_staging_dir")),
			Converter:  strings.TrimSpace(v.GetString("relay_converter")),
		},
		Bluesky: BlueskyConfig{
			Handle:      strings.TrimSpace(v.GetString("bluesky_handle")),
			AppPassword: strings.TrimSpace(v.GetString("bluesky_app_password")),
			PDS:         strings.TrimRight(strings.TrimSpace(v.GetString("bluesky_pds")), "/"),
			Langs:       splitCSV(v.GetString("bluesky_langs")),
		},
		LedgerPath: strings.TrimSpace(v.GetString("relay_ledger_path")),
		StatusPort: port,
		LogLevel:   level,
	}

	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "data/ledger.json"
	}
	if cfg.Media.StagingDir == "" {
		cfg.Media.StagingDir = "data/staging"
	}

	return cfg, nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid RELAY_LOG_LEVEL: %q", name)
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
