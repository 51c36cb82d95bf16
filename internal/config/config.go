package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the daemon configuration, loaded from INBOXD_* environment
// variables with sane defaults
type Config struct {
	// IMAP settings
	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
	Mailbox      string

	// Storage
	DBPath    string
	StatePath string

	// Push endpoint
	HTTPAddr     string
	MaxBodyBytes int64

	// Ingestion
	FirstRunUnseenLimit int

	LogLevel string
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("inboxd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("imap.port", 993)
	v.SetDefault("mailbox", "INBOX")
	v.SetDefault("db.path", "/data/messages.db")
	v.SetDefault("state.path", "/data/ingest_state.json")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("first_run_unseen_limit", 25)
	v.SetDefault("log.level", "info")

	cfg := &Config{
		IMAPHost:            v.GetString("imap.host"),
		IMAPPort:            v.GetInt("imap.port"),
		IMAPUsername:        v.GetString("imap.username"),
		IMAPPassword:        v.GetString("imap.password"),
		Mailbox:             v.GetString("mailbox"),
		DBPath:              v.GetString("db.path"),
		StatePath:           v.GetString("state.path"),
		HTTPAddr:            v.GetString("http.addr"),
		MaxBodyBytes:        v.GetInt64("http.max_body_bytes"),
		FirstRunUnseenLimit: v.GetInt("first_run_unseen_limit"),
		LogLevel:            v.GetString("log.level"),
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.IMAPHost == "" {
		return fmt.Errorf("INBOXD_IMAP_HOST is required")
	}
	if c.IMAPUsername == "" {
		return fmt.Errorf("INBOXD_IMAP_USERNAME is required")
	}
	if c.IMAPPassword == "" {
		return fmt.Errorf("INBOXD_IMAP_PASSWORD is required")
	}
	if c.IMAPPort < 1 || c.IMAPPort > 65535 {
		return fmt.Errorf("invalid INBOXD_IMAP_PORT %d", c.IMAPPort)
	}
	if c.DBPath == "" {
		return fmt.Errorf("INBOXD_DB_PATH is required")
	}
	if c.StatePath == "" {
		return fmt.Errorf("INBOXD_STATE_PATH is required")
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("INBOXD_HTTP_MAX_BODY_BYTES must be positive")
	}
	if c.FirstRunUnseenLimit < 0 {
		return fmt.Errorf("INBOXD_FIRST_RUN_UNSEEN_LIMIT must not be negative")
	}
	return nil
}
