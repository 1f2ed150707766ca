package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the server configuration, assembled from environment variables.
type Config struct {
	Port   string
	DBPath string

	// SSHDir holds the Master key pair and the SUT key store.
	SSHDir string

	// StaleTimeout is how long an unpaired, offline SUT may go unseen
	// before the sweep removes it. Zero disables automatic cleanup.
	StaleTimeout  time.Duration
	SweepInterval time.Duration

	SSEKeepalive time.Duration

	// SSHUser is the default account used for outbound shell access to SUTs.
	SSHUser string

	// ShoutrrrURL enables operator notifications when non-empty.
	ShoutrrrURL string
}

// Load returns the server configuration from environment variables.
func Load() Config {
	home, _ := os.UserHomeDir()

	return Config{
		Port:          getEnv("PORT", "9080"),
		DBPath:        getEnv("DB_PATH", "sutmaster.db"),
		SSHDir:        getEnv("SSH_DIR", filepath.Join(home, ".ssh")),
		StaleTimeout:  getEnvSeconds("STALE_TIMEOUT_SECONDS", 3600),
		SweepInterval: getEnvSeconds("SWEEP_INTERVAL_SECONDS", 300),
		SSEKeepalive:  getEnvSeconds("SSE_KEEPALIVE_SECONDS", 30),
		SSHUser:       getEnv("SSH_USER", ""),
		ShoutrrrURL:   getEnv("SHOUTRRR_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(fallback) * time.Second
}
