package server

import (
	"time"

	"fwlink/internal/config"
)

// Config holds runtime parameters for the HTTP API.
type Config struct {
	Listen          string
	DedupTTL        time.Duration
	DedupCap        int
	ShutdownTimeout time.Duration
	// Heartbeat is the interval of SSE keep-alive comments.
	Heartbeat time.Duration
}

// ConfigFrom maps the server section of the file config.
func ConfigFrom(cfg config.ServerConfig) Config {
	return Config{
		Listen:          cfg.Listen,
		DedupTTL:        cfg.DedupTTL.D(),
		DedupCap:        cfg.DedupCap,
		ShutdownTimeout: 5 * time.Second,
		Heartbeat:       15 * time.Second,
	}
}
