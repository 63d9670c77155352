package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the daemon configuration.
type Config struct {
	// ControlURL is the websocket endpoint of the control-channel server,
	// e.g. ws://127.0.0.1:5171/remote.
	ControlURL string
	// ControlPIN authenticates this console against the control server.
	ControlPIN string
	// StatusAddr is the listen address of the local diagnostics API;
	// "off" disables it.
	StatusAddr string
	// STUNServers feed ICE; "none" clears the list for pure-LAN setups.
	STUNServers []string
	// ReconnectDelay is the fixed pause between control-channel redials.
	ReconnectDelay time.Duration
	// NegotiationTimeout bounds how long a preview session may sit in
	// negotiation before it is marked failed; 0 waits forever.
	NegotiationTimeout time.Duration
	// TelemetryEndpoint is the OTLP HTTP collector; empty disables tracing.
	TelemetryEndpoint string
	// Debug switches logging to human-readable console output at debug level.
	Debug bool
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	url := os.Getenv("LANCAM_CONTROL_URL")
	if url == "" {
		return nil, fmt.Errorf("LANCAM_CONTROL_URL environment variable is required")
	}

	pin := os.Getenv("LANCAM_CONTROL_PIN")
	if pin == "" {
		return nil, fmt.Errorf("LANCAM_CONTROL_PIN environment variable is required")
	}

	cfg := &Config{
		ControlURL:         url,
		ControlPIN:         pin,
		StatusAddr:         ":5180",
		STUNServers:        []string{"stun:stun.l.google.com:19302"},
		ReconnectDelay:     5 * time.Second,
		NegotiationTimeout: 30 * time.Second,
	}

	if v := os.Getenv("LANCAM_STATUS_ADDR"); v != "" {
		cfg.StatusAddr = v
	}
	if v := os.Getenv("LANCAM_STUN_SERVERS"); v != "" {
		if v == "none" {
			cfg.STUNServers = nil
		} else {
			cfg.STUNServers = strings.Split(v, ",")
		}
	}
	if v := os.Getenv("LANCAM_RECONNECT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ReconnectDelay = d
		}
	}
	if v := os.Getenv("LANCAM_NEGOTIATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.NegotiationTimeout = d
		}
	}
	if v := os.Getenv("LANCAM_OTLP_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}
	if v := os.Getenv("LANCAM_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}

	return cfg, nil
}
