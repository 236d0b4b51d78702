// Package config loads service configuration from environment variables with
// defaults and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all tunables for the service.
type Config struct {
	// Server
	Port     string // PORT, just the number
	DevMode  bool   // DEV_MODE enables console logs and the X-Debug-Sub test header
	LogLevel string // LOG_LEVEL debug|info|warn|error

	// Stores
	DatabaseURL string // DATABASE_URL, postgres DSN

	// Identity
	IssuerURL string // ISSUER_URL, OIDC issuer whose JWKS signs bearer tokens
	Audience  string // AUDIENCE accepted in aud; tokens without aud also pass

	// Topics and channels
	FIFOTopic      string // FIFO_TOPIC
	StandardTopic  string // STANDARD_TOPIC
	SessionChannel string // SESSION_CHANNEL, targetChannel value routed to live sessions

	// Delivery
	ValidityWindow      time.Duration // VALIDITY_WINDOW_MS, max envelope age at egress
	HistoryTTL          time.Duration // HISTORY_TTL_DAYS, history retention
	DedupWindow         time.Duration // DEDUP_WINDOW_MS, fifo content-dedup horizon
	MaxDeliveryAttempts int           // MAX_DELIVERY_ATTEMPTS before dead-letter
	SessionSendBuffer   int           // SESSION_SEND_BUFFER, frames queued per session

	// Budgets
	AuthTimeout    time.Duration // AUTH_TIMEOUT_MS for handshake token + permission checks
	PublishTimeout time.Duration // PUBLISH_TIMEOUT_MS for the end-to-end publish path

	// Rate limiting (publish paths)
	RateRPS   float64 // RATE_RPS tokens per second per principal
	RateBurst int     // RATE_BURST bucket size

	// Admin
	AdminPrincipals []string // ADMIN_PRINCIPALS csv of subs allowed on admin APIs
}

// Load reads configuration from the environment, after a best-effort .env
// load, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:     getenv("PORT", "8080"),
		DevMode:  getbool("DEV_MODE", false),
		LogLevel: strings.ToLower(getenv("LOG_LEVEL", "info")),

		DatabaseURL: getenv("DATABASE_URL", ""),

		IssuerURL: getenv("ISSUER_URL", ""),
		Audience:  getenv("AUDIENCE", ""),

		FIFOTopic:      getenv("FIFO_TOPIC", "messages.fifo"),
		StandardTopic:  getenv("STANDARD_TOPIC", "messages"),
		SessionChannel: getenv("SESSION_CHANNEL", "session"),

		ValidityWindow:      getms("VALIDITY_WINDOW_MS", 10000),
		HistoryTTL:          time.Duration(getint("HISTORY_TTL_DAYS", 30)) * 24 * time.Hour,
		DedupWindow:         getms("DEDUP_WINDOW_MS", 300000),
		MaxDeliveryAttempts: getint("MAX_DELIVERY_ATTEMPTS", 3),
		SessionSendBuffer:   getint("SESSION_SEND_BUFFER", 256),

		AuthTimeout:    getms("AUTH_TIMEOUT_MS", 2000),
		PublishTimeout: getms("PUBLISH_TIMEOUT_MS", 5000),

		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		AdminPrincipals: splitCSV(getenv("ADMIN_PRINCIPALS", "")),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.IssuerURL == "" && !c.DevMode {
		return errors.New("ISSUER_URL is required outside dev mode")
	}
	if c.ValidityWindow <= 0 {
		return fmt.Errorf("VALIDITY_WINDOW_MS must be positive, got %v", c.ValidityWindow)
	}
	if c.HistoryTTL < 24*time.Hour {
		return fmt.Errorf("HISTORY_TTL_DAYS must be at least 1, got %v", c.HistoryTTL)
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("DEDUP_WINDOW_MS must be positive, got %v", c.DedupWindow)
	}
	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("MAX_DELIVERY_ATTEMPTS must be at least 1, got %d", c.MaxDeliveryAttempts)
	}
	if c.SessionSendBuffer < 1 {
		return fmt.Errorf("SESSION_SEND_BUFFER must be at least 1, got %d", c.SessionSendBuffer)
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("AUTH_TIMEOUT_MS must be positive, got %v", c.AuthTimeout)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("PUBLISH_TIMEOUT_MS must be positive, got %v", c.PublishTimeout)
	}
	if c.FIFOTopic == c.StandardTopic {
		return errors.New("FIFO_TOPIC and STANDARD_TOPIC must differ")
	}
	if c.RateRPS < 0 {
		return fmt.Errorf("RATE_RPS must not be negative, got %f", c.RateRPS)
	}
	return nil
}

// IsAdmin reports whether sub may use the admin APIs. An empty allowlist
// admits any authenticated principal; startup logs that posture.
func (c Config) IsAdmin(sub string) bool {
	if len(c.AdminPrincipals) == 0 {
		return true
	}
	for _, p := range c.AdminPrincipals {
		if p == sub {
			return true
		}
	}
	return false
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getms(k string, defMs int64) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(defMs) * time.Millisecond
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
