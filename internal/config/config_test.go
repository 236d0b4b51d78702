package config

import (
	"testing"
	"time"
)

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/chatbus_test")
	t.Setenv("ISSUER_URL", "https://issuer.example.com")
}

func TestLoad_Defaults(t *testing.T) {
	setBase(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.ValidityWindow != 10*time.Second {
		t.Errorf("Expected 10s validity window, got %v", cfg.ValidityWindow)
	}
	if cfg.HistoryTTL != 30*24*time.Hour {
		t.Errorf("Expected 30 day TTL, got %v", cfg.HistoryTTL)
	}
	if cfg.DedupWindow != 5*time.Minute {
		t.Errorf("Expected 5m dedup window, got %v", cfg.DedupWindow)
	}
	if cfg.MaxDeliveryAttempts != 3 {
		t.Errorf("Expected 3 delivery attempts, got %d", cfg.MaxDeliveryAttempts)
	}
	if cfg.FIFOTopic != "messages.fifo" || cfg.StandardTopic != "messages" {
		t.Errorf("Unexpected topic defaults: %s / %s", cfg.FIFOTopic, cfg.StandardTopic)
	}
	if cfg.SessionChannel != "session" {
		t.Errorf("Expected session channel default, got %s", cfg.SessionChannel)
	}
	if cfg.AuthTimeout != 2*time.Second {
		t.Errorf("Expected 2s auth budget, got %v", cfg.AuthTimeout)
	}
	if cfg.PublishTimeout != 5*time.Second {
		t.Errorf("Expected 5s publish budget, got %v", cfg.PublishTimeout)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setBase(t)
	t.Setenv("VALIDITY_WINDOW_MS", "2500")
	t.Setenv("HISTORY_TTL_DAYS", "7")
	t.Setenv("ADMIN_PRINCIPALS", "ops-1, ops-2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ValidityWindow != 2500*time.Millisecond {
		t.Errorf("Expected 2.5s validity window, got %v", cfg.ValidityWindow)
	}
	if cfg.HistoryTTL != 7*24*time.Hour {
		t.Errorf("Expected 7 day TTL, got %v", cfg.HistoryTTL)
	}
	if len(cfg.AdminPrincipals) != 2 || cfg.AdminPrincipals[1] != "ops-2" {
		t.Errorf("Expected trimmed admin list, got %v", cfg.AdminPrincipals)
	}
}

func TestLoad_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ISSUER_URL", "https://issuer.example.com")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error when DATABASE_URL is unset")
	}
}

func TestLoad_RequiresIssuerOutsideDevMode(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/chatbus_test")
	t.Setenv("ISSUER_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error when ISSUER_URL is unset without DEV_MODE")
	}

	t.Setenv("DEV_MODE", "true")
	if _, err := Load(); err != nil {
		t.Fatalf("DEV_MODE should allow empty issuer, got %v", err)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero validity window", "VALIDITY_WINDOW_MS", "0"},
		{"negative attempts", "MAX_DELIVERY_ATTEMPTS", "0"},
		{"zero send buffer", "SESSION_SEND_BUFFER", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBase(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Expected validation error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestIsAdmin(t *testing.T) {
	open := Config{}
	if !open.IsAdmin("anyone") {
		t.Error("Empty allowlist should admit any authenticated principal")
	}

	locked := Config{AdminPrincipals: []string{"ops-1"}}
	if !locked.IsAdmin("ops-1") {
		t.Error("Listed principal should be admitted")
	}
	if locked.IsAdmin("bob") {
		t.Error("Unlisted principal should be rejected")
	}
}
