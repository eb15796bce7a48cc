package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RECALL_BASE_URL", "")
	t.Setenv("RESOLVE_POLL_INTERVAL", "")
	t.Setenv("RESOLVE_MAX_POLLS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.RecallBaseURL == "" {
		t.Errorf("expected default vendor base url, got empty")
	}
	if cfg.ResolvePollInterval != 3*time.Second {
		t.Errorf("ResolvePollInterval = %v, want 3s", cfg.ResolvePollInterval)
	}
	if cfg.ResolveMaxPolls != 20 {
		t.Errorf("ResolveMaxPolls = %d, want 20", cfg.ResolveMaxPolls)
	}
	if cfg.MediaRetryInterval != 5*time.Second {
		t.Errorf("MediaRetryInterval = %v, want 5s", cfg.MediaRetryInterval)
	}
	if cfg.MediaMaxAttempts != 10 {
		t.Errorf("MediaMaxAttempts = %d, want 10", cfg.MediaMaxAttempts)
	}
	if cfg.ResolveSyncWait != 5*time.Second {
		t.Errorf("ResolveSyncWait = %v, want 5s", cfg.ResolveSyncWait)
	}
	if cfg.DBDsn == "" {
		t.Errorf("expected default db dsn, got empty")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RESOLVE_POLL_INTERVAL", "250ms")
	t.Setenv("RESOLVE_MAX_POLLS", "3")
	t.Setenv("MEDIA_RETRY_INTERVAL", "1s")
	t.Setenv("MEDIA_MAX_ATTEMPTS", "2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ResolvePollInterval != 250*time.Millisecond {
		t.Errorf("ResolvePollInterval = %v, want 250ms", cfg.ResolvePollInterval)
	}
	if cfg.ResolveMaxPolls != 3 || cfg.MediaMaxAttempts != 2 {
		t.Errorf("attempt bounds not applied: %d/%d", cfg.ResolveMaxPolls, cfg.MediaMaxAttempts)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("MEDIA_RETRY_INTERVAL", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for invalid MEDIA_RETRY_INTERVAL")
	}
}

func TestValidateVendorReady(t *testing.T) {
	t.Setenv("RECALL_API_KEY", "k-123")
	cfg, _ := Load()
	if err := cfg.ValidateVendorReady(); err != nil {
		t.Errorf("expected valid vendor config, got %v", err)
	}
	t.Setenv("RECALL_API_KEY", "")
	cfg, _ = Load()
	if err := cfg.ValidateVendorReady(); err == nil {
		t.Errorf("expected error when RECALL_API_KEY missing")
	}
}
