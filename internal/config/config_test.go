package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("TELEPHONY_ACCOUNT_ID", "AC-1")
	t.Setenv("TELEPHONY_API_KEY", "key")
	t.Setenv("TELEPHONY_API_TOKEN", "token")
	t.Setenv("WEBHOOK_HMAC_SECRET", "s3cret")
	t.Setenv("BACKEND_BASE_URL", "http://backend.local")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.SessionCapacity != 10000 {
		t.Errorf("SessionCapacity = %d, want 10000", cfg.SessionCapacity)
	}
	if cfg.SessionInactivityTimeout != 30*time.Minute {
		t.Errorf("SessionInactivityTimeout = %v", cfg.SessionInactivityTimeout)
	}
	if got := strings.Join(cfg.ASRPriority, ","); got != "local,deepgram,google,azure" {
		t.Errorf("ASRPriority = %q", got)
	}
	if got := strings.Join(cfg.TTSPriority, ","); got != "local,elevenlabs,deepgram,google,azure" {
		t.Errorf("TTSPriority = %q", got)
	}
	if cfg.DefaultLanguage != "hi" {
		t.Errorf("DefaultLanguage = %q", cfg.DefaultLanguage)
	}
}

func TestLoadRefusesWithoutTelephonyCredentials(t *testing.T) {
	t.Setenv("TELEPHONY_ACCOUNT_ID", "")
	t.Setenv("TELEPHONY_API_KEY", "")
	t.Setenv("TELEPHONY_API_TOKEN", "")
	t.Setenv("WEBHOOK_HMAC_SECRET", "s3cret")
	t.Setenv("BACKEND_BASE_URL", "http://backend.local")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should fail without telephony credentials")
	}
}

func TestLoadRefusesWithoutWebhookSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBHOOK_HMAC_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should fail without webhook secret")
	}
}

func TestCallerIDByPurpose(t *testing.T) {
	setRequired(t)
	t.Setenv("TELEPHONY_CALLER_ID", "+918000000000")
	t.Setenv("TELEPHONY_CALLER_IDS", "vendor.new_order=+918000000001,rider.assign=+918000000002")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.CallerID("vendor.new_order"); got != "+918000000001" {
		t.Errorf("CallerID(vendor.new_order) = %q", got)
	}
	if got := cfg.CallerID("customer.status"); got != "+918000000000" {
		t.Errorf("CallerID fallback = %q", got)
	}
}

func TestPriorityListOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("ASR_PRIORITY", " Deepgram, local ")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := strings.Join(cfg.ASRPriority, ","); got != "deepgram,local" {
		t.Errorf("ASRPriority override = %q", got)
	}
}
