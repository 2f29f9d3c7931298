package internal

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/custodian/internal/models"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Integrity.SimilarityThreshold != 0.9 {
		t.Errorf("similarity threshold = %v, want 0.9", cfg.Integrity.SimilarityThreshold)
	}
	if cfg.Watch.Throttle != time.Second {
		t.Errorf("throttle = %v, want 1s", cfg.Watch.Throttle)
	}
}

func TestRegistryConfig_UnknownDriver(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Registry.Driver = "bolt"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown registry driver should fail validation")
	}
}

func TestStandardsConfig_Rules(t *testing.T) {
	cfg := StandardsConfig{Rules: []string{"naming", "digest-drift"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("known rules should pass: %v", err)
	}
	cfg.Rules = append(cfg.Rules, "spelling")
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown rule should fail validation")
	}
}

func TestIntegrityConfig_ThresholdRange(t *testing.T) {
	for _, v := range []float64{0, 1.5} {
		cfg := IntegrityConfig{SimilarityThreshold: v}
		if err := cfg.Validate(); err == nil {
			t.Errorf("threshold %v should fail validation", v)
		}
	}
}

func TestBackupConfig_Policy(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	entries := []models.BackupEntry{
		{Location: "a", TakenAt: now.Add(-72 * time.Hour)},
		{Location: "b", TakenAt: now.Add(-2 * time.Hour)},
		{Location: "c", TakenAt: now.Add(-time.Hour)},
	}

	cfg := BackupConfig{Dir: "backups"}
	if got := cfg.Policy()(entries, now); len(got) != 0 {
		t.Errorf("no limits should keep everything, pruned %v", got)
	}

	cfg.KeepLast = 2
	if got := cfg.Policy()(entries, now); len(got) != 1 || got[0].Location != "a" {
		t.Errorf("keep_last=2 pruned %v", got)
	}

	cfg.KeepLast = 0
	cfg.MaxAge = 90 * time.Minute
	if got := cfg.Policy()(entries, now); len(got) != 2 {
		t.Errorf("max_age=90m pruned %v, want a and b", got)
	}
}

func TestWorkspaceConfig_StatePath(t *testing.T) {
	cfg := WorkspaceConfig{Root: "/srv/docs", StateDir: ".custodian"}
	if got := cfg.StatePath("registry.db"); got != filepath.Join("/srv/docs", ".custodian", "registry.db") {
		t.Errorf("StatePath = %q", got)
	}
	cfg.StateDir = "/var/lib/custodian"
	if got := cfg.StatePath("backups"); got != filepath.Join("/var/lib/custodian", "backups") {
		t.Errorf("StatePath with absolute state dir = %q", got)
	}
	if got := cfg.StatePath("/tmp/x.db"); got != "/tmp/x.db" {
		t.Errorf("absolute path should pass through, got %q", got)
	}
}
