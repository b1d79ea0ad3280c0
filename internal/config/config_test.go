package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TRIAGE_CACHE_TTL", "")
	cfg := Load()
	if cfg.TriageCacheTTL != time.Hour {
		t.Fatalf("expected 1h cache ttl, got %s", cfg.TriageCacheTTL)
	}
	if cfg.LLMEnabled() {
		t.Fatalf("LLM should be disabled without OLLAMA_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OFFICE_IDS", " 6f9619ff-8b86-d011-b42d-00c04fc964ff , ,0b1f6b6e-3d2c-4f55-9a36-8e8a3f7b2c11")
	t.Setenv("CONCURRENCY_TRIAGE", "16")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("OLLAMA_URL", "http://localhost:11434")

	cfg := Load()
	if len(cfg.OfficeIDs) != 2 {
		t.Fatalf("expected 2 offices, got %v", cfg.OfficeIDs)
	}
	if cfg.ConcurrencyTriage != 16 || cfg.WorkerPollInterval != 250*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.LLMEnabled() {
		t.Fatalf("LLM should be enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadOffices(t *testing.T) {
	cfg := Load()
	cfg.OfficeIDs = []string{"not-a-uuid"}
	cfg.ScheduleTimezone = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected configuration fault")
	}
}

func TestArchiveDestinationsAreExclusive(t *testing.T) {
	t.Setenv("AUDIT_ARCHIVE_BUCKET", "casework-audit")
	t.Setenv("AUDIT_ARCHIVE_PATH_STYLE", "true")
	cfg := Load()
	if !cfg.AuditArchivePathStyle {
		t.Fatalf("path style not parsed")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("bucket alone should validate: %v", err)
	}
	cfg.AuditArchiveDir = "/var/lib/casework/audit"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected conflicting archive destinations to fail")
	}
}
