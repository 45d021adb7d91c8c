package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":8788" {
		t.Errorf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.GrantBackend != GrantBackendPostgres {
		t.Errorf("expected postgres backend, got %q", cfg.GrantBackend)
	}
	if cfg.Namespace != "428038701" {
		t.Errorf("expected default namespace, got %q", cfg.Namespace)
	}
	if cfg.ConfirmTimeout != 30*time.Second {
		t.Errorf("expected 30s confirm timeout, got %s", cfg.ConfirmTimeout)
	}
	if cfg.AuditWindow != 3 {
		t.Errorf("expected audit window 3, got %d", cfg.AuditWindow)
	}
	if cfg.RecordUnattributed {
		t.Error("expected unattributed changes to be skipped by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ROLETRACKER_GRANT_BACKEND", "redis")
	t.Setenv("ROLETRACKER_CONFIRM_TIMEOUT", "5s")
	t.Setenv("ROLETRACKER_AUDIT_WINDOW", "10")
	t.Setenv("ROLETRACKER_RECORD_UNATTRIBUTED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GrantBackend != GrantBackendRedis {
		t.Errorf("expected redis backend, got %q", cfg.GrantBackend)
	}
	if cfg.ConfirmTimeout != 5*time.Second {
		t.Errorf("expected 5s, got %s", cfg.ConfirmTimeout)
	}
	if cfg.AuditWindow != 10 {
		t.Errorf("expected 10, got %d", cfg.AuditWindow)
	}
	if !cfg.RecordUnattributed {
		t.Error("expected RecordUnattributed to be true")
	}
}

func TestLoadPoolSettings(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBMaxOpenConns != 20 || cfg.DBMaxIdleConns != 10 {
		t.Errorf("expected 20/10 connections, got %d/%d", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	if cfg.DBConnMaxLifetime != 30*time.Minute || cfg.DBConnMaxIdleTime != 5*time.Minute {
		t.Errorf("unexpected connection lifetimes %s/%s", cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	}

	t.Setenv("ROLETRACKER_DB_MAX_OPEN_CONNS", "64")
	t.Setenv("ROLETRACKER_DB_MAX_IDLE_CONNS", "16")
	t.Setenv("ROLETRACKER_DB_CONN_MAX_LIFETIME", "1h")
	t.Setenv("ROLETRACKER_DB_CONN_MAX_IDLE_TIME", "90s")

	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBMaxOpenConns != 64 || cfg.DBMaxIdleConns != 16 {
		t.Errorf("expected 64/16 connections, got %d/%d", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	}
	if cfg.DBConnMaxLifetime != time.Hour || cfg.DBConnMaxIdleTime != 90*time.Second {
		t.Errorf("unexpected connection lifetimes %s/%s", cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	}
	if got := cfg.PoolOptions(); got.MaxOpenConns != 64 || got.ConnMaxIdleTime != 90*time.Second {
		t.Errorf("unexpected pool options %+v", got)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("ROLETRACKER_GRANT_BACKEND", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("ROLETRACKER_CONFIRM_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
