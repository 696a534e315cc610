package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), map[string]string{})
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.Mail.LinkExpiryDays != 7 {
		t.Fatalf("LinkExpiryDays = %d, want 7", cfg.Mail.LinkExpiryDays)
	}
	if cfg.Mail.LinkTTL() != 7*24*time.Hour {
		t.Fatalf("LinkTTL = %s", cfg.Mail.LinkTTL())
	}
	if cfg.Commands.Timeout != 0 {
		t.Fatalf("Timeout = %s, want none", cfg.Commands.Timeout)
	}
	if cfg.Commands.Audit != "npm audit --json" {
		t.Fatalf("Audit = %q", cfg.Commands.Audit)
	}
	if cfg.ArchiveKeep != 10 {
		t.Fatalf("ArchiveKeep = %d, want 10", cfg.ArchiveKeep)
	}
	if cfg.Storage.Enabled() {
		t.Fatal("storage should be disabled without a bucket")
	}
	if cfg.Storage.DisableTLS || cfg.Storage.HTTPTimeout != 0 {
		t.Fatalf("storage transport defaults = %+v", cfg.Storage)
	}
	if got := cfg.LatestDir(); got != filepath.Join("compliance-artifacts", "latest") {
		t.Fatalf("LatestDir = %q", got)
	}
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), map[string]string{
		"COMPLIANCE_BUCKET":          "reports",
		"COMPLIANCE_RECIPIENTS":      "a@example.com,b@example.com",
		"COMPLIANCE_LOCAL":           "true",
		"COMPLIANCE_PROJECT_ROOT":    "/srv/site",
		"COMPLIANCE_COMMAND_TIMEOUT": "90s",
		"S3_ACCESS_KEY":              "key",
		"S3_SECRET_KEY":              "secret",
		"S3_ENDPOINT":                "minio:9000",
		"S3_DISABLE_TLS":             "true",
		"S3_HTTP_TIMEOUT":            "30s",
	})
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if !cfg.Storage.Enabled() || cfg.Storage.Bucket != "reports" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Mail.Recipients) != 2 || cfg.Mail.Recipients[1] != "b@example.com" {
		t.Fatalf("recipients = %v", cfg.Mail.Recipients)
	}
	if !cfg.Local {
		t.Fatal("expected local mode")
	}
	if !cfg.Storage.DisableTLS || cfg.Storage.HTTPTimeout != 30*time.Second {
		t.Fatalf("storage transport = %+v", cfg.Storage)
	}
	if cfg.Commands.Timeout != 90*time.Second {
		t.Fatalf("Timeout = %s", cfg.Commands.Timeout)
	}
	if got := cfg.ArchiveDir(); got != filepath.Join("/srv/site", "compliance-artifacts", "archive") {
		t.Fatalf("ArchiveDir = %q", got)
	}
}

func TestLoadFromRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "zero expiry", env: map[string]string{"COMPLIANCE_LINK_EXPIRY_DAYS": "0"}},
		{name: "negative keep", env: map[string]string{"COMPLIANCE_ARCHIVE_KEEP": "-1"}},
		{name: "half credentials", env: map[string]string{"S3_ACCESS_KEY": "key"}},
		{name: "bad duration", env: map[string]string{"COMPLIANCE_COMMAND_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFrom(context.Background(), tt.env); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
