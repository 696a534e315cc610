package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestClampLimit(t *testing.T) {
	tests := map[int]int{-1: defaultLimit, 0: defaultLimit, 5: 5, maxLimit + 1: maxLimit}
	for in, want := range tests {
		if got := clampLimit(in); got != want {
			t.Fatalf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestToModelFillsDefaults(t *testing.T) {
	run := uuid.New()
	local := time.Date(2026, time.October, 18, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60))
	m := toModel(Entry{
		RunID:     run,
		Scheme:    "gdpr",
		FileName:  "gdpr-compliance-package-2026-10-18.zip",
		Size:      4096,
		CreatedAt: local,
		Warnings:  []string{"documentation file gdpr/dpia.md not found"},
	})

	if m.ID == uuid.Nil {
		t.Fatalf("expected generated id")
	}
	if m.RunID != run || m.Scheme != "gdpr" || m.Size != 4096 {
		t.Fatalf("unexpected model %+v", m)
	}
	if m.CreatedAt.Location() != time.UTC || !m.CreatedAt.Equal(local) {
		t.Fatalf("expected UTC timestamp, got %v", m.CreatedAt)
	}
	warnings, ok := m.Details["warnings"].([]any)
	if !ok || len(warnings) != 1 {
		t.Fatalf("expected warnings in details, got %#v", m.Details)
	}
	if m.TableName() != "compliance_packages" {
		t.Fatalf("unexpected table %q", m.TableName())
	}
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	if err := r.Record(context.Background(), []Entry{{Scheme: "soc2"}}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := r.Recent(context.Background(), 10); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	r.Close()
}
