package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"zeroshare/services/catalog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("COMPLIANCE_PROJECT_ROOT", t.TempDir())
	t.Setenv("LOG_LEVEL", "error")

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSchemesListsCatalog(t *testing.T) {
	out, err := execute(t, "schemes")
	if err != nil {
		t.Fatalf("schemes: %v", err)
	}
	for _, want := range []string{"soc2", "ISO/IEC 27001:2022", "data-flow,encryption,access-control,data-retention"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestEvidenceRejectsUnknownScheme(t *testing.T) {
	_, err := execute(t, "evidence", "--cert=fedramp")
	if !errors.Is(err, catalog.ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}
}

func TestHistoryWithoutDatabase(t *testing.T) {
	t.Setenv("DB_DSN", "")
	_, err := execute(t, "history")
	if err == nil || !strings.Contains(err.Error(), "DB_DSN") {
		t.Fatalf("expected ledger disabled error, got %v", err)
	}
}

func TestInspectRequiresArgument(t *testing.T) {
	if _, err := execute(t, "package", "inspect"); err == nil {
		t.Fatalf("expected argument error")
	}
}
