package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreIsolatedPerRegistry(t *testing.T) {
	first := New(false)
	second := New(false)

	first.Artifacts.WithLabelValues("security-scan", "succeeded").Inc()

	if got := testutil.ToFloat64(first.Artifacts.WithLabelValues("security-scan", "succeeded")); got != 1 {
		t.Fatalf("first registry = %v, want 1", got)
	}
	if got := testutil.ToFloat64(second.Artifacts.WithLabelValues("security-scan", "succeeded")); got != 0 {
		t.Fatalf("second registry = %v, want 0", got)
	}
}

func TestStatus(t *testing.T) {
	if Status(nil) != "succeeded" {
		t.Fatal("nil error should be succeeded")
	}
	if Status(errors.New("boom")) != "failed" {
		t.Fatal("non-nil error should be failed")
	}
}

func TestPushSendsToGateway(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := New(false)
	reg.Packages.WithLabelValues("gdpr", "succeeded").Inc()

	if err := reg.Push(context.Background(), srv.URL, "compliancectl"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if gotPath != "/metrics/job/compliancectl" {
		t.Fatalf("push path = %q", gotPath)
	}
}

func TestPushRequiresURL(t *testing.T) {
	if err := New(false).Push(context.Background(), "", "job"); err == nil {
		t.Fatal("expected error without url")
	}
}
