package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(Options{Service: "compliancectl", Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	var buf bytes.Buffer
	tel, err := Init(context.Background(), Options{Service: "notifierd", Out: &buf})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	tel.Logger.Info().Msg("ready")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["service"] != "notifierd" {
		t.Fatalf("service = %v, want notifierd", line["service"])
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Options{Service: "notifierd", Out: &buf})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	handler := Middleware("notifierd", logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/notifications", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["status"] != float64(http.StatusAccepted) {
		t.Fatalf("logged status = %v", line["status"])
	}
	if line["path"] != "/v1/notifications" {
		t.Fatalf("logged path = %v", line["path"])
	}
}
