package s3

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), Options{
		Region:         "eu-west-1",
		Endpoint:       "storage.test.local:9000",
		AccessKey:      "AKIDEXAMPLE",
		SecretKey:      "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
		ForcePathStyle: true,
		DisableTLS:     true,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestPresignGetEncodesExpiry(t *testing.T) {
	client := newTestClient(t)

	raw, err := client.PresignGet(context.Background(), "reports", "compliance-reports/2026/soc2-compliance-package-2026-10-18.zip", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("PresignGet() error = %v", err)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if got := parsed.Query().Get("X-Amz-Expires"); got != "604800" {
		t.Fatalf("X-Amz-Expires = %q, want 604800", got)
	}
	if parsed.Scheme != "http" {
		t.Fatalf("scheme = %q, want http", parsed.Scheme)
	}
	if !strings.HasPrefix(parsed.Path, "/reports/compliance-reports/2026/") {
		t.Fatalf("path = %q, want path-style bucket prefix", parsed.Path)
	}
}

func TestPresignGetRejectsZeroTTL(t *testing.T) {
	client := newTestClient(t)
	if _, err := client.PresignGet(context.Background(), "reports", "a.zip", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestNewClientRequiresCredentialPair(t *testing.T) {
	_, err := NewClient(context.Background(), Options{AccessKey: "only-access"})
	if err == nil {
		t.Fatal("expected error when secret key is missing")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		endpoint   string
		disableTLS bool
		want       string
	}{
		{name: "empty", endpoint: "", want: ""},
		{name: "host defaults to https", endpoint: "minio:9000", want: "https://minio:9000"},
		{name: "host with tls disabled", endpoint: "minio:9000", disableTLS: true, want: "http://minio:9000"},
		{name: "full url untouched", endpoint: "https://s3.example.com", disableTLS: true, want: "https://s3.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeEndpoint(tt.endpoint, tt.disableTLS); got != tt.want {
				t.Fatalf("normalizeEndpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}
