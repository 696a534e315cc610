package catalog

import (
	"errors"
	"reflect"
	"testing"
)

func mustDefault(t *testing.T) *Catalog {
	t.Helper()
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	return c
}

func TestResolve(t *testing.T) {
	c := mustDefault(t)

	all, err := c.Resolve(FilterAll)
	if err != nil {
		t.Fatalf("Resolve(all) error = %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("Resolve(all) returned %d schemes, want 6", len(all))
	}

	gdpr, err := c.Resolve("gdpr")
	if err != nil {
		t.Fatalf("Resolve(gdpr) error = %v", err)
	}
	want := []Kind{KindDataFlow, KindEncryption, KindAccessControl, KindDataRetention}
	if !reflect.DeepEqual(gdpr[0].Kinds, want) {
		t.Fatalf("gdpr kinds = %v, want %v", gdpr[0].Kinds, want)
	}

	if _, err := c.Resolve("sox"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("Resolve(sox) error = %v, want ErrUnknownScheme", err)
	}
}

func TestKindsForIsOrderedUnion(t *testing.T) {
	c := mustDefault(t)

	kinds, err := c.KindsFor(FilterAll)
	if err != nil {
		t.Fatalf("KindsFor() error = %v", err)
	}
	seen := map[Kind]int{}
	for _, k := range kinds {
		seen[k]++
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("kind %s appears %d times", k, n)
		}
	}
	if kinds[0] != KindSecurityScan {
		t.Fatalf("first kind = %s, want security-scan (first scheme's first kind)", kinds[0])
	}
	if len(kinds) != 10 {
		t.Fatalf("union has %d kinds, want 10", len(kinds))
	}
}

func TestAliases(t *testing.T) {
	c := mustDefault(t)

	if got := c.Canonical(KindVulnerabilityScan); got != KindSecurityScan {
		t.Fatalf("Canonical(vulnerability-scan) = %s", got)
	}
	if got := c.Canonical(KindDataInventory); got != KindAssetInventory {
		t.Fatalf("Canonical(data-inventory) = %s", got)
	}
	if got := c.Canonical(KindEncryption); got != KindEncryption {
		t.Fatalf("Canonical(encryption) = %s", got)
	}
	if !c.IsAlias(KindDataInventory) || c.IsAlias(KindAssetInventory) {
		t.Fatal("IsAlias reports wrong kinds")
	}
	if !reflect.DeepEqual(c.Controls(KindVulnerabilityScan), c.Controls(KindSecurityScan)) {
		t.Fatal("alias controls differ from source")
	}
}

func TestSchemesFor(t *testing.T) {
	c := mustDefault(t)

	got := c.SchemesFor(KindSecurityScan)
	want := []string{"soc2", "iso27001", "hipaa", "pci-dss"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SchemesFor(security-scan) = %v, want %v", got, want)
	}
}

func TestDisplayName(t *testing.T) {
	c := mustDefault(t)

	tests := map[string]string{
		"soc2":    "SOC 2 Type II",
		"pci-dss": "PCI DSS v4.0",
		"sox":     "SOX",
		"fedramp": "FEDRAMP",
	}
	for key, want := range tests {
		if got := c.DisplayName(key); got != want {
			t.Errorf("DisplayName(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestKeyFromFileName(t *testing.T) {
	tests := map[string]string{
		"compliance-reports/2026/pci-dss-compliance-package-2026-10-18.zip": "pci-dss",
		"soc2-compliance-package-2026-10-18.zip":                            "soc2",
		"compliance-reports/2026/fedramp-2026.zip":                          "fedramp",
		"custom.zip":                                                        "custom",
	}
	for name, want := range tests {
		if got := KeyFromFileName(name); got != want {
			t.Errorf("KeyFromFileName(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestParseRejectsChainedAlias(t *testing.T) {
	table := []byte(`
schemes:
  - id: x
    kinds: [a]
aliases:
  a: b
  b: c
`)
	if _, err := Parse(table); err == nil {
		t.Fatal("expected error for chained alias")
	}
}
