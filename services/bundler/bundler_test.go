package bundler

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"zeroshare/services/catalog"
	"zeroshare/services/evidence"
)

var fixedNow = time.Date(2026, time.October, 18, 12, 30, 0, 0, time.UTC)

type fakeEvidence struct {
	latestDir string
	files     map[string]string
	calls     int
	kinds     []catalog.Kind
	err       error
	hook      func()
}

func (f *fakeEvidence) GenerateKinds(_ context.Context, filter string, kinds []catalog.Kind) (*evidence.Report, error) {
	f.calls++
	f.kinds = kinds
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.files) > 0 {
		if err := os.MkdirAll(f.latestDir, 0o755); err != nil {
			return nil, err
		}
		for name, body := range f.files {
			if err := os.WriteFile(filepath.Join(f.latestDir, name), []byte(body), 0o644); err != nil {
				return nil, err
			}
		}
	}
	return &evidence.Report{Filter: filter, GeneratedAt: fixedNow}, nil
}

type fixture struct {
	docsRoot  string
	latestDir string
	outputDir string
}

func newFixture(t *testing.T, docs ...string) fixture {
	t.Helper()
	root := t.TempDir()
	fx := fixture{
		docsRoot:  filepath.Join(root, "compliance"),
		latestDir: filepath.Join(root, "out", "latest"),
		outputDir: filepath.Join(root, "out"),
	}
	for _, doc := range docs {
		path := filepath.Join(fx.docsRoot, filepath.FromSlash(doc))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("# "+doc+"\n"), 0o644); err != nil {
			t.Fatalf("write doc: %v", err)
		}
	}
	return fx
}

func (fx fixture) config(scheme catalog.Scheme, gen EvidenceGenerator) BuildConfig {
	return BuildConfig{
		Scheme:         scheme,
		DocsRoot:       fx.docsRoot,
		LatestDir:      fx.latestDir,
		OutputDir:      fx.outputDir,
		Evidence:       gen,
		SupportContact: "support@zeroshare.io",
		ToolVersion:    "test",
		Now:            func() time.Time { return fixedNow },
	}
}

func zipMembers(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()

	members := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		members[f.Name] = data
	}
	return members
}

func TestBuildManifestMatchesConfiguredLists(t *testing.T) {
	scheme := catalog.Scheme{
		ID:    "gdpr",
		Name:  "GDPR",
		Kinds: []catalog.Kind{catalog.KindDataFlow, catalog.KindEncryption},
		Docs:  []string{"gdpr/records-of-processing.md", "gdpr/dpia.md"},
	}
	fx := newFixture(t, "gdpr/records-of-processing.md")
	gen := &fakeEvidence{latestDir: fx.latestDir, files: map[string]string{
		"data-flow.json":  `{"kind":"data-flow"}`,
		"encryption.json": `{"kind":"encryption"}`,
	}}

	pkg, err := Build(context.Background(), fx.config(scheme, gen))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if gen.calls != 1 || !reflect.DeepEqual(gen.kinds, scheme.Kinds) {
		t.Fatalf("expected one generation for %v, got %d for %v", scheme.Kinds, gen.calls, gen.kinds)
	}
	if pkg.FileName != "gdpr-compliance-package-2026-10-18.zip" {
		t.Fatalf("unexpected file name %q", pkg.FileName)
	}
	if !reflect.DeepEqual(pkg.Manifest.Documentation, scheme.Docs) {
		t.Fatalf("documentation mismatch: %v", pkg.Manifest.Documentation)
	}
	if !reflect.DeepEqual(pkg.Manifest.Artifacts, scheme.Kinds) {
		t.Fatalf("artifacts mismatch: %v", pkg.Manifest.Artifacts)
	}
	if len(pkg.Warnings) != 1 || !strings.Contains(pkg.Warnings[0], "gdpr/dpia.md") {
		t.Fatalf("expected a warning for the missing doc, got %v", pkg.Warnings)
	}

	info, err := os.Stat(pkg.Path)
	if err != nil {
		t.Fatalf("stat package: %v", err)
	}
	if info.Size() != pkg.Size {
		t.Fatalf("size %d does not match file %d", pkg.Size, info.Size())
	}

	members := zipMembers(t, pkg.Path)
	for _, name := range []string{
		"documentation/records-of-processing.md",
		"evidence/data-flow.json",
		"evidence/encryption.json",
		"README.md",
		"manifest.json",
	} {
		if _, ok := members[name]; !ok {
			t.Fatalf("missing member %s in %v", name, pkg.Manifest.Files)
		}
	}
	if len(members) != 5 {
		t.Fatalf("expected 5 members, got %d", len(members))
	}

	var onDisk Manifest
	if err := json.Unmarshal(members["manifest.json"], &onDisk); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(onDisk.Files) != 4 {
		t.Fatalf("expected 4 file entries, got %d", len(onDisk.Files))
	}
	if onDisk.Signature != "" {
		t.Fatalf("unsigned build carried signature %q", onDisk.Signature)
	}

	readme := string(members["README.md"])
	for _, want := range []string{"GDPR Compliance Package", "support@zeroshare.io", "gdpr/dpia.md"} {
		if !strings.Contains(readme, want) {
			t.Fatalf("readme missing %q:\n%s", want, readme)
		}
	}
}

func TestBuildManifestListsForEveryCatalogScheme(t *testing.T) {
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	for _, scheme := range cat.Schemes() {
		t.Run(scheme.ID, func(t *testing.T) {
			fx := newFixture(t, scheme.Docs...)
			files := make(map[string]string, len(scheme.Kinds))
			for _, kind := range scheme.Kinds {
				files[string(kind)+".json"] = `{"kind":"` + string(kind) + `"}`
			}
			gen := &fakeEvidence{latestDir: fx.latestDir, files: files}

			pkg, err := Build(context.Background(), fx.config(scheme, gen))
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			members := zipMembers(t, pkg.Path)
			var onDisk Manifest
			if err := json.Unmarshal(members["manifest.json"], &onDisk); err != nil {
				t.Fatalf("decode manifest: %v", err)
			}

			if !sameStrings(onDisk.Documentation, scheme.Docs) {
				t.Fatalf("documentation = %v, want %v", onDisk.Documentation, scheme.Docs)
			}
			artifacts := make([]string, 0, len(onDisk.Artifacts))
			for _, k := range onDisk.Artifacts {
				artifacts = append(artifacts, string(k))
			}
			want := make([]string, 0, len(scheme.Kinds))
			for _, k := range scheme.Kinds {
				want = append(want, string(k))
			}
			if !sameStrings(artifacts, want) {
				t.Fatalf("artifacts = %v, want %v", artifacts, want)
			}
			if len(pkg.Missing) != 0 {
				t.Fatalf("unexpected missing docs %v", pkg.Missing)
			}
			for _, kind := range scheme.Kinds {
				if _, ok := members["evidence/"+string(kind)+".json"]; !ok {
					t.Fatalf("missing evidence member for %s", kind)
				}
			}
		})
	}
}

// sameStrings compares ordered lists, treating nil and empty as equal.
func sameStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestBuildWithoutKindsStillWritesReadmeAndManifest(t *testing.T) {
	scheme := catalog.Scheme{ID: "ccpa", Name: "CCPA"}
	fx := newFixture(t)
	gen := &fakeEvidence{latestDir: fx.latestDir}

	pkg, err := Build(context.Background(), fx.config(scheme, gen))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("evidence generated for a scheme without kinds")
	}

	members := zipMembers(t, pkg.Path)
	if len(members) != 2 {
		t.Fatalf("expected README and manifest only, got %d members", len(members))
	}
	if _, ok := members["README.md"]; !ok {
		t.Fatalf("README.md missing")
	}
	if pkg.Manifest.Artifacts == nil || len(pkg.Manifest.Artifacts) != 0 {
		t.Fatalf("expected empty artifacts list, got %#v", pkg.Manifest.Artifacts)
	}
	if len(pkg.Evidence) != 0 {
		t.Fatalf("expected no evidence, got %v", pkg.Evidence)
	}
}

func TestBuildSignedPackageInspects(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	signer, err := NewSigner(identity.String(), "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if signer.Recipient() != identity.Recipient().String() {
		t.Fatalf("recipient mismatch")
	}

	scheme := catalog.Scheme{ID: "soc2", Name: "SOC 2 Type II", Kinds: []catalog.Kind{catalog.KindSecurityScan}, Docs: []string{"soc2/security-policy.md"}}
	fx := newFixture(t, "soc2/security-policy.md")
	gen := &fakeEvidence{latestDir: fx.latestDir, files: map[string]string{"security-scan.json": "{}"}}
	cfg := fx.config(scheme, gen)
	cfg.Signer = signer

	pkg, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if pkg.Manifest.Signature == "" || pkg.Manifest.SigningPublicKey != signer.PublicKeyBase64() {
		t.Fatalf("manifest not signed: %+v", pkg.Manifest)
	}

	verifier, err := NewSigner("", signer.PublicKeyBase64())
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	if verifier.CanSign() {
		t.Fatalf("public-only signer should not sign")
	}

	for name, v := range map[string]*Signer{"configured": verifier, "embedded": nil} {
		result, err := Inspect(pkg.Path, v)
		if err != nil {
			t.Fatalf("%s: Inspect: %v", name, err)
		}
		if !result.OK() || !result.Signed {
			t.Fatalf("%s: expected clean signed package, got %v", name, result.Problems)
		}
	}

	other, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	stranger, err := NewSigner(other.String(), "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	result, err := Inspect(pkg.Path, stranger)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if result.OK() {
		t.Fatalf("expected key mismatch to be reported")
	}
}

func TestInspectDetectsTamperedMember(t *testing.T) {
	scheme := catalog.Scheme{ID: "hipaa", Name: "HIPAA", Kinds: []catalog.Kind{catalog.KindAccessControl}}
	fx := newFixture(t)
	gen := &fakeEvidence{latestDir: fx.latestDir, files: map[string]string{"access-control.json": `{"ok":true}`}}
	pkg, err := Build(context.Background(), fx.config(scheme, gen))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	members := zipMembers(t, pkg.Path)
	members["evidence/access-control.json"] = []byte(`{"ok":false}`)

	tampered := filepath.Join(t.TempDir(), "tampered.zip")
	out, err := os.Create(tampered)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(out)
	for name, data := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create member: %v", err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write member: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	result, err := Inspect(tampered, nil)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(result.Problems) != 1 || !strings.Contains(result.Problems[0], "evidence/access-control.json") {
		t.Fatalf("expected one hash mismatch, got %v", result.Problems)
	}

	clean, err := Inspect(pkg.Path, nil)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !clean.OK() || clean.Signed {
		t.Fatalf("expected intact unsigned package, got %+v", clean)
	}
}

func TestBuildLeavesNoFileOnFailure(t *testing.T) {
	scheme := catalog.Scheme{ID: "pci-dss", Name: "PCI DSS", Kinds: []catalog.Kind{catalog.KindVulnerabilityScan}}
	fx := newFixture(t)

	t.Run("generator error", func(t *testing.T) {
		gen := &fakeEvidence{err: errors.New("boom")}
		if _, err := Build(context.Background(), fx.config(scheme, gen)); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("cancelled while archiving", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		gen := &fakeEvidence{hook: cancel}
		if _, err := Build(ctx, fx.config(scheme, gen)); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})

	entries, err := os.ReadDir(fx.outputDir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no files after failed builds, found %d", len(entries))
	}
}

func TestValidateManifestRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"missing digest": `{"scheme":"gdpr","scheme_name":"GDPR","generated_at":"2026-10-18T12:00:00Z","documentation":[],"artifacts":[],"files":[],"tool":{"name":"x","version":"1"}}`,
		"bad file kind":  `{"scheme":"gdpr","scheme_name":"GDPR","generated_at":"2026-10-18T12:00:00Z","documentation":[],"artifacts":[],"files":[{"path":"a","kind":"other","size":1,"sha256":"` + strings.Repeat("a", 64) + `"}],"tool":{"name":"x","version":"1"},"digest":"` + strings.Repeat("b", 64) + `"}`,
		"extra field":    `{"scheme":"gdpr","scheme_name":"GDPR","generated_at":"2026-10-18T12:00:00Z","documentation":[],"artifacts":[],"files":[],"tool":{"name":"x","version":"1"},"digest":"` + strings.Repeat("b", 64) + `","extra":1}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if err := ValidateManifest([]byte(doc)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestNewSignerRejectsBadKeys(t *testing.T) {
	if _, err := NewSigner("", ""); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
	if _, err := NewSigner("AGE-SECRET-KEY-1NOTVALID", ""); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := NewSigner("", "c2hvcnQ="); err == nil {
		t.Fatalf("expected short public key error")
	}
}
