package bundler

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"zeroshare/pkg/render"
	"zeroshare/pkg/telemetry"
	"zeroshare/services/catalog"
)

const dateLayout = "2006-01-02"

// FileName returns the deterministic archive name for scheme on day.
func FileName(scheme string, day time.Time) string {
	return fmt.Sprintf("%s-compliance-package-%s.zip", scheme, day.Format(dateLayout))
}

type source struct {
	member string
	path   string
	kind   string
}

// Build refreshes evidence for the scheme and writes its archive to OutputDir.
func Build(ctx context.Context, cfg BuildConfig) (pkg *Package, err error) {
	if cfg.Scheme.ID == "" {
		return nil, errors.New("scheme is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Renderer == nil {
		if cfg.Renderer, err = render.New(); err != nil {
			return nil, err
		}
	}
	if cfg.ToolName == "" {
		cfg.ToolName = "compliancectl"
	}
	if cfg.ToolVersion == "" {
		cfg.ToolVersion = "dev"
	}
	if cfg.Product == "" {
		cfg.Product = "ZeroShare Gateway"
	}
	logger := cfg.Logger.With().Str("scheme", cfg.Scheme.ID).Logger()

	ctx, span := telemetry.Tracer().Start(ctx, "bundler.build")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "build")
		}
		if cfg.Metrics != nil {
			status := "succeeded"
			if err != nil {
				status = "failed"
			}
			cfg.Metrics.Packages.WithLabelValues(cfg.Scheme.ID, status).Inc()
			if pkg != nil {
				cfg.Metrics.PackageBytes.WithLabelValues(cfg.Scheme.ID).Set(float64(pkg.Size))
			}
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("compliance.scheme", cfg.Scheme.ID))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	createdAt := cfg.Now().UTC().Truncate(time.Second)
	pkg = &Package{
		Scheme:     cfg.Scheme.ID,
		SchemeName: cfg.Scheme.Name,
		CreatedAt:  createdAt,
		FileName:   FileName(cfg.Scheme.ID, createdAt),
	}
	if pkg.SchemeName == "" {
		pkg.SchemeName = strings.ToUpper(cfg.Scheme.ID)
	}

	if len(cfg.Scheme.Kinds) > 0 && cfg.Evidence != nil {
		report, err := cfg.Evidence.GenerateKinds(ctx, cfg.Scheme.ID, cfg.Scheme.Kinds)
		if err != nil {
			return nil, fmt.Errorf("generate evidence: %w", err)
		}
		pkg.Report = report
	} else if len(cfg.Scheme.Kinds) == 0 {
		logger.Info().Msg("no evidence required")
	}

	var sources []source
	for _, doc := range cfg.Scheme.Docs {
		full := doc
		if !filepath.IsAbs(full) {
			full = filepath.Join(cfg.DocsRoot, filepath.FromSlash(doc))
		}
		info, statErr := os.Stat(full)
		if statErr != nil || !info.Mode().IsRegular() {
			msg := fmt.Sprintf("documentation file %s not found", doc)
			logger.Warn().Str("path", full).Msg("documentation file not found, omitting")
			pkg.Missing = append(pkg.Missing, doc)
			pkg.Warnings = append(pkg.Warnings, msg)
			continue
		}
		member := docsPrefix + path.Base(filepath.ToSlash(doc))
		sources = append(sources, source{member: member, path: full, kind: MemberDocumentation})
		pkg.Documentation = append(pkg.Documentation, member)
	}

	evidenceSources, err := collectEvidence(ctx, cfg.LatestDir)
	if err != nil {
		return nil, err
	}
	if cfg.LatestDir != "" && evidenceSources == nil {
		logger.Info().Str("dir", cfg.LatestDir).Msg("no evidence directory, building evidence-free package")
	}
	for _, src := range evidenceSources {
		pkg.Evidence = append(pkg.Evidence, src.member)
	}
	sources = append(sources, evidenceSources...)

	artifacts := make([]string, 0, len(cfg.Scheme.Kinds))
	for _, k := range cfg.Scheme.Kinds {
		artifacts = append(artifacts, string(k))
	}
	readme, err := cfg.Renderer.Render("readme.md.tmpl", map[string]any{
		"Product":        cfg.Product,
		"SchemeName":     pkg.SchemeName,
		"SchemeID":       cfg.Scheme.ID,
		"GeneratedAt":    createdAt,
		"Documentation":  pkg.Documentation,
		"Missing":        pkg.Missing,
		"Evidence":       pkg.Evidence,
		"Artifacts":      artifacts,
		"SupportContact": cfg.SupportContact,
		"Tool":           cfg.ToolName,
		"Version":        cfg.ToolVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("render readme: %w", err)
	}
	pkg.README = readme

	manifest := Manifest{
		Scheme:        cfg.Scheme.ID,
		SchemeName:    pkg.SchemeName,
		GeneratedAt:   createdAt,
		Documentation: append([]string{}, cfg.Scheme.Docs...),
		Artifacts:     append([]catalog.Kind{}, cfg.Scheme.Kinds...),
		Files:         []ManifestFile{},
		Tool:          Tool{Name: cfg.ToolName, Version: cfg.ToolVersion},
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	finalPath := filepath.Join(cfg.OutputDir, pkg.FileName)

	size, sum, err := writeArchive(ctx, finalPath, func(zw *zip.Writer) error {
		for _, src := range sources {
			entry, err := addFile(zw, src, createdAt)
			if err != nil {
				return err
			}
			manifest.Files = append(manifest.Files, entry)
		}

		entry, err := addBytes(zw, readmeFileName, MemberReadme, []byte(readme), createdAt)
		if err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, entry)

		data, err := finalizeManifest(&manifest, cfg.Signer)
		if err != nil {
			return err
		}
		_, err = addBytes(zw, manifestFileName, "", data, createdAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	pkg.Manifest = manifest
	pkg.Path = finalPath
	pkg.Size = size
	pkg.SHA256 = sum

	logger.Info().
		Str("file", pkg.FileName).
		Int64("bytes", pkg.Size).
		Int("documentation", len(pkg.Documentation)).
		Int("evidence", len(pkg.Evidence)).
		Msg("package built")
	return pkg, nil
}

// finalizeManifest signs when possible, sets the digest and validates the encoded form.
func finalizeManifest(m *Manifest, signer *Signer) ([]byte, error) {
	if signer.CanSign() {
		m.SigningPublicKey = signer.PublicKeyBase64()
	}
	canonical, err := m.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	if m.Digest, err = m.ComputeDigest(); err != nil {
		return nil, fmt.Errorf("digest manifest: %w", err)
	}
	if signer.CanSign() {
		if m.Signature, err = signer.Sign(canonical); err != nil {
			return nil, fmt.Errorf("sign manifest: %w", err)
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := ValidateManifest(data); err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// collectEvidence lists the latest directory. A missing directory yields nil.
func collectEvidence(ctx context.Context, root string) ([]source, error) {
	if root == "" {
		return nil, nil
	}
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat evidence dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("evidence dir %q is not a directory", root)
	}

	sources := []source{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		sources = append(sources, source{member: evidencePrefix + filepath.ToSlash(rel), path: p, kind: MemberEvidence})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk evidence dir: %w", err)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].member < sources[j].member })
	return sources, nil
}

// writeArchive streams a zip into a temp file beside finalPath and renames it into place
// only after the zip writer and the file are both closed. The temp file is removed on error.
func writeArchive(ctx context.Context, finalPath string, fill func(*zip.Writer) error) (size int64, sum string, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(finalPath), "."+filepath.Base(finalPath)+"-*.tmp")
	if err != nil {
		return 0, "", fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if !closed {
			tmp.Close()
		}
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	digest := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, digest)}
	zw := zip.NewWriter(counter)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	if err := fill(zw); err != nil {
		zw.Close()
		return 0, "", err
	}
	if err := ctx.Err(); err != nil {
		zw.Close()
		return 0, "", err
	}
	if err := zw.Close(); err != nil {
		return 0, "", fmt.Errorf("finalize archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, "", fmt.Errorf("sync archive: %w", err)
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return 0, "", fmt.Errorf("move archive into place: %w", err)
	}
	return counter.n, hex.EncodeToString(digest.Sum(nil)), nil
}

func addFile(zw *zip.Writer, src source, modified time.Time) (ManifestFile, error) {
	file, err := os.Open(src.path)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("open %q: %w", src.path, err)
	}
	defer file.Close()
	return addReader(zw, src.member, src.kind, file, modified)
}

func addBytes(zw *zip.Writer, name, kind string, data []byte, modified time.Time) (ManifestFile, error) {
	return addReader(zw, name, kind, bytes.NewReader(data), modified)
}

func addReader(zw *zip.Writer, name, kind string, r io.Reader, modified time.Time) (ManifestFile, error) {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return ManifestFile{}, fmt.Errorf("add %s: %w", name, err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), r)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("write %s: %w", name, err)
	}
	return ManifestFile{Path: name, Kind: kind, Size: n, SHA256: hexSum(h)}, nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
