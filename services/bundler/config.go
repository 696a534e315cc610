package bundler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"zeroshare/pkg/metrics"
	"zeroshare/pkg/render"
	"zeroshare/services/catalog"
	"zeroshare/services/evidence"
)

// EvidenceGenerator refreshes the latest directory for a set of kinds.
type EvidenceGenerator interface {
	GenerateKinds(ctx context.Context, filter string, kinds []catalog.Kind) (*evidence.Report, error)
}

// BuildConfig configures one package build.
type BuildConfig struct {
	Scheme catalog.Scheme

	// DocsRoot is joined with each of the scheme's documentation paths.
	DocsRoot  string
	LatestDir string
	OutputDir string

	// Evidence is invoked for the scheme's kinds before archiving. Nil skips generation.
	Evidence EvidenceGenerator
	Renderer *render.Engine
	// Signer is optional. Without one the manifest carries only its digest.
	Signer *Signer

	Product        string
	SupportContact string
	ToolName       string
	ToolVersion    string

	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Registry
}

// Package is a finished archive. It exists only after the file is closed and renamed
// into place.
type Package struct {
	Scheme     string
	SchemeName string
	CreatedAt  time.Time

	Documentation []string
	Evidence      []string
	Missing       []string
	Warnings      []string

	Manifest Manifest
	README   string
	Report   *evidence.Report

	Path     string
	FileName string
	Size     int64
	SHA256   string
}
