package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"zeroshare/pkg/metrics"
	"zeroshare/pkg/render"
	"zeroshare/pkg/telemetry"
	"zeroshare/services/bundler"
	"zeroshare/services/catalog"
	"zeroshare/services/ledger"
	"zeroshare/services/notifier"
)

const pushJob = "compliancectl"

// Publisher announces built packages. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Config wires a Runner.
type Config struct {
	Catalog  *catalog.Catalog
	Evidence bundler.EvidenceGenerator
	Renderer *render.Engine
	Signer   *bundler.Signer

	// Notifier carries the remote store and mailer. Local runs replace both.
	Notifier notifier.Config
	Ledger   ledger.Recorder

	Publisher    Publisher
	BuiltSubject string

	DocsRoot  string
	LatestDir string
	OutputDir string

	Product        string
	SupportContact string
	ToolVersion    string

	PushgatewayURL string

	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Registry
}

// Options select what a run does.
type Options struct {
	Filter     string
	Recipients []string
	// Local disables uploads and email.
	Local bool
}

// Failure is a scheme whose package could not be built.
type Failure struct {
	Scheme string
	Err    error
}

// Summary reports a finished run. Partial failures are listed, not returned.
type Summary struct {
	RunID    uuid.UUID
	Filter   string
	Packages []*bundler.Package
	Failures []Failure
	Delivery notifier.Result
}

// BuiltEvent is published for each package.
type BuiltEvent struct {
	RunID      uuid.UUID `json:"run_id"`
	Scheme     string    `json:"scheme"`
	FileName   string    `json:"file_name"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	Digest     string    `json:"digest"`
	StorageKey string    `json:"storage_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Runner executes evidence, packaging and delivery for a scheme filter.
type Runner struct {
	cfg Config
}

// New validates cfg.
func New(cfg Config) (*Runner, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if cfg.Renderer == nil {
		engine, err := render.New()
		if err != nil {
			return nil, err
		}
		cfg.Renderer = engine
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Notifier.Catalog = cfg.Catalog
	cfg.Notifier.Renderer = cfg.Renderer
	cfg.Notifier.Metrics = cfg.Metrics
	cfg.Notifier.Now = cfg.Now
	if cfg.Notifier.Product == "" {
		cfg.Notifier.Product = cfg.Product
	}
	if cfg.Notifier.SupportContact == "" {
		cfg.Notifier.SupportContact = cfg.SupportContact
	}
	return &Runner{cfg: cfg}, nil
}

// Run builds one package per matching scheme and sends a single notification for all of them.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	schemes, err := r.cfg.Catalog.Resolve(opts.Filter)
	if err != nil {
		return nil, err
	}

	sum := &Summary{RunID: uuid.New(), Filter: opts.Filter}
	logger := r.cfg.Logger.With().Str("run_id", sum.RunID.String()).Logger()

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("compliance.filter", opts.Filter),
		attribute.Bool("compliance.local", opts.Local),
	)

	for _, scheme := range schemes {
		pkg, err := bundler.Build(ctx, bundler.BuildConfig{
			Scheme:         scheme,
			DocsRoot:       r.cfg.DocsRoot,
			LatestDir:      r.cfg.LatestDir,
			OutputDir:      r.cfg.OutputDir,
			Evidence:       r.cfg.Evidence,
			Renderer:       r.cfg.Renderer,
			Signer:         r.cfg.Signer,
			Product:        r.cfg.Product,
			SupportContact: r.cfg.SupportContact,
			ToolVersion:    r.cfg.ToolVersion,
			Now:            r.cfg.Now,
			Logger:         logger,
			Metrics:        r.cfg.Metrics,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sum, ctxErr
			}
			logger.Error().Err(err).Str("scheme", scheme.ID).Msg("package build failed")
			sum.Failures = append(sum.Failures, Failure{Scheme: scheme.ID, Err: err})
			continue
		}
		sum.Packages = append(sum.Packages, pkg)
	}

	n, err := r.notifier(opts.Local, logger)
	if err != nil {
		return sum, err
	}
	sum.Delivery = n.Deliver(ctx, sum.Packages, opts.Recipients)

	r.record(ctx, sum, logger)
	r.publish(ctx, sum, logger)
	r.push(ctx, logger)

	logger.Info().
		Int("packages", len(sum.Packages)).
		Int("failures", len(sum.Failures)).
		Bool("notified", sum.Delivery.Sent).
		Msg("pipeline finished")
	return sum, nil
}

func (r *Runner) notifier(local bool, logger zerolog.Logger) (*notifier.Notifier, error) {
	cfg := r.cfg.Notifier
	cfg.Logger = logger
	if local {
		cfg.Store = notifier.DisabledStore{}
		cfg.Mailer = notifier.LogMailer{Logger: logger}
	}
	return notifier.New(cfg)
}

func (r *Runner) record(ctx context.Context, sum *Summary, logger zerolog.Logger) {
	if len(sum.Packages) == 0 {
		return
	}
	entries := make([]ledger.Entry, 0, len(sum.Packages))
	for _, pkg := range sum.Packages {
		key, url := sum.delivery(pkg.FileName)
		entries = append(entries, ledger.Entry{
			RunID:      sum.RunID,
			Scheme:     pkg.Scheme,
			FileName:   pkg.FileName,
			Size:       pkg.Size,
			SHA256:     pkg.SHA256,
			Digest:     pkg.Manifest.Digest,
			StorageKey: key,
			Delivered:  url != "",
			CreatedAt:  pkg.CreatedAt,
			Warnings:   pkg.Warnings,
		})
	}
	if err := r.cfg.Ledger.Record(ctx, entries); err != nil {
		logger.Error().Err(err).Msg("record package history")
	}
}

func (r *Runner) publish(ctx context.Context, sum *Summary, logger zerolog.Logger) {
	if r.cfg.Publisher == nil || r.cfg.BuiltSubject == "" {
		return
	}
	for _, pkg := range sum.Packages {
		key, _ := sum.delivery(pkg.FileName)
		err := r.cfg.Publisher.Publish(ctx, r.cfg.BuiltSubject, BuiltEvent{
			RunID:      sum.RunID,
			Scheme:     pkg.Scheme,
			FileName:   pkg.FileName,
			Size:       pkg.Size,
			SHA256:     pkg.SHA256,
			Digest:     pkg.Manifest.Digest,
			StorageKey: key,
			CreatedAt:  pkg.CreatedAt,
		})
		if err != nil {
			logger.Warn().Err(err).Str("file", pkg.FileName).Msg("publish package event")
		}
	}
}

func (r *Runner) push(ctx context.Context, logger zerolog.Logger) {
	if r.cfg.PushgatewayURL == "" || r.cfg.Metrics == nil {
		return
	}
	if err := r.cfg.Metrics.Push(ctx, r.cfg.PushgatewayURL, pushJob); err != nil {
		logger.Warn().Err(err).Msg("push metrics")
	}
}

func (s *Summary) delivery(fileName string) (key, url string) {
	for _, rec := range s.Delivery.Records {
		if rec.FileName == fileName {
			return rec.Key, rec.URL
		}
	}
	return "", ""
}

// String renders a short report for terminals.
func (s *Summary) String() string {
	var b strings.Builder
	for _, pkg := range s.Packages {
		fmt.Fprintf(&b, "  built   %s (%d bytes)\n", pkg.Path, pkg.Size)
		for _, w := range pkg.Warnings {
			fmt.Fprintf(&b, "          warning: %s\n", w)
		}
	}
	for _, f := range s.Failures {
		fmt.Fprintf(&b, "  failed  %s: %v\n", f.Scheme, f.Err)
	}
	for _, rec := range s.Delivery.Records {
		if rec.URL != "" {
			fmt.Fprintf(&b, "  link    %s: %s\n", rec.FileName, rec.URL)
		} else {
			fmt.Fprintf(&b, "  local   %s: %s\n", rec.FileName, rec.Fallback)
		}
	}
	switch {
	case s.Delivery.Sent:
		b.WriteString("notification sent\n")
	case errors.Is(s.Delivery.SendErr, notifier.ErrLocalMode):
		b.WriteString("notification not sent (local mode)\n")
	case s.Delivery.SendErr != nil:
		fmt.Fprintf(&b, "notification not sent: %v\n", s.Delivery.SendErr)
	}
	fmt.Fprintf(&b, "%d packages, %d failed", len(s.Packages), len(s.Failures))
	return b.String()
}
