package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"zeroshare/pkg/cmdrun"
	"zeroshare/pkg/metrics"
	"zeroshare/pkg/render"
	"zeroshare/pkg/telemetry"
	"zeroshare/services/catalog"
)

const indexFileName = "index.json"

// Artifact is the envelope written for every kind.
type Artifact struct {
	Kind        catalog.Kind        `json:"kind"`
	GeneratedAt time.Time           `json:"generated_at"`
	Schemes     []string            `json:"schemes"`
	Controls    map[string][]string `json:"controls"`
	Payload     any                 `json:"payload"`
}

// Index is written last and lists what the latest directory holds.
type Index struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Filter      string                    `json:"filter"`
	Files       []string                  `json:"files"`
	Schemes     map[string][]catalog.Kind `json:"schemes"`
}

// Config wires the generator to its inputs and outputs.
type Config struct {
	Catalog  *catalog.Catalog
	Posture  *Posture
	Runner   cmdrun.Runner
	Renderer *render.Engine

	ProjectRoot string
	SourceRoot  string
	LatestDir   string
	ArchiveDir  string
	ArchiveKeep int

	AuditCommand     cmdrun.Command
	TypeCheckCommand cmdrun.Command
	Product          string

	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Registry
}

// Generator produces evidence artifacts into the latest directory.
type Generator struct {
	cfg       Config
	producers map[catalog.Kind]producer
}

// output is what a producer hands back before it is wrapped and written.
type output struct {
	payload  any
	markdown string
	note     string
}

type namedFile struct {
	name string
	data []byte
}

type producer func(ctx context.Context, g *Generator) (output, error)

// rendered holds the bytes for one canonical kind so aliases can reuse them verbatim.
type rendered struct {
	json     []byte
	markdown []byte
	note     string
	err      error
	skipped  string
}

// New validates cfg and registers the built-in producers.
func New(cfg Config) (*Generator, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("command runner is required")
	}
	if cfg.LatestDir == "" {
		return nil, errors.New("latest directory is required")
	}
	if cfg.Posture == nil {
		p, err := DefaultPosture()
		if err != nil {
			return nil, err
		}
		cfg.Posture = p
	}
	if cfg.Renderer == nil {
		engine, err := render.New()
		if err != nil {
			return nil, err
		}
		cfg.Renderer = engine
	}
	if cfg.ProjectRoot == "" {
		cfg.ProjectRoot = "."
	}
	if cfg.Product == "" {
		cfg.Product = "ZeroShare Gateway"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Generator{cfg: cfg, producers: defaultProducers()}, nil
}

// Register replaces or adds the producer for a canonical kind.
func (g *Generator) Register(kind catalog.Kind, p func(ctx context.Context) (any, error)) {
	g.producers[kind] = func(ctx context.Context, _ *Generator) (output, error) {
		payload, err := p(ctx)
		return output{payload: payload}, err
	}
}

// Generate produces the kinds required by filter.
func (g *Generator) Generate(ctx context.Context, filter string) (*Report, error) {
	kinds, err := g.cfg.Catalog.KindsFor(filter)
	if err != nil {
		return nil, err
	}
	return g.GenerateKinds(ctx, filter, kinds)
}

// GenerateKinds produces exactly kinds. The previous snapshot is rotated into the archive
// first. An empty list does nothing, not even rotation.
func (g *Generator) GenerateKinds(ctx context.Context, filter string, kinds []catalog.Kind) (*Report, error) {
	logger := g.cfg.Logger.With().Str("filter", filter).Logger()
	report := &Report{Filter: filter, GeneratedAt: g.cfg.Now().UTC().Truncate(time.Second)}

	if len(kinds) == 0 {
		logger.Info().Msg("no evidence required")
		return report, nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "evidence.generate")
	defer span.End()
	span.SetAttributes(attribute.String("compliance.filter", filter), attribute.Int("compliance.kinds", len(kinds)))

	rotated, err := rotate(g.cfg.LatestDir, g.cfg.ArchiveDir, report.GeneratedAt, g.cfg.ArchiveKeep)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rotate")
		return nil, fmt.Errorf("rotate latest artifacts: %w", err)
	}
	report.Rotated = rotated
	if rotated != "" {
		logger.Debug().Str("archive", rotated).Msg("rotated previous evidence")
	}

	if err := os.MkdirAll(g.cfg.LatestDir, 0o755); err != nil {
		return nil, fmt.Errorf("create latest dir: %w", err)
	}

	cache := make(map[catalog.Kind]*rendered)
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		canonical := g.cfg.Catalog.Canonical(kind)
		r, ok := cache[canonical]
		if !ok {
			r = g.produce(ctx, canonical, report.GeneratedAt)
			cache[canonical] = r
		}

		res := g.write(kind, r)
		report.Results = append(report.Results, res)
		g.observe(res)

		event := logger.Info()
		if res.Status == StatusFailed {
			event = logger.Warn().Err(res.Err)
		}
		event.Str("kind", string(kind)).Str("status", string(res.Status)).Msg("evidence artifact")
	}

	if err := g.writeIndex(filter, report.GeneratedAt); err != nil {
		return nil, err
	}
	return report, nil
}

func (g *Generator) produce(ctx context.Context, kind catalog.Kind, at time.Time) *rendered {
	p, ok := g.producers[kind]
	if !ok {
		return &rendered{skipped: "no generator registered"}
	}

	out, err := p(ctx, g)
	if err != nil {
		return &rendered{err: err}
	}

	envelope := Artifact{
		Kind:        kind,
		GeneratedAt: at,
		Schemes:     g.cfg.Catalog.SchemesFor(kind),
		Controls:    g.cfg.Catalog.Controls(kind),
		Payload:     out.payload,
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return &rendered{err: fmt.Errorf("encode %s: %w", kind, err)}
	}
	r := &rendered{json: append(data, '\n'), note: out.note}

	if out.markdown != "" {
		md, err := g.cfg.Renderer.Render(out.markdown, struct {
			Product     string
			GeneratedAt time.Time
			Payload     any
		}{g.cfg.Product, at, out.payload})
		if err != nil {
			return &rendered{err: fmt.Errorf("render %s: %w", kind, err)}
		}
		r.markdown = []byte(md)
	}
	return r
}

func (g *Generator) write(kind catalog.Kind, r *rendered) Result {
	res := Result{Kind: kind}
	switch {
	case r.skipped != "":
		res.Status, res.Reason = StatusSkipped, r.skipped
		return res
	case r.err != nil:
		res.Status, res.Err = StatusFailed, r.err
		return res
	}

	files := []namedFile{{string(kind) + ".json", r.json}}
	if r.markdown != nil {
		files = append(files, namedFile{string(kind) + ".md", r.markdown})
	}

	for _, f := range files {
		if err := writeFileAtomic(filepath.Join(g.cfg.LatestDir, f.name), f.data); err != nil {
			res.Status, res.Err = StatusFailed, err
			return res
		}
		res.Files = append(res.Files, f.name)
	}
	res.Status, res.Note = StatusSucceeded, r.note
	return res
}

func (g *Generator) writeIndex(filter string, at time.Time) error {
	entries, err := os.ReadDir(g.cfg.LatestDir)
	if err != nil {
		return fmt.Errorf("list latest dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name() != indexFileName {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	data, err := json.MarshalIndent(Index{
		GeneratedAt: at,
		Filter:      filter,
		Files:       files,
		Schemes:     g.cfg.Catalog.Mapping(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	return writeFileAtomic(filepath.Join(g.cfg.LatestDir, indexFileName), append(data, '\n'))
}

func (g *Generator) observe(res Result) {
	if g.cfg.Metrics == nil {
		return
	}
	g.cfg.Metrics.Artifacts.WithLabelValues(string(res.Kind), string(res.Status)).Inc()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
