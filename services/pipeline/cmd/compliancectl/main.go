package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"zeroshare/internal/config"
	"zeroshare/pkg/cmdrun"
	"zeroshare/pkg/metrics"
	"zeroshare/pkg/render"
	"zeroshare/pkg/telemetry"
	"zeroshare/services/catalog"
	"zeroshare/services/evidence"
)

const serviceName = "compliancectl"

// version is set at link time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs. It is populated in PersistentPreRunE.
type app struct {
	cfg       config.Config
	logger    zerolog.Logger
	catalog   *catalog.Catalog
	renderer  *render.Engine
	metrics   *metrics.Registry
	telemetry *telemetry.Telemetry
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var logLevel string

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Generate, package and deliver compliance evidence",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context(), logLevel)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.close()
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")

	cmd.AddCommand(newEvidenceCommand(a))
	cmd.AddCommand(newPackageCommand(a))
	cmd.AddCommand(newNotifyCommand(a))
	cmd.AddCommand(newHistoryCommand(a))
	cmd.AddCommand(newSchemesCommand(a))
	return cmd
}

func (a *app) init(ctx context.Context, logLevel string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	a.cfg = cfg

	a.telemetry, err = telemetry.Init(ctx, telemetry.Options{
		Service:      serviceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Level:        cfg.LogLevel,
		Console:      true,
		Out:          os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.logger = a.telemetry.Logger

	if a.catalog, err = catalog.Default(); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if a.renderer, err = render.New(); err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	a.metrics = metrics.New(false)
	return nil
}

func (a *app) close() error {
	if a.telemetry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.telemetry.Shutdown(ctx)
}

func (a *app) generator() (*evidence.Generator, error) {
	audit, err := cmdrun.Parse(a.cfg.Commands.Audit)
	if err != nil {
		return nil, fmt.Errorf("COMPLIANCE_AUDIT_CMD: %w", err)
	}
	typeCheck, err := cmdrun.Parse(a.cfg.Commands.TypeCheck)
	if err != nil {
		return nil, fmt.Errorf("COMPLIANCE_TYPECHECK_CMD: %w", err)
	}
	return evidence.New(evidence.Config{
		Catalog:          a.catalog,
		Runner:           cmdrun.Exec{Timeout: a.cfg.Commands.Timeout, Logger: a.logger},
		Renderer:         a.renderer,
		ProjectRoot:      a.cfg.Paths.ProjectRoot,
		SourceRoot:       a.cfg.Paths.SourceRoot,
		LatestDir:        a.cfg.LatestDir(),
		ArchiveDir:       a.cfg.ArchiveDir(),
		ArchiveKeep:      a.cfg.ArchiveKeep,
		AuditCommand:     audit,
		TypeCheckCommand: typeCheck,
		Product:          a.cfg.Mail.Product,
		Logger:           a.logger,
		Metrics:          a.metrics,
	})
}
