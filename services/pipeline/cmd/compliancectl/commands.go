package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"zeroshare/pkg/bus"
	"zeroshare/services/bundler"
	"zeroshare/services/catalog"
	"zeroshare/services/ledger"
	"zeroshare/services/notifier"
	"zeroshare/services/pipeline"
)

func newEvidenceCommand(a *app) *cobra.Command {
	var cert string

	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Generate evidence artifacts into the latest directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gen, err := a.generator()
			if err != nil {
				return err
			}
			report, err := gen.Generate(cmd.Context(), cert)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Summary())
			a.pushMetrics(cmd)
			return nil
		},
	}
	cmd.Flags().StringVar(&cert, "cert", catalog.FilterAll, "Scheme ID or \"all\"")
	return cmd
}

func newPackageCommand(a *app) *cobra.Command {
	var (
		cert   string
		emails []string
		local  bool
	)

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Generate evidence, build packages and deliver them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			local = local || a.cfg.Local

			gen, err := a.generator()
			if err != nil {
				return err
			}
			signer, err := a.signer()
			if err != nil {
				return err
			}

			cfg := a.cfg
			cfg.Local = local
			store, mailer, err := notifier.Capabilities(ctx, cfg, a.logger)
			if err != nil {
				return err
			}

			recorder, err := a.ledger(cmd)
			if err != nil {
				return err
			}
			defer recorder.Close()

			var publisher pipeline.Publisher
			if a.cfg.NATSURL != "" && !local {
				b, err := bus.New(a.cfg.NATSURL)
				if err != nil {
					a.logger.Warn().Err(err).Msg("connect nats, package events disabled")
				} else {
					defer b.Close()
					publisher = b
				}
			}

			runner, err := pipeline.New(pipeline.Config{
				Catalog:        a.catalog,
				Evidence:       gen,
				Renderer:       a.renderer,
				Signer:         signer,
				Notifier:       notifier.ConfigFrom(a.cfg, store, mailer),
				Ledger:         recorder,
				Publisher:      publisher,
				BuiltSubject:   a.cfg.BuiltSubject,
				DocsRoot:       a.cfg.Paths.Resolve(a.cfg.Paths.DocsRoot),
				LatestDir:      a.cfg.LatestDir(),
				OutputDir:      a.cfg.Paths.Resolve(a.cfg.Paths.OutputDir),
				Product:        a.cfg.Mail.Product,
				SupportContact: a.cfg.Mail.SupportContact,
				ToolVersion:    version,
				PushgatewayURL: a.cfg.PushgatewayURL,
				Logger:         a.logger,
				Metrics:        a.metrics,
			})
			if err != nil {
				return err
			}

			recipients := emails
			if len(recipients) == 0 {
				recipients = a.cfg.Mail.Recipients
			}
			summary, err := runner.Run(ctx, pipeline.Options{Filter: cert, Recipients: recipients, Local: local})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&cert, "cert", catalog.FilterAll, "Scheme ID or \"all\"")
	cmd.Flags().StringSliceVar(&emails, "email", nil, "Notification recipients, comma separated")
	cmd.Flags().BoolVar(&local, "local", false, "Build only; skip upload and email")

	cmd.AddCommand(newInspectCommand(a))
	return cmd
}

func newInspectCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <package.zip>",
		Short: "Verify a package's member hashes, digest and signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := a.signer()
			if err != nil {
				return err
			}
			result, err := bundler.Inspect(args[0], signer)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "scheme:    %s (%s)\n", result.Manifest.SchemeName, result.Manifest.Scheme)
				fmt.Fprintf(out, "generated: %s\n", result.Manifest.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
				fmt.Fprintf(out, "members:   %d\n", len(result.Members))
				fmt.Fprintf(out, "digest:    %s\n", result.Manifest.Digest)
				fmt.Fprintf(out, "signed:    %t\n", result.Signed)
				for _, p := range result.Problems {
					fmt.Fprintf(out, "problem:   %s\n", p)
				}
			}
			if !result.OK() {
				return fmt.Errorf("%s failed inspection with %d problem(s)", filepath.Base(args[0]), len(result.Problems))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the inspection as JSON")
	return cmd
}

func newNotifyCommand(a *app) *cobra.Command {
	var (
		keys   []string
		emails []string
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send one notification for packages already in storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if a.cfg.Local {
				return errors.New("notify needs object storage; unset COMPLIANCE_LOCAL")
			}
			store, mailer, err := notifier.Capabilities(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			ncfg := notifier.ConfigFrom(a.cfg, store, mailer)
			ncfg.Catalog = a.catalog
			ncfg.Renderer = a.renderer
			ncfg.Logger = a.logger
			ncfg.Metrics = a.metrics
			n, err := notifier.New(ncfg)
			if err != nil {
				return err
			}

			objects := make([]notifier.ObjectRef, 0, len(keys))
			outputDir := a.cfg.Paths.Resolve(a.cfg.Paths.OutputDir)
			for _, key := range keys {
				if !notifier.IsPackageKey(key) {
					return fmt.Errorf("key %q is not a package under %s", key, notifier.KeyPrefix)
				}
				ref := notifier.ObjectRef{Key: key}
				if info, err := os.Stat(filepath.Join(outputDir, path.Base(key))); err == nil {
					ref.Size = info.Size()
				}
				objects = append(objects, ref)
			}

			recipients := emails
			if len(recipients) == 0 {
				recipients = a.cfg.Mail.Recipients
			}
			res := n.NotifyObjects(ctx, objects, recipients)
			for _, rec := range res.Records {
				if rec.URL != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", rec.FileName, rec.URL)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", rec.FileName, rec.Fallback)
				}
			}
			if res.SendErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "notification not sent: %v\n", res.SendErr)
			}
			a.pushMetrics(cmd)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&keys, "key", nil, "Storage key of a package (repeatable)")
	cmd.Flags().StringSliceVar(&emails, "email", nil, "Notification recipients, comma separated")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently built packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			recorder, err := a.ledger(cmd)
			if err != nil {
				return err
			}
			defer recorder.Close()

			entries, err := recorder.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CREATED\tSCHEME\tFILE\tSIZE\tDELIVERED")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", e.CreatedAt.Format("2006-01-02 15:04"), e.Scheme, e.FileName, e.Size, e.Delivered)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")
	return cmd
}

func newSchemesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "schemes",
		Short: "List certification schemes and what their packages contain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tEVIDENCE\tDOCUMENTS")
			for _, s := range a.catalog.Schemes() {
				kinds := make([]string, 0, len(s.Kinds))
				for _, k := range s.Kinds {
					kinds = append(kinds, string(k))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ID, s.Name, strings.Join(kinds, ","), len(s.Docs))
			}
			return tw.Flush()
		},
	}
}

func (a *app) signer() (*bundler.Signer, error) {
	signer, err := bundler.NewSigner(a.cfg.AgeSecretKey, a.cfg.AgePublicKey)
	if errors.Is(err, bundler.ErrNoSigningKey) {
		return nil, nil
	}
	return signer, err
}

func (a *app) ledger(cmd *cobra.Command) (ledger.Recorder, error) {
	if a.cfg.DBDSN == "" {
		return ledger.Nop{}, nil
	}
	store, err := ledger.Open(cmd.Context(), a.cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (a *app) pushMetrics(cmd *cobra.Command) {
	if a.cfg.PushgatewayURL == "" {
		return
	}
	if err := a.metrics.Push(cmd.Context(), a.cfg.PushgatewayURL, serviceName); err != nil {
		a.logger.Warn().Err(err).Msg("push metrics")
	}
}
