package notifier

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"zeroshare/internal/config"
	"zeroshare/pkg/s3"
)

// Capabilities picks the store and mailer for cfg once, at startup. Local mode and a missing
// bucket both disable storage; local mode also replaces email with a log line.
func Capabilities(ctx context.Context, cfg config.Config, logger zerolog.Logger) (Store, Mailer, error) {
	if cfg.Local {
		logger.Info().Msg("local mode, uploads and email disabled")
		return DisabledStore{}, LogMailer{Logger: logger}, nil
	}

	var store Store = DisabledStore{}
	if cfg.Storage.Enabled() {
		client, err := s3.NewClient(ctx, s3.Options{
			Region:         cfg.Storage.Region,
			Endpoint:       cfg.Storage.Endpoint,
			AccessKey:      cfg.Storage.AccessKey,
			SecretKey:      cfg.Storage.SecretKey,
			ForcePathStyle: cfg.Storage.ForcePathStyle,
			DisableTLS:     cfg.Storage.DisableTLS,
			HTTPTimeout:    cfg.Storage.HTTPTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init s3 client: %w", err)
		}
		s3Store, err := NewS3Store(client, cfg.Storage.Bucket, logger)
		if err != nil {
			return nil, nil, err
		}
		store = s3Store
	} else {
		logger.Warn().Msg("COMPLIANCE_BUCKET not set, packages will not be uploaded")
	}

	mailer, err := NewSESMailer(ctx, SESOptions{
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init ses: %w", err)
	}
	return store, mailer, nil
}

// ConfigFrom fills the notifier settings that come from process configuration.
func ConfigFrom(cfg config.Config, store Store, mailer Mailer) Config {
	return Config{
		Store:          store,
		Mailer:         mailer,
		Sender:         cfg.Mail.Sender,
		Product:        cfg.Mail.Product,
		SupportContact: cfg.Mail.SupportContact,
		LinkTTL:        cfg.Mail.LinkTTL(),
	}
}
