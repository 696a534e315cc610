package notifier

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"zeroshare/pkg/metrics"
	"zeroshare/pkg/render"
	"zeroshare/pkg/telemetry"
	"zeroshare/services/bundler"
	"zeroshare/services/catalog"
)

// KeyPrefix is the storage namespace for packages.
const KeyPrefix = "compliance-reports/"

// Fallback replaces the link for packages that could not be uploaded or signed.
const Fallback = "Available only via the build output directory."

const defaultLinkTTL = 7 * 24 * time.Hour

// ErrNoRecipients is recorded when a notification has nobody to go to.
var ErrNoRecipients = errors.New("no notification recipients configured")

// Config wires a Notifier. Store and Mailer are fixed for its lifetime.
type Config struct {
	Store    Store
	Mailer   Mailer
	Catalog  *catalog.Catalog
	Renderer *render.Engine

	Sender         string
	Product        string
	SupportContact string
	LinkTTL        time.Duration

	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Registry
}

// Notifier uploads packages, signs links and sends one message per invocation.
type Notifier struct {
	cfg Config
}

// Record is the delivery state of one package. URL is set only after a successful upload
// (or, for stored objects, a successful presign).
type Record struct {
	DisplayName string    `json:"display_name"`
	FileName    string    `json:"file_name"`
	Size        int64     `json:"size"`
	Key         string    `json:"key,omitempty"`
	URL         string    `json:"url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	Fallback    string    `json:"fallback,omitempty"`
	Err         error     `json:"-"`
}

// Result describes one invocation.
type Result struct {
	ID      uuid.UUID `json:"id"`
	Records []Record  `json:"records"`
	Message Message   `json:"message"`
	Sent    bool      `json:"sent"`
	SendErr error     `json:"-"`
}

// URLs returns the links that were minted.
func (r Result) URLs() []string {
	var out []string
	for _, rec := range r.Records {
		if rec.URL != "" {
			out = append(out, rec.URL)
		}
	}
	return out
}

// ObjectRef names an object already in storage.
type ObjectRef struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// New validates cfg.
func New(cfg Config) (*Notifier, error) {
	if cfg.Store == nil {
		cfg.Store = DisabledStore{}
	}
	if cfg.Mailer == nil {
		cfg.Mailer = LogMailer{Logger: cfg.Logger}
	}
	if cfg.Catalog == nil {
		c, err := catalog.Default()
		if err != nil {
			return nil, err
		}
		cfg.Catalog = c
	}
	if cfg.Renderer == nil {
		engine, err := render.New()
		if err != nil {
			return nil, err
		}
		cfg.Renderer = engine
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = defaultLinkTTL
	}
	if cfg.Product == "" {
		cfg.Product = "ZeroShare Gateway"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Notifier{cfg: cfg}, nil
}

// StorageKey is where a package file is stored in the year of at.
func StorageKey(fileName string, at time.Time) string {
	return fmt.Sprintf("%s%d/%s", KeyPrefix, at.Year(), fileName)
}

// Deliver uploads each package, signs a link for those that made it, and sends one message.
// Upload and send failures are recorded in the result, never returned.
func (n *Notifier) Deliver(ctx context.Context, packages []*bundler.Package, recipients []string) Result {
	ctx, span := telemetry.Tracer().Start(ctx, "notifier.deliver")
	defer span.End()
	span.SetAttributes(attribute.Int("compliance.packages", len(packages)))

	now := n.cfg.Now()
	records := make([]Record, 0, len(packages))
	for _, pkg := range packages {
		if pkg == nil {
			continue
		}
		rec := Record{
			DisplayName: n.cfg.Catalog.DisplayName(pkg.Scheme),
			FileName:    pkg.FileName,
			Size:        pkg.Size,
		}
		key := StorageKey(pkg.FileName, now)
		err := n.cfg.Store.Put(ctx, key, pkg.Path)
		n.observeUpload(err)
		if err != nil {
			n.fallback(&rec, err, "upload failed")
			records = append(records, rec)
			continue
		}
		rec.Key = key
		n.sign(ctx, &rec, now)
		records = append(records, rec)
	}
	return n.send(ctx, records, recipients, now)
}

// NotifyObjects signs links for objects already in storage and sends one message.
func (n *Notifier) NotifyObjects(ctx context.Context, objects []ObjectRef, recipients []string) Result {
	ctx, span := telemetry.Tracer().Start(ctx, "notifier.notify_objects")
	defer span.End()
	span.SetAttributes(attribute.Int("compliance.objects", len(objects)))

	now := n.cfg.Now()
	return n.send(ctx, n.signObjects(ctx, objects, now), recipients, now)
}

// Preview signs links and renders the message without sending it.
func (n *Notifier) Preview(ctx context.Context, objects []ObjectRef) (Result, error) {
	now := n.cfg.Now()
	res := Result{ID: uuid.New(), Records: n.signObjects(ctx, objects, now)}
	msg, err := n.Compose(res.Records, nil, now)
	if err != nil {
		return res, err
	}
	res.Message = msg
	return res, nil
}

func (n *Notifier) signObjects(ctx context.Context, objects []ObjectRef, now time.Time) []Record {
	records := make([]Record, 0, len(objects))
	for _, obj := range objects {
		fileName := path.Base(obj.Key)
		rec := Record{
			DisplayName: n.cfg.Catalog.DisplayName(catalog.KeyFromFileName(fileName)),
			FileName:    fileName,
			Size:        obj.Size,
			Key:         obj.Key,
		}
		n.sign(ctx, &rec, now)
		records = append(records, rec)
	}
	return records
}

func (n *Notifier) sign(ctx context.Context, rec *Record, now time.Time) {
	url, err := n.cfg.Store.PresignGet(ctx, rec.Key, n.cfg.LinkTTL)
	if err != nil {
		n.fallback(rec, err, "presign failed")
		return
	}
	rec.URL = url
	rec.ExpiresAt = now.Add(n.cfg.LinkTTL)
}

func (n *Notifier) fallback(rec *Record, err error, msg string) {
	rec.URL = ""
	rec.Err = err
	rec.Fallback = Fallback
	event := n.cfg.Logger.Warn()
	if errors.Is(err, ErrStorageDisabled) {
		event = n.cfg.Logger.Info()
	}
	event.Err(err).Str("file", rec.FileName).Msg(msg + ", package available only via the build output directory")
}

func (n *Notifier) send(ctx context.Context, records []Record, recipients []string, now time.Time) Result {
	res := Result{ID: uuid.New(), Records: records}
	logger := n.cfg.Logger.With().Str("notification_id", res.ID.String()).Logger()
	if len(records) == 0 {
		logger.Info().Msg("no packages to announce, notification skipped")
		return res
	}

	msg, err := n.Compose(records, recipients, now)
	if err != nil {
		res.SendErr = fmt.Errorf("compose notification: %w", err)
		logger.Error().Err(res.SendErr).Msg("notification not sent")
		n.observeSend(res.SendErr)
		return res
	}
	res.Message = msg

	if len(recipients) == 0 {
		res.SendErr = ErrNoRecipients
		logger.Warn().Msg("no recipients configured, notification not sent")
		n.observeSend(res.SendErr)
		return res
	}

	switch err := n.cfg.Mailer.Send(ctx, msg); {
	case errors.Is(err, ErrLocalMode):
		res.SendErr = err
		logger.Info().Int("packages", len(records)).Msg("local mode, notification logged only")
	case err != nil:
		res.SendErr = err
		logger.Error().Err(err).Msg("send notification")
	default:
		res.Sent = true
		logger.Info().Int("packages", len(records)).Int("links", len(res.URLs())).Msg("notification sent")
	}
	n.observeSend(res.SendErr)
	return res
}

type templatePackage struct {
	DisplayName string
	FileName    string
	Size        int64
	URL         string
	Fallback    string
}

// Compose renders the subject, text and HTML bodies for records.
func (n *Notifier) Compose(records []Record, recipients []string, now time.Time) (Message, error) {
	pkgs := make([]templatePackage, 0, len(records))
	for _, rec := range records {
		pkgs = append(pkgs, templatePackage{
			DisplayName: rec.DisplayName,
			FileName:    rec.FileName,
			Size:        rec.Size,
			URL:         rec.URL,
			Fallback:    rec.Fallback,
		})
	}
	data := map[string]any{
		"Product":        n.cfg.Product,
		"Date":           now,
		"Packages":       pkgs,
		"ExpiryDays":     int(n.cfg.LinkTTL / (24 * time.Hour)),
		"SupportContact": n.cfg.SupportContact,
	}

	text, err := n.cfg.Renderer.Render("notification.txt.tmpl", data)
	if err != nil {
		return Message{}, err
	}
	html, err := n.cfg.Renderer.Render("notification.html.tmpl", data)
	if err != nil {
		return Message{}, err
	}
	return Message{
		From:    n.cfg.Sender,
		To:      append([]string(nil), recipients...),
		Subject: fmt.Sprintf("%s Compliance Reports - %s", n.cfg.Product, render.LongDate(now)),
		Text:    text,
		HTML:    html,
	}, nil
}

func (n *Notifier) observeUpload(err error) {
	if n.cfg.Metrics == nil {
		return
	}
	status := metrics.Status(err)
	if errors.Is(err, ErrStorageDisabled) {
		status = "disabled"
	}
	n.cfg.Metrics.Uploads.WithLabelValues(status).Inc()
}

func (n *Notifier) observeSend(err error) {
	if n.cfg.Metrics == nil {
		return
	}
	status := metrics.Status(err)
	if errors.Is(err, ErrLocalMode) {
		status = "local"
	}
	n.cfg.Metrics.Notifications.WithLabelValues(status).Inc()
}
