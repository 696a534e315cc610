package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Storage holds object storage settings shared by the pipeline and notifierd.
type Storage struct {
	Bucket         string        `env:"COMPLIANCE_BUCKET"`
	Region         string        `env:"AWS_REGION,default=us-east-1"`
	Endpoint       string        `env:"S3_ENDPOINT"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	ForcePathStyle bool          `env:"S3_FORCE_PATH_STYLE,default=false"`
	DisableTLS     bool          `env:"S3_DISABLE_TLS,default=false"`
	HTTPTimeout    time.Duration `env:"S3_HTTP_TIMEOUT,default=0s"`
}

// Enabled reports whether uploads can be attempted at all.
func (s Storage) Enabled() bool {
	return s.Bucket != ""
}

// Mail holds notification settings.
type Mail struct {
	Sender         string   `env:"COMPLIANCE_SENDER,default=compliance@zeroshare.io"`
	Recipients     []string `env:"COMPLIANCE_RECIPIENTS"`
	SupportContact string   `env:"COMPLIANCE_SUPPORT_CONTACT,default=support@zeroshare.io"`
	Product        string   `env:"COMPLIANCE_PRODUCT,default=ZeroShare Gateway"`
	LinkExpiryDays int      `env:"COMPLIANCE_LINK_EXPIRY_DAYS,default=7"`
}

// LinkTTL converts the configured expiry into a duration.
func (m Mail) LinkTTL() time.Duration {
	return time.Duration(m.LinkExpiryDays) * 24 * time.Hour
}

// Paths locates inputs and outputs relative to the project root.
type Paths struct {
	ProjectRoot string `env:"COMPLIANCE_PROJECT_ROOT,default=."`
	SourceRoot  string `env:"COMPLIANCE_SOURCE_ROOT,default=src"`
	DocsRoot    string `env:"COMPLIANCE_DOCS_ROOT,default=compliance"`
	OutputDir   string `env:"COMPLIANCE_OUTPUT_DIR,default=compliance-artifacts"`
}

// Resolve joins relative paths onto ProjectRoot.
func (p Paths) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.ProjectRoot, path)
}

// Commands configures the subprocesses used by the evidence generator.
type Commands struct {
	Audit     string        `env:"COMPLIANCE_AUDIT_CMD,default=npm audit --json"`
	TypeCheck string        `env:"COMPLIANCE_TYPECHECK_CMD,default=npx tsc --noEmit"`
	Timeout   time.Duration `env:"COMPLIANCE_COMMAND_TIMEOUT,default=0s"`
}

// Config is built once at process start and passed to each component.
type Config struct {
	Storage  Storage
	Mail     Mail
	Paths    Paths
	Commands Commands

	Local       bool `env:"COMPLIANCE_LOCAL,default=false"`
	ArchiveKeep int  `env:"COMPLIANCE_ARCHIVE_KEEP,default=10"`

	DBDSN          string   `env:"DB_DSN"`
	NATSURL        string   `env:"NATS_URL"`
	EventsSubject  string   `env:"COMPLIANCE_EVENTS_SUBJECT,default=compliance.storage.events"`
	BuiltSubject   string   `env:"COMPLIANCE_BUILT_SUBJECT,default=compliance.packages.built"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	PushgatewayURL string   `env:"PUSHGATEWAY_URL"`
	AgeSecretKey   string   `env:"AGE_SECRET_KEY"`
	AgePublicKey   string   `env:"AGE_PUBLIC_KEY"`
	Addr           string   `env:"ADDR,default=:8080"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
}

// Load reads an optional .env file and returns a Config populated from the environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return load(ctx, envconfig.OsLookuper())
}

// LoadFrom builds a Config from an explicit map. Tests use it to stay off the process environment.
func LoadFrom(ctx context.Context, env map[string]string) (Config, error) {
	return load(ctx, envconfig.MapLookuper(env))
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component could work with.
func (c Config) Validate() error {
	if c.Mail.LinkExpiryDays <= 0 {
		return errors.New("COMPLIANCE_LINK_EXPIRY_DAYS must be positive")
	}
	if c.ArchiveKeep < 0 {
		return errors.New("COMPLIANCE_ARCHIVE_KEEP must not be negative")
	}
	if c.Commands.Timeout < 0 {
		return errors.New("COMPLIANCE_COMMAND_TIMEOUT must not be negative")
	}
	if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
		return errors.New("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}
	return nil
}

// LatestDir is where the evidence generator writes the current snapshot.
func (c Config) LatestDir() string {
	return filepath.Join(c.Paths.Resolve(c.Paths.OutputDir), "latest")
}

// ArchiveDir holds rotated evidence snapshots.
func (c Config) ArchiveDir() string {
	return filepath.Join(c.Paths.Resolve(c.Paths.OutputDir), "archive")
}
