package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"zeroshare/pkg/db"
)

// ErrDisabled is returned when history is requested without a database.
var ErrDisabled = errors.New("package ledger disabled: set DB_DSN")

const (
	defaultLimit = 20
	maxLimit     = 500
)

// Entry is one built package as recorded in history.
type Entry struct {
	ID         uuid.UUID `json:"id" db:"id"`
	RunID      uuid.UUID `json:"run_id" db:"run_id"`
	Scheme     string    `json:"scheme" db:"scheme"`
	FileName   string    `json:"file_name" db:"file_name"`
	Size       int64     `json:"size" db:"size"`
	SHA256     string    `json:"sha256" db:"sha256"`
	Digest     string    `json:"digest" db:"digest"`
	StorageKey string    `json:"storage_key,omitempty" db:"storage_key"`
	Delivered  bool      `json:"delivered" db:"delivered"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`

	Warnings []string `json:"warnings,omitempty" db:"-"`
}

// Recorder persists and lists package history.
type Recorder interface {
	Record(ctx context.Context, entries []Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close()
}

// Nop is used when no database is configured. Record succeeds without storing anything.
type Nop struct{}

func (Nop) Record(context.Context, []Entry) error { return nil }

func (Nop) Recent(context.Context, int) ([]Entry, error) { return nil, ErrDisabled }

func (Nop) Close() {}

type packageModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID      uuid.UUID         `gorm:"type:uuid;not null"`
	Scheme     string            `gorm:"type:text;not null"`
	FileName   string            `gorm:"type:text;not null"`
	Size       int64             `gorm:"type:bigint;not null"`
	SHA256     string            `gorm:"column:sha256;type:text;not null"`
	Digest     string            `gorm:"type:text;not null"`
	StorageKey string            `gorm:"type:text"`
	Delivered  bool              `gorm:"not null"`
	Details    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null"`
}

func (packageModel) TableName() string { return "compliance_packages" }

func toModel(e Entry) packageModel {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	details := datatypes.JSONMap{}
	if len(e.Warnings) > 0 {
		warnings := make([]any, 0, len(e.Warnings))
		for _, w := range e.Warnings {
			warnings = append(warnings, w)
		}
		details["warnings"] = warnings
	}
	return packageModel{
		ID:         e.ID,
		RunID:      e.RunID,
		Scheme:     e.Scheme,
		FileName:   e.FileName,
		Size:       e.Size,
		SHA256:     e.SHA256,
		Digest:     e.Digest,
		StorageKey: e.StorageKey,
		Delivered:  e.Delivered,
		Details:    details,
		CreatedAt:  e.CreatedAt.UTC(),
	}
}

// Store is the Postgres-backed Recorder. Writes go through gorm, reads through pgx and scany.
type Store struct {
	pool *pgxpool.Pool
	orm  *gorm.DB
}

// Open connects, migrates and returns a Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	orm, err := db.ORM(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, orm: orm}, nil
}

// Record inserts entries in one transaction.
func (s *Store) Record(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	models := make([]packageModel, 0, len(entries))
	for _, e := range entries {
		models = append(models, toModel(e))
	}
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&models).Error
	})
}

// Recent returns the newest entries first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := db.Select(ctx, s.pool, &entries, `
SELECT id, run_id, scheme, file_name, size, sha256, digest, COALESCE(storage_key, '') AS storage_key, delivered, created_at
FROM compliance_packages
ORDER BY created_at DESC, file_name
LIMIT $1
`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	return entries, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
