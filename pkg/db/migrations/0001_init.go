package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// CompliancePackage is the table shape at version 1. The runtime model lives in the
// ledger service and must stay column-compatible.
type CompliancePackage struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID      uuid.UUID         `gorm:"type:uuid;not null;index"`
	Scheme     string            `gorm:"type:text;not null;index"`
	FileName   string            `gorm:"type:text;not null"`
	Size       int64             `gorm:"type:bigint;not null"`
	SHA256     string            `gorm:"column:sha256;type:text;not null"`
	Digest     string            `gorm:"type:text;not null"`
	StorageKey string            `gorm:"type:text"`
	Delivered  bool              `gorm:"not null;default:false"`
	Details    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();index"`
}

func open(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&CompliancePackage{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := open(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&CompliancePackage{})
}
