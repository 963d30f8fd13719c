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
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// AttendanceRecord carries the storage-level uniqueness key the ledger
// relies on: one row per (student_id, class_id, session_date).
type AttendanceRecord struct {
	ID          int64     `gorm:"type:bigserial;primaryKey"`
	StudentID   string    `gorm:"type:text;not null;uniqueIndex:idx_attendance_student_class_date,priority:1"`
	ClassID     string    `gorm:"type:text;not null;uniqueIndex:idx_attendance_student_class_date,priority:2;index"`
	SessionDate time.Time `gorm:"type:date;not null;uniqueIndex:idx_attendance_student_class_date,priority:3"`
	Timestamp   time.Time `gorm:"type:timestamptz;not null"`
	Status      string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type ClassEnrollment struct {
	ClassID   string    `gorm:"type:text;primaryKey"`
	StudentID string    `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type FaceProfile struct {
	ID         uuid.UUID                      `gorm:"type:uuid;primaryKey"`
	OwnerID    string                         `gorm:"type:text;uniqueIndex;not null"`
	Embeddings datatypes.JSONSlice[[]float32] `gorm:"type:jsonb;not null"`
	Dimension  int                            `gorm:"type:integer;not null"`
	CreatedAt  time.Time                      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time                      `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&AttendanceRecord{},
		&ClassEnrollment{},
		&FaceProfile{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&FaceProfile{},
		&ClassEnrollment{},
		&AttendanceRecord{},
	)
}
