package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"petechoes/pkg/domain"
)

const migrateLockID int64 = 52120331

const (
	connectAttempts = 3
	connectBackoff  = time.Second
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB with a bounded connect retry and runs migrations.
// The retry applies to connection establishment only, never per-operation.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var db *gorm.DB
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
		if err == nil {
			break
		}
		slog.Warn("database connect failed", "attempt", attempt, "err", err)
		if attempt < connectAttempts {
			time.Sleep(connectBackoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ImageModel{}, &StudioBackgroundModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateImage inserts a new record in processing state and returns its id.
func (s *GormStore) CreateImage(original []byte) (int64, error) {
	model := ImageModel{
		OriginalImage: original,
		Status:        string(domain.StatusProcessing),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.Create(&model).Error; err != nil {
		return 0, fmt.Errorf("insert image: %w", err)
	}
	return model.ID, nil
}

// SetResult stores the generated blob and marks the record completed.
// Records already in a terminal status are left untouched.
func (s *GormStore) SetResult(id int64, generated []byte) error {
	return s.db.Model(&ImageModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses()).
		Updates(map[string]any{
			"generated_image": generated,
			"status":          string(domain.StatusCompleted),
		}).Error
}

// SetStatus updates status only, never leaving a terminal status.
func (s *GormStore) SetStatus(id int64, status domain.ImageStatus) error {
	return s.db.Model(&ImageModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses()).
		Update("status", string(status)).Error
}

// SetGenerationParams records the parameters submitted upstream for a record.
func (s *GormStore) SetGenerationParams(id int64, params []byte) error {
	return s.db.Model(&ImageModel{}).
		Where("id = ?", id).
		Update("generation_params", params).Error
}

// GetImage fetches one blob of a record. Absent id or null blob both
// report not found.
func (s *GormStore) GetImage(id int64, kind domain.ImageKind) ([]byte, bool, error) {
	column := "generated_image"
	if kind == domain.KindOriginal {
		column = "original_image"
	}
	var row struct {
		Data []byte
	}
	err := s.db.Model(&ImageModel{}).
		Select(column + " AS data").
		Where("id = ?", id).
		Take(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(row.Data) == 0 {
		return nil, false, nil
	}
	return row.Data, true, nil
}

// GetStatus reports status and generated-blob presence for a record.
func (s *GormStore) GetStatus(id int64) (domain.StatusInfo, bool, error) {
	var row struct {
		Status       string
		HasGenerated bool
	}
	err := s.db.Model(&ImageModel{}).
		Select("status, (generated_image IS NOT NULL) AS has_generated").
		Where("id = ?", id).
		Take(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.StatusInfo{}, false, nil
		}
		return domain.StatusInfo{}, false, err
	}
	return domain.StatusInfo{
		Status:            domain.ImageStatus(row.Status),
		HasGeneratedImage: row.HasGenerated,
	}, true, nil
}

// ActiveStudioBackground returns the current studio background bytes.
func (s *GormStore) ActiveStudioBackground() ([]byte, bool, error) {
	var model StudioBackgroundModel
	err := s.db.Where("is_active = ?", true).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(model.ImageData) == 0 {
		return nil, false, nil
	}
	return model.ImageData, true, nil
}

// ReplaceStudioBackground deactivates all backgrounds and inserts the new
// one as active.
func (s *GormStore) ReplaceStudioBackground(data []byte) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&StudioBackgroundModel{}).
			Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		model := StudioBackgroundModel{
			ImageData: data,
			IsActive:  true,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Create(&model).Error
	})
}

func terminalStatuses() []string {
	return []string{string(domain.StatusCompleted), string(domain.StatusFailed)}
}
