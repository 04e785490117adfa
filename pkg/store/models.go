package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names match the original schema.

type ImageModel struct {
	ID               int64          `gorm:"primaryKey;autoIncrement"`
	OriginalImage    []byte         `gorm:"not null"`
	GeneratedImage   []byte
	Status           string         `gorm:"not null;default:pending"`
	GenerationParams datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null"`
}

func (ImageModel) TableName() string { return "images" }

type StudioBackgroundModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	ImageData []byte    `gorm:"not null"`
	IsActive  bool      `gorm:"not null;default:true;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (StudioBackgroundModel) TableName() string { return "studio_backgrounds" }
