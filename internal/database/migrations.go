package database

import (
	"errors"
	"time"

	"github.com/talkwell-labs/talkwell/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Rows written before the server enforced the zero floor can hold negative
// accumulators; this migration repairs them once.
const migrationClampNegativeRoomScores = "2026-08-12_clamp_negative_room_scores"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClampNegativeRoomScores, apply: clampNegativeRoomScores},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func clampNegativeRoomScores(db *gorm.DB) error {
	if err := db.Model(&chat.Room{}).
		Where("player1_score < 0").
		Update("player1_score", 0).Error; err != nil {
		return err
	}
	return db.Model(&chat.Room{}).
		Where("player2_score < 0").
		Update("player2_score", 0).Error
}
