package migration_1

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TrainingRun struct {
	FinalLoss sql.NullFloat64
	Steps     int `gorm:"default:0"`
	StartTime sql.NullTime
}

type RunMetric struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Step      int       `gorm:"primaryKey"`
	Epoch     int
	TrainLoss float64
	TrainAcc  float64
	Timestamp time.Time
}

var newColumns = []string{"final_loss", "steps", "start_time"}

func Migration(db *gorm.DB) error {
	for _, column := range newColumns {
		if err := db.Migrator().AddColumn(&TrainingRun{}, column); err != nil {
			return fmt.Errorf("error adding %s column: %w", column, err)
		}
	}

	if err := db.Model(&TrainingRun{}).
		Where("steps IS NULL").
		Update("steps", 0).Error; err != nil {
		return fmt.Errorf("error setting default value for steps: %w", err)
	}

	if err := db.AutoMigrate(&RunMetric{}); err != nil {
		return fmt.Errorf("error creating run_metrics table: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	if err := db.Migrator().DropTable(&RunMetric{}); err != nil {
		return fmt.Errorf("error dropping run_metrics table: %w", err)
	}

	for _, column := range newColumns {
		if err := db.Migrator().DropColumn(&TrainingRun{}, column); err != nil {
			return fmt.Errorf("error dropping %s column: %w", column, err)
		}
	}

	return nil
}
