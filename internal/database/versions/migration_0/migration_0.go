package migration_0

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TrainingRun struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"not null"`
	Architecture string    `gorm:"size:20;not null"`
	Status       string    `gorm:"size:20;not null"`

	Hyperparameters datatypes.JSON

	TestAccuracy  sql.NullFloat64
	WeightsBucket sql.NullString
	WeightsKey    sql.NullString
	Error         sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime
}

func Migration(db *gorm.DB) error {
	if err := db.AutoMigrate(&TrainingRun{}); err != nil {
		return fmt.Errorf("error creating training_runs table: %w", err)
	}
	return nil
}
