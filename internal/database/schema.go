package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RunQueued   string = "QUEUED"
	RunTraining string = "TRAINING"
	RunTrained  string = "TRAINED"
	RunFailed   string = "FAILED"
)

// Hyperparameters is the training configuration a run was queued with.
type Hyperparameters struct {
	Epochs        int     `json:"epochs"`
	BatchSize     int     `json:"batch_size"`
	TestBatchSize int     `json:"test_batch_size"`
	LearningRate  float64 `json:"learning_rate"`
	Seed          int64   `json:"seed"`
	TrainLimit    int     `json:"train_limit,omitempty"`
}

type TrainingRun struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"not null"`
	Architecture string    `gorm:"size:20;not null"`
	Status       string    `gorm:"size:20;not null"`

	Hyperparameters datatypes.JSONType[Hyperparameters]

	TestAccuracy  sql.NullFloat64
	FinalLoss     sql.NullFloat64
	Steps         int `gorm:"default:0"`
	WeightsBucket sql.NullString
	WeightsKey    sql.NullString
	Error         sql.NullString

	CreationTime   time.Time
	StartTime      sql.NullTime
	CompletionTime sql.NullTime

	Metrics []RunMetric `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type RunMetric struct {
	RunId     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Step      int       `gorm:"primaryKey"`
	Epoch     int
	TrainLoss float64
	TrainAcc  float64
	Timestamp time.Time
}
