package api

import (
	"time"

	"github.com/google/uuid"
)

type PredictRequest struct {
	Data []float32 `json:"data"`
}

type PredictResponse struct {
	Digit         int       `json:"digit"`
	Probabilities []float32 `json:"probabilities"`
}

type ModelInfo struct {
	Architecture string            `json:"architecture"`
	Device       string            `json:"device"`
	DType        string            `json:"dtype"`
	Parameters   int               `json:"parameters"`
	Weights      string            `json:"weights"`
	CPU          string            `json:"cpu,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type TrainRequest struct {
	Name          string  `json:"name"`
	Architecture  string  `json:"architecture"`
	Epochs        int     `json:"epochs"`
	BatchSize     int     `json:"batch_size"`
	TestBatchSize int     `json:"test_batch_size"`
	LearningRate  float64 `json:"learning_rate"`
	Seed          *int64  `json:"seed,omitempty"`
	TrainLimit    int     `json:"train_limit"`
}

type TrainResponse struct {
	RunId uuid.UUID `json:"run_id"`
}

type ListRunsParams struct {
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
}

type Hyperparameters struct {
	Epochs        int     `json:"epochs"`
	BatchSize     int     `json:"batch_size"`
	TestBatchSize int     `json:"test_batch_size"`
	LearningRate  float64 `json:"learning_rate"`
	Seed          int64   `json:"seed"`
	TrainLimit    int     `json:"train_limit,omitempty"`
}

type TrainingRun struct {
	Id              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Architecture    string          `json:"architecture"`
	Status          string          `json:"status"`
	Hyperparameters Hyperparameters `json:"hyperparameters"`

	TestAccuracy *float64 `json:"test_accuracy,omitempty"`
	FinalLoss    *float64 `json:"final_loss,omitempty"`
	Steps        int      `json:"steps"`
	WeightsURI   string   `json:"weights_uri,omitempty"`
	Error        string   `json:"error,omitempty"`

	CreationTime   time.Time  `json:"creation_time"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
}

type RunMetric struct {
	Step      int       `json:"step"`
	Epoch     int       `json:"epoch"`
	TrainLoss float64   `json:"train_loss"`
	TrainAcc  float64   `json:"train_acc"`
	Timestamp time.Time `json:"timestamp"`
}
