package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("training run not found")

func CreateRun(ctx context.Context, txn *gorm.DB, name, architecture string, params Hyperparameters) (*TrainingRun, error) {
	run := TrainingRun{
		Id:              uuid.New(),
		Name:            name,
		Architecture:    architecture,
		Status:          RunQueued,
		Hyperparameters: datatypes.NewJSONType(params),
		CreationTime:    time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Create(&run).Error; err != nil {
		slog.Error("error creating training run", "name", name, "error", err)
		return nil, fmt.Errorf("error creating training run: %w", err)
	}
	return &run, nil
}

func GetRun(ctx context.Context, txn *gorm.DB, runId uuid.UUID) (*TrainingRun, error) {
	var run TrainingRun
	if err := txn.WithContext(ctx).First(&run, "id = ?", runId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("error loading training run %s: %w", runId, err)
	}
	return &run, nil
}

// ListRuns returns runs newest first. An empty status matches every run and
// a limit <= 0 is unbounded.
func ListRuns(ctx context.Context, txn *gorm.DB, status string, limit int) ([]TrainingRun, error) {
	query := txn.WithContext(ctx).Order("creation_time DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var runs []TrainingRun
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("error listing training runs: %w", err)
	}
	return runs, nil
}

func UpdateRunStatus(ctx context.Context, txn *gorm.DB, runId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	switch status {
	case RunTraining:
		updates["start_time"] = time.Now().UTC()
	case RunTrained, RunFailed:
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error updating training run status", "run_id", runId, "status", status, "error", err)
		return err
	}
	return nil
}

// ClaimRun moves a queued run to training. It reports false when the run is
// no longer queued, for example because another worker claimed it first.
func ClaimRun(ctx context.Context, txn *gorm.DB, runId uuid.UUID) (bool, error) {
	result := txn.WithContext(ctx).Model(&TrainingRun{}).
		Where("id = ? AND status = ?", runId, RunQueued).
		Updates(map[string]any{"status": RunTraining, "start_time": time.Now().UTC()})
	if result.Error != nil {
		slog.Error("error claiming training run", "run_id", runId, "error", result.Error)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

type RunOutcome struct {
	TestAccuracy  float64
	FinalLoss     float64
	Steps         int
	WeightsBucket string
	WeightsKey    string
}

func CompleteRun(ctx context.Context, txn *gorm.DB, runId uuid.UUID, outcome RunOutcome) error {
	updates := map[string]any{
		"status":          RunTrained,
		"test_accuracy":   outcome.TestAccuracy,
		"final_loss":      outcome.FinalLoss,
		"steps":           outcome.Steps,
		"weights_bucket":  outcome.WeightsBucket,
		"weights_key":     outcome.WeightsKey,
		"error":           sql.NullString{},
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error completing training run", "run_id", runId, "error", err)
		return err
	}
	return nil
}

func FailRun(ctx context.Context, txn *gorm.DB, runId uuid.UUID, cause error) error {
	updates := map[string]any{
		"status":          RunFailed,
		"error":           cause.Error(),
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&TrainingRun{Id: runId}).Updates(updates).Error; err != nil {
		slog.Error("error marking training run failed", "run_id", runId, "error", err)
		return err
	}
	return nil
}

func SaveRunMetric(ctx context.Context, txn *gorm.DB, metric RunMetric) error {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	if err := txn.WithContext(ctx).Save(&metric).Error; err != nil {
		slog.Error("error saving run metric", "run_id", metric.RunId, "step", metric.Step, "error", err)
		return err
	}
	return nil
}

func ListRunMetrics(ctx context.Context, txn *gorm.DB, runId uuid.UUID) ([]RunMetric, error) {
	var metrics []RunMetric
	if err := txn.WithContext(ctx).Where("run_id = ?", runId).Order("step ASC").Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("error listing metrics for run %s: %w", runId, err)
	}
	return metrics, nil
}

// ResetInterruptedRuns moves runs left in TRAINING by a crashed worker back
// to QUEUED and returns every queued run so it can be republished.
func ResetInterruptedRuns(ctx context.Context, txn *gorm.DB) ([]TrainingRun, error) {
	if err := txn.WithContext(ctx).Model(&TrainingRun{}).
		Where("status = ?", RunTraining).
		Updates(map[string]any{"status": RunQueued, "start_time": sql.NullTime{}}).Error; err != nil {
		return nil, fmt.Errorf("error resetting interrupted runs: %w", err)
	}
	return ListRuns(ctx, txn, RunQueued, 0)
}
