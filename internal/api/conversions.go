package api

import (
	"database/sql"
	"mnist-backend/internal/database"
	"mnist-backend/pkg/api"
	"time"

	"github.com/samber/lo"
)

func nullFloat(v sql.NullFloat64) *float64 {
	return lo.Ternary(v.Valid, lo.ToPtr(v.Float64), nil)
}

func nullTime(v sql.NullTime) *time.Time {
	return lo.Ternary(v.Valid, lo.ToPtr(v.Time), nil)
}

func convertRun(r database.TrainingRun) api.TrainingRun {
	params := r.Hyperparameters.Data()

	run := api.TrainingRun{
		Id:           r.Id,
		Name:         r.Name,
		Architecture: r.Architecture,
		Status:       r.Status,
		Hyperparameters: api.Hyperparameters{
			Epochs:        params.Epochs,
			BatchSize:     params.BatchSize,
			TestBatchSize: params.TestBatchSize,
			LearningRate:  params.LearningRate,
			Seed:          params.Seed,
			TrainLimit:    params.TrainLimit,
		},
		TestAccuracy:   nullFloat(r.TestAccuracy),
		FinalLoss:      nullFloat(r.FinalLoss),
		Steps:          r.Steps,
		Error:          r.Error.String,
		CreationTime:   r.CreationTime,
		StartTime:      nullTime(r.StartTime),
		CompletionTime: nullTime(r.CompletionTime),
	}

	if r.WeightsBucket.Valid && r.WeightsKey.Valid {
		run.WeightsURI = "s3://" + r.WeightsBucket.String + "/" + r.WeightsKey.String
	}

	return run
}

func convertRuns(rs []database.TrainingRun) []api.TrainingRun {
	return lo.Map(rs, func(r database.TrainingRun, _ int) api.TrainingRun {
		return convertRun(r)
	})
}

func convertMetrics(ms []database.RunMetric) []api.RunMetric {
	return lo.Map(ms, func(m database.RunMetric, _ int) api.RunMetric {
		return api.RunMetric{
			Step:      m.Step,
			Epoch:     m.Epoch,
			TrainLoss: m.TrainLoss,
			TrainAcc:  m.TrainAcc,
			Timestamp: m.Timestamp,
		}
	})
}
