package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mnist-backend/internal/core/dataset"
	"mnist-backend/internal/core/nn"
	"mnist-backend/internal/core/safetensors"
	"mnist-backend/internal/core/trainer"
	"mnist-backend/internal/database"
	"mnist-backend/internal/messaging"
	"mnist-backend/internal/storage"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

const WeightsFilename = "model.safetensors"

// DatasetLoader returns the train and test splits used for every run.
type DatasetLoader func(ctx context.Context) (train, test *dataset.Dataset, err error)

// MNISTLoader downloads and parses MNIST on first use and caches the result.
// A failed load is retried on the next call.
func MNISTLoader(dataDir string, downloader *dataset.Downloader) DatasetLoader {
	var (
		mu          sync.Mutex
		train, test *dataset.Dataset
	)
	return func(ctx context.Context) (*dataset.Dataset, *dataset.Dataset, error) {
		mu.Lock()
		defer mu.Unlock()
		if train != nil {
			return train, test, nil
		}
		tr, te, err := dataset.Prepare(ctx, dataDir, downloader)
		if err != nil {
			return nil, nil, err
		}
		train, test = tr, te
		return train, test, nil
	}
}

func WeightsKey(runId uuid.UUID) string {
	return runId.String() + "/" + WeightsFilename
}

type TaskProcessor struct {
	db       *gorm.DB
	storage  storage.ObjectStore
	reciever messaging.Reciever
	datasets DatasetLoader

	modelBucket string
	workers     int
}

func NewTaskProcessor(db *gorm.DB, storage storage.ObjectStore, reciever messaging.Reciever, datasets DatasetLoader, modelBucket string, workers int) *TaskProcessor {
	return &TaskProcessor{
		db:          db,
		storage:     storage,
		reciever:    reciever,
		datasets:    datasets,
		modelBucket: modelBucket,
		workers:     workers,
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	for task := range proc.reciever.Tasks() {
		proc.ProcessTask(task)
	}
}

func (proc *TaskProcessor) Stop() {
	slog.Info("stopping task processor")

	proc.reciever.Close()
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {
	case messaging.TrainingQueue:
		var payload messaging.TrainTaskPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil || payload.RunId == uuid.Nil {
			slog.Error("error unmarshalling train task", "error", err)
			if err := task.Reject(); err != nil {
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = proc.processTrainTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (proc *TaskProcessor) processTrainTask(ctx context.Context, payload messaging.TrainTaskPayload) error {
	runId := payload.RunId

	run, err := database.GetRun(ctx, proc.db, runId)
	if err != nil {
		return fmt.Errorf("error loading training run %s: %w", runId, err)
	}

	claimed, err := database.ClaimRun(ctx, proc.db, runId)
	if err != nil {
		return fmt.Errorf("error claiming training run: %w", err)
	}
	if !claimed {
		// redelivered task for a run another worker already handled
		slog.Info("training run is not queued, skipping", "run_id", runId, "status", run.Status)
		return nil
	}

	outcome, err := proc.train(ctx, run)
	if err != nil {
		if dbErr := database.FailRun(ctx, proc.db, runId, err); dbErr != nil {
			return errors.Join(err, dbErr)
		}
		return err
	}

	if err := database.CompleteRun(ctx, proc.db, runId, outcome); err != nil {
		return fmt.Errorf("error completing training run: %w", err)
	}

	slog.Info("training run complete", "run_id", runId, "test_accuracy", outcome.TestAccuracy, "weights", outcome.WeightsKey)
	return nil
}

func configFromRun(run *database.TrainingRun, workers int) trainer.Config {
	params := run.Hyperparameters.Data()
	cfg := trainer.Config{
		Architecture:  nn.Architecture(run.Architecture),
		Epochs:        params.Epochs,
		BatchSize:     params.BatchSize,
		TestBatchSize: params.TestBatchSize,
		LearningRate:  params.LearningRate,
		Seed:          lo.ToPtr(params.Seed),
		TrainLimit:    params.TrainLimit,
		Workers:       workers,
	}
	cfg.ApplyDefaults()
	return cfg
}

func (proc *TaskProcessor) train(ctx context.Context, run *database.TrainingRun) (database.RunOutcome, error) {
	cfg := configFromRun(run, proc.workers)
	t, err := trainer.New(cfg)
	if err != nil {
		return database.RunOutcome{}, fmt.Errorf("invalid hyperparameters: %w", err)
	}

	t.OnStep = func(m trainer.StepMetrics) {
		if m.Step%cfg.LogEvery != 0 {
			return
		}
		metric := database.RunMetric{RunId: run.Id, Step: m.Step, Epoch: m.Epoch, TrainLoss: m.Loss, TrainAcc: m.Accuracy}
		// metrics are best effort, SaveRunMetric logs its own failures
		_ = database.SaveRunMetric(ctx, proc.db, metric)
	}

	train, test, err := proc.datasets(ctx)
	if err != nil {
		return database.RunOutcome{}, fmt.Errorf("error loading dataset: %w", err)
	}

	res, err := t.Run(ctx, train, test)
	if err != nil {
		return database.RunOutcome{}, fmt.Errorf("training failed: %w", err)
	}

	metadata := trainer.Metadata(cfg, res)
	metadata["run_id"] = run.Id.String()
	metadata["name"] = run.Name

	var buf bytes.Buffer
	if err := safetensors.Encode(&buf, nn.StateDict(res.Network), metadata, safetensors.F32); err != nil {
		return database.RunOutcome{}, fmt.Errorf("error encoding weights: %w", err)
	}

	key := WeightsKey(run.Id)
	if err := proc.storage.PutObject(ctx, proc.modelBucket, key, &buf); err != nil {
		return database.RunOutcome{}, fmt.Errorf("error uploading weights: %w", err)
	}

	return database.RunOutcome{
		TestAccuracy:  res.TestAccuracy,
		FinalLoss:     res.FinalLoss,
		Steps:         res.Steps,
		WeightsBucket: proc.modelBucket,
		WeightsKey:    key,
	}, nil
}
