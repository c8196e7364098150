package api

import (
	"context"
	"errors"
	"log/slog"
	"mnist-backend/internal/core/inference"
	"mnist-backend/internal/core/nn"
	"mnist-backend/internal/core/trainer"
	"mnist-backend/internal/database"
	"mnist-backend/internal/messaging"
	"mnist-backend/internal/storage"
	"mnist-backend/pkg/api"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

const maxListLimit = 1000

type BackendService struct {
	db        *gorm.DB
	storage   storage.ObjectStore
	publisher messaging.Publisher
	inference *InferenceService
}

// NewBackendService manages training runs. inference may be nil, in which
// case runs cannot be deployed.
func NewBackendService(db *gorm.DB, storage storage.ObjectStore, pub messaging.Publisher, inference *InferenceService) *BackendService {
	return &BackendService{db: db, storage: storage, publisher: pub, inference: inference}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", RestHandler(s.SubmitRun))
		r.Get("/", RestHandler(s.ListRuns))
		r.Get("/{run_id}", RestHandler(s.GetRun))
		r.Get("/{run_id}/metrics", RestHandler(s.GetRunMetrics))
		r.Post("/{run_id}/deploy", RestHandler(s.DeployRun))
	})
}

func (s *BackendService) SubmitRun(r *http.Request) (any, error) {
	req, err := ParseRequest[api.TrainRequest](r)
	if err != nil {
		return nil, err
	}

	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	arch, err := nn.ParseArchitecture(req.Architecture)
	if req.Architecture == "" {
		arch, err = nn.ArchitectureConv, nil
	}
	if err != nil {
		return nil, CodedError(http.StatusUnprocessableEntity, err)
	}

	if req.Epochs < 0 || req.BatchSize < 0 || req.TestBatchSize < 0 || req.LearningRate < 0 || req.TrainLimit < 0 {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "hyperparameters must not be negative")
	}

	ctx := r.Context()

	run, err := database.CreateRun(ctx, s.db, req.Name, string(arch), database.Hyperparameters{
		Epochs:        req.Epochs,
		BatchSize:     req.BatchSize,
		TestBatchSize: req.TestBatchSize,
		LearningRate:  req.LearningRate,
		Seed:          lo.FromPtrOr(req.Seed, trainer.DefaultSeed),
		TrainLimit:    req.TrainLimit,
	})
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create training run")
	}

	if err := s.publisher.PublishTrainTask(ctx, messaging.TrainTaskPayload{RunId: run.Id}); err != nil {
		slog.Error("error publishing train task", "run_id", run.Id, "error", err)
		if err := database.FailRun(context.WithoutCancel(ctx), s.db, run.Id, errors.New("unable to queue training task")); err != nil {
			slog.Error("error marking unqueued run failed", "run_id", run.Id, "error", err)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	slog.Info("submitted training run", "run_id", run.Id, "name", run.Name, "architecture", run.Architecture)
	return api.TrainResponse{RunId: run.Id}, nil
}

func (s *BackendService) ListRuns(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListRunsParams](r)
	if err != nil {
		return nil, err
	}

	status := strings.ToUpper(params.Status)
	switch status {
	case "", database.RunQueued, database.RunTraining, database.RunTrained, database.RunFailed:
	default:
		return nil, CodedErrorf(http.StatusBadRequest, "invalid status '%s'", params.Status)
	}
	if params.Limit < 0 || params.Limit > maxListLimit {
		return nil, CodedErrorf(http.StatusBadRequest, "limit must be between 0 and %d", maxListLimit)
	}

	runs, err := database.ListRuns(r.Context(), s.db, status, params.Limit)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error listing training runs: %w", err)
	}

	return convertRuns(runs), nil
}

func (s *BackendService) getRun(r *http.Request) (*database.TrainingRun, error) {
	runId, err := URLParamUUID(r, "run_id")
	if err != nil {
		return nil, err
	}

	run, err := database.GetRun(r.Context(), s.db, runId)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "training run not found")
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving training run: %w", err)
	}
	return run, nil
}

func (s *BackendService) GetRun(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}
	return convertRun(*run), nil
}

func (s *BackendService) GetRunMetrics(r *http.Request) (any, error) {
	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}

	metrics, err := database.ListRunMetrics(r.Context(), s.db, run.Id)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error retrieving run metrics: %w", err)
	}
	return convertMetrics(metrics), nil
}

type deployParams struct {
	DType string `schema:"dtype"`
}

// DeployRun loads the weights of a trained run into the inference service.
func (s *BackendService) DeployRun(r *http.Request) (any, error) {
	if s.inference == nil {
		return nil, CodedErrorf(http.StatusNotImplemented, "this server does not serve predictions")
	}

	params, err := ParseRequestQueryParams[deployParams](r)
	if err != nil {
		return nil, err
	}
	dtype, err := inference.ParseDType(params.DType)
	if err != nil {
		return nil, CodedError(http.StatusUnprocessableEntity, err)
	}

	run, err := s.getRun(r)
	if err != nil {
		return nil, err
	}
	if run.Status != database.RunTrained {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "training run is not ready: run has status %s", run.Status)
	}

	arch, err := inference.ParseArchitecture(run.Architecture)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "run has unknown architecture: %w", err)
	}

	provider := inference.NewObjectStoreProvider(s.storage, run.WeightsBucket.String, run.WeightsKey.String)
	engine, err := inference.NewBuilder().Architecture(arch).DType(dtype).Build(r.Context(), provider)
	if err != nil {
		return nil, CodedErrorf(http.StatusInternalServerError, "error loading run weights: %w", err)
	}

	s.inference.SetEngine(engine)
	slog.Info("deployed training run", "run_id", run.Id, "weights", provider.String(), "dtype", dtype)

	return s.inference.GetModel(r)
}
