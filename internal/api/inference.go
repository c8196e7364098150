package api

import (
	"errors"
	"io"
	"log/slog"
	"mnist-backend/internal/core/inference"
	"mnist-backend/pkg/api"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

const maxImageBytes = 10 << 20

// InferenceService serves predictions from the currently loaded engine. The
// engine can be swapped while requests are in flight.
type InferenceService struct {
	mu     sync.RWMutex
	engine *inference.Engine
}

func NewInferenceService(engine *inference.Engine) *InferenceService {
	return &InferenceService{engine: engine}
}

// SetEngine replaces the served engine and closes the previous one.
func (s *InferenceService) SetEngine(engine *inference.Engine) {
	s.mu.Lock()
	old := s.engine
	s.engine = engine
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Error("error closing previous inference engine", "error", err)
		}
	}
}

func (s *InferenceService) Close() {
	s.SetEngine(nil)
}

func (s *InferenceService) AddRoutes(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Post("/predict", RestHandler(s.Predict))
	r.Post("/predict/image", RestHandler(s.PredictImage))
	r.Get("/model", RestHandler(s.GetModel))
}

func (s *InferenceService) withEngine(f func(*inference.Engine) (inference.Prediction, error)) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.engine == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "no model loaded")
	}

	pred, err := f(s.engine)
	if err != nil {
		switch {
		case errors.Is(err, inference.ErrInvalidInput):
			return nil, CodedError(http.StatusUnprocessableEntity, err)
		case errors.Is(err, inference.ErrInvalidImage):
			return nil, CodedError(http.StatusBadRequest, err)
		default:
			return nil, CodedErrorf(http.StatusInternalServerError, "prediction failed: %w", err)
		}
	}

	return api.PredictResponse{Digit: pred.Digit, Probabilities: pred.Probabilities}, nil
}

func (s *InferenceService) Predict(r *http.Request) (any, error) {
	req, err := ParseRequest[api.PredictRequest](r)
	if err != nil {
		return nil, err
	}

	return s.withEngine(func(e *inference.Engine) (inference.Prediction, error) {
		return e.Predict(req.Data)
	})
}

func (s *InferenceService) PredictImage(r *http.Request) (any, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxImageBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, CodedErrorf(http.StatusRequestEntityTooLarge, "image exceeds %d bytes", maxImageBytes)
		}
		return nil, CodedErrorf(http.StatusBadRequest, "unable to read request body")
	}
	if len(data) == 0 {
		return nil, CodedErrorf(http.StatusBadRequest, "request body must contain an image")
	}

	return s.withEngine(func(e *inference.Engine) (inference.Prediction, error) {
		return e.PredictImage(data)
	})
}

func (s *InferenceService) GetModel(r *http.Request) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.engine == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "no model loaded")
	}

	info := s.engine.Info()
	return api.ModelInfo{
		Architecture: string(info.Architecture),
		Device:       string(info.Device),
		DType:        string(info.DType),
		Parameters:   info.Parameters,
		Weights:      info.Weights,
		CPU:          info.CPU,
		Metadata:     info.Metadata,
	}, nil
}
