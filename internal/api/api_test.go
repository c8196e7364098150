package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"math/rand"
	backend "mnist-backend/internal/api"
	"mnist-backend/internal/core/inference"
	"mnist-backend/internal/core/nn"
	"mnist-backend/internal/core/safetensors"
	"mnist-backend/internal/database"
	"mnist-backend/internal/messaging"
	"mnist-backend/internal/storage"
	"mnist-backend/pkg/api"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := database.NewDatabase(":memory:")
	require.NoError(t, err)
	return db
}

func newEngine(t *testing.T, net *nn.Network) *inference.Engine {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, safetensors.Save(path, nn.StateDict(net), nil))
	provider, err := inference.NewLocalFileProvider(path)
	require.NoError(t, err)
	engine, err := inference.NewBuilder().Architecture(inference.Architecture(net.Architecture())).Build(context.Background(), provider)
	require.NoError(t, err)
	return engine
}

type testServer struct {
	router    chi.Router
	db        *gorm.DB
	store     *storage.LocalObjectStore
	queue     *messaging.InMemoryQueue
	inference *backend.InferenceService
}

func newTestServer(t *testing.T, engine *inference.Engine) *testServer {
	db := createDB(t)
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	queue := messaging.NewInMemoryQueue()

	inf := backend.NewInferenceService(engine)
	t.Cleanup(inf.Close)

	router := chi.NewRouter()
	inf.AddRoutes(router)
	backend.NewBackendService(db, store, queue, inf).AddRoutes(router)

	return &testServer{router: router, db: db, store: store, queue: queue, inference: inf}
}

func (s *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func mustJSON(t *testing.T, v any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestPingAndHealth(t *testing.T) {
	server := newTestServer(t, nil)

	rec := server.do(http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = server.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())
}

func TestPredict(t *testing.T) {
	net := nn.NewMLP(rand.New(rand.NewSource(1)))
	server := newTestServer(t, newEngine(t, net))

	input := make([]float32, nn.InputSize)
	for i := range input {
		input[i] = float32(i%7) / 7
	}

	rec := server.do(http.MethodPost, "/predict", mustJSON(t, api.PredictRequest{Data: input}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res api.PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	expected, err := net.Forward(input)
	require.NoError(t, err)
	assert.Equal(t, nn.Argmax(expected), res.Digit)
	assert.InDeltaSlice(t, expected, res.Probabilities, 1e-6)
}

func TestPredictErrors(t *testing.T) {
	server := newTestServer(t, newEngine(t, nn.NewMLP(rand.New(rand.NewSource(2)))))

	rec := server.do(http.MethodPost, "/predict", mustJSON(t, api.PredictRequest{Data: make([]float32, 10)}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = server.do(http.MethodPost, "/predict", []byte(`{"data": "nope"`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.do(http.MethodPost, "/predict/image", []byte("not an image"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.do(http.MethodPost, "/predict/image", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictWithoutModel(t *testing.T) {
	server := newTestServer(t, nil)

	rec := server.do(http.MethodPost, "/predict", mustJSON(t, api.PredictRequest{Data: make([]float32, nn.InputSize)}))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = server.do(http.MethodGet, "/model", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictImage(t *testing.T) {
	net := nn.NewMLP(rand.New(rand.NewSource(3)))
	server := newTestServer(t, newEngine(t, net))

	img := image.NewGray(image.Rect(0, 0, 28, 28))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	rec := server.do(http.MethodPost, "/predict/image", buf.Bytes())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res api.PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	expected, err := net.Forward(make([]float32, nn.InputSize))
	require.NoError(t, err)
	assert.Equal(t, nn.Argmax(expected), res.Digit)
	assert.Len(t, res.Probabilities, nn.NumClasses)
}

func TestGetModel(t *testing.T) {
	net := nn.NewConvNet(rand.New(rand.NewSource(4)))
	server := newTestServer(t, newEngine(t, net))

	rec := server.do(http.MethodGet, "/model", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info api.ModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "conv", info.Architecture)
	assert.Equal(t, "cpu", info.Device)
	assert.Equal(t, "f32", info.DType)
	assert.Equal(t, nn.ParameterCount(net), info.Parameters)
}

func TestSubmitRun(t *testing.T) {
	server := newTestServer(t, nil)

	rec := server.do(http.MethodPost, "/runs", mustJSON(t, api.TrainRequest{Name: "first-run", Architecture: "mlp", Epochs: 2, LearningRate: 0.01}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res api.TrainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	run, err := database.GetRun(context.Background(), server.db, res.RunId)
	require.NoError(t, err)
	assert.Equal(t, database.RunQueued, run.Status)
	assert.Equal(t, "mlp", run.Architecture)
	assert.Equal(t, 2, run.Hyperparameters.Data().Epochs)
	assert.Equal(t, int64(42), run.Hyperparameters.Data().Seed)

	task := <-server.queue.Tasks()
	var payload messaging.TrainTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, res.RunId, payload.RunId)

	rec = server.do(http.MethodPost, "/runs", mustJSON(t, api.TrainRequest{Name: "defaults"}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	run, err = database.GetRun(context.Background(), server.db, res.RunId)
	require.NoError(t, err)
	assert.Equal(t, "conv", run.Architecture)

	rec = server.do(http.MethodPost, "/runs", mustJSON(t, api.TrainRequest{Name: "zero-seed", Seed: lo.ToPtr[int64](0)}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	run, err = database.GetRun(context.Background(), server.db, res.RunId)
	require.NoError(t, err)
	assert.Equal(t, int64(0), run.Hyperparameters.Data().Seed)
}

func TestSubmitRunValidation(t *testing.T) {
	server := newTestServer(t, nil)

	for _, req := range []api.TrainRequest{
		{Name: "bad name!", Architecture: "mlp"},
		{Name: "", Architecture: "mlp"},
		{Name: "vit", Architecture: "transformer"},
		{Name: "negative", Architecture: "mlp", Epochs: -1},
	} {
		rec := server.do(http.MethodPost, "/runs", mustJSON(t, req))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, req.Name)
	}

	rec := server.do(http.MethodPost, "/runs", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRunQueueClosed(t *testing.T) {
	server := newTestServer(t, nil)
	server.queue.Close()

	rec := server.do(http.MethodPost, "/runs", mustJSON(t, api.TrainRequest{Name: "orphan"}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	runs, err := database.ListRuns(context.Background(), server.db, database.RunFailed, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestListAndGetRuns(t *testing.T) {
	server := newTestServer(t, nil)
	ctx := context.Background()

	a, err := database.CreateRun(ctx, server.db, "a", "mlp", database.Hyperparameters{Epochs: 1})
	require.NoError(t, err)
	b, err := database.CreateRun(ctx, server.db, "b", "conv", database.Hyperparameters{Epochs: 2})
	require.NoError(t, err)
	require.NoError(t, database.CompleteRun(ctx, server.db, b.Id, database.RunOutcome{TestAccuracy: 0.97, Steps: 10, WeightsBucket: "models", WeightsKey: "b/model.safetensors"}))

	rec := server.do(http.MethodGet, "/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []api.TrainingRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	rec = server.do(http.MethodGet, "/runs?status=trained", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, b.Id, runs[0].Id)
	require.NotNil(t, runs[0].TestAccuracy)
	assert.InDelta(t, 0.97, *runs[0].TestAccuracy, 1e-9)
	assert.Equal(t, "s3://models/b/model.safetensors", runs[0].WeightsURI)

	rec = server.do(http.MethodGet, "/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	rec = server.do(http.MethodGet, "/runs?status=running", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = server.do(http.MethodGet, "/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = server.do(http.MethodGet, "/runs/"+a.Id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run api.TrainingRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "a", run.Name)
	assert.Equal(t, database.RunQueued, run.Status)
	assert.Equal(t, 1, run.Hyperparameters.Epochs)
	assert.Nil(t, run.TestAccuracy)
	assert.Nil(t, run.CompletionTime)

	rec = server.do(http.MethodGet, "/runs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = server.do(http.MethodGet, "/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunMetrics(t *testing.T) {
	server := newTestServer(t, nil)
	ctx := context.Background()

	run, err := database.CreateRun(ctx, server.db, "metrics", "mlp", database.Hyperparameters{})
	require.NoError(t, err)
	for _, step := range []int{10, 20} {
		require.NoError(t, database.SaveRunMetric(ctx, server.db, database.RunMetric{RunId: run.Id, Step: step, Epoch: 1, TrainLoss: 0.5, TrainAcc: 0.8}))
	}

	rec := server.do(http.MethodGet, "/runs/"+run.Id.String()+"/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics []api.RunMetric
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	require.Len(t, metrics, 2)
	assert.Equal(t, 10, metrics[0].Step)
	assert.Equal(t, 20, metrics[1].Step)
}

func TestDeployRun(t *testing.T) {
	server := newTestServer(t, nil)
	ctx := context.Background()

	net := nn.NewMLP(rand.New(rand.NewSource(5)))
	run, err := database.CreateRun(ctx, server.db, "deployable", "mlp", database.Hyperparameters{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, safetensors.Encode(&buf, nn.StateDict(net), map[string]string{"run_id": run.Id.String()}, safetensors.F32))
	require.NoError(t, server.store.PutObject(ctx, "models", run.Id.String()+"/model.safetensors", &buf))

	rec := server.do(http.MethodPost, "/runs/"+run.Id.String()+"/deploy", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	require.NoError(t, database.CompleteRun(ctx, server.db, run.Id, database.RunOutcome{WeightsBucket: "models", WeightsKey: run.Id.String() + "/model.safetensors"}))

	rec = server.do(http.MethodPost, "/runs/"+run.Id.String()+"/deploy?dtype=fp64", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = server.do(http.MethodPost, "/runs/"+run.Id.String()+"/deploy?dtype=bf16", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info api.ModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "mlp", info.Architecture)
	assert.Equal(t, "bf16", info.DType)
	assert.Equal(t, run.Id.String(), info.Metadata["run_id"])

	rec = server.do(http.MethodPost, "/predict", mustJSON(t, api.PredictRequest{Data: make([]float32, nn.InputSize)}))
	assert.Equal(t, http.StatusOK, rec.Code)
}
