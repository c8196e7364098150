package database_test

import (
	"context"
	"errors"
	"mnist-backend/internal/database"
	"mnist-backend/internal/database/versions/migration_0"
	"mnist-backend/internal/database/versions/migration_1"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	db, err := database.NewDatabase(":memory:")
	require.NoError(t, err)
	return db
}

func TestCreateAndGetRun(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	params := database.Hyperparameters{Epochs: 2, BatchSize: 32, TestBatchSize: 64, LearningRate: 0.01, Seed: 7}
	run, err := database.CreateRun(ctx, db, "first", "conv", params)
	require.NoError(t, err)
	assert.Equal(t, database.RunQueued, run.Status)

	loaded, err := database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, "first", loaded.Name)
	assert.Equal(t, "conv", loaded.Architecture)
	assert.Equal(t, params, loaded.Hyperparameters.Data())
	assert.False(t, loaded.TestAccuracy.Valid)
	assert.False(t, loaded.CompletionTime.Valid)

	_, err = database.GetRun(ctx, db, uuid.New())
	assert.ErrorIs(t, err, database.ErrRunNotFound)
}

func TestClaimRun(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	run, err := database.CreateRun(ctx, db, "claimed", "mlp", database.Hyperparameters{Epochs: 1})
	require.NoError(t, err)

	claimed, err := database.ClaimRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.True(t, claimed)

	loaded, err := database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, database.RunTraining, loaded.Status)
	assert.True(t, loaded.StartTime.Valid)

	claimed, err = database.ClaimRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.False(t, claimed)

	failed, err := database.CreateRun(ctx, db, "failed", "mlp", database.Hyperparameters{Epochs: 1})
	require.NoError(t, err)
	require.NoError(t, database.FailRun(ctx, db, failed.Id, errors.New("boom")))
	claimed, err = database.ClaimRun(ctx, db, failed.Id)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = database.ClaimRun(ctx, db, uuid.New())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRunLifecycle(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	run, err := database.CreateRun(ctx, db, "lifecycle", "mlp", database.Hyperparameters{Epochs: 1})
	require.NoError(t, err)

	require.NoError(t, database.UpdateRunStatus(ctx, db, run.Id, database.RunTraining))
	loaded, err := database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, database.RunTraining, loaded.Status)
	assert.True(t, loaded.StartTime.Valid)
	assert.False(t, loaded.CompletionTime.Valid)

	require.NoError(t, database.CompleteRun(ctx, db, run.Id, database.RunOutcome{
		TestAccuracy:  0.98,
		FinalLoss:     0.05,
		Steps:         120,
		WeightsBucket: "models",
		WeightsKey:    run.Id.String() + "/model.safetensors",
	}))
	loaded, err = database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, database.RunTrained, loaded.Status)
	assert.InDelta(t, 0.98, loaded.TestAccuracy.Float64, 1e-9)
	assert.InDelta(t, 0.05, loaded.FinalLoss.Float64, 1e-9)
	assert.Equal(t, 120, loaded.Steps)
	assert.Equal(t, "models", loaded.WeightsBucket.String)
	assert.Equal(t, run.Id.String()+"/model.safetensors", loaded.WeightsKey.String)
	assert.True(t, loaded.CompletionTime.Valid)
	assert.False(t, loaded.Error.Valid)
}

func TestFailRun(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	run, err := database.CreateRun(ctx, db, "broken", "conv", database.Hyperparameters{})
	require.NoError(t, err)

	require.NoError(t, database.FailRun(ctx, db, run.Id, errors.New("dataset unavailable")))
	loaded, err := database.GetRun(ctx, db, run.Id)
	require.NoError(t, err)
	assert.Equal(t, database.RunFailed, loaded.Status)
	assert.Equal(t, "dataset unavailable", loaded.Error.String)
	assert.True(t, loaded.CompletionTime.Valid)
}

func TestListRuns(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for _, name := range []string{"a", "b", "c"} {
		run, err := database.CreateRun(ctx, db, name, "mlp", database.Hyperparameters{})
		require.NoError(t, err)
		ids = append(ids, run.Id)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, database.UpdateRunStatus(ctx, db, ids[1], database.RunFailed))

	runs, err := database.ListRuns(ctx, db, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].Name)
	assert.Equal(t, "a", runs[2].Name)

	runs, err = database.ListRuns(ctx, db, database.RunQueued, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = database.ListRuns(ctx, db, "", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "c", runs[0].Name)
}

func TestRunMetrics(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	run, err := database.CreateRun(ctx, db, "metrics", "conv", database.Hyperparameters{})
	require.NoError(t, err)

	for _, step := range []int{20, 10, 30} {
		require.NoError(t, database.SaveRunMetric(ctx, db, database.RunMetric{RunId: run.Id, Step: step, Epoch: 1, TrainLoss: 1 / float64(step), TrainAcc: 0.5}))
	}
	// saving the same step again overwrites it
	require.NoError(t, database.SaveRunMetric(ctx, db, database.RunMetric{RunId: run.Id, Step: 30, Epoch: 1, TrainLoss: 0.01, TrainAcc: 0.9}))

	metrics, err := database.ListRunMetrics(ctx, db, run.Id)
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	assert.Equal(t, []int{10, 20, 30}, []int{metrics[0].Step, metrics[1].Step, metrics[2].Step})
	assert.InDelta(t, 0.9, metrics[2].TrainAcc, 1e-9)
	assert.False(t, metrics[0].Timestamp.IsZero())
}

func TestResetInterruptedRuns(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	queued, err := database.CreateRun(ctx, db, "queued", "mlp", database.Hyperparameters{})
	require.NoError(t, err)
	interrupted, err := database.CreateRun(ctx, db, "interrupted", "mlp", database.Hyperparameters{})
	require.NoError(t, err)
	done, err := database.CreateRun(ctx, db, "done", "mlp", database.Hyperparameters{})
	require.NoError(t, err)

	require.NoError(t, database.UpdateRunStatus(ctx, db, interrupted.Id, database.RunTraining))
	require.NoError(t, database.UpdateRunStatus(ctx, db, done.Id, database.RunTrained))

	runs, err := database.ResetInterruptedRuns(ctx, db)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, run := range runs {
		ids[run.Id] = true
		assert.Equal(t, database.RunQueued, run.Status)
	}
	assert.Equal(t, map[uuid.UUID]bool{queued.Id: true, interrupted.Id: true}, ids)
}

func TestNewDatabaseSqliteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	db, err := database.NewDatabase("sqlite://" + path)
	require.NoError(t, err)

	_, err = database.CreateRun(context.Background(), db, "persisted", "mlp", database.Hyperparameters{})
	require.NoError(t, err)

	reopened, err := database.NewDatabase("sqlite://" + path)
	require.NoError(t, err)
	runs, err := database.ListRuns(context.Background(), reopened, "", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestNewDatabaseRejectsUnknownURL(t *testing.T) {
	_, err := database.NewDatabase("mysql://localhost/runs")
	assert.Error(t, err)

	_, err = database.NewDatabase("sqlite://")
	assert.Error(t, err)
}

func TestMigrationsFromInitialSchema(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, migration_0.Migration(db))
	old := migration_0.TrainingRun{Id: uuid.New(), Name: "legacy", Architecture: "conv", Status: database.RunTrained, Hyperparameters: datatypes.JSON(`{"epochs":3}`), CreationTime: time.Now()}
	require.NoError(t, db.Create(&old).Error)

	require.NoError(t, migration_1.Migration(db))
	assert.True(t, db.Migrator().HasTable(&database.RunMetric{}))
	assert.True(t, db.Migrator().HasColumn(&database.TrainingRun{}, "steps"))

	var run database.TrainingRun
	require.NoError(t, db.First(&run, "id = ?", old.Id).Error)
	assert.Equal(t, "legacy", run.Name)
	assert.Equal(t, 0, run.Steps)
	assert.Equal(t, 3, run.Hyperparameters.Data().Epochs)

	require.NoError(t, migration_1.Rollback(db))
	assert.False(t, db.Migrator().HasTable(&database.RunMetric{}))
	assert.False(t, db.Migrator().HasColumn(&database.TrainingRun{}, "steps"))
}
