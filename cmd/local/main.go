package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"mnist-backend/cmd"
	"mnist-backend/internal/api"
	"mnist-backend/internal/config"
	"mnist-backend/internal/core"
	"mnist-backend/internal/core/dataset"
	"mnist-backend/internal/core/inference"
	"mnist-backend/internal/database"
	"mnist-backend/internal/messaging"
	"mnist-backend/internal/storage"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

const modelBucket = "models"

func createDatabase(root string) *gorm.DB {
	db, err := database.NewDatabase("sqlite://" + filepath.Join(root, "db", "mnist-backend.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return db
}

// createQueue requeues runs that were queued or interrupted when the process
// last exited.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	runs, err := database.ResetInterruptedRuns(context.Background(), db)
	if err != nil {
		log.Fatalf("Failed to fetch queued runs from database: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	for _, run := range runs {
		if err := queue.PublishTrainTask(context.Background(), messaging.TrainTaskPayload{RunId: run.Id}); err != nil {
			log.Fatalf("Failed to publish train task: %v", err)
		}
	}
	if len(runs) > 0 {
		slog.Info("requeued training runs", "count", len(runs))
	}

	return queue
}

func createServer(db *gorm.DB, store storage.ObjectStore, queue messaging.Publisher, inferenceService *api.InferenceService, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		inferenceService.AddRoutes(r)
		api.NewBackendService(db, store, queue, inferenceService).AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.LocalConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(io.MultiWriter(f, os.Stderr))
	cmd.ConfigureLogging(cfg.Log)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(cfg.Root, "data")
	}

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "data_dir", dataDir)

	ctx := context.Background()

	db := createDatabase(cfg.Root)

	store, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	if err := store.CreateBucket(ctx, modelBucket); err != nil {
		log.Fatalf("Failed to create model bucket: %v", err)
	}

	var engine *inference.Engine
	if cfg.Model.Enabled() {
		if engine, err = cmd.LoadEngine(ctx, cfg.Model, store); err != nil {
			log.Fatalf("Failed to load inference engine: %v", err)
		}
	}
	inferenceService := api.NewInferenceService(engine)

	queue := createQueue(db)

	loader := core.MNISTLoader(dataDir, dataset.NewDownloader(dataset.DefaultMirrors, dataset.MNISTFiles))
	worker := core.NewTaskProcessor(db, store, queue, loader, modelBucket, cfg.Workers)

	server := createServer(db, store, queue, inferenceService, cfg.Port)

	slog.Info("starting worker")
	go worker.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
		inferenceService.Close()
		if err := inference.DestroyONNXRuntime(); err != nil {
			slog.Error("error destroying onnx runtime", "error", err)
		}
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
