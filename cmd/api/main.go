package main

import (
	"context"
	"log"
	"log/slog"
	"mnist-backend/cmd"
	"mnist-backend/internal/api"
	"mnist-backend/internal/config"
	"mnist-backend/internal/core/inference"
	"mnist-backend/internal/database"
	"mnist-backend/internal/messaging"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.APIConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}
	cmd.ConfigureLogging(cfg.Log)

	ctx := context.Background()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := cfg.Storage.ObjectStore(ctx)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}
	if err := store.CreateBucket(ctx, cfg.Storage.ModelBucketName); err != nil {
		log.Fatalf("Failed to create model bucket: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	var engine *inference.Engine
	if cfg.Model.Enabled() {
		if engine, err = cmd.LoadEngine(ctx, cfg.Model, store); err != nil {
			log.Fatalf("Failed to load inference engine: %v", err)
		}
	} else {
		slog.Warn("MODEL_WEIGHTS not set, predictions are unavailable until a run is deployed")
	}
	inferenceService := api.NewInferenceService(engine)
	defer inferenceService.Close()

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	inferenceService.AddRoutes(r)
	api.NewBackendService(db, store, publisher, inferenceService).AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
