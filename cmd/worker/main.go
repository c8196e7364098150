package main

import (
	"context"
	"log"
	"mnist-backend/cmd"
	"mnist-backend/internal/config"
	"mnist-backend/internal/core"
	"mnist-backend/internal/core/dataset"
	"mnist-backend/internal/database"
	"mnist-backend/internal/messaging"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.Parse[config.WorkerConfig]()
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
		log.Fatalf("Worker: Failed to create object store: %v", err)
	}
	if err := store.CreateBucket(ctx, cfg.Storage.ModelBucketName); err != nil {
		log.Fatalf("Worker: Failed to create model bucket: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	loader := core.MNISTLoader(cfg.DataDir, dataset.NewDownloader(dataset.DefaultMirrors, dataset.MNISTFiles))
	worker := core.NewTaskProcessor(db, store, receiver, loader, cfg.Storage.ModelBucketName, cfg.Workers)

	go worker.Start()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping worker...")
	worker.Stop()

	log.Println("Worker process stopped.")
}
