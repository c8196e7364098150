package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"mnist-backend/cmd"
	"mnist-backend/internal/config"
	"mnist-backend/internal/core/inference"
	"mnist-backend/internal/grpcserver"
	"mnist-backend/internal/storage"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	architecture := flag.String("model-architecture", "", "model architecture: mlp, conv or onnx (required)")
	weights := flag.String("model-weights", "", "weights file path or s3://bucket/key (required)")
	device := flag.String("device", "cpu", "device to run inference on")
	dtype := flag.String("dtype", "f32", "inference precision: f16, bf16 or f32")
	address := flag.String("address", "[::1]:50051", "address to listen on")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "log format: text or json")

	cmd.LoadEnvFile()
	cmd.ConfigureLogging(config.LogConfig{Level: *logLevel, Format: *logFormat})

	if *architecture == "" || *weights == "" {
		fmt.Fprintln(os.Stderr, "--model-architecture and --model-weights are required")
		flag.Usage()
		os.Exit(2)
	}

	storageCfg, err := config.Parse[config.StorageConfig]()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.ObjectStore
	if strings.HasPrefix(*weights, "s3://") {
		if store, err = storageCfg.ObjectStore(ctx); err != nil {
			log.Fatalf("error creating object store: %v", err)
		}
	}

	engine, err := cmd.LoadEngine(ctx, config.ModelConfig{
		Architecture:     *architecture,
		Weights:          *weights,
		Device:           *device,
		DType:            *dtype,
		OnnxRuntimeDylib: os.Getenv("ONNX_RUNTIME_DYLIB"),
	}, store)
	if err != nil {
		log.Fatalf("error loading inference engine: %v", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Error("error closing inference engine", "error", err)
		}
		if err := inference.DestroyONNXRuntime(); err != nil {
			slog.Error("error destroying onnx runtime", "error", err)
		}
	}()

	lis, err := net.Listen("tcp", *address)
	if err != nil {
		log.Fatalf("could not listen on %s: %v", *address, err)
	}

	if err := grpcserver.NewServer(engine).Serve(ctx, lis); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
