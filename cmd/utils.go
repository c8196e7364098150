package cmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"mnist-backend/internal/config"
	"mnist-backend/internal/core/inference"
	"mnist-backend/internal/storage"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	err := godotenv.Load(configPath)
	if err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("invalid log level '%s', expected one of: debug, info, warn, error", level)
	}
	return l, nil
}

// ConfigureLogging installs the default slog handler.
func ConfigureLogging(cfg config.LogConfig) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		log.Fatalf("error configuring logging: %v", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	default:
		log.Fatalf("invalid log format '%s', expected text or json", cfg.Format)
	}
}

// LoadEngine builds the inference engine described by cfg. store may be nil
// when the weights are a local path.
func LoadEngine(ctx context.Context, cfg config.ModelConfig, store storage.ObjectStore) (*inference.Engine, error) {
	arch, err := inference.ParseArchitecture(cfg.Architecture)
	if err != nil {
		return nil, err
	}

	if arch == inference.ArchitectureONNX {
		if err := inference.InitONNXRuntime(cfg.OnnxRuntimeDylib); err != nil {
			return nil, err
		}
	}

	provider, err := inference.ParseWeightsURI(cfg.Weights, store)
	if err != nil {
		return nil, err
	}

	device, err := inference.ParseDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	dtype, err := inference.ParseDType(cfg.DType)
	if err != nil {
		return nil, err
	}

	return inference.NewBuilder().Architecture(arch).Device(device).DType(dtype).Build(ctx, provider)
}
