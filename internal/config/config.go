package config

import (
	"context"
	"fmt"
	"log/slog"
	"mnist-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// StorageConfig selects the object store: a directory tree when STORAGE_DIR
// is set, S3 otherwise.
type StorageConfig struct {
	LocalDir          string `env:"STORAGE_DIR"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	ModelBucketName   string `env:"MODEL_BUCKET_NAME" envDefault:"models"`
}

func (c StorageConfig) ObjectStore(ctx context.Context) (storage.ObjectStore, error) {
	if c.LocalDir != "" {
		slog.Info("using local object store", "dir", c.LocalDir)
		return storage.NewLocalObjectStore(c.LocalDir)
	}

	slog.Info("using s3 object store", "endpoint", c.S3EndpointURL, "region", c.S3Region)
	return storage.NewS3ObjectStore(ctx, storage.S3ClientConfig{
		Endpoint:        c.S3EndpointURL,
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: c.S3SecretAccessKey,
	})
}

// ModelConfig describes the engine a server loads at startup.
type ModelConfig struct {
	Architecture     string `env:"MODEL_ARCHITECTURE"`
	Weights          string `env:"MODEL_WEIGHTS"`
	Device           string `env:"MODEL_DEVICE" envDefault:"cpu"`
	DType            string `env:"MODEL_DTYPE" envDefault:"f32"`
	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB"`
}

func (c ModelConfig) Enabled() bool {
	return c.Weights != ""
}

type APIConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	APIPort     string `env:"API_PORT" envDefault:"8001"`

	Storage StorageConfig
	Model   ModelConfig
	Log     LogConfig
}

type WorkerConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	DataDir     string `env:"DATA_DIR" envDefault:"./data"`
	Workers     int    `env:"TRAIN_WORKERS" envDefault:"0"`

	Storage StorageConfig
	Log     LogConfig
}

// LocalConfig runs API and worker in one process on sqlite, a local object
// store and an in-memory queue.
type LocalConfig struct {
	Root    string `env:"ROOT" envDefault:"./mnist-backend"`
	Port    int    `env:"PORT" envDefault:"3001"`
	DataDir string `env:"DATA_DIR"`
	Workers int    `env:"TRAIN_WORKERS" envDefault:"0"`

	Model ModelConfig
	Log   LogConfig
}

func Parse[T any]() (T, error) {
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}
