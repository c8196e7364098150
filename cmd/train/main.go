package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"mnist-backend/cmd"
	"mnist-backend/internal/config"
	"mnist-backend/internal/core/dataset"
	"mnist-backend/internal/core/nn"
	"mnist-backend/internal/core/trainer"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	output := flag.String("output", "", "path to save the model weights (.safetensors)")
	dataDir := flag.String("data-dir", "./data", "directory holding the MNIST dataset")
	configPath := flag.String("config", "", "optional yaml file with hyperparameters")
	architecture := flag.String("architecture", "", "network architecture: conv or mlp (default conv)")
	epochs := flag.Int("epochs", 0, "number of epochs (default 3)")
	batchSize := flag.Int("batch-size", 0, "training batch size (default 64)")
	learningRate := flag.Float64("learning-rate", 0, "adam learning rate (default 0.001)")
	seed := flag.Int64("seed", trainer.DefaultSeed, "random seed")
	workers := flag.Int("workers", 0, "parallel gradient workers (default number of cpus)")
	trainLimit := flag.Int("train-limit", 0, "train on only the first n samples")
	synthetic := flag.Bool("synthetic", false, "train on generated data instead of downloading MNIST")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")

	cmd.LoadEnvFile()
	cmd.ConfigureLogging(config.LogConfig{Level: *logLevel, Format: "text"})

	if *output == "" {
		fmt.Fprintln(os.Stderr, "--output is required")
		flag.Usage()
		os.Exit(2)
	}

	var cfg trainer.Config
	if *configPath != "" {
		var err error
		if cfg, err = trainer.LoadConfig(*configPath); err != nil {
			log.Fatalf("error loading training config: %v", err)
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "architecture":
			cfg.Architecture = nn.Architecture(*architecture)
		case "epochs":
			cfg.Epochs = *epochs
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "learning-rate":
			cfg.LearningRate = *learningRate
		case "seed":
			cfg.Seed = seed
		case "workers":
			cfg.Workers = *workers
		case "train-limit":
			cfg.TrainLimit = *trainLimit
		}
	})
	if cfg.Architecture != "" {
		arch, err := nn.ParseArchitecture(string(cfg.Architecture))
		if err != nil {
			log.Fatalf("%v", err)
		}
		cfg.Architecture = arch
	}
	cfg.ShowProgress = true

	t, err := trainer.New(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var train, test *dataset.Dataset
	if *synthetic {
		rng := rand.New(rand.NewSource(t.Config().SeedValue()))
		train, test = dataset.Synthetic(6000, rng), dataset.Synthetic(1000, rng)
	} else {
		train, test, err = dataset.Prepare(ctx, *dataDir, dataset.NewDownloader(dataset.DefaultMirrors, dataset.MNISTFiles))
		if err != nil {
			log.Fatalf("error preparing dataset: %v", err)
		}
	}

	res, err := t.Run(ctx, train, test)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}

	fmt.Printf("Final test accuracy: %.4f\n", res.TestAccuracy)

	if err := trainer.SaveWeights(*output, res.Network, trainer.Metadata(t.Config(), res)); err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Printf("Saved model weights to: %s\n", *output)
}
