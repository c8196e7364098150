package trainer

import (
	"errors"
	"fmt"
	"mnist-backend/internal/core/nn"
	"os"
	"runtime"

	"github.com/samber/lo"
	"gopkg.in/yaml.v2"
)

const (
	DefaultEpochs        = 3
	DefaultBatchSize     = 64
	DefaultTestBatchSize = 128
	DefaultLearningRate  = 1e-3
	DefaultLogEvery      = 10
	DefaultSeed          = 42
)

type Config struct {
	Architecture  nn.Architecture `yaml:"architecture" json:"architecture"`
	Epochs        int             `yaml:"epochs" json:"epochs"`
	BatchSize     int             `yaml:"batch_size" json:"batch_size"`
	TestBatchSize int             `yaml:"test_batch_size" json:"test_batch_size"`
	LearningRate  float64         `yaml:"learning_rate" json:"learning_rate"`
	LogEvery      int             `yaml:"log_every" json:"log_every"`
	Workers       int             `yaml:"workers" json:"workers"`

	// Seed drives initialization and shuffling. Nil selects DefaultSeed; an
	// explicit zero is a valid seed.
	Seed *int64 `yaml:"seed" json:"seed,omitempty"`

	// TrainLimit caps the number of training samples; zero uses all of them.
	TrainLimit int `yaml:"train_limit" json:"train_limit,omitempty"`

	ShowProgress bool `yaml:"-" json:"-"`
}

func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Architecture == "" {
		c.Architecture = nn.ArchitectureConv
	}
	if c.Epochs == 0 {
		c.Epochs = DefaultEpochs
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.TestBatchSize == 0 {
		c.TestBatchSize = DefaultTestBatchSize
	}
	if c.LearningRate == 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.LogEvery == 0 {
		c.LogEvery = DefaultLogEvery
	}
	if c.Seed == nil {
		c.Seed = lo.ToPtr[int64](DefaultSeed)
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
}

func (c Config) SeedValue() int64 {
	return lo.FromPtrOr(c.Seed, DefaultSeed)
}

func (c Config) Validate() error {
	var errs []error
	if _, err := nn.ParseArchitecture(string(c.Architecture)); err != nil {
		errs = append(errs, err)
	}
	if c.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("epochs must be > 0, got %d", c.Epochs))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be > 0, got %d", c.BatchSize))
	}
	if c.TestBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("test_batch_size must be > 0, got %d", c.TestBatchSize))
	}
	if c.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning_rate must be > 0, got %g", c.LearningRate))
	}
	if c.LogEvery <= 0 {
		errs = append(errs, fmt.Errorf("log_every must be > 0, got %d", c.LogEvery))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0, got %d", c.Workers))
	}
	if c.TrainLimit < 0 {
		errs = append(errs, fmt.Errorf("train_limit must be >= 0, got %d", c.TrainLimit))
	}
	return errors.Join(errs...)
}

// LoadConfig reads hyperparameters from a YAML file. Unset fields stay zero so
// callers can layer flag overrides before applying defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config %s: %w", path, err)
	}
	return cfg, nil
}
