package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"mnist-backend/internal/core/dataset"
	"mnist-backend/internal/core/nn"
	"mnist-backend/internal/core/safetensors"
	"mnist-backend/internal/core/utils"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

var ErrEmptyDataset = errors.New("dataset is empty")

type Result struct {
	Network      *nn.Network
	TestAccuracy float64
	Epochs       int
	Steps        int
	FinalLoss    float64
	Duration     time.Duration
}

type StepMetrics struct {
	Epoch    int
	Step     int
	Loss     float64
	Accuracy float64
}

// Trainer runs minibatch Adam training over a network, sharding each batch
// across worker goroutines that accumulate private gradients.
type Trainer struct {
	cfg Config

	// OnStep, if set, is called after every optimizer step.
	OnStep func(StepMetrics)
}

func New(cfg Config) (*Trainer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	return &Trainer{cfg: cfg}, nil
}

func (t *Trainer) Config() Config {
	return t.cfg
}

// Run trains a freshly initialized network and evaluates it on test.
func (t *Trainer) Run(ctx context.Context, train, test *dataset.Dataset) (*Result, error) {
	if train.Len() == 0 {
		return nil, fmt.Errorf("training split: %w", ErrEmptyDataset)
	}
	if test.Len() == 0 {
		return nil, fmt.Errorf("test split: %w", ErrEmptyDataset)
	}
	train = train.Subset(t.cfg.TrainLimit)

	rng := rand.New(rand.NewSource(t.cfg.SeedValue()))
	net, err := nn.New(t.cfg.Architecture, rng)
	if err != nil {
		return nil, err
	}

	slog.Info("starting training",
		"architecture", t.cfg.Architecture,
		"parameters", nn.ParameterCount(net),
		"train_samples", train.Len(),
		"epochs", t.cfg.Epochs,
		"batch_size", t.cfg.BatchSize,
		"learning_rate", t.cfg.LearningRate,
		"workers", t.cfg.Workers,
		"seed", t.cfg.SeedValue(),
	)

	start := time.Now()
	total := nn.NewGradients(net.Parameters())
	opt := nn.NewAdam(net.Parameters(), total, t.cfg.LearningRate)
	shards := make([]*nn.Gradients, t.cfg.Workers)
	for i := range shards {
		shards[i] = nn.NewGradients(net.Parameters())
	}
	graphs := nn.NewGraphPool(net.Architecture(), true)
	defer graphs.Close()

	var lastLoss float64
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		batches := train.Batches(t.cfg.BatchSize, true, rng)

		var bar *progressbar.ProgressBar
		if t.cfg.ShowProgress {
			bar = progressbar.NewOptions(len(batches),
				progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch, t.cfg.Epochs)),
				progressbar.OptionSetWidth(30),
				progressbar.OptionClearOnFinish(),
			)
		}

		for _, batch := range batches {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			loss, correct, err := accumulate(ctx, graphs, net, batch, shards, total)
			if err != nil {
				return nil, err
			}
			if err := opt.Step(); err != nil {
				return nil, err
			}

			n := float64(len(batch.Labels))
			metrics := StepMetrics{Epoch: epoch, Step: opt.Steps(), Loss: loss, Accuracy: float64(correct) / n}
			lastLoss = metrics.Loss
			if metrics.Step%t.cfg.LogEvery == 0 {
				slog.Info("training step", "epoch", epoch, "step", metrics.Step, "train_loss", metrics.Loss, "train_acc", metrics.Accuracy)
			}
			if t.OnStep != nil {
				t.OnStep(metrics)
			}
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		if bar != nil {
			_ = bar.Finish()
		}
		slog.Info("finished epoch", "epoch", epoch, "steps", opt.Steps(), "train_loss", lastLoss)
	}

	acc, err := Evaluate(ctx, net, test, t.cfg.TestBatchSize, t.cfg.Workers)
	if err != nil {
		return nil, err
	}

	return &Result{
		Network:      net,
		TestAccuracy: acc,
		Epochs:       t.cfg.Epochs,
		Steps:        opt.Steps(),
		FinalLoss:    lastLoss,
		Duration:     time.Since(start),
	}, nil
}

// accumulate splits batch into contiguous shards, one per worker, and writes
// the mean gradient of the whole batch into total. It returns the mean loss
// and the number of correct predictions.
func accumulate(ctx context.Context, graphs *nn.GraphPool, net *nn.Network, batch dataset.Batch, shards []*nn.Gradients, total *nn.Gradients) (float64, int, error) {
	n := len(batch.Labels)
	workers := min(len(shards), n)
	losses := make([]float64, workers)
	corrects := make([]int, workers)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		start, end := w*n/workers, (w+1)*n/workers
		g.Go(func() error {
			grads := shards[w]
			grads.Zero()
			if err := ctx.Err(); err != nil {
				return err
			}

			graph, err := graphs.Get(end - start)
			if err != nil {
				return err
			}
			defer graphs.Put(graph)

			scale := float32(end-start) / float32(n)
			loss, correct, err := graph.Step(net.Parameters(), batch.Images[start:end], batch.Labels[start:end], grads, scale)
			if err != nil {
				return err
			}
			losses[w] = loss * float64(scale)
			corrects[w] = correct
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	total.Zero()
	var loss float64
	correct := 0
	for w := 0; w < workers; w++ {
		total.Add(shards[w])
		loss += losses[w]
		correct += corrects[w]
	}
	return loss, correct, nil
}

// Evaluate returns the fraction of samples in ds that net classifies correctly.
func Evaluate(ctx context.Context, net *nn.Network, ds *dataset.Dataset, batchSize, workers int) (float64, error) {
	if ds.Len() == 0 {
		return 0, ErrEmptyDataset
	}
	if batchSize <= 0 {
		batchSize = DefaultTestBatchSize
	}

	graphs := nn.NewGraphPool(net.Architecture(), false)
	defer graphs.Close()

	batches := ds.Batches(batchSize, false, nil)
	counts, err := utils.Collect(utils.RunInPool(ctx, func(_ context.Context, b dataset.Batch) (int, error) {
		graph, err := graphs.Get(len(b.Images))
		if err != nil {
			return 0, err
		}
		defer graphs.Put(graph)

		probs, err := graph.Forward(net.Parameters(), b.Images)
		if err != nil {
			return 0, err
		}
		correct := 0
		for i, p := range probs {
			if nn.Argmax(p) == b.Labels[i] {
				correct++
			}
		}
		return correct, nil
	}, batches, workers), len(batches))
	if err != nil {
		return 0, fmt.Errorf("error evaluating: %w", err)
	}

	correct := 0
	for _, c := range counts {
		correct += c
	}
	return float64(correct) / float64(ds.Len()), nil
}

// Metadata describes a trained network for the weights file header.
func Metadata(cfg Config, res *Result) map[string]string {
	return map[string]string{
		"format":        "pt",
		"architecture":  string(res.Network.Architecture()),
		"epochs":        strconv.Itoa(res.Epochs),
		"steps":         strconv.Itoa(res.Steps),
		"batch_size":    strconv.Itoa(cfg.BatchSize),
		"learning_rate": strconv.FormatFloat(cfg.LearningRate, 'g', -1, 64),
		"seed":          strconv.FormatInt(cfg.SeedValue(), 10),
		"test_accuracy": strconv.FormatFloat(res.TestAccuracy, 'f', 4, 64),
	}
}

func SaveWeights(path string, net *nn.Network, metadata map[string]string) error {
	if err := safetensors.Save(path, nn.StateDict(net), metadata); err != nil {
		return fmt.Errorf("error saving weights: %w", err)
	}
	return nil
}
