// Package evaluator measures a classifier against labelled WebDataset shards.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tipburn/internal/dataset"
	"tipburn/internal/metrics"
	"tipburn/internal/preprocess"
	"tipburn/internal/tensor"
)

// Model is the part of a classifier the evaluator needs.
type Model interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	NumClasses() int
}

// Config captures the knobs of an evaluation run.
type Config struct {
	Roots      map[string][]string
	BatchSize  int
	NumWorkers int
	LogEvery   int
	Seed       int64
	// Epochs is the number of passes over the shards; 0 means one.
	Epochs int
	// MaxBatches stops early when > 0.
	MaxBatches int
	Input      preprocess.Options
	Labels     []string
}

// Report summarises an evaluation run.
type Report struct {
	Images       int
	Skipped      int
	Batches      int
	Elapsed      time.Duration
	ImagesPerSec float64
	Confusion    *metrics.Confusion
}

// Accuracy is the fraction of evaluated images classified correctly.
func (r Report) Accuracy() float64 { return r.Confusion.Accuracy() }

type batch struct {
	inputs *tensor.Tensor
	labels []int
}

// Run streams the configured shards through m and returns the confusion
// matrix and throughput. Images that fail to decode, or whose label is not a
// class of m, are skipped and counted.
func Run(ctx context.Context, m Model, cfg Config, logger *slog.Logger) (Report, error) {
	if cfg.BatchSize <= 0 {
		return Report{}, errors.New("evaluator: batch size must be > 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Input.Validate(); err != nil {
		return Report{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	samples, samplerErr, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Roots:      cfg.Roots,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
		Epochs:     cfg.Epochs,
	})
	if err != nil {
		return Report{}, err
	}

	classes := m.NumClasses()
	report := Report{Confusion: metrics.NewConfusion(classes)}
	var window metrics.Window
	start := time.Now()

	for step := 1; cfg.MaxBatches <= 0 || step <= cfg.MaxBatches; step++ {
		startData := time.Now()
		b, skipped, err := nextBatch(ctx, samples, samplerErr, cfg.BatchSize, classes, cfg.Input, logger)
		report.Skipped += skipped
		if err != nil {
			return report, err
		}
		if b.inputs == nil {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		logits, err := m.Forward(b.inputs)
		if err != nil {
			return report, fmt.Errorf("forward batch %d: %w", step, err)
		}
		predicted, err := tensor.ArgMax(logits)
		if err != nil {
			return report, err
		}
		computeTime := time.Since(startCompute)

		correct := 0
		for i, p := range predicted {
			if err := report.Confusion.Add(b.labels[i], p); err != nil {
				return report, err
			}
			if p == b.labels[i] {
				correct++
			}
		}
		report.Images += len(b.labels)
		report.Batches++
		window.Record(len(b.labels), dataTime, computeTime, correct)

		if step%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			logger.Info("eval progress",
				"step", step,
				"images", report.Images,
				"images_per_sec", fmt.Sprintf("%.1f", snap.ImagesPerSec),
				"data_ms", fmt.Sprintf("%.2f", snap.AvgDataMS),
				"compute_ms", fmt.Sprintf("%.2f", snap.AvgComputeMS),
				"window_acc", fmt.Sprintf("%.4f", snap.Accuracy),
			)
		}
	}

	report.Elapsed = time.Since(start)
	if s := report.Elapsed.Seconds(); s > 0 {
		report.ImagesPerSec = float64(report.Images) / s
	}
	logger.Info("eval done",
		"images", report.Images,
		"skipped", report.Skipped,
		"accuracy", fmt.Sprintf("%.4f", report.Accuracy()),
		"elapsed", report.Elapsed.Round(time.Millisecond),
	)
	return report, nil
}

// nextBatch collects up to size samples. It returns an empty batch once the
// sampler is exhausted.
func nextBatch(ctx context.Context, samples <-chan dataset.Sample, errs <-chan error, size, classes int, opts preprocess.Options, logger *slog.Logger) (batch, int, error) {
	items := make([]*tensor.Tensor, 0, size)
	labels := make([]int, 0, size)
	skipped := 0
	for len(items) < size && samples != nil {
		select {
		case <-ctx.Done():
			return batch{}, skipped, ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return batch{}, skipped, err
			}
		case sample, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			if sample.Label < 0 || sample.Label >= classes {
				logger.Warn("label out of range", "key", sample.Key, "shard", sample.Shard, "label", sample.Label, "classes", classes)
				skipped++
				continue
			}
			img, err := opts.Decode(sample.Image)
			if err == nil {
				var t *tensor.Tensor
				if t, err = preprocess.ToTensor(img, opts); err == nil {
					items = append(items, t)
					labels = append(labels, sample.Label)
					continue
				}
			}
			logger.Warn("skipping sample", "key", sample.Key, "shard", sample.Shard, "err", err)
			skipped++
		}
	}
	if samples == nil {
		// The sampler closes its error channel after the sample channel.
		if err := drainErrors(errs); err != nil {
			return batch{}, skipped, err
		}
	}
	if err := ctx.Err(); err != nil {
		return batch{}, skipped, err
	}
	if len(items) == 0 {
		return batch{}, skipped, nil
	}
	inputs, err := tensor.Stack(items)
	if err != nil {
		return batch{}, skipped, err
	}
	return batch{inputs: inputs, labels: labels}, skipped, nil
}

func drainErrors(errs <-chan error) error {
	if errs == nil {
		return nil
	}
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
