package evaluator

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tipburn/internal/dataset"
	"tipburn/internal/preprocess"
	"tipburn/internal/tensor"
)

// brightness predicts class 1 for bright images and class 0 for dark ones.
type brightness struct{}

func (brightness) NumClasses() int { return 2 }

func (brightness) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	n := x.Dim(0)
	out := tensor.New(n, 2)
	for i := 0; i < n; i++ {
		var sum float32
		row := x.Row(i).Data()
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(len(row))
		out.Data()[i*2] = 1 - mean
		out.Data()[i*2+1] = mean
	}
	return out, nil
}

func pngOf(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeFixture(t *testing.T) map[string][]string {
	t.Helper()
	root := t.TempDir()
	dark, light := pngOf(t, color.Black), pngOf(t, color.White)
	require.NoError(t, dataset.WriteShard(filepath.Join(root, dataset.ShardName(0)), ".png", []dataset.Sample{
		{Key: "d0", Image: dark, Label: 0},
		{Key: "d1", Image: dark, Label: 0},
		{Key: "l0", Image: light, Label: 1},
	}))
	require.NoError(t, dataset.WriteShard(filepath.Join(root, dataset.ShardName(1)), ".png", []dataset.Sample{
		{Key: "l1", Image: light, Label: 1},
		{Key: "mislabelled", Image: light, Label: 0},
		{Key: "out-of-range", Image: light, Label: 7},
		{Key: "corrupt", Image: []byte("not png"), Label: 1},
	}))
	roots, err := dataset.DiscoverByRoot([]string{root})
	require.NoError(t, err)
	return roots
}

func testConfig(roots map[string][]string) Config {
	return Config{
		Roots:      roots,
		BatchSize:  2,
		NumWorkers: 2,
		LogEvery:   1,
		Input:      preprocess.Options{Size: 4, Channels: 1, Mean: []float32{0}, Std: []float32{1}},
	}
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRunAccumulatesConfusion(t *testing.T) {
	report, err := Run(context.Background(), brightness{}, testConfig(writeFixture(t)), quiet)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Images)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 3, report.Batches)
	assert.InDelta(t, 0.8, report.Accuracy(), 1e-9)
	assert.Equal(t, [][]int{{2, 1}, {0, 2}}, report.Confusion.Rows())
	assert.Positive(t, report.ImagesPerSec)
}

func TestRunEpochsAndMaxBatches(t *testing.T) {
	roots := writeFixture(t)

	cfg := testConfig(roots)
	cfg.Epochs = 2
	report, err := Run(context.Background(), brightness{}, cfg, quiet)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Images)

	cfg = testConfig(roots)
	cfg.MaxBatches = 1
	report, err = Run(context.Background(), brightness{}, cfg, quiet)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Batches)
	assert.Equal(t, 2, report.Images)
}

func TestRunValidates(t *testing.T) {
	cfg := testConfig(nil)
	cfg.BatchSize = 0
	_, err := Run(context.Background(), brightness{}, cfg, quiet)
	assert.Error(t, err)

	_, err = Run(context.Background(), brightness{}, testConfig(nil), quiet)
	assert.ErrorContains(t, err, "no dataset roots")

	cfg = testConfig(writeFixture(t))
	cfg.Input.Channels = 0
	_, err = Run(context.Background(), brightness{}, cfg, quiet)
	assert.ErrorIs(t, err, preprocess.ErrOptions)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, brightness{}, testConfig(writeFixture(t)), quiet)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunSkipsOversizedImages(t *testing.T) {
	root := t.TempDir()
	tiny := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range tiny.Pix {
		tiny.Pix[i] = 255
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, tiny))
	require.NoError(t, dataset.WriteShard(filepath.Join(root, dataset.ShardName(0)), ".png", []dataset.Sample{
		{Key: "big", Image: pngOf(t, color.White), Label: 1},
		{Key: "tiny", Image: buf.Bytes(), Label: 1},
	}))
	roots, err := dataset.DiscoverByRoot([]string{root})
	require.NoError(t, err)

	cfg := testConfig(roots)
	cfg.Input.MaxPixels = 10
	report, err := Run(context.Background(), brightness{}, cfg, quiet)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Images)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, [][]int{{0, 0}, {0, 1}}, report.Confusion.Rows())
}
