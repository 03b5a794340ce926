// Package preprocess turns encoded images into normalised model input
// tensors.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"

	"tipburn/internal/tensor"
)

// ErrOptions is wrapped by invalid Options.
var ErrOptions = errors.New("preprocess: invalid options")

// ErrTooLarge is wrapped when an image declares more pixels than allowed.
var ErrTooLarge = errors.New("preprocess: image too large")

// DefaultMaxPixels caps decoded images at 50 megapixels.
const DefaultMaxPixels = 50_000_000

var (
	imageNetMean = []float32{0.485, 0.456, 0.406}
	imageNetStd  = []float32{0.229, 0.224, 0.225}
)

// Gray statistics are the channel averages of the ImageNet ones.
const (
	grayMean = 0.449
	grayStd  = 0.226
)

// Options controls resizing and normalisation.
type Options struct {
	// Size is the square side images are resized to.
	Size     int
	Channels int
	// Mean and Std have one entry per channel, or a single entry applied to
	// every channel.
	Mean []float32
	Std  []float32
	// MaxPixels caps width*height of decoded images; 0 means
	// DefaultMaxPixels.
	MaxPixels int
}

// DefaultOptions uses 224 pixel images and ImageNet statistics where the
// channel layout allows it.
func DefaultOptions(channels int) Options {
	o := Options{Size: 224, Channels: channels, MaxPixels: DefaultMaxPixels}
	switch channels {
	case 3:
		o.Mean, o.Std = imageNetMean, imageNetStd
	case 4:
		o.Mean = append(append([]float32(nil), imageNetMean...), 0)
		o.Std = append(append([]float32(nil), imageNetStd...), 1)
	default:
		o.Mean, o.Std = []float32{grayMean}, []float32{grayStd}
	}
	return o
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Size <= 0 {
		return fmt.Errorf("%w: size must be > 0 (got %d)", ErrOptions, o.Size)
	}
	if o.Channels <= 0 {
		return fmt.Errorf("%w: channels must be > 0 (got %d)", ErrOptions, o.Channels)
	}
	if n := len(o.Mean); n != 1 && n != o.Channels {
		return fmt.Errorf("%w: %d mean values for %d channels", ErrOptions, n, o.Channels)
	}
	if n := len(o.Std); n != 1 && n != o.Channels {
		return fmt.Errorf("%w: %d std values for %d channels", ErrOptions, n, o.Channels)
	}
	if o.MaxPixels < 0 {
		return fmt.Errorf("%w: max pixels must be >= 0 (got %d)", ErrOptions, o.MaxPixels)
	}
	for _, s := range o.Std {
		if s <= 0 {
			return fmt.Errorf("%w: std must be > 0", ErrOptions)
		}
	}
	return nil
}

func (o Options) stat(vals []float32, c int) float32 {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals[c]
}

func (o Options) maxPixels() int {
	if o.MaxPixels == 0 {
		return DefaultMaxPixels
	}
	return o.MaxPixels
}

// Decode decodes a JPEG or PNG image. The header is checked first, so an
// image declaring more than MaxPixels is rejected with ErrTooLarge before
// any pixel memory is allocated.
func (o Options) Decode(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if limit := o.maxPixels(); int64(cfg.Width)*int64(cfg.Height) > int64(limit) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, limit)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// ToTensor resizes img and returns a [channels, size, size] tensor.
// One channel is luminance, three are RGB and four are RGBA. Any other count
// repeats luminance.
func ToTensor(img image.Image, o Options) (*tensor.Tensor, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	size := o.Size
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	b := resized.Bounds()

	out := tensor.New(o.Channels, size, size)
	data := out.Data()
	plane := size * size
	px := make([]float32, 4)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			pixel(resized.At(b.Min.X+x, b.Min.Y+y), o.Channels, px)
			i := y*size + x
			for c := 0; c < o.Channels; c++ {
				v := px[0]
				if o.Channels == 3 || o.Channels == 4 {
					v = px[c]
				}
				data[c*plane+i] = (v - o.stat(o.Mean, c)) / o.stat(o.Std, c)
			}
		}
	}
	return out, nil
}

// pixel writes the [0,1] channel values of c into dst. For layouts other
// than RGB and RGBA only dst[0], the luminance, is meaningful.
func pixel(c color.Color, channels int, dst []float32) {
	if channels == 3 || channels == 4 {
		n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
		dst[0] = float32(n.R) / 0xffff
		dst[1] = float32(n.G) / 0xffff
		dst[2] = float32(n.B) / 0xffff
		dst[3] = float32(n.A) / 0xffff
		return
	}
	g := color.Gray16Model.Convert(c).(color.Gray16)
	dst[0] = float32(g.Y) / 0xffff
}

// Batch stacks the tensors of several images into [n, channels, size, size].
func Batch(imgs []image.Image, o Options) (*tensor.Tensor, error) {
	if len(imgs) == 0 {
		return nil, errors.New("preprocess: empty batch")
	}
	items := make([]*tensor.Tensor, len(imgs))
	for i, img := range imgs {
		t, err := ToTensor(img, o)
		if err != nil {
			return nil, err
		}
		items[i] = t
	}
	return tensor.Stack(items)
}

// DecodeBatch decodes and stacks encoded images.
func DecodeBatch(blobs [][]byte, o Options) (*tensor.Tensor, error) {
	imgs := make([]image.Image, len(blobs))
	for i, b := range blobs {
		img, err := o.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		imgs[i] = img
	}
	return Batch(imgs, o)
}

// LoadFiles reads, decodes and stacks the images at paths.
func LoadFiles(paths []string, o Options) (*tensor.Tensor, error) {
	imgs := make([]image.Image, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		img, err := o.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		imgs[i] = img
	}
	return Batch(imgs, o)
}
