package tensor

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MaxPool2D takes the maximum over square windows. Padded positions never win.
func MaxPool2D(x *Tensor, kernel, stride, padding int) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, shapeErr("maxpool2d", "input must be 4-D, got %v", x.shape)
	}
	if stride <= 0 {
		stride = kernel
	}
	n, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	if h+2*padding < kernel || w+2*padding < kernel {
		return nil, shapeErr("maxpool2d", "input %dx%d is smaller than kernel %d", h, w, kernel)
	}
	ho := (h+2*padding-kernel)/stride + 1
	wo := (w+2*padding-kernel)/stride + 1
	out := New(n, c, ho, wo)
	negInf := float32(math.Inf(-1))
	for p := 0; p < n*c; p++ {
		src := x.data[p*h*w : (p+1)*h*w]
		dst := out.data[p*ho*wo : (p+1)*ho*wo]
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				best := negInf
				for ky := 0; ky < kernel; ky++ {
					iy := oy*stride - padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kernel; kx++ {
						ix := ox*stride - padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						if v := src[iy*w+ix]; v > best {
							best = v
						}
					}
				}
				dst[oy*wo+ox] = best
			}
		}
	}
	return out, nil
}

// AdaptiveAvgPool2D averages x into an outH x outW grid. Bin edges follow
// floor(i*H/outH) .. ceil((i+1)*H/outH).
func AdaptiveAvgPool2D(x *Tensor, outH, outW int) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, shapeErr("adaptive_avgpool2d", "input must be 4-D, got %v", x.shape)
	}
	n, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	if h == 0 || w == 0 {
		return nil, shapeErr("adaptive_avgpool2d", "empty spatial extent %dx%d", h, w)
	}
	out := New(n, c, outH, outW)
	for p := 0; p < n*c; p++ {
		src := x.data[p*h*w : (p+1)*h*w]
		dst := out.data[p*outH*outW : (p+1)*outH*outW]
		for oy := 0; oy < outH; oy++ {
			y0, y1 := oy*h/outH, ((oy+1)*h+outH-1)/outH
			for ox := 0; ox < outW; ox++ {
				x0, x1 := ox*w/outW, ((ox+1)*w+outW-1)/outW
				var sum float32
				for iy := y0; iy < y1; iy++ {
					for ix := x0; ix < x1; ix++ {
						sum += src[iy*w+ix]
					}
				}
				dst[oy*outW+ox] = sum / float32((y1-y0)*(x1-x0))
			}
		}
	}
	return out, nil
}

// BatchNorm applies inference-mode batch normalisation per channel of an
// NCHW tensor using running statistics.
func BatchNorm(x, mean, variance, gamma, beta *Tensor, eps float32) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, shapeErr("batchnorm", "input must be 4-D, got %v", x.shape)
	}
	c := x.shape[1]
	for _, t := range []*Tensor{mean, variance, gamma, beta} {
		if !t.HasShape(c) {
			return nil, shapeErr("batchnorm", "statistic %v does not match %d channels", t.shape, c)
		}
	}
	n, plane := x.shape[0], x.shape[2]*x.shape[3]
	out := New(x.shape...)
	for ch := 0; ch < c; ch++ {
		scale := gamma.data[ch] / float32(math.Sqrt(float64(variance.data[ch]+eps)))
		shift := beta.data[ch] - mean.data[ch]*scale
		for i := 0; i < n; i++ {
			off := (i*c + ch) * plane
			src := x.data[off : off+plane]
			dst := out.data[off : off+plane]
			for j, v := range src {
				dst[j] = v*scale + shift
			}
		}
	}
	return out, nil
}

// ReLU returns max(x, 0) as a new tensor.
func ReLU(x *Tensor) *Tensor {
	out := x.Clone()
	ReLUInPlace(out)
	return out
}

// ReLUInPlace clamps negative values of x to zero.
func ReLUInPlace(x *Tensor) {
	for i, v := range x.data {
		if v < 0 {
			x.data[i] = 0
		}
	}
}

// AddInPlace adds src to dst element-wise.
func AddInPlace(dst, src *Tensor) error {
	if !dst.HasShape(src.shape...) {
		return shapeErr("add", "%v + %v", dst.shape, src.shape)
	}
	for i, v := range src.data {
		dst.data[i] += v
	}
	return nil
}

// Linear computes x·wᵀ + b for x [N,in], w [out,in] and optional b [out].
func Linear(x, w, b *Tensor) (*Tensor, error) {
	if x.Rank() != 2 || w.Rank() != 2 {
		return nil, shapeErr("linear", "want 2-D input and weight, got %v and %v", x.shape, w.shape)
	}
	n, in := x.shape[0], x.shape[1]
	outF, win := w.shape[0], w.shape[1]
	if in != win {
		return nil, shapeErr("linear", "input has %d features, weight expects %d", in, win)
	}
	if b != nil && !b.HasShape(outF) {
		return nil, shapeErr("linear", "bias %v does not match %d outputs", b.shape, outF)
	}
	out := New(n, outF)
	if n == 0 || outF == 0 || in == 0 {
		return out, nil
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: n, Cols: in, Stride: in, Data: x.data},
		blas32.General{Rows: outF, Cols: in, Stride: in, Data: w.data},
		0, blas32.General{Rows: n, Cols: outF, Stride: outF, Data: out.data})
	if b != nil {
		for i := 0; i < n; i++ {
			row := out.data[i*outF : (i+1)*outF]
			for j := range row {
				row[j] += b.data[j]
			}
		}
	}
	return out, nil
}

// Softmax normalises each row of a 2-D tensor into probabilities.
func Softmax(x *Tensor) (*Tensor, error) {
	if x.Rank() != 2 {
		return nil, shapeErr("softmax", "input must be 2-D, got %v", x.shape)
	}
	out := New(x.shape...)
	cols := x.shape[1]
	if cols == 0 {
		return out, nil
	}
	for i := 0; i < x.shape[0]; i++ {
		src := x.data[i*cols : (i+1)*cols]
		dst := out.data[i*cols : (i+1)*cols]
		maxV := src[0]
		for _, v := range src {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for j, v := range src {
			e := math.Exp(float64(v - maxV))
			dst[j] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for j := range dst {
			dst[j] *= inv
		}
	}
	return out, nil
}

// ArgMax returns the index of the largest value in each row of a 2-D tensor.
func ArgMax(x *Tensor) ([]int, error) {
	if x.Rank() != 2 {
		return nil, shapeErr("argmax", "input must be 2-D, got %v", x.shape)
	}
	rows, cols := x.shape[0], x.shape[1]
	idx := make([]int, rows)
	if cols == 0 {
		return idx, nil
	}
	for i := 0; i < rows; i++ {
		row := x.data[i*cols : (i+1)*cols]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		idx[i] = best
	}
	return idx, nil
}
