package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv2DParams describes the geometry of a 2-D convolution. Zero strides are
// treated as 1.
type Conv2DParams struct {
	Stride  [2]int
	Padding [2]int
}

// Conv2D convolves x [N,C,H,W] with w [O,C,KH,KW] and adds the optional bias
// b [O]. Dilation is 1 and groups is 1.
//
// Each batch item is lowered to an im2col matrix and multiplied with the
// flattened kernel, so the heavy lifting happens in a single SGEMM per item.
func Conv2D(x, w, b *Tensor, p Conv2DParams) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, shapeErr("conv2d", "input must be 4-D, got %v", x.shape)
	}
	if w.Rank() != 4 {
		return nil, shapeErr("conv2d", "weight must be 4-D, got %v", w.shape)
	}
	n, c, h, wd := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	o, wc, kh, kw := w.shape[0], w.shape[1], w.shape[2], w.shape[3]
	if wc != c {
		return nil, shapeErr("conv2d", "input has %d channels, weight expects %d", c, wc)
	}
	if b != nil && !b.HasShape(o) {
		return nil, shapeErr("conv2d", "bias %v does not match %d output channels", b.shape, o)
	}
	sh, sw := max(p.Stride[0], 1), max(p.Stride[1], 1)
	ph, pw := p.Padding[0], p.Padding[1]
	if h+2*ph < kh || wd+2*pw < kw {
		return nil, shapeErr("conv2d", "input %dx%d (padding %d,%d) is smaller than kernel %dx%d", h, wd, ph, pw, kh, kw)
	}
	ho := (h+2*ph-kh)/sh + 1
	wo := (wd+2*pw-kw)/sw + 1

	out := New(n, o, ho, wo)
	k := c * kh * kw
	l := ho * wo
	if n == 0 || o == 0 || k == 0 {
		return out, nil
	}

	weight := blas32.General{Rows: o, Cols: k, Stride: k, Data: w.data}
	direct := kh == 1 && kw == 1 && sh == 1 && sw == 1 && ph == 0 && pw == 0
	var cols []float32
	if !direct {
		cols = make([]float32, k*l)
	}
	plane := c * h * wd
	for i := 0; i < n; i++ {
		src := x.data[i*plane : (i+1)*plane]
		if direct {
			cols = src
		} else {
			im2col(src, c, h, wd, kh, kw, sh, sw, ph, pw, ho, wo, cols)
		}
		dst := out.data[i*o*l : (i+1)*o*l]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weight,
			blas32.General{Rows: k, Cols: l, Stride: l, Data: cols},
			0, blas32.General{Rows: o, Cols: l, Stride: l, Data: dst})
		if b != nil {
			for oc := 0; oc < o; oc++ {
				bias := b.data[oc]
				row := dst[oc*l : (oc+1)*l]
				for j := range row {
					row[j] += bias
				}
			}
		}
	}
	return out, nil
}

// im2col writes one row per (channel, ky, kx) triple, matching the
// [O][C][KH][KW] weight layout.
func im2col(src []float32, c, h, w, kh, kw, sh, sw, ph, pw, ho, wo int, dst []float32) {
	l := ho * wo
	row := 0
	for ci := 0; ci < c; ci++ {
		plane := src[ci*h*w : (ci+1)*h*w]
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				out := dst[row*l : (row+1)*l]
				idx := 0
				for oy := 0; oy < ho; oy++ {
					iy := oy*sh - ph + ki
					if iy < 0 || iy >= h {
						for ox := 0; ox < wo; ox++ {
							out[idx] = 0
							idx++
						}
						continue
					}
					base := iy * w
					for ox := 0; ox < wo; ox++ {
						ix := ox*sw - pw + kj
						if ix < 0 || ix >= w {
							out[idx] = 0
						} else {
							out[idx] = plane[base+ix]
						}
						idx++
					}
				}
				row++
			}
		}
	}
}
