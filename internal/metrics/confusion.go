package metrics

import (
	"fmt"
	"strings"
)

// Confusion is a square confusion matrix indexed [actual][predicted].
type Confusion struct {
	counts [][]int
}

// NewConfusion returns an empty matrix for n classes.
func NewConfusion(n int) *Confusion {
	counts := make([][]int, n)
	for i := range counts {
		counts[i] = make([]int, n)
	}
	return &Confusion{counts: counts}
}

// Classes is the matrix size.
func (c *Confusion) Classes() int { return len(c.counts) }

// Add records one prediction. Out of range indices are rejected.
func (c *Confusion) Add(actual, predicted int) error {
	n := len(c.counts)
	if actual < 0 || actual >= n || predicted < 0 || predicted >= n {
		return fmt.Errorf("metrics: class pair (%d, %d) outside [0, %d)", actual, predicted, n)
	}
	c.counts[actual][predicted]++
	return nil
}

// Count returns the number of samples of class actual predicted as predicted.
func (c *Confusion) Count(actual, predicted int) int { return c.counts[actual][predicted] }

// Total is the number of recorded samples.
func (c *Confusion) Total() int {
	n := 0
	for _, row := range c.counts {
		for _, v := range row {
			n += v
		}
	}
	return n
}

// Accuracy is the fraction of samples on the diagonal.
func (c *Confusion) Accuracy() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	hit := 0
	for i := range c.counts {
		hit += c.counts[i][i]
	}
	return float64(hit) / float64(total)
}

// Recall returns the per-class recall. Classes without samples report 0.
func (c *Confusion) Recall() []float64 {
	out := make([]float64, len(c.counts))
	for i, row := range c.counts {
		sum := 0
		for _, v := range row {
			sum += v
		}
		if sum > 0 {
			out[i] = float64(row[i]) / float64(sum)
		}
	}
	return out
}

// Rows returns a copy of the matrix.
func (c *Confusion) Rows() [][]int {
	out := make([][]int, len(c.counts))
	for i, row := range c.counts {
		out[i] = append([]int(nil), row...)
	}
	return out
}

// Format renders the matrix as a text table. labels may be nil.
func (c *Confusion) Format(labels []string) string {
	name := func(i int) string {
		if i < len(labels) {
			return labels[i]
		}
		return fmt.Sprint(i)
	}
	width := 6
	for i := range c.counts {
		width = max(width, len(name(i))+1)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%*s", width, "")
	for i := range c.counts {
		fmt.Fprintf(&b, "%*s", width, name(i))
	}
	b.WriteByte('\n')
	for i, row := range c.counts {
		fmt.Fprintf(&b, "%*s", width, name(i))
		for _, v := range row {
			fmt.Fprintf(&b, "%*d", width, v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
