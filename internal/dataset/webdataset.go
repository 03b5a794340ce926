// Package dataset streams labelled images from WebDataset shards: tar files
// named shard-NNNNNN.tar holding <key>.jpg|.jpeg|.png entries paired with a
// <key>.cls entry that carries the integer class index.
package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Sample is one image paired with its class index.
type Sample struct {
	Key   string
	Shard string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}

// pairer matches image and label entries that share a key.
type pairer struct {
	shard   string
	cap     int
	pending map[string]*partial
}

func (p *pairer) get(key string) *partial {
	part := p.pending[key]
	if part == nil {
		part = &partial{}
		p.pending[key] = part
	}
	return part
}

// add consumes one tar entry. It returns a sample once both halves of a key
// have been seen.
func (p *pairer) add(name string, r io.Reader) (Sample, bool, error) {
	ext := strings.ToLower(filepath.Ext(name))
	key := strings.TrimSuffix(name, filepath.Ext(name))

	switch ext {
	case ".jpg", ".jpeg", ".png":
		data, err := io.ReadAll(r)
		if err != nil {
			return Sample{}, false, fmt.Errorf("read image %s: %w", name, err)
		}
		p.get(key).image = data
	case ".cls":
		payload, err := io.ReadAll(r)
		if err != nil {
			return Sample{}, false, fmt.Errorf("read label %s: %w", name, err)
		}
		label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
		if err != nil {
			return Sample{}, false, fmt.Errorf("parse label %s: %w", name, err)
		}
		p.get(key).label = &label
	default:
		return Sample{}, false, nil
	}

	if len(p.pending) > p.cap {
		return Sample{}, false, ErrPendingOverflow
	}
	part := p.pending[key]
	if !part.ready() {
		return Sample{}, false, nil
	}
	delete(p.pending, key)
	return Sample{Key: key, Shard: p.shard, Image: part.image, Label: *part.label}, true, nil
}

// StreamShard streams paired samples from the shard at path. The error
// channel yields at most one error and is closed after the sample channel.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(out)

		if err := streamShard(ctx, path, pendingCap, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

func streamShard(ctx context.Context, path string, pendingCap int, out chan<- Sample) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	p := &pairer{shard: path, cap: pendingCap, pending: make(map[string]*partial)}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar %s: %w", path, err)
		}
		if !hdr.FileInfo().Mode().IsRegular() {
			continue
		}
		sample, ok, err := p.add(filepath.Base(hdr.Name), tr)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- sample:
		}
	}

	if len(p.pending) > 0 {
		return fmt.Errorf("%s: %d samples incomplete", filepath.Base(path), len(p.pending))
	}
	return nil
}

// WriteShard writes samples to a new shard at path, in key order. The image
// extension is taken from ext (".jpg" or ".png").
func WriteShard(path, ext string, samples []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard: %w", err)
	}
	sorted := append([]Sample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	tw := tar.NewWriter(f)
	for _, s := range sorted {
		if err := writeEntry(tw, s.Key+ext, s.Image); err != nil {
			f.Close()
			return err
		}
		if err := writeEntry(tw, s.Key+".cls", []byte(strconv.Itoa(s.Label))); err != nil {
			f.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	return f.Close()
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644, Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
