package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestStreamShardPairsEntries(t *testing.T) {
	buf := buildShard(map[string]filePair{
		"000001": {imageExt: ".jpg", image: []byte("jpeg"), label: 3},
		"000002": {imageExt: ".png", image: []byte("png"), label: 7},
	})

	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}

	ctx := context.Background()
	samplesCh, errCh := StreamShard(ctx, shard, 4)

	samples, err := drainShard(samplesCh, errCh)
	if err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	for _, s := range samples {
		if s.Shard != shard {
			t.Fatalf("sample %s has shard %q", s.Key, s.Shard)
		}
	}
}

func TestWriteShardRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ShardName(3))
	in := []Sample{
		{Key: "leaf-b", Image: []byte("bbb"), Label: 1},
		{Key: "leaf-a", Image: []byte("aa"), Label: 0},
	}
	if err := WriteShard(path, ".png", in); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}

	samples, err := drainShard(StreamShard(context.Background(), path, 0))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].Key != "leaf-a" || samples[0].Label != 0 || string(samples[0].Image) != "aa" {
		t.Fatalf("unexpected first sample: %+v", samples[0])
	}
	if samples[1].Key != "leaf-b" || samples[1].Label != 1 {
		t.Fatalf("unexpected second sample: %+v", samples[1])
	}
}

func TestStreamShardErrors(t *testing.T) {
	dir := t.TempDir()

	incomplete := &bytes.Buffer{}
	tw := tar.NewWriter(incomplete)
	addTarEntry(tw, "orphan.jpg", []byte("x"))
	tw.Close()
	badLabel := &bytes.Buffer{}
	tw = tar.NewWriter(badLabel)
	addTarEntry(tw, "k.jpg", []byte("x"))
	addTarEntry(tw, "k.cls", []byte("tipburn"))
	tw.Close()
	overflow := &bytes.Buffer{}
	tw = tar.NewWriter(overflow)
	for i := 0; i < 3; i++ {
		addTarEntry(tw, strconv.Itoa(i)+".jpg", []byte("x"))
	}
	tw.Close()

	tests := []struct {
		name    string
		data    []byte
		cap     int
		wantErr string
	}{
		{name: "incomplete", data: incomplete.Bytes(), wantErr: "incomplete"},
		{name: "bad label", data: badLabel.Bytes(), wantErr: "parse label"},
		{name: "overflow", data: overflow.Bytes(), cap: 2, wantErr: ErrPendingOverflow.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".tar")
			if err := os.WriteFile(path, tt.data, 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err := drainShard(StreamShard(context.Background(), path, tt.cap))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	_, err := drainShard(StreamShard(context.Background(), filepath.Join(dir, "missing.tar"), 0))
	if err == nil {
		t.Fatal("expected error for missing shard")
	}
}

func drainShard(samplesCh <-chan Sample, errCh <-chan error) ([]Sample, error) {
	var samples []Sample
	for sample := range samplesCh {
		samples = append(samples, sample)
	}
	return samples, <-errCh
}

func buildShard(data map[string]filePair) *bytes.Buffer {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for key, pair := range data {
		addTarEntry(tw, key+pair.imageExt, pair.image)
		addTarEntry(tw, key+".cls", []byte(strconv.Itoa(pair.label)))
	}
	tw.Close()
	return buf
}

type filePair struct {
	imageExt string
	image    []byte
	label    int
}

func addTarEntry(tw *tar.Writer, name string, data []byte) {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		panic(err)
	}
	if _, err := tw.Write(data); err != nil {
		panic(err)
	}
}
