package zoo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"tipburn/internal/tensor"
)

// ErrOffline is returned when weights are missing and downloads are disabled.
var ErrOffline = errors.New("zoo: weights not cached and downloads are disabled")

// Store is an on-disk cache of weight sets, filled on demand over HTTP.
type Store struct {
	dir      string
	offline  bool
	client   *http.Client
	progress io.Writer
	logger   *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithOffline disables downloads.
func WithOffline(offline bool) StoreOption {
	return func(s *Store) { s.offline = offline }
}

// WithHTTPClient overrides the download client.
func WithHTTPClient(c *http.Client) StoreOption {
	return func(s *Store) { s.client = c }
}

// WithProgress renders a download progress bar to w.
func WithProgress(w io.Writer) StoreOption {
	return func(s *Store) { s.progress = w }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		dir:      dir,
		client:   &http.Client{Timeout: 30 * time.Minute},
		progress: io.Discard,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Path is where ws is cached.
func (s *Store) Path(ws WeightSet) string { return filepath.Join(s.dir, ws.FileName()) }

// Cached reports whether ws is already on disk.
func (s *Store) Cached(ws WeightSet) bool {
	info, err := os.Stat(s.Path(ws))
	return err == nil && info.Mode().IsRegular()
}

// Fetch makes sure ws is on disk and returns its path.
func (s *Store) Fetch(ctx context.Context, ws WeightSet) (string, error) {
	path := s.Path(ws)
	if s.Cached(ws) {
		s.logger.Debug("weights cached", "arch", ws.Architecture, "weights", ws.ID, "path", path)
		return path, nil
	}
	if s.offline {
		return "", fmt.Errorf("%w: %s", ErrOffline, path)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create weights dir: %w", err)
	}
	s.logger.Info("downloading weights", "arch", ws.Architecture, "weights", ws.ID, "url", ws.URL)
	start := time.Now()
	if err := s.download(ctx, ws, path); err != nil {
		return "", err
	}
	s.logger.Info("weights downloaded", "path", path, "elapsed", time.Since(start).Round(time.Millisecond))
	return path, nil
}

func (s *Store) download(ctx context.Context, ws WeightSet, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ws.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", ws.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", ws.URL, resp.Status)
	}

	tmp, err := os.CreateTemp(s.dir, ws.FileName()+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	bar := progressbar.NewOptions64(resp.ContentLength,
		progressbar.OptionSetWriter(s.progress),
		progressbar.OptionSetDescription(ws.Architecture+" "+ws.ID),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(s.progress) }),
	)
	_, err = io.Copy(io.MultiWriter(tmp, bar), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	_ = bar.Finish()
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("install weights: %w", err)
	}
	return nil
}

// Load resolves id for arch, fetching the file if needed, and returns its
// tensors keyed by parameter name. It returns a nil map when id selects no
// pretrained weights.
func (s *Store) Load(ctx context.Context, arch, id string) (map[string]*tensor.Tensor, error) {
	ws, ok, err := ResolveWeights(arch, id)
	if err != nil || !ok {
		return nil, err
	}
	path, err := s.Fetch(ctx, ws)
	if err != nil {
		return nil, err
	}
	return ReadSafetensorsFile(path)
}
