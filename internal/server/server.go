// Package server exposes a classifier over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"tipburn/internal/classifier"
	"tipburn/internal/metrics"
	"tipburn/internal/preprocess"
	"tipburn/internal/tensor"
)

// Model is what the server needs from a classifier.
type Model interface {
	Predict(x *tensor.Tensor, labels []string) ([]classifier.Prediction, error)
	Summary() classifier.Summary
}

// Snapshot is the model currently being served together with the settings
// that belong to it. It is replaced as a whole on reload.
type Snapshot struct {
	Model  Model
	Labels []string
	Input  preprocess.Options
	// Weights names the weight set the model was built from.
	Weights string
	Loaded  time.Time
}

// Options configures a Server.
type Options struct {
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit   float64
	Burst       int
	MaxUploadMB int
	MaxImages   int
	Logger      *slog.Logger
}

// Server serves predictions from the current snapshot.
type Server struct {
	engine    *gin.Engine
	snapshot  atomic.Pointer[Snapshot]
	limiter   *rate.Limiter
	latency   metrics.Latency
	maxUpload int64
	maxImages int
	logger    *slog.Logger
	started   time.Time
}

// New builds a server around snap.
func New(snap *Snapshot, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 16
	}
	if opts.MaxImages <= 0 {
		opts.MaxImages = 8
	}
	s := &Server{
		maxUpload: int64(opts.MaxUploadMB) << 20,
		maxImages: opts.MaxImages,
		logger:    opts.Logger,
		started:   time.Now(),
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))
	}
	s.snapshot.Store(snap)
	s.engine = s.routes()
	return s
}

// Swap replaces the served model. In-flight requests finish on the snapshot
// they started with.
func (s *Server) Swap(snap *Snapshot) {
	old := s.snapshot.Swap(snap)
	s.logger.Info("model swapped",
		"backbone", snap.Model.Summary().Backbone,
		"weights", snap.Weights,
		"previous_loaded", old.Loaded.Format(time.RFC3339),
	)
}

// Current returns the snapshot being served.
func (s *Server) Current() *Snapshot { return s.snapshot.Load() }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(accessLog(s.logger))

	router.GET("/healthz", s.health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/model", s.modelInfo)
		v1.POST("/predict", rateLimit(s.limiter), s.predict)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "endpoint not found",
			"path":  c.Request.URL.Path,
		})
	})
	return router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
