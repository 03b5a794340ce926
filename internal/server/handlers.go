package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tipburn/internal/classifier"
	"tipburn/internal/preprocess"
)

const imageField = "image"

type predictResponse struct {
	RequestID   string                  `json:"request_id"`
	Backbone    string                  `json:"backbone"`
	Predictions []classifier.Prediction `json:"predictions"`
	ElapsedMS   float64                 `json:"elapsed_ms"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) modelInfo(c *gin.Context) {
	snap := s.Current()
	sum := snap.Model.Summary()
	c.JSON(http.StatusOK, gin.H{
		"backbone":             sum.Backbone,
		"weights":              snap.Weights,
		"in_channels":          sum.InChannels,
		"classes":              sum.Classes,
		"labels":               snap.Labels,
		"image_size":           snap.Input.Size,
		"features":             sum.Features,
		"total_parameters":     sum.Total,
		"trainable_parameters": sum.Trainable,
		"loaded_at":            snap.Loaded.Format(time.RFC3339),
		"latency":              s.latency.Stats(),
	})
}

func (s *Server) predict(c *gin.Context) {
	start := time.Now()
	snap := s.Current()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
			return
		}
		abort(c, http.StatusBadRequest, "expected a multipart form with an '"+imageField+"' field")
		return
	}
	files := form.File[imageField]
	if len(files) == 0 {
		abort(c, http.StatusBadRequest, "no image provided; use '"+imageField+"' as the form field name")
		return
	}
	if len(files) > s.maxImages {
		abort(c, http.StatusBadRequest, fmt.Sprintf("at most %d images per request (got %d)", s.maxImages, len(files)))
		return
	}

	blobs := make([][]byte, len(files))
	for i, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			abort(c, http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
			return
		}
		blobs[i] = data
	}

	batch, err := preprocess.DecodeBatch(blobs, snap.Input)
	if errors.Is(err, preprocess.ErrTooLarge) {
		abort(c, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid image, supported formats are JPEG and PNG: "+err.Error())
		return
	}
	preds, err := snap.Model.Predict(batch, snap.Labels)
	if err != nil {
		s.logger.Error("prediction failed", "request_id", c.GetString(requestIDKey), "err", err)
		abort(c, http.StatusInternalServerError, "prediction failed")
		return
	}

	elapsed := time.Since(start)
	s.latency.Observe(elapsed)
	c.JSON(http.StatusOK, predictResponse{
		RequestID:   c.GetString(requestIDKey),
		Backbone:    snap.Model.Summary().Backbone,
		Predictions: preds,
		ElapsedMS:   float64(elapsed.Microseconds()) / 1000,
	})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":      msg,
		"request_id": c.GetString(requestIDKey),
	})
}
