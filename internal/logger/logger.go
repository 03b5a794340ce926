// Package logger builds the process-wide slog logger: a colourised console
// handler and an optional rotated JSON log file.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	level   slog.Level
	json    bool
	color   bool
	writer  io.Writer
	file    string
	maxSize int
	backups int
}

// Option configures New.
type Option func(*options)

// WithLevel sets the minimum level.
func WithLevel(l slog.Level) Option {
	return func(o *options) { o.level = l }
}

// WithJSON switches the console handler to JSON lines.
func WithJSON(json bool) Option {
	return func(o *options) { o.json = json }
}

// WithColor toggles ANSI colours on the console handler.
func WithColor(color bool) Option {
	return func(o *options) { o.color = color }
}

// WithWriter redirects console output, stderr by default.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithLogFile additionally writes JSON records to path, rotated at maxSizeMB
// keeping backups old files.
func WithLogFile(path string, maxSizeMB, backups int) Option {
	return func(o *options) {
		o.file = path
		o.maxSize = maxSizeMB
		o.backups = backups
	}
}

// New returns a logger configured by opts. The returned closer flushes the
// log file, if any.
func New(opts ...Option) (*slog.Logger, io.Closer) {
	o := options{level: slog.LevelInfo, color: true, writer: os.Stderr, maxSize: 50, backups: 3}
	for _, opt := range opts {
		opt(&o)
	}

	var console slog.Handler
	if o.json {
		console = slog.NewJSONHandler(o.writer, &slog.HandlerOptions{Level: o.level})
	} else {
		console = tint.NewHandler(o.writer, &tint.Options{
			Level:      o.level,
			TimeFormat: time.TimeOnly,
			NoColor:    !o.color,
		})
	}
	if o.file == "" {
		return slog.New(console), nopCloser{}
	}

	rotator := &lumberjack.Logger{
		Filename:   o.file,
		MaxSize:    o.maxSize,
		MaxBackups: o.backups,
		Compress:   true,
	}
	file := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: o.level})
	return slog.New(fanout{console, file}), rotator
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout sends every record to all of its handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
