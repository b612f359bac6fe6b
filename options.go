package dctree

import (
	"github.com/dctree/dctree/env"
	"github.com/dctree/dctree/page"
	"github.com/sirupsen/logrus"
)

// Options configures Open. The zero value plus Open's defaults
// (4096-byte pages, a real-filesystem environment, a silent logger)
// is sufficient for typical use; YAML-driven configuration lives in
// cmd/dctreectl, not here, per spec.md §6.2 ("the library API itself
// takes a Go struct, never parses config files directly").
type Options struct {
	PageSize uint32        `yaml:"page_size"`
	DirectIO bool          `yaml:"direct_io"`
	Logger   *logrus.Entry `yaml:"-"`
	env      env.Env       // overridden by WithEnvironment, e.g. for tests
}

// Option mutates Options; see With* constructors below.
type Option func(*Options)

// WithPageSize sets the on-disk page size. Must be a power of two in
// [page.MinSize, page.MaxSize]; default page.DefaultSize.
func WithPageSize(size uint32) Option {
	return func(o *Options) { o.PageSize = size }
}

// WithDirectIO requests O_DIRECT on the real filesystem environment.
// Ignored when WithEnvironment supplies a non-file environment.
func WithDirectIO(enabled bool) Option {
	return func(o *Options) { o.DirectIO = enabled }
}

// WithLogger attaches a logrus.Entry for structured diagnostics.
// Silent by default: a library should not write to stderr unasked.
func WithLogger(log *logrus.Entry) Option {
	return func(o *Options) { o.Logger = log }
}

// WithEnvironment overrides the Environment entirely, e.g. to run
// against env.NewSimEnv() in tests instead of the real filesystem.
func WithEnvironment(e env.Env) Option {
	return func(o *Options) { o.env = e }
}

func defaultOptions() *Options {
	return &Options{
		PageSize: page.DefaultSize,
	}
}
