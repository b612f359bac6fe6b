// Package dctree is the library facade over the disk-based,
// latch-coupled B+-tree storage engine described in spec.md: a single
// heap file holding a concurrent index of byte-string keys to
// byte-string values, opened once per process and safe for concurrent
// Get/Insert calls.
package dctree

import (
	"github.com/dctree/dctree/env"
	"github.com/dctree/dctree/tree"
	"github.com/sirupsen/logrus"
)

// Tree is an open handle on a heap file's B+-tree index.
type Tree struct {
	t *tree.Tree
}

// Open opens or creates the heap file at path and returns a ready
// Tree, per spec.md §4.5 `open`.
func Open(path string, opts ...Option) (*Tree, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	log := o.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(discardWriter{})
		log = logrus.NewEntry(l)
	}

	e := o.env
	if e == nil {
		e = env.NewFileEnv(log, o.DirectIO)
	}

	t, err := tree.Open(e, path, o.PageSize, log)
	if err != nil {
		return nil, err
	}
	return &Tree{t: t}, nil
}

// Get returns the value stored for key, or (nil, nil) if key is
// absent. A non-nil error indicates a genuine failure (I/O, corrupt
// page), never a missing key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	v, ok, err := t.t.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return v, nil
}

// Insert installs key/value. Returns ErrKeyAlreadyExists if key is
// already present; delete and update-in-place are not supported
// (spec.md §9).
func (t *Tree) Insert(key, value []byte) error {
	return t.t.Insert(key, value)
}

// Close flushes all dirty pages and closes the heap file.
func (t *Tree) Close() error {
	return t.t.Close()
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
