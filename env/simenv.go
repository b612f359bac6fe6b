package env

import (
	"sync"

	"github.com/dsnet/golib/memfile"
)

// SimEnv is the in-memory Environment spec.md §4.1 requires alongside
// the real filesystem one, so tree and buffer-pool tests never touch
// disk. Each path maps to an independent memfile.File; re-opening the
// same path within one SimEnv returns the same backing buffer, which
// is what lets dctree's persistence tests "close and reopen" without
// an actual file.
type SimEnv struct {
	mu    sync.Mutex
	files map[string]*memfile.File
}

// NewSimEnv returns an empty in-memory environment.
func NewSimEnv() *SimEnv {
	return &SimEnv{files: make(map[string]*memfile.File)}
}

func (e *SimEnv) OpenFile(path string) (File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.files[path]
	if !ok {
		f = memfile.New(nil)
		e.files[path] = f
	}
	return &simFile{mf: f}, nil
}

func (e *SimEnv) SpawnBackground(f func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	return done
}

// simFile adapts a shared *memfile.File to the File interface. Reads
// and writes are serialized with a mutex: memfile.File is not safe
// for concurrent positional access from multiple goroutines on its
// own, and dctree's own frame latches only serialize access to a
// single page's bytes, not the whole backing file.
type simFile struct {
	mu sync.Mutex
	mf *memfile.File
}

func (f *simFile) ReadAt(buf []byte, pos int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.mf.ReadAt(buf, pos)
	if isEOF(err) {
		// Positional read past end-of-file returns (0, nil), not an
		// error, per spec.md §4.1. memfile reports io.EOF once it
		// has delivered every byte available; dctree treats a read
		// that ran past the end the same way a sparse real file would.
		err = nil
	}
	return n, err
}

func (f *simFile) WriteAt(buf []byte, pos int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// memfile.File.WriteAt auto-extends the backing buffer, matching
	// the positional-write contract spec.md §4.1 requires.
	return f.mf.WriteAt(buf, pos)
}

func (f *simFile) SyncData() error { return nil }
func (f *simFile) SyncAll() error  { return nil }
func (f *simFile) Close() error    { return nil }

func (f *simFile) FileSize() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.mf.Bytes())), nil
}
