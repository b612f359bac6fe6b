package env

import (
	"errors"
	"io"
	"os"

	"github.com/ncw/directio"
	"github.com/sirupsen/logrus"
)

// FileEnv is the real-filesystem Environment. It optionally opens
// files O_DIRECT via github.com/ncw/directio, bypassing the page
// cache -- spec.md §4.1 calls this out as an optional capability of
// the environment layer. Direct I/O requires every read/write offset
// and length to be a multiple of directio.AlignSize; dctree's default
// page size (4096) already satisfies that on the platforms directio
// supports, so no extra padding logic is needed in the common case.
type FileEnv struct {
	log      *logrus.Entry
	directIO bool
}

// NewFileEnv returns a FileEnv. When directIO is true, OpenFile uses
// O_DIRECT; the caller is responsible for only issuing page-aligned
// reads and writes in that mode (the buffer manager always does,
// since every access is page_id*page_size aligned).
func NewFileEnv(log *logrus.Entry, directIO bool) *FileEnv {
	if log == nil {
		log = discardLogger()
	}
	return &FileEnv{log: log, directIO: directIO}
}

func (e *FileEnv) OpenFile(path string) (File, error) {
	var f *os.File
	var err error
	if e.directIO {
		f, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			e.log.WithError(err).WithField("path", path).Warn("direct I/O open failed, falling back to buffered I/O")
			f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		}
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	}
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (e *FileEnv) SpawnBackground(f func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f()
	}()
	return done
}

type osFile struct {
	f *os.File
}

func (o *osFile) ReadAt(buf []byte, pos int64) (int, error) {
	n, err := o.f.ReadAt(buf, pos)
	// Positional reads past end-of-file return (0, nil) per spec.md
	// §4.1, not io.EOF.
	if isEOF(err) {
		err = nil
	}
	return n, err
}

func (o *osFile) WriteAt(buf []byte, pos int64) (int, error) { return o.f.WriteAt(buf, pos) }
func (o *osFile) SyncData() error                            { return o.f.Sync() }
func (o *osFile) SyncAll() error                             { return o.f.Sync() }
func (o *osFile) Close() error                                { return o.f.Close() }

func (o *osFile) FileSize() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
