// Package dcerr defines the error taxonomy shared by every layer of
// the dctree storage engine (env, page, buf, tree), per the error
// handling design: invariant violations panic, everything else is a
// typed, wrappable error.
package dcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error so callers can branch on errors.As without
// string matching.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	// KindPageNotFound indicates a fix/read for a page id beyond the
	// file's allocated range.
	KindPageNotFound
	// KindKeyAlreadyExists indicates a duplicate-key insert.
	KindKeyAlreadyExists
	// KindKeyTooLarge indicates a key longer than math.MaxUint16 bytes;
	// tree.Insert also returns it for an empty key.
	KindKeyTooLarge
	// KindValueTooLarge indicates a value longer than math.MaxUint16 bytes.
	KindValueTooLarge
	// KindCorrupt indicates a page failed decode-time validation
	// (bad offsets, bad slot ids). The file should be treated as
	// unusable once this is seen.
	KindCorrupt
	// KindIO wraps an underlying I/O failure from the Environment.
	KindIO
	// KindNotImplemented marks a stubbed operation outside spec.md's
	// scope (delete, merge, freelist reclaim).
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindPageNotFound:
		return "PAGE_NOT_FOUND"
	case KindKeyAlreadyExists:
		return "KEY_ALREADY_EXISTS"
	case KindKeyTooLarge:
		return "KEY_TOO_LARGE"
	case KindValueTooLarge:
		return "VALUE_TOO_LARGE"
	case KindCorrupt:
		return "CORRUPT"
	case KindIO:
		return "IO"
	case KindNotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type surfaced by every dctree layer.
type Error struct {
	Kind Kind
	Msg  string
	// Cause is the underlying error, if any (e.g. an os.PathError).
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap lets errors.Is/errors.As see through to Cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so
// callers can write errors.Is(err, dcerr.ErrPageNotFound) style checks
// against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons. Msg/Cause are irrelevant for
// identity; only Kind is compared by Error.Is.
var (
	ErrPageNotFound     = &Error{Kind: KindPageNotFound}
	ErrKeyAlreadyExists = &Error{Kind: KindKeyAlreadyExists}
	ErrKeyTooLarge      = &Error{Kind: KindKeyTooLarge}
	ErrValueTooLarge    = &Error{Kind: KindValueTooLarge}
	ErrCorrupt          = &Error{Kind: KindCorrupt}
)

// PageNotFound builds a KindPageNotFound error with the given detail.
func PageNotFound(msg string) error { return &Error{Kind: KindPageNotFound, Msg: msg} }

// KeyAlreadyExists builds a KindKeyAlreadyExists error with the given detail.
func KeyAlreadyExists(msg string) error { return &Error{Kind: KindKeyAlreadyExists, Msg: msg} }

// KeyTooLarge builds a KindKeyTooLarge error with the given detail.
func KeyTooLarge(msg string) error { return &Error{Kind: KindKeyTooLarge, Msg: msg} }

// ValueTooLarge builds a KindValueTooLarge error with the given detail.
func ValueTooLarge(msg string) error { return &Error{Kind: KindValueTooLarge, Msg: msg} }

// Corrupt builds a KindCorrupt error with the given detail.
func Corrupt(msg string) error { return &Error{Kind: KindCorrupt, Msg: msg} }

// NotImplemented builds a KindNotImplemented error for an operation
// spec.md names as future work (delete, merge, freelist reclaim).
func NotImplemented(msg string) error { return &Error{Kind: KindNotImplemented, Msg: msg} }

// IO wraps an I/O failure with a stack-carrying cause via pkg/errors,
// so the original call site survives log output even though the
// Environment interface itself stays stdlib-shaped.
func IO(msg string, cause error) error {
	return &Error{Kind: KindIO, Msg: msg, Cause: errors.Wrap(cause, msg)}
}

// IsKind reports whether err is a dctree *Error of the given Kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
