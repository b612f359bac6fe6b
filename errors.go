package dctree

import "github.com/dctree/dctree/dcerr"

// Sentinel errors re-exported from dcerr for callers of the facade who
// don't want to import the internal package directly, per spec.md
// §6.2/§7's error taxonomy.
var (
	ErrPageNotFound     = dcerr.ErrPageNotFound
	ErrKeyAlreadyExists = dcerr.ErrKeyAlreadyExists
	ErrKeyTooLarge      = dcerr.ErrKeyTooLarge
	ErrValueTooLarge    = dcerr.ErrValueTooLarge
	ErrCorrupt          = dcerr.ErrCorrupt
)
