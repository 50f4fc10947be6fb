package lsm

import "errors"

var (
	// ErrCorruptData reports a checksum or structural violation in committed
	// on-disk data. It is fatal to opening the instance that owns the data.
	ErrCorruptData = errors.New("lsm: corrupt data")

	// ErrEmptyKey reports a zero-length key, which is never valid.
	ErrEmptyKey = errors.New("lsm: empty key")

	// ErrKeyTooLarge reports a key over Options.MaxKeySize. The write is
	// rejected before anything reaches the WAL.
	ErrKeyTooLarge = errors.New("lsm: key exceeds configured maximum")

	// ErrValueTooLarge reports a value over Options.MaxValueSize.
	ErrValueTooLarge = errors.New("lsm: value exceeds configured maximum")

	// ErrClosed reports an operation against a closed instance.
	ErrClosed = errors.New("lsm: instance is closed")
)

// errTruncatedRecord marks an encoded record whose length fields claim more
// bytes than the input holds. During WAL replay it identifies a torn trailing
// write, which is discarded rather than surfaced.
var errTruncatedRecord = errors.New("lsm: truncated record")
