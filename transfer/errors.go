package transfer

import "errors"

// ErrFileNotFound indicates a missing file on disk or an unknown file ID.
var ErrFileNotFound = errors.New("file not found")

// ErrSessionExists indicates a duplicate session for the same file and
// direction.
var ErrSessionExists = errors.New("transfer session already exists")

// ErrChunkTooLarge indicates a chunk size whose framed packet would not
// fit in a single datagram.
var ErrChunkTooLarge = errors.New("chunk size exceeds maximum allowed")

// ErrInvalidChunkSize indicates a non-positive chunk size.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// ErrWrongDirection indicates a read on a receiving session or a write on
// a sending session.
var ErrWrongDirection = errors.New("operation does not match transfer direction")
