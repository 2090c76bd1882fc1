package transport

import "errors"

// cosErrSegmentTooSmall indicates DefaultSegmentSize is too small to
// hold even a single field write plus the 8-byte header -- a
// configuration error, not a runtime condition.
var cosErrSegmentTooSmall = errors.New("transport: segment buffer too small for requested write")
