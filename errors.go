package packidx

import (
	"errors"
	"fmt"
)

// ErrInterrupted is returned when an operation observed its cancellation
// flag and aborted. It signals a deliberate abort, not a data error; any
// partially written output must be discarded by the caller.
var ErrInterrupted = errors.New("interrupted")

// CorruptError reports a structural validation failure: a wrong signature,
// a truncated header, or a table that cannot fit inside the file. The
// reason is a static diagnostic, never derived from file content.
type CorruptError struct {
	Reason string
}

func (e *CorruptError) Error() string { return e.Reason }

func corrupt(reason string) error { return &CorruptError{Reason: reason} }

// UnsupportedVersionError reports a recognized file format whose version
// this package does not implement.
type UnsupportedVersionError struct {
	Version uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported index version %d", e.Version)
}

var (
	// ErrNonMonotonicFanout marks a fan-out table whose cumulative counts
	// decrease, which no well-formed index can produce.
	ErrNonMonotonicFanout = corrupt("corrupt index: fan-out table not monotonic")

	// ErrBadChecksum marks a trailing checksum that does not match the
	// digest recomputed over the preceding file contents.
	ErrBadChecksum = corrupt("corrupt index: trailing checksum mismatch")
)
