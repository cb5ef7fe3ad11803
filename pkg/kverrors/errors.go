package kverrors

import "errors"

var (
	// ErrIO wraps an underlying read/write/fsync failure. Fatal to the
	// enclosing call.
	ErrIO = errors.New("lsmkv: io failure")

	// ErrCorruptLog marks a malformed (not merely truncated) WAL or
	// manifest-log record. Fatal on startup.
	ErrCorruptLog = errors.New("lsmkv: corrupt log")

	// ErrCorruptSST marks malformed SSTable content.
	ErrCorruptSST = errors.New("lsmkv: corrupt sstable")

	// ErrTruncated marks a partial record at the end of a buffer or log.
	// A truncated log tail is recovered silently.
	ErrTruncated = errors.New("lsmkv: truncated record")

	// ErrMalformed marks input that cannot be a valid encoding regardless of
	// how much more data follows.
	ErrMalformed = errors.New("lsmkv: malformed record")

	ErrInvalidArgument = errors.New("lsmkv: invalid argument")
	ErrClosed          = errors.New("lsmkv: store closed")
	ErrDegraded        = errors.New("lsmkv: store degraded")
)
