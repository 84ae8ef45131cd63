package downloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/drogue/internal/storage"
)

// ErrInvalidURL is returned when a start request carries a URL that cannot be fetched.
var ErrInvalidURL = errors.New("invalid url")

// ErrReadTimeout is the cause of a stream that produced no bytes within the read timeout.
var ErrReadTimeout = errors.New("read timed out")

// ConnectError covers DNS, dial, TLS and request failures before any response arrived.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// StreamError is a body that broke off, stalled or ended before the known total.
type StreamError struct {
	Offset int64 // Bytes staged when the stream failed
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream interrupted at byte %d: %v", e.Offset, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// UnexpectedStatusError is a response the engine cannot stream.
type UnexpectedStatusError struct {
	StatusCode int
	Status     string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d %s", e.StatusCode, e.Status)
}

// RangeNotHonoredError is a range request answered with the wrong bytes.
// Range requests answered with a plain 200 are not errors; the engine restarts the body instead.
type RangeNotHonoredError struct {
	Offset     int64
	StatusCode int
	Reason     string
}

func (e *RangeNotHonoredError) Error() string {
	return fmt.Sprintf("range request from byte %d not honored (HTTP %d): %s", e.Offset, e.StatusCode, e.Reason)
}

// StagingWriteError is a failure to write or flush the staged file.
type StagingWriteError struct {
	Path string
	Err  error
}

func (e *StagingWriteError) Error() string {
	return fmt.Sprintf("failed to write staged file %s: %v", e.Path, e.Err)
}

func (e *StagingWriteError) Unwrap() error {
	return e.Err
}

// FinalizeError is a failure to move a complete staged file into place.
// The staged file is kept so the move can be retried or done by hand.
type FinalizeError struct {
	StagedPath  string
	Destination string
	Err         error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("failed to move %s to %s: %v", e.StagedPath, e.Destination, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

// CheckpointError is a failure to persist progress to the record store.
type CheckpointError struct {
	Err error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("failed to checkpoint progress: %v", e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is absorbed by an actor as an interruption.
// Validation errors and cancellation are surfaced instead.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidURL), errors.Is(err, storage.ErrNotFound):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}

	return true
}

// outcome maps an attempt error to a bounded metric label.
func outcome(err error) string {
	var (
		connectErr    *ConnectError
		streamErr     *StreamError
		statusErr     *UnexpectedStatusError
		rangeErr      *RangeNotHonoredError
		stagingErr    *StagingWriteError
		finalizeErr   *FinalizeError
		checkpointErr *CheckpointError
	)

	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &connectErr):
		return "connect_error"
	case errors.As(err, &streamErr):
		return "stream_error"
	case errors.As(err, &statusErr):
		return "unexpected_status"
	case errors.As(err, &rangeErr):
		return "range_not_honored"
	case errors.As(err, &stagingErr):
		return "staging_error"
	case errors.As(err, &finalizeErr):
		return "finalize_error"
	case errors.As(err, &checkpointErr):
		return "checkpoint_error"
	default:
		return "error"
	}
}
