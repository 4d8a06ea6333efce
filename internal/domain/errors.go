package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedImage means the image payload is unusable. Not retryable; the
	// caller must re-capture.
	ErrMalformedImage = errors.New("malformed image")

	// ErrProviderFailure means the OCR provider call failed. Absorbed into a
	// fallback record by ingestion.
	ErrProviderFailure = errors.New("ocr provider failure")

	// ErrParseFailure means the provider text could not be parsed. Absorbed into
	// a fallback record by ingestion.
	ErrParseFailure = errors.New("ocr response parse failure")

	// ErrNotFound means a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStorageFailure means a local storage operation failed. Retryable.
	ErrStorageFailure = errors.New("storage failure")

	// ErrRemoteSyncFailure means a push to the remote store failed. Retryable.
	ErrRemoteSyncFailure = errors.New("remote sync failure")

	// ErrStaleWrite means an update carried an UpdatedAt older than the stored row.
	ErrStaleWrite = errors.New("stale write")
)

// ImageError describes why an image payload was rejected.
type ImageError struct {
	Reason string
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("malformed image: %s", e.Reason)
}

func (e *ImageError) Is(target error) bool {
	return target == ErrMalformedImage
}

// StorageError wraps a failed local storage operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// RemoteSyncError wraps a failed remote push for one record.
type RemoteSyncError struct {
	RecordID string
	Kind     string // "receipt" or "transaction"
	Err      error
}

func (e *RemoteSyncError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("remote sync %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("remote sync %s %s: %v", e.Kind, e.RecordID, e.Err)
}

func (e *RemoteSyncError) Is(target error) bool {
	return target == ErrRemoteSyncFailure
}

func (e *RemoteSyncError) Unwrap() error {
	return e.Err
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsRetryable reports whether err is a storage or remote sync failure that a
// later pass may succeed on.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure) || errors.Is(err, ErrRemoteSyncFailure)
}
