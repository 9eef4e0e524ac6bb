package domain

import "errors"

var (
	// ErrSourceUnavailable means the record source could not be queried.
	// Cycle scoped; retried with backoff.
	ErrSourceUnavailable = errors.New("record source unavailable")

	// ErrAttachmentNotFound means an attachment path does not exist after resolution.
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrTransform means an attachment could not be converted.
	ErrTransform = errors.New("media transform failed")

	// ErrUpload means an attachment could not be uploaded.
	ErrUpload = errors.New("media upload failed")

	// ErrPublish means the post call failed. The record is terminal.
	ErrPublish = errors.New("publish failed")

	// ErrPersistence means the ledger could not be written durably.
	ErrPersistence = errors.New("ledger persistence failed")

	// ErrIdentity means the publisher account could not be verified.
	ErrIdentity = errors.New("identity verification failed")

	// ErrTooManyFailures is returned by Run when consecutive fetch failures
	// reach the shutdown threshold.
	ErrTooManyFailures = errors.New("too many consecutive cycle failures")
)
