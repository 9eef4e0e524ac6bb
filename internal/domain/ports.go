package domain

import "context"

// RecordSource reads candidate records from the message store. It is
// read-only and keeps no notion of what has been seen; that is the ledger's job.
type RecordSource interface {
	// FetchRecent returns at most limit of the most recent records from the
	// given contact, newest first.
	FetchRecent(ctx context.Context, contact string, limit int) ([]Record, error)
}

// Publisher posts to the remote social API.
type Publisher interface {
	// VerifyIdentity authenticates and confirms the account. It is called once
	// at startup; a failure is fatal.
	VerifyIdentity(ctx context.Context) error

	// UploadMedia uploads one file and returns a reference usable in Post.
	UploadMedia(ctx context.Context, data []byte, mimeType string) (MediaRef, error)

	// Post publishes text with the given media and returns the remote post id.
	// A failed Post may have been partially applied remotely and must never be
	// retried for the same record.
	Post(ctx context.Context, text string, media []MediaRef) (string, error)
}

// Ledger durably records which records reached a terminal outcome.
type Ledger interface {
	// IsResolved reports whether an entry exists for id, whatever its outcome.
	IsResolved(id string) bool

	// MarkPosted records a successful post (or an intentional skip). The entry
	// is durable before it returns. On a write failure the in-memory view is
	// still updated and an error wrapping ErrPersistence is returned.
	MarkPosted(id string) error

	// MarkFailedTerminal records a record that must never be attempted again.
	// Same durability contract as MarkPosted.
	MarkFailedTerminal(id string) error

	// Counts returns the number of posted and failed entries.
	Counts() (posted, failed int)
}

// MediaTransformer prepares attachment files for upload.
type MediaTransformer interface {
	// Resolve expands a home-relative path. It performs no I/O.
	Resolve(path string) string

	// Exists reports whether a resolved path points at a regular file.
	Exists(path string) bool

	// NeedsTransform decides from the extension alone whether the file must
	// be converted before upload.
	NeedsTransform(path string) bool

	// Transform converts the file into the staging directory and returns the
	// output path. The input is never modified.
	Transform(ctx context.Context, path string) (string, error)

	// ReadFile returns the file content and its MIME type, shrinking images
	// that exceed the upload size limit.
	ReadFile(ctx context.Context, path string) ([]byte, string, error)
}
