package domain

import "time"

// MediaKind classifies an attachment by what the relay can do with it.
type MediaKind int

const (
	// MediaOther is anything the relay cannot publish (video, audio, documents).
	MediaOther MediaKind = iota

	// MediaImage is a still image, possibly in an encoding that needs a
	// transform before upload.
	MediaImage
)

func (k MediaKind) String() string {
	switch k {
	case MediaImage:
		return "image"
	default:
		return "other"
	}
}

// Record is a single candidate message read from the message store.
type Record struct {
	// ID is the source-assigned identifier. It is unique within the source,
	// stable across polls, and used as the ledger key.
	ID string

	// Text is the original, unmodified message body. May be empty.
	Text string

	// Attachments are in source order.
	Attachments []Attachment

	// CreatedAt is when the message arrived. Used only for logging.
	CreatedAt time.Time
}

// Attachment describes one file attached to a Record.
type Attachment struct {
	// Path is the path as stored by the source, possibly home-relative (~/...).
	Path string

	// Kind is derived from the MIME type or file extension.
	Kind MediaKind

	// MimeType is the type declared by the source, if any.
	MimeType string
}

// NormalizedUnit is the publishable form of a Record. It is never persisted.
type NormalizedUnit struct {
	// PublishText is the trimmed text, truncated with a marker when too long.
	PublishText string

	// MediaPaths are the image attachment paths, capped to the configured maximum.
	MediaPaths []string

	// WasTruncated reports whether PublishText is shorter than the trimmed source text.
	WasTruncated bool

	// Dropped counts attachments left out because they were not images or
	// exceeded the cap.
	Dropped int
}

// Valid reports whether the unit has anything to publish.
func (u NormalizedUnit) Valid() bool {
	return u.PublishText != "" || len(u.MediaPaths) > 0
}

// MediaRef is a reference to media already uploaded to the publisher.
type MediaRef struct {
	// Link is the remote content identifier of the uploaded blob.
	Link string

	MimeType string
	Size     int
}

// Outcome is the terminal state recorded for a record in the ledger.
type Outcome string

const (
	OutcomePosted         Outcome = "posted"
	OutcomeFailedTerminal Outcome = "failed_terminal"
)
