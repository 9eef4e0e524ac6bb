package bluesky

import (
	"context"
	"fmt"
	"time"

	"github.com/blackmichael/imessage-bluesky/internal/domain"
)

// MaxBlobSize is the largest image the PDS accepts in a post embed.
const MaxBlobSize = 1_000_000

// Publisher implements domain.Publisher on top of Client.
type Publisher struct {
	client   *Client
	handle   string
	password string
	langs    []string
	now      func() time.Time
}

// NewPublisher creates a Publisher that logs in with the given handle and
// app password. langs, if set, is attached to every post.
func NewPublisher(client *Client, handle, password string, langs []string) *Publisher {
	return &Publisher{
		client:   client,
		handle:   handle,
		password: password,
		langs:    langs,
		now:      time.Now,
	}
}

// Client returns the underlying API client.
func (p *Publisher) Client() *Client {
	return p.client
}

// VerifyIdentity logs in and confirms the session belongs to an account.
func (p *Publisher) VerifyIdentity(ctx context.Context) error {
	if p.handle == "" || p.password == "" {
		return fmt.Errorf("%w: handle and app password are required", domain.ErrIdentity)
	}
	if err := p.client.Login(ctx, p.handle, p.password); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrIdentity, err)
	}

	did, handle, err := p.client.GetSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrIdentity, err)
	}
	if did == "" {
		return fmt.Errorf("%w: session for %s has no DID", domain.ErrIdentity, handle)
	}
	return nil
}

// UploadMedia uploads one image as a blob.
func (p *Publisher) UploadMedia(ctx context.Context, data []byte, mimeType string) (domain.MediaRef, error) {
	if len(data) == 0 {
		return domain.MediaRef{}, fmt.Errorf("%w: empty file", domain.ErrUpload)
	}
	if len(data) > MaxBlobSize {
		return domain.MediaRef{}, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", domain.ErrUpload, len(data), MaxBlobSize)
	}

	blob, err := p.client.UploadBlob(ctx, data, mimeType)
	if err != nil {
		return domain.MediaRef{}, fmt.Errorf("%w: %w", domain.ErrUpload, err)
	}

	size := blob.Size
	if size == 0 {
		size = len(data)
	}
	mt := blob.MimeType
	if mt == "" {
		mt = mimeType
	}
	return domain.MediaRef{Link: blob.Ref.Link, MimeType: mt, Size: size}, nil
}

// Post creates a post with the given text and images and returns its AT-URI.
func (p *Publisher) Post(ctx context.Context, text string, media []domain.MediaRef) (string, error) {
	record := PostRecord{
		Text:      text,
		CreatedAt: p.now().UTC().Format(time.RFC3339),
		Langs:     p.langs,
		Facets:    LinkFacets(text),
	}

	if len(media) > 0 {
		embed := &Embed{Type: "app.bsky.embed.images"}
		for _, m := range media {
			embed.Images = append(embed.Images, EmbedImage{
				Image: NewBlobRef(m.Link, m.MimeType, m.Size),
			})
		}
		record.Embed = embed
	}

	created, err := p.client.CreatePost(ctx, record)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrPublish, err)
	}
	return created.URI, nil
}
