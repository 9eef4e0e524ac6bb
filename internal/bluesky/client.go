package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const defaultPDS = "https://bsky.social"

// Client is a minimal BlueSky/AT Protocol API client for posting with images.
type Client struct {
	pds        string
	httpClient *http.Client

	// populated after Login
	mu         sync.RWMutex
	accessJwt  string
	refreshJwt string
	did        string
	handle     string

	refreshMu sync.Mutex
}

// NewClient creates a new BlueSky API client. If pds is empty, it defaults to
// https://bsky.social.
func NewClient(pds string) *Client {
	if pds == "" {
		pds = defaultPDS
	}
	return &Client{
		pds: pds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx XRPC response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Body    string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (status %d): %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

// Expired reports whether the access token was rejected as expired.
func (e *APIError) Expired() bool {
	return e.Code == "ExpiredToken"
}

// Login authenticates with the PDS and stores the session tokens. Use an App
// Password, not your account password.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/xrpc/com.atproto.server.createSession", "application/json", payload, "", &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.setSession(resp)
	return nil
}

// RefreshSession exchanges the refresh token for a new access token.
func (c *Client) RefreshSession(ctx context.Context) error {
	c.mu.RLock()
	refresh := c.refreshJwt
	c.mu.RUnlock()
	if refresh == "" {
		return fmt.Errorf("not authenticated: call Login first")
	}

	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/xrpc/com.atproto.server.refreshSession", "", nil, refresh, &resp); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}

	c.setSession(resp)
	return nil
}

// GetSession returns the DID and handle the current access token belongs to.
func (c *Client) GetSession(ctx context.Context) (did, handle string, err error) {
	var resp sessionResponse
	if err := c.get(ctx, "/xrpc/com.atproto.server.getSession", &resp); err != nil {
		return "", "", fmt.Errorf("get session: %w", err)
	}
	return resp.DID, resp.Handle, nil
}

// DID returns the authenticated user's DID. Only valid after Login.
func (c *Client) DID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.did
}

// Handle returns the authenticated user's handle. Only valid after Login.
func (c *Client) Handle() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

// BlobRef represents an AT Protocol blob reference for uploaded content.
type BlobRef struct {
	Type string `json:"$type"`
	Ref  struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// NewBlobRef builds a blob reference from its parts.
func NewBlobRef(link, mimeType string, size int) BlobRef {
	b := BlobRef{Type: "blob", MimeType: mimeType, Size: size}
	b.Ref.Link = link
	return b
}

// PostRecord is the record body for app.bsky.feed.post.
type PostRecord struct {
	Type      string   `json:"$type"`
	Text      string   `json:"text"`
	CreatedAt string   `json:"createdAt"`
	Langs     []string `json:"langs,omitempty"`
	Facets    []Facet  `json:"facets,omitempty"`
	Embed     *Embed   `json:"embed,omitempty"`
}

// Embed is an app.bsky.embed.images embed.
type Embed struct {
	Type   string       `json:"$type"`
	Images []EmbedImage `json:"images"`
}

// EmbedImage is one image in an images embed.
type EmbedImage struct {
	Alt   string  `json:"alt"`
	Image BlobRef `json:"image"`
}

// CreatedPost identifies a newly created post.
type CreatedPost struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// CreatePost creates an app.bsky.feed.post record in the authenticated
// user's repo via com.atproto.repo.createRecord.
func (c *Client) CreatePost(ctx context.Context, record PostRecord) (*CreatedPost, error) {
	did := c.DID()
	if did == "" {
		return nil, fmt.Errorf("not authenticated: call Login first")
	}
	record.Type = "app.bsky.feed.post"

	body := createRecordRequest{
		Repo:       did,
		Collection: "app.bsky.feed.post",
		Record:     record,
	}

	var resp CreatedPost
	if err := c.post(ctx, "/xrpc/com.atproto.repo.createRecord", body, &resp); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	return &resp, nil
}

// UploadBlob uploads raw image bytes as a blob and returns a reference.
// The blob will be deleted if not referenced in a record within a time window.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType string) (*BlobRef, error) {
	if c.DID() == "" {
		return nil, fmt.Errorf("not authenticated: call Login first")
	}

	var result uploadBlobResponse
	if err := c.authed(ctx, http.MethodPost, "/xrpc/com.atproto.repo.uploadBlob", mimeType, data, &result); err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	return &result.Blob, nil
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.authed(ctx, http.MethodPost, path, "application/json", payload, result)
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.authed(ctx, http.MethodGet, path, "", nil, result)
}

// authed sends an authenticated request. If the access token has expired it
// refreshes the session once and retries; an expired token means the first
// attempt was rejected before it could take effect.
func (c *Client) authed(ctx context.Context, method, path, contentType string, payload []byte, result any) error {
	token := c.accessToken()
	err := c.do(ctx, method, path, contentType, payload, token, result)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Expired() {
		return err
	}

	if err := c.refreshIfStale(ctx, token); err != nil {
		return err
	}
	return c.do(ctx, method, path, contentType, payload, c.accessToken(), result)
}

// refreshIfStale refreshes the session unless another caller already replaced
// the stale token.
func (c *Client) refreshIfStale(ctx context.Context, stale string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.accessToken() != stale {
		return nil
	}
	return c.RefreshSession(ctx)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, payload []byte, token string, result any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.pds+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: string(respBody)}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessJwt
}

func (c *Client) setSession(s sessionResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessJwt = s.AccessJwt
	if s.RefreshJwt != "" {
		c.refreshJwt = s.RefreshJwt
	}
	if s.DID != "" {
		c.did = s.DID
	}
	if s.Handle != "" {
		c.handle = s.Handle
	}
}

type sessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	DID        string `json:"did"`
	Handle     string `json:"handle"`
}

type createRecordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type uploadBlobResponse struct {
	Blob BlobRef `json:"blob"`
}
