// Package media prepares message attachments for upload: it resolves
// home-relative paths, converts HEIC/HEIF images to JPEG in a staging
// directory, and reads files with their MIME type.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/blackmichael/imessage-bluesky/internal/domain"
)

// nativeExtensions can be uploaded as-is.
var nativeExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// transformExtensions always go through the converter.
var transformExtensions = map[string]struct{}{
	".heic": {},
	".heif": {},
}

// outputExtension is the extension of converted files.
const outputExtension = ".jpg"

// Transformer implements domain.MediaTransformer.
type Transformer struct {
	home       string
	stagingDir string
	converter  Converter
	maxBytes   int
}

// NewTransformer creates a Transformer that writes converted files under
// stagingDir and expands "~" against home. If home is empty the current
// user's home directory is used.
func NewTransformer(home, stagingDir string, converter Converter) (*Transformer, error) {
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		home = h
	}
	if stagingDir == "" {
		return nil, fmt.Errorf("staging dir is required")
	}
	if converter == nil {
		return nil, fmt.Errorf("converter is required")
	}
	return &Transformer{
		home:       home,
		stagingDir: stagingDir,
		converter:  converter,
	}, nil
}

// StagingDir returns the directory converted files are written to.
func (t *Transformer) StagingDir() string {
	return t.stagingDir
}

// Resolve expands a leading "~" to the home directory. It performs no I/O.
func (t *Transformer) Resolve(path string) string {
	switch {
	case path == "~":
		return t.home
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(t.home, path[2:])
	default:
		return path
	}
}

// Exists reports whether path is an existing regular file.
func (t *Transformer) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// NeedsTransform reports whether path has an extension that must be converted.
func (t *Transformer) NeedsTransform(path string) bool {
	_, ok := transformExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// OutputPath returns where Transform writes the converted form of path. The
// name is the input's base name plus a short hash of its full path: repeated
// transforms of the same input overwrite each other, and inputs that share a
// base name in different directories never collide.
func (t *Transformer) OutputPath(path string) string {
	return t.stagedPath(path, "")
}

func (t *Transformer) stagedPath(path, suffix string) string {
	base := filepath.Base(path)
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	name := strings.TrimSuffix(base, filepath.Ext(base)) + "-" + hex.EncodeToString(sum[:4]) + suffix + outputExtension
	return filepath.Join(t.stagingDir, name)
}

// SetMaxBytes sets the largest file ReadFile returns unchanged. Larger images
// are re-encoded through the converter first. Zero disables the check.
func (t *Transformer) SetMaxBytes(n int) {
	t.maxBytes = n
}

// Transform converts path into the staging directory and returns the output
// path. A missing input wraps domain.ErrAttachmentNotFound; any other failure
// wraps domain.ErrTransform.
func (t *Transformer) Transform(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", domain.ErrAttachmentNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", domain.ErrTransform, path, err)
	}
	f.Close()

	out := t.OutputPath(path)
	if err := t.convert(ctx, path, out); err != nil {
		return "", err
	}
	return out, nil
}

// ReadFile returns the content of path and its MIME type, taken from the
// extension and falling back to content sniffing. A file over the size limit
// is shrunk into the staging directory and the shrunk copy is returned.
func (t *Transformer) ReadFile(ctx context.Context, path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrAttachmentNotFound, path)
	}
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if t.maxBytes <= 0 || len(data) <= t.maxBytes {
		return data, MimeType(path, data), nil
	}

	out := t.stagedPath(path, "-small")
	if err := t.convert(ctx, path, out); err != nil {
		return nil, "", fmt.Errorf("shrink %d byte file (limit %d): %w", len(data), t.maxBytes, err)
	}
	small, err := os.ReadFile(out)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read %s: %w", domain.ErrTransform, out, err)
	}
	return small, MimeType(out, small), nil
}

// convert runs the converter from src to dst and checks it produced output.
// A failed conversion leaves nothing at dst.
func (t *Transformer) convert(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(t.stagingDir, 0o755); err != nil {
		return fmt.Errorf("%w: create staging dir: %w", domain.ErrTransform, err)
	}

	if err := t.converter.Convert(ctx, src, dst); err != nil {
		os.Remove(dst)
		return fmt.Errorf("%w: convert %s: %w", domain.ErrTransform, filepath.Base(src), err)
	}

	info, err := os.Stat(dst)
	if err != nil || info.Size() == 0 {
		os.Remove(dst)
		return fmt.Errorf("%w: converter produced no output for %s", domain.ErrTransform, filepath.Base(src))
	}
	return nil
}

// CleanStaging removes every file in the staging directory. Staged files are
// disposable; removing them only costs a re-transform.
func (t *Transformer) CleanStaging() (int, error) {
	entries, err := os.ReadDir(t.stagingDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(t.stagingDir, e.Name())); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// MimeType returns the MIME type for path, preferring the extension.
func MimeType(path string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := nativeExtensions[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return http.DetectContentType(data)
}

// KindOf classifies an attachment from its declared MIME type, falling back
// to the file extension.
func KindOf(path, mimeType string) domain.MediaKind {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return domain.MediaImage
	}
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := nativeExtensions[ext]; ok {
		return domain.MediaImage
	}
	if _, ok := transformExtensions[ext]; ok {
		return domain.MediaImage
	}
	return domain.MediaOther
}
