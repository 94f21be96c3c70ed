// Package storage archives raw endpoint payloads to a blob store. The
// backends live in the gcs, local and memory subpackages.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/civic-ingest/internal/hash/sha256"
)

// BlobStore persists opaque objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// NoOpBlobStore discards everything. It backs a disabled archive.
type NoOpBlobStore struct{}

// PutObject implements BlobStore.
func (NoOpBlobStore) PutObject(_ context.Context, _ string, _ string, _ io.Reader) (string, error) {
	return "", nil
}

// Archive lays out raw bodies as <prefix>/<endpoint_id>/<sha256>.<ext>.
type Archive struct {
	blobs  BlobStore
	prefix string
}

// NewArchive wraps blobs. A nil store yields a disabled archive.
func NewArchive(blobs BlobStore, prefix string) *Archive {
	if blobs == nil {
		blobs = NoOpBlobStore{}
	}
	return &Archive{blobs: blobs, prefix: strings.Trim(prefix, "/")}
}

// Save writes body and returns the object URI. Identical bodies map to the
// same object.
func (a *Archive) Save(ctx context.Context, endpointID uuid.UUID, contentType string, body []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	name := ObjectPath(a.prefix, endpointID, contentType, body)
	uri, err := a.blobs.PutObject(ctx, name, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", name, err)
	}
	return uri, nil
}

// ObjectPath builds the archive key for body.
func ObjectPath(prefix string, endpointID uuid.UUID, contentType string, body []byte) string {
	return path.Join(prefix, endpointID.String(), sha256.Sum(body)+"."+extension(contentType, body))
}

func extension(contentType string, body []byte) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	switch {
	case strings.Contains(mediaType, "json"):
		return "json"
	case strings.Contains(mediaType, "xml"):
		return "xml"
	case strings.HasPrefix(mediaType, "text/html"):
		return "html"
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n\ufeff")
	switch {
	case bytes.HasPrefix(trimmed, []byte("{")), bytes.HasPrefix(trimmed, []byte("[")):
		return "json"
	case bytes.HasPrefix(trimmed, []byte("<")):
		return "xml"
	default:
		return "bin"
	}
}
