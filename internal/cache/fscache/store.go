// Package fscache keeps cache entries as body/meta file pairs under a directory.
package fscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/civic-ingest/internal/cache"
)

// Store writes one <key>.body and one <key>.json per entry.
type Store struct {
	baseDir string
}

// New creates the base directory if needed and verifies it is writable.
func New(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create cache directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat cache directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache path %s is not a directory", baseDir)
	}
	return &Store{baseDir: baseDir}, nil
}

// Get reads both files for key; a missing file is a cache miss.
func (s *Store) Get(_ context.Context, key string) (cache.Entry, error) {
	metaPath, bodyPath, err := s.paths(key)
	if err != nil {
		return cache.Entry{}, err
	}
	meta, err := os.ReadFile(metaPath) //nolint:gosec // path validated in paths
	if errors.Is(err, os.ErrNotExist) {
		return cache.Entry{}, cache.ErrMiss
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("read meta: %w", err)
	}
	var entry cache.Entry
	if err := json.Unmarshal(meta, &entry); err != nil {
		// A torn write leaves garbage; treat it as absent.
		return cache.Entry{}, cache.ErrMiss
	}
	body, err := os.ReadFile(bodyPath) //nolint:gosec // path validated in paths
	if errors.Is(err, os.ErrNotExist) {
		return cache.Entry{}, cache.ErrMiss
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("read body: %w", err)
	}
	entry.Body = body
	return entry, nil
}

// Put writes the body first so a reader never sees metadata without it.
func (s *Store) Put(_ context.Context, key string, entry cache.Entry) error {
	metaPath, bodyPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(bodyPath, entry.Body, 0o600); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	meta, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(metaPath, meta, 0o600); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

// Close implements cache.Backend; there is nothing to release.
func (s *Store) Close() error {
	return nil
}

func (s *Store) paths(key string) (string, string, error) {
	if strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("cache key is required")
	}
	base := filepath.Clean(s.baseDir)
	stem := filepath.Clean(filepath.Join(base, key))
	if !strings.HasPrefix(stem, base+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path traversal detected")
	}
	return stem + ".json", stem + ".body", nil
}
