// Package boltcache keeps cache entries in a single bbolt database file.
package boltcache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/JakeFAU/civic-ingest/internal/cache"
)

var (
	bucketMeta   = []byte("meta")
	bucketBodies = []byte("bodies")
)

// Store implements cache.Backend using bbolt.
type Store struct {
	db *bolt.DB
}

// New opens (or creates) cache.db inside dataDir.
func New(dataDir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "cache.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketBodies} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Get loads the entry stored under key.
func (s *Store) Get(_ context.Context, key string) (cache.Entry, error) {
	var entry cache.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta).Get([]byte(key))
		if meta == nil {
			return cache.ErrMiss
		}
		if err := json.Unmarshal(meta, &entry); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		body := tx.Bucket(bucketBodies).Get([]byte(key))
		if body == nil {
			return cache.ErrMiss
		}
		// bbolt memory is only valid inside the transaction.
		entry.Body = append([]byte(nil), body...)
		return nil
	})
	if err != nil {
		return cache.Entry{}, err
	}
	return entry, nil
}

// Put upserts the entry under key.
func (s *Store) Put(_ context.Context, key string, entry cache.Entry) error {
	meta, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBodies).Put([]byte(key), entry.Body); err != nil {
			return fmt.Errorf("put body: %w", err)
		}
		if err := tx.Bucket(bucketMeta).Put([]byte(key), meta); err != nil {
			return fmt.Errorf("put meta: %w", err)
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
