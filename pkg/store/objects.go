package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetsim/fleetsim/pkg/errdefs"
)

// hashCache remembers file hashes keyed by modification time so unchanged
// objects are not rehashed every cycle.
type hashCache struct {
	mu      sync.Mutex
	entries map[string]hashEntry
}

type hashEntry struct {
	modTime time.Time
	size    int64
	hash    string
}

func newHashCache() *hashCache {
	return &hashCache{entries: make(map[string]hashEntry)}
}

func (c *hashCache) get(path string, info os.FileInfo) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	if !ok || !entry.modTime.Equal(info.ModTime()) || entry.size != info.Size() {
		return "", false
	}
	return entry.hash, true
}

func (c *hashCache) put(path string, info os.FileInfo, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = hashEntry{modTime: info.ModTime(), size: info.Size(), hash: hash}
}

// ObjectPath returns where a content object is cached. Object identity is
// its sha256 content hash.
func (s *Store) ObjectPath(id string) string {
	return filepath.Join(s.dir, objectsDir, id)
}

// HasObject reports whether the object is already cached with a matching
// content hash. A cached file whose recomputed hash no longer matches is
// treated as absent so it gets re-fetched.
func (s *Store) HasObject(id string) (bool, error) {
	path := s.ObjectPath(id)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if hash, ok := s.hashes.get(path, info); ok {
		return hash == id, nil
	}

	hash, err := hashFile(path)
	if err != nil {
		return false, err
	}
	s.hashes.put(path, info, hash)
	return hash == id, nil
}

// PutObject streams an object into the cache, verifying the content hash
// while writing. A mismatch is an integrity error and leaves no partial
// file behind.
func (s *Store) PutObject(id string, r io.Reader) error {
	path := s.ObjectPath(id)
	tmp, err := os.CreateTemp(filepath.Join(s.dir, objectsDir), ".download-*")
	if err != nil {
		return fmt.Errorf("create object temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	digest := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, digest), r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close object temp file: %w", err)
	}

	got := hex.EncodeToString(digest.Sum(nil))
	if got != id {
		return errdefs.NewIntegrityError(
			fmt.Sprintf("content hash mismatch: want %s, got %s", id, got), nil).
			WithCode(errdefs.ErrCodeHashMismatch)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit object: %w", err)
	}
	if info, err := os.Stat(path); err == nil {
		s.hashes.put(path, info, got)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
