// Package artifact implements a content-addressed blob store on disk.
// Execution results reference artifacts by content hash, never inline.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"kosmos/internal/logging"
)

// Store writes blobs under root/aa/bb/<hash> where aa/bb are the first two
// byte pairs of the hex digest. Writes are idempotent: re-putting identical
// content is a no-op.
type Store struct {
	root string
}

// NewStore opens (creating if needed) an artifact store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact dir required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Store{root: dir}, nil
}

// Put stores content and returns its hex sha256 hash.
func (s *Store) Put(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil // Already stored
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}

	// Write to a temp file then rename so readers never see partial blobs.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	logging.StoreDebug("artifact stored: %s (%d bytes)", hash[:12], len(content))
	return hash, nil
}

// Get returns the content for a hash.
func (s *Store) Get(hash string) ([]byte, error) {
	if len(hash) < 4 {
		return nil, fmt.Errorf("invalid artifact hash %q", hash)
	}
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s not found", hash)
		}
		return nil, err
	}
	return data, nil
}

// Stat reports whether a blob exists and its size.
func (s *Store) Stat(hash string) (int64, bool) {
	if len(hash) < 4 {
		return 0, false
	}
	info, err := os.Stat(s.path(hash))
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash[0:2], hash[2:4], hash)
}
