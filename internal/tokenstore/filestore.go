package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
)

// FileStore persists token records as JSON files on the local filesystem.
// Layout: <baseDir>/<provider>/<bucket>.json. Files are created with 0600
// and directories with 0700 so other local users cannot read stored
// refresh tokens.
type FileStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileStore creates a file-backed token store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: strings.TrimSpace(baseDir)}
}

// Get reads the token for the slot, returning (nil, nil) when absent.
func (s *FileStore) Get(ctx context.Context, provider, bucket string) (*credential.Token, error) {
	path, err := s.slotPath(provider, bucket)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("token filestore: read %s: %w", path, err)
	}
	var token credential.Token
	if err = json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("token filestore: unmarshal %s: %w", path, err)
	}
	return &token, nil
}

// Save writes the token for the slot, replacing any existing record.
func (s *FileStore) Save(ctx context.Context, provider, bucket string, token *credential.Token) error {
	if token == nil {
		return fmt.Errorf("token filestore: token is nil")
	}
	path, err := s.slotPath(provider, bucket)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("token filestore: create dir failed: %w", err)
	}
	raw, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("token filestore: marshal token failed: %w", err)
	}
	if err = os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("token filestore: write %s: %w", path, err)
	}
	return nil
}

// Remove deletes the slot. Removing an absent slot is not an error.
func (s *FileStore) Remove(ctx context.Context, provider, bucket string) error {
	path, err := s.slotPath(provider, bucket)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("token filestore: delete %s: %w", path, err)
	}
	return nil
}

// ListBuckets enumerates populated buckets for the provider in
// lexicographic order. An unknown provider yields an empty list.
func (s *FileStore) ListBuckets(ctx context.Context, provider string) ([]string, error) {
	dir, err := s.providerDir(provider)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("token filestore: list %s: %w", dir, err)
	}
	buckets := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".json") {
			continue
		}
		buckets = append(buckets, strings.TrimSuffix(name, filepath.Ext(name)))
	}
	sort.Strings(buckets)
	return buckets, nil
}

func (s *FileStore) providerDir(provider string) (string, error) {
	if s.baseDir == "" {
		return "", fmt.Errorf("token filestore: directory not configured")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" || !safeComponent(provider) {
		return "", fmt.Errorf("token filestore: invalid provider %q", provider)
	}
	return filepath.Join(s.baseDir, provider), nil
}

func (s *FileStore) slotPath(provider, bucket string) (string, error) {
	dir, err := s.providerDir(provider)
	if err != nil {
		return "", err
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" || !safeComponent(bucket) {
		return "", fmt.Errorf("token filestore: invalid bucket %q", bucket)
	}
	return filepath.Join(dir, bucket+".json"), nil
}

// safeComponent rejects names that could escape the store directory when
// joined into a path.
func safeComponent(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}
