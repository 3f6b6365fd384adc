package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KV is a file-backed key-value store used as the always-available fast
// backend. Each key maps to one file under the root directory; writes go
// through a temp file and an atomic rename so a crash mid-write never
// leaves a torn value behind.
//
// Keys may contain dots for namespacing ("sync.meta", "legacy.prefs") but
// never path separators.
type KV struct {
	root string
}

// NewKV returns a file-backed KV store rooted at dir, creating it if needed.
func NewKV(dir string) (*KV, error) {
	if dir == "" {
		return nil, fmt.Errorf("kv directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create kv directory: %w", err)
	}
	return &KV{root: dir}, nil
}

// pathFor validates the key and returns its file path.
func (kv *KV) pathFor(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(kv.root, key+".json"), nil
}

// Set writes the value for key, replacing any previous value.
// The write either fully lands or the previous value is untouched.
func (kv *KV) Set(key string, value []byte) error {
	path, err := kv.pathFor(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(kv.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write value: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync value: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit value: %w", err)
	}
	return nil
}

// Get returns the value for key, or (nil, false) if the key is absent.
func (kv *KV) Get(key string) ([]byte, bool, error) {
	path, err := kv.pathFor(key)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return data, true, nil
}

// Remove deletes the key. Removing an absent key is not an error.
func (kv *KV) Remove(key string) error {
	path, err := kv.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted. An empty prefix
// returns every key.
func (kv *KV) Keys(prefix string) ([]string, error) {
	entries, err := os.ReadDir(kv.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read kv directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}
