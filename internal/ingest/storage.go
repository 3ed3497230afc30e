package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ConsumedPrefix marks receipt files that have been ingested or found to
// be duplicates
const ConsumedPrefix = "OK_"

// Storage defines the interface for receipt artifact storage: uploaded
// images, diagnostic page dumps and the batch folder
type Storage interface {
	// Save saves a file and returns the path/filename
	Save(filename string, data []byte) (string, error)

	// Get retrieves a file by path
	Get(path string) ([]byte, error)

	// Delete removes a file
	Delete(path string) error

	// MarkConsumed renames a file with ConsumedPrefix and returns the new name
	MarkConsumed(path string) (string, error)

	// Pending lists files with one of the extensions that are not yet
	// consumed, sorted by name
	Pending(extensions []string) ([]string, error)
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Path returns the directory the storage writes to
func (l *LocalStorage) Path() string {
	return l.basePath
}

// Save saves a file to local storage
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	path := filepath.Join(l.basePath, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return filename, nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, path))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(path string) error {
	if err := os.Remove(filepath.Join(l.basePath, path)); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// MarkConsumed renames a file to OK_<name> in the same directory
func (l *LocalStorage) MarkConsumed(path string) (string, error) {
	dir, name := filepath.Split(path)
	renamed := filepath.Join(dir, ConsumedPrefix+name)
	if err := os.Rename(filepath.Join(l.basePath, path), filepath.Join(l.basePath, renamed)); err != nil {
		return "", fmt.Errorf("renaming file: %w", err)
	}
	return renamed, nil
}

// Pending lists unconsumed files at the top of the storage directory
func (l *LocalStorage) Pending(extensions []string) ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("listing directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isPending(e.Name(), extensions) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// isPending accepts names that do not start with "OK" and carry one of the
// extensions, compared case-insensitively
func isPending(name string, extensions []string) bool {
	if strings.HasPrefix(name, "OK") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}
