package artifact

import (
	"context"
	"os"
	"path/filepath"
)

// FileStore is a Store keeping artifacts as files under a directory, one
// subdirectory per run.
type FileStore struct {
	directory string
}

func NewFileStore(directory string) *FileStore {
	return &FileStore{directory: directory}
}

func (s *FileStore) artifactPath(runID, name string) string {
	return filepath.Join(s.directory, runID, name)
}

func (s *FileStore) Put(ctx context.Context, runID, name string, data []byte) error {
	path := s.artifactPath(runID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (s *FileStore) Get(ctx context.Context, runID, name string) ([]byte, error) {
	data, err := os.ReadFile(s.artifactPath(runID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

var _ Store = (*FileStore)(nil)
