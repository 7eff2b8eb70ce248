package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"fluxdnsd/cluster"
)

// FileStore keeps the state in a single file, one per application.
// Writes go to a temporary file in the same directory which is then
// renamed over the old one, so readers never see a partial state.
//
// The file holds no revision. Concurrent controllers sharing a file are
// not detected here.
type FileStore struct {
	path string
}

func NewFileStore(dir string, appName string) *FileStore {
	return &FileStore{path: filepath.Join(dir, appName+".state")}
}

func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	state, err := cluster.Decode(data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %w", ErrCorruptState, f.path, err)
	}

	return Snapshot{State: state}, nil
}

func (f *FileStore) Save(ctx context.Context, prev string, state cluster.State) (string, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(cluster.Encode(state)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close state: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return "", fmt.Errorf("failed to replace %s: %w", f.path, err)
	}

	return "", nil
}
