package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

//go:generate mockgen -destination=mocks/mock_persistence.go -package=mocks -source=persistence.go Persister

const (
	// SnapshotFileName is the name of the latest-snapshot file
	SnapshotFileName = "snapshot.json"
)

// Persister stores and retrieves state snapshots
type Persister interface {
	// Save persists a snapshot, replacing the previous one
	Save(ctx context.Context, snap *Overview) error

	// Load retrieves the last persisted snapshot.
	// Returns nil without error if no snapshot exists yet.
	Load(ctx context.Context) (*Overview, error)
}

// filePersister implements Persister using the local filesystem
type filePersister struct {
	basePath string
}

// NewFilePersister creates a file-based snapshot persister.
// basePath is the directory where the snapshot file is stored.
func NewFilePersister(basePath string) Persister {
	return &filePersister{
		basePath: basePath,
	}
}

// Save writes the snapshot to a JSON file via an atomic rename
func (f *filePersister) Save(_ context.Context, snap *Overview) error {
	if err := os.MkdirAll(f.basePath, 0750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	filePath := filepath.Join(f.basePath, SnapshotFileName)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Write to temporary file first for atomic operation
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary snapshot file: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}

	return nil
}

// Load reads the last persisted snapshot.
// Returns nil if the file doesn't exist.
func (f *filePersister) Load(_ context.Context) (*Overview, error) {
	filePath := filepath.Join(f.basePath, SnapshotFileName)

	// #nosec G304 -- filePath is constructed from a trusted base path
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snap Overview
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}
