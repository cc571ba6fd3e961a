package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/keyquorum/recovery-backend/interfaces"
)

// FileBackend stores key blobs on the local file system, one file per
// participant id.
type FileBackend struct {
	baseDir string
	log     *slog.Logger
}

// NewFileBackend creates a file store rooted at baseDir, creating the
// directory if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBackend{baseDir: baseDir, log: log}, nil
}

func (b *FileBackend) blobPath(participant interfaces.ParticipantId) string {
	return filepath.Join(b.baseDir, participant.String())
}

// SaveKey stores the blob, replacing any previous one.
func (b *FileBackend) SaveKey(ctx context.Context, participant interfaces.ParticipantId, encryptedBytes []byte) error {
	path := b.blobPath(participant)
	if err := os.WriteFile(path, encryptedBytes, 0600); err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", interfaces.ErrCloudStoragePermission, err)
		}
		return fmt.Errorf("failed to write key blob: %w", err)
	}

	b.log.Debug("Stored key blob in file",
		slog.String("path", path),
		slog.Int("size", len(encryptedBytes)))
	return nil
}

// LoadKey retrieves the blob for a participant.
func (b *FileBackend) LoadKey(ctx context.Context, participant interfaces.ParticipantId) ([]byte, error) {
	path := b.blobPath(participant)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ErrKeyNotFound
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrCloudStoragePermission, err)
		}
		return nil, fmt.Errorf("failed to read key blob: %w", err)
	}

	b.log.Debug("Fetched key blob from file",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// HasKey reports whether a blob exists for the participant.
func (b *FileBackend) HasKey(ctx context.Context, participant interfaces.ParticipantId) (bool, error) {
	_, err := os.Stat(b.blobPath(participant))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat key blob: %w", err)
	}
	return true, nil
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}
