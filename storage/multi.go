package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/keyquorum/recovery-backend/interfaces"
)

// MultiBackend replicates key blobs across several stores. Saves must reach
// every store; loads return the first hit. Permission failures surface as
// ErrCloudStoragePermission so callers can distinguish revoked cloud access
// from absence.
type MultiBackend struct {
	backends []interfaces.KeyBlobStore
	log      *slog.Logger
}

// NewMultiBackend wraps the given stores. At least one is required.
func NewMultiBackend(log *slog.Logger, backends ...interfaces.KeyBlobStore) (*MultiBackend, error) {
	if len(backends) == 0 {
		return nil, errors.New("at least one storage backend is required")
	}
	return &MultiBackend{backends: backends, log: log}, nil
}

// SaveKey writes the blob to every store. A single failure fails the save;
// redundancy is only real when all replicas hold the blob.
func (b *MultiBackend) SaveKey(ctx context.Context, participant interfaces.ParticipantId, encryptedBytes []byte) error {
	for _, backend := range b.backends {
		if err := backend.SaveKey(ctx, participant, encryptedBytes); err != nil {
			return fmt.Errorf("backend %s: %w", backend.Name(), err)
		}
	}
	return nil
}

// LoadKey returns the blob from the first store that has it. Only when every
// store misses does it return ErrKeyNotFound; a permission failure anywhere
// is reported in preference to a miss.
func (b *MultiBackend) LoadKey(ctx context.Context, participant interfaces.ParticipantId) ([]byte, error) {
	var permissionErr error
	for _, backend := range b.backends {
		blob, err := backend.LoadKey(ctx, participant)
		if err == nil {
			return blob, nil
		}
		if errors.Is(err, interfaces.ErrCloudStoragePermission) {
			permissionErr = err
			continue
		}
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			b.log.Warn("key blob load failed", "backend", backend.Name(), "err", err)
		}
	}

	if permissionErr != nil {
		return nil, permissionErr
	}
	return nil, interfaces.ErrKeyNotFound
}

// HasKey reports whether any store has the blob.
func (b *MultiBackend) HasKey(ctx context.Context, participant interfaces.ParticipantId) (bool, error) {
	var lastErr error
	for _, backend := range b.backends {
		ok, err := backend.HasKey(ctx, participant)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, lastErr
}

// Name returns a unique identifier for this storage backend.
func (b *MultiBackend) Name() string {
	names := make([]string, 0, len(b.backends))
	for _, backend := range b.backends {
		names = append(names, backend.Name())
	}
	return "multi(" + strings.Join(names, ",") + ")"
}
