package storage

import (
	"context"
	"sync"

	"github.com/keyquorum/recovery-backend/interfaces"
)

// MemoryBackend is an in-memory key blob store. Used in tests and for
// single-process setups without durability requirements.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[interfaces.ParticipantId][]byte
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[interfaces.ParticipantId][]byte)}
}

// SaveKey stores the blob, replacing any previous one.
func (b *MemoryBackend) SaveKey(ctx context.Context, participant interfaces.ParticipantId, encryptedBytes []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[participant] = append([]byte{}, encryptedBytes...)
	return nil
}

// LoadKey retrieves the blob for a participant.
func (b *MemoryBackend) LoadKey(ctx context.Context, participant interfaces.ParticipantId) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	blob, ok := b.blobs[participant]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return append([]byte{}, blob...), nil
}

// HasKey reports whether a blob exists for the participant.
func (b *MemoryBackend) HasKey(ctx context.Context, participant interfaces.ParticipantId) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[participant]
	return ok, nil
}

// Name returns a unique identifier for this storage backend.
func (b *MemoryBackend) Name() string {
	return "memory"
}
