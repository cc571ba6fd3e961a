package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/keyquorum/recovery-backend/interfaces"
)

// IPFSBackend stores key blobs through an IPFS node. IPFS addresses content
// by hash, so the participant-to-CID index lives with the backend; pair it
// with a durable backend through MultiBackend when the index must survive
// restarts.
type IPFSBackend struct {
	shell *shell.Shell
	log   *slog.Logger

	mu   sync.RWMutex
	cids map[interfaces.ParticipantId]string
}

// NewIPFSBackend creates an IPFS store talking to the node API at apiURL.
func NewIPFSBackend(apiURL string, log *slog.Logger) *IPFSBackend {
	return &IPFSBackend{
		shell: shell.NewShell(apiURL),
		log:   log,
		cids:  make(map[interfaces.ParticipantId]string),
	}
}

// SaveKey adds the blob to IPFS, pins it, and records its CID for the
// participant.
func (b *IPFSBackend) SaveKey(ctx context.Context, participant interfaces.ParticipantId, encryptedBytes []byte) error {
	cid, err := b.shell.Add(bytes.NewReader(encryptedBytes), shell.Pin(true))
	if err != nil {
		return fmt.Errorf("failed to add key blob to ipfs: %w", err)
	}

	b.mu.Lock()
	b.cids[participant] = cid
	b.mu.Unlock()

	b.log.Debug("Stored key blob in ipfs",
		slog.String("cid", cid),
		slog.Int("size", len(encryptedBytes)))
	return nil
}

// LoadKey fetches the blob by the participant's recorded CID.
func (b *IPFSBackend) LoadKey(ctx context.Context, participant interfaces.ParticipantId) ([]byte, error) {
	b.mu.RLock()
	cid, ok := b.cids[participant]
	b.mu.RUnlock()
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}

	reader, err := b.shell.Cat(cid)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key blob from ipfs: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read key blob from ipfs: %w", err)
	}

	b.log.Debug("Fetched key blob from ipfs",
		slog.String("cid", cid),
		slog.Int("size", len(data)))
	return data, nil
}

// HasKey reports whether a CID is recorded for the participant.
func (b *IPFSBackend) HasKey(ctx context.Context, participant interfaces.ParticipantId) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.cids[participant]
	return ok, nil
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return "ipfs"
}
