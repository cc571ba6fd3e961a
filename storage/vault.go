package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/keyquorum/recovery-backend/interfaces"
)

// VaultBackend stores key blobs in a HashiCorp Vault KV v2 mount, one secret
// per participant id.
type VaultBackend struct {
	client *vaultapi.Client
	mount  string
	prefix string
	log    *slog.Logger
}

// NewVaultBackend creates a Vault store against the given server address and
// token.
func NewVaultBackend(address, token, mount, prefix string, log *slog.Logger) (*VaultBackend, error) {
	config := vaultapi.DefaultConfig()
	config.Address = address

	client, err := vaultapi.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultBackend{
		client: client,
		mount:  mount,
		prefix: prefix,
		log:    log,
	}, nil
}

func (b *VaultBackend) secretPath(participant interfaces.ParticipantId) string {
	return path.Join(b.mount, "data", b.prefix, participant.String())
}

func vaultError(err error) error {
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", interfaces.ErrCloudStoragePermission, err)
		case http.StatusNotFound:
			return interfaces.ErrKeyNotFound
		}
	}
	return err
}

// SaveKey writes the blob, replacing any previous version.
func (b *VaultBackend) SaveKey(ctx context.Context, participant interfaces.ParticipantId, encryptedBytes []byte) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"blob": base64.StdEncoding.EncodeToString(encryptedBytes),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, b.secretPath(participant), payload); err != nil {
		return fmt.Errorf("failed to write key blob to vault: %w", vaultError(err))
	}

	b.log.Debug("Stored key blob in vault",
		slog.String("path", b.secretPath(participant)),
		slog.Int("size", len(encryptedBytes)))
	return nil
}

// LoadKey reads the blob for a participant.
func (b *VaultBackend) LoadKey(ctx context.Context, participant interfaces.ParticipantId) ([]byte, error) {
	secret, err := b.client.Logical().ReadWithContext(ctx, b.secretPath(participant))
	if err != nil {
		mapped := vaultError(err)
		if errors.Is(mapped, interfaces.ErrKeyNotFound) {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to read key blob from vault: %w", mapped)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrKeyNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	encoded, ok := data["blob"].(string)
	if !ok {
		return nil, fmt.Errorf("malformed key blob secret at %s", b.secretPath(participant))
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key blob: %w", err)
	}

	b.log.Debug("Fetched key blob from vault",
		slog.String("path", b.secretPath(participant)),
		slog.Int("size", len(blob)))
	return blob, nil
}

// HasKey reports whether a blob exists for the participant.
func (b *VaultBackend) HasKey(ctx context.Context, participant interfaces.ParticipantId) (bool, error) {
	_, err := b.LoadKey(ctx, participant)
	if err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s", b.mount)
}
