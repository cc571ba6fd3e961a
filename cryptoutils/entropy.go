package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Entropy is a hex-encoded, server-issued 32-byte random value. Combined
// with device-local key material it derives the symmetric key protecting
// cloud-stored private key blobs.
type Entropy string

// GenerateEntropy creates a fresh 32-byte entropy value.
func GenerateEntropy() (Entropy, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return Entropy(hex.EncodeToString(raw)), nil
}

// NewEntropy creates an entropy value from its hex encoding with validation.
func NewEntropy(encoded string) (Entropy, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidKeyFormat, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: entropy must be 32 bytes", ErrInvalidKeyFormat)
	}
	return Entropy(encoded), nil
}

// Validate checks that the entropy value is properly formed.
func (e Entropy) Validate() error {
	_, err := NewEntropy(string(e))
	return err
}

// String returns the hex encoding.
func (e Entropy) String() string {
	return string(e)
}

// Bytes returns the raw 32-byte value.
func (e Entropy) Bytes() []byte {
	raw, _ := hex.DecodeString(string(e))
	return raw
}

// deriveEntropyKey stretches device key material with the entropy as salt.
// Parameters: time=1, memory=64MiB, threads=4, keyLen=32.
func deriveEntropyKey(deviceKey PrivateKey, entropy Entropy) []byte {
	return argon2.IDKey(deviceKey.Bytes(), entropy.Bytes(), 1, 64*1024, 4, 32)
}

// EncryptWithEntropy encrypts plaintext under a key derived from the device
// key and the entropy value. Format: [nonce (12 bytes)][ciphertext].
func EncryptWithEntropy(deviceKey PrivateKey, entropy Entropy, plaintext []byte) ([]byte, error) {
	if err := deviceKey.Validate(); err != nil {
		return nil, err
	}
	if err := entropy.Validate(); err != nil {
		return nil, err
	}

	aesBlock, err := aes.NewCipher(deriveEntropyKey(deviceKey, entropy))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return append(nonce, aesGCM.Seal(nil, nonce, plaintext, nil)...), nil
}

// DecryptWithEntropy decrypts data produced by EncryptWithEntropy. It fails
// unless both the same device key and the same entropy value are supplied.
func DecryptWithEntropy(deviceKey PrivateKey, entropy Entropy, encryptedData []byte) ([]byte, error) {
	if err := deviceKey.Validate(); err != nil {
		return nil, err
	}
	if err := entropy.Validate(); err != nil {
		return nil, err
	}

	aesBlock, err := aes.NewCipher(deriveEntropyKey(deviceKey, entropy))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(encryptedData) < aesGCM.NonceSize() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := encryptedData[:aesGCM.NonceSize()]
	ciphertext := encryptedData[aesGCM.NonceSize():]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
