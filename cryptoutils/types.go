package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
)

// ErrInvalidKeyFormat is returned when a key, signature, or entropy encoding
// cannot be decoded. Malformed material fails fast at construction and never
// enters the system.
var ErrInvalidKeyFormat = errors.New("invalid key format")

// Curve is the elliptic curve used for every key pair in the system.
var Curve = elliptic.P256()

// PublicKey is a Base58-encoded, uncompressed P-256 public key point.
type PublicKey string

// NewPublicKey creates a public key from its Base58 encoding with validation.
func NewPublicKey(encoded string) (PublicKey, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidKeyFormat, err)
	}

	x, _ := elliptic.Unmarshal(Curve, raw)
	if x == nil {
		return "", fmt.Errorf("%w: not a P-256 point", ErrInvalidKeyFormat)
	}

	return PublicKey(encoded), nil
}

// Validate checks that the public key is properly formed.
func (pub PublicKey) Validate() error {
	_, err := NewPublicKey(string(pub))
	return err
}

// String returns the Base58 encoding.
func (pub PublicKey) String() string {
	return string(pub)
}

// Bytes returns the uncompressed point encoding.
func (pub PublicKey) Bytes() []byte {
	raw, _ := base58.Decode(string(pub))
	return raw
}

// ECDSA returns the parsed ECDSA public key.
func (pub PublicKey) ECDSA() (*ecdsa.PublicKey, error) {
	raw, err := base58.Decode(string(pub))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKeyFormat, err)
	}

	x, y := elliptic.Unmarshal(Curve, raw)
	if x == nil {
		return nil, fmt.Errorf("%w: not a P-256 point", ErrInvalidKeyFormat)
	}

	return &ecdsa.PublicKey{Curve: Curve, X: x, Y: y}, nil
}

// PrivateKey is a Base58-encoded P-256 private scalar. Private keys never
// leave the device that generated them except as shards or entropy-encrypted
// blobs.
type PrivateKey string

// NewPrivateKey creates a private key from its Base58 encoding with validation.
func NewPrivateKey(encoded string) (PrivateKey, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidKeyFormat, err)
	}

	if len(raw) != 32 {
		return "", fmt.Errorf("%w: private scalar must be 32 bytes", ErrInvalidKeyFormat)
	}

	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(Curve.Params().N) >= 0 {
		return "", fmt.Errorf("%w: private scalar out of range", ErrInvalidKeyFormat)
	}

	return PrivateKey(encoded), nil
}

// PrivateKeyFromBytes creates a private key from a raw 32-byte scalar.
func PrivateKeyFromBytes(raw []byte) (PrivateKey, error) {
	return NewPrivateKey(base58.Encode(raw))
}

// Validate checks that the private key is properly formed.
func (priv PrivateKey) Validate() error {
	_, err := NewPrivateKey(string(priv))
	return err
}

// String returns the Base58 encoding.
func (priv PrivateKey) String() string {
	return string(priv)
}

// Bytes returns the raw 32-byte scalar.
func (priv PrivateKey) Bytes() []byte {
	raw, _ := base58.Decode(string(priv))
	return raw
}

// ECDSA returns the parsed ECDSA private key.
func (priv PrivateKey) ECDSA() (*ecdsa.PrivateKey, error) {
	raw, err := base58.Decode(string(priv))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKeyFormat, err)
	}

	d := new(big.Int).SetBytes(raw)
	x, y := Curve.ScalarBaseMult(raw)
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: Curve, X: x, Y: y},
		D:         d,
	}, nil
}

// Public returns the public half of the key pair.
func (priv PrivateKey) Public() (PublicKey, error) {
	key, err := priv.ECDSA()
	if err != nil {
		return "", err
	}
	return PublicKey(base58.Encode(elliptic.Marshal(Curve, key.X, key.Y))), nil
}

// KeyPair holds both halves of a generated key pair.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// GenerateKeyPair creates a fresh P-256 key pair.
func GenerateKeyPair() (KeyPair, error) {
	key, err := ecdsa.GenerateKey(Curve, rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate key pair: %w", err)
	}

	scalar := make([]byte, 32)
	key.D.FillBytes(scalar)

	return KeyPair{
		Public:  PublicKey(base58.Encode(elliptic.Marshal(Curve, key.X, key.Y))),
		Private: PrivateKey(base58.Encode(scalar)),
	}, nil
}

// Signature is an ASN.1 ECDSA signature over the SHA-256 digest of a message.
type Signature []byte

// Sign produces a signature over message with the given private key.
func Sign(priv PrivateKey, message []byte) (Signature, error) {
	key, err := priv.ECDSA()
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return Signature(sig), nil
}

// Verify reports whether sig is a valid signature over message by pub.
func Verify(pub PublicKey, message []byte, sig Signature) bool {
	key, err := pub.ECDSA()
	if err != nil {
		return false
	}

	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(key, digest[:], sig)
}

// HashedValue is the hex-encoded SHA-256 digest of a byte string.
type HashedValue string

// Hash computes the digest of data.
func Hash(data []byte) HashedValue {
	digest := sha256.Sum256(data)
	return HashedValue(hex.EncodeToString(digest[:]))
}

// String returns the hex digest.
func (h HashedValue) String() string {
	return string(h)
}
