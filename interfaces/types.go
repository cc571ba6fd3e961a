package interfaces

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/totp"
)

type PublicKey = cryptoutils.PublicKey
type PrivateKey = cryptoutils.PrivateKey
type Signature = cryptoutils.Signature
type Entropy = cryptoutils.Entropy
type HashedValue = cryptoutils.HashedValue
type TotpSecret = totp.Secret

// ParticipantId identifies one approver participation. It is a 32-byte value,
// hex-encoded, and is never reused: a declined approver is re-invited under a
// fresh id.
type ParticipantId [32]byte

// RandomParticipantId creates a fresh participant id.
func RandomParticipantId() (ParticipantId, error) {
	var id ParticipantId
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ParticipantId{}, fmt.Errorf("failed to generate participant id: %w", err)
	}
	return id, nil
}

// NewParticipantIdFromBytes creates a participant id from raw bytes.
func NewParticipantIdFromBytes(source []byte) (ParticipantId, error) {
	if len(source) != 32 {
		return ParticipantId{}, errors.New("invalid participant id: must be 32 bytes")
	}

	var id ParticipantId
	copy(id[:], source)
	return id, nil
}

// NewParticipantIdFromHex creates a participant id from a hex string.
func NewParticipantIdFromHex(source string) (ParticipantId, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ParticipantId{}, errors.New("invalid participant id length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ParticipantId{}, fmt.Errorf("%w: %s", cryptoutils.ErrInvalidKeyFormat, err)
	}

	return NewParticipantIdFromBytes(raw)
}

// String returns the hex representation.
func (id ParticipantId) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte id.
func (id ParticipantId) Bytes() []byte {
	return id[:]
}

// Equal compares two participant ids.
func (id ParticipantId) Equal(other ParticipantId) bool {
	return bytes.Equal(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ParticipantId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ParticipantId) UnmarshalText(text []byte) error {
	parsed, err := NewParticipantIdFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// InvitationId identifies one approver invitation.
type InvitationId string

// SeedPhraseId identifies one protected seed phrase in the vault.
type SeedPhraseId string

// AccessId identifies one access lifecycle instance.
type AccessId string

// ApprovalId identifies one approver's approval slot within an access.
type ApprovalId string

// NewInvitationId creates a fresh invitation id.
func NewInvitationId() InvitationId {
	return InvitationId(uuid.New().String())
}

// NewSeedPhraseId creates a fresh seed phrase id.
func NewSeedPhraseId() SeedPhraseId {
	return SeedPhraseId(uuid.New().String())
}

// NewAccessId creates a fresh access id.
func NewAccessId() AccessId {
	return AccessId(uuid.New().String())
}

// NewApprovalId creates a fresh approval id.
func NewApprovalId() ApprovalId {
	return ApprovalId(uuid.New().String())
}

func validateOpaqueId(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid id %q: %w", id, err)
	}
	return nil
}

// Validate checks the id is a well-formed token.
func (id InvitationId) Validate() error { return validateOpaqueId(string(id)) }

// Validate checks the id is a well-formed token.
func (id SeedPhraseId) Validate() error { return validateOpaqueId(string(id)) }

// Validate checks the id is a well-formed token.
func (id AccessId) Validate() error { return validateOpaqueId(string(id)) }

// Validate checks the id is a well-formed token.
func (id ApprovalId) Validate() error { return validateOpaqueId(string(id)) }
