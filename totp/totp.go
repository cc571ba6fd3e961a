// Package totp generates and verifies the time-windowed one-time codes that
// authenticate an approver's live session with the owner. Verification is
// stateless: the owner recomputes the code for a counter window and checks
// the approver's signature over it, never a bare string match.
package totp

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/keyquorum/recovery-backend/cryptoutils"
)

// CodeExpiration is the width of one code window.
const CodeExpiration = 30 * time.Second

// Digits is the displayed code length.
const Digits = otp.DigitsSix

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Secret is a base32-encoded shared TOTP secret.
type Secret string

// GenerateSecret creates a fresh 20-byte shared secret.
func GenerateSecret() (Secret, error) {
	raw := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return Secret(b32.EncodeToString(raw)), nil
}

// NewSecret creates a secret from its base32 encoding with validation.
func NewSecret(encoded string) (Secret, error) {
	if _, err := b32.DecodeString(encoded); err != nil {
		return "", fmt.Errorf("%w: %s", cryptoutils.ErrInvalidKeyFormat, err)
	}
	return Secret(encoded), nil
}

// String returns the base32 encoding.
func (s Secret) String() string {
	return string(s)
}

// CounterAt maps a wall-clock instant to its code window counter.
func CounterAt(t time.Time) uint64 {
	return uint64(t.Unix()) / uint64(CodeExpiration/time.Second)
}

// SecondsRemaining reports how long the current code window has left.
func SecondsRemaining(t time.Time) int {
	period := int64(CodeExpiration / time.Second)
	return int(period - t.Unix()%period)
}

// GenerateCode computes the code for a counter window.
func GenerateCode(secret Secret, counter uint64) (string, error) {
	at := time.Unix(int64(counter)*int64(CodeExpiration/time.Second), 0).UTC()
	code, err := totp.GenerateCodeCustom(string(secret), at, totp.ValidateOpts{
		Period:    uint(CodeExpiration / time.Second),
		Digits:    Digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate totp code: %w", err)
	}
	return code, nil
}

// VerifyCode reports whether code matches the window at counter, tolerating
// one window of clock drift in either direction.
func VerifyCode(secret Secret, code string, counter uint64) bool {
	for _, c := range []uint64{counter - 1, counter, counter + 1} {
		expected, err := GenerateCode(secret, c)
		if err != nil {
			return false
		}
		if expected == code {
			return true
		}
	}
	return false
}
