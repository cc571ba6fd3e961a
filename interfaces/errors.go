package interfaces

import (
	"errors"
	"fmt"

	"github.com/keyquorum/recovery-backend/cryptoutils"
)

// ErrInvalidKeyFormat is re-exported so callers matching the taxonomy do not
// need to import cryptoutils directly.
var ErrInvalidKeyFormat = cryptoutils.ErrInvalidKeyFormat

var (
	// ErrCrypto marks a signature or decryption failure. Always fatal to the
	// current operation, never silently ignored.
	ErrCrypto = errors.New("cryptographic verification failed")

	// ErrInsufficientApproval means fewer than threshold approvals exist.
	// Retryable by waiting for more approvals, not by retrying the call.
	ErrInsufficientApproval = errors.New("insufficient approvals")

	// ErrInsufficientShards means fewer than threshold shards were supplied
	// for reconstruction. There is no partial or degraded recovery.
	ErrInsufficientShards = errors.New("insufficient shards to reconstruct key")

	// ErrKeyConfirmationInvalid aborts a whole ReplacePolicy; nothing is
	// committed when any approver's key confirmation fails verification.
	ErrKeyConfirmationInvalid = errors.New("approver key confirmation invalid")

	// ErrRemoteUnavailable marks a network or server failure. Eligible for
	// explicit user-triggered retry.
	ErrRemoteUnavailable = errors.New("remote service unavailable")

	// ErrCloudStoragePermission marks a blob store permission failure. Not
	// retryable without external user action and surfaced distinctly from
	// generic remote failure.
	ErrCloudStoragePermission = errors.New("cloud storage permission denied")

	// ErrKeyNotFound is returned by a KeyBlobStore when no blob exists for
	// the participant.
	ErrKeyNotFound = errors.New("key blob not found")

	// ErrBiometryCancelled means the user aborted the biometric capture.
	// The in-flight access stays retryable.
	ErrBiometryCancelled = errors.New("biometric capture cancelled")

	// ErrNoOpenAccess is returned when an operation needs an in-flight
	// access and none exists.
	ErrNoOpenAccess = errors.New("no open access")

	// ErrAccessTimelocked is returned when shards are requested before the
	// timelock has elapsed.
	ErrAccessTimelocked = errors.New("access is still timelocked")

	// ErrNoPolicy is returned when an operation requires an active policy
	// and the owner state is still Initial.
	ErrNoPolicy = errors.New("no active policy")
)

func errInvalidEnum(what, got string) error {
	return fmt.Errorf("invalid %s %q", what, got)
}
