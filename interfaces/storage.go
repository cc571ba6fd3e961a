package interfaces

import (
	"context"
)

// KeyBlobStore is the opaque cloud blob store holding entropy-encrypted
// private key material, content-addressed by participant id only. Uploads
// and downloads are idempotent and safe to retry.
type KeyBlobStore interface {
	// SaveKey stores the encrypted blob for a participant, replacing any
	// previous blob.
	SaveKey(ctx context.Context, participant ParticipantId, encryptedBytes []byte) error

	// LoadKey retrieves the blob for a participant. Returns ErrKeyNotFound
	// when no blob exists.
	LoadKey(ctx context.Context, participant ParticipantId) ([]byte, error)

	// HasKey reports whether a blob exists for the participant.
	HasKey(ctx context.Context, participant ParticipantId) (bool, error)

	// Name returns an identifier for logging.
	Name() string
}

// BiometryVerificationId identifies one biometric capture session.
type BiometryVerificationId string

// FacetecBiometry is the opaque payload produced by the liveness SDK.
type FacetecBiometry struct {
	FaceScan                  []byte `json:"faceScan"`
	AuditTrailImage           []byte `json:"auditTrailImage"`
	LowQualityAuditTrailImage []byte `json:"lowQualityAuditTrailImage"`
}

// ScanResultBlob is the signed authenticity receipt returned when shards are
// released.
type ScanResultBlob []byte

// BiometryProvider is the biometric liveness collaborator. Capture is the
// one single-shot, user-attended suspension point in the system: it blocks
// until the user completes or cancels, and cancellation surfaces as
// ErrBiometryCancelled.
type BiometryProvider interface {
	// StartSession opens a capture session.
	StartSession(ctx context.Context) (BiometryVerificationId, error)

	// Capture blocks until the user finishes the scan for the session.
	Capture(ctx context.Context, id BiometryVerificationId) (FacetecBiometry, error)
}
